package quota

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/portraitflow/internal/database"
)

const testDay = "2026-10-18"

func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	redisLedger, err := NewRedisLedger(client, "test:quota", 90*24*time.Hour)
	if err != nil {
		t.Fatalf("NewRedisLedger returned error: %v", err)
	}

	out := map[string]Ledger{
		"memory": NewMemoryLedger(),
		"redis":  redisLedger,
	}

	if dsn := os.Getenv("PORTRAITFLOW_TEST_POSTGRES_DSN"); dsn != "" {
		ctx := context.Background()
		db, err := database.Open(ctx, dsn, 20)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		pg, err := NewPostgresLedger(ctx, db, 90*24*time.Hour)
		if err != nil {
			t.Fatalf("NewPostgresLedger returned error: %v", err)
		}
		if _, err := db.ExecContext(ctx, `DELETE FROM quota_counters WHERE user_id LIKE 'user-%'`); err != nil {
			t.Fatalf("reset quota counters: %v", err)
		}
		out["postgres"] = pg
	}
	return out
}

func TestTryReserveUntilLimit(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := 4; want >= 0; want-- {
				res, err := ledger.TryReserve(ctx, "user-limit", testDay, 5)
				if err != nil {
					t.Fatalf("TryReserve returned error: %v", err)
				}
				if !res.Allowed || res.Remaining != want {
					t.Fatalf("expected allowed with remaining %d, got %+v", want, res)
				}
			}

			res, err := ledger.TryReserve(ctx, "user-limit", testDay, 5)
			if err != nil {
				t.Fatalf("TryReserve returned error: %v", err)
			}
			if res.Allowed || res.Remaining != 0 {
				t.Fatalf("expected sixth reservation to be refused, got %+v", res)
			}

			used, err := ledger.Usage(ctx, "user-limit", testDay)
			if err != nil {
				t.Fatalf("Usage returned error: %v", err)
			}
			if used != 5 {
				t.Fatalf("refused reservation must not mutate the counter, got %d", used)
			}
		})
	}
}

func TestReleaseRestoresCounter(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				if _, err := ledger.TryReserve(ctx, "user-release", testDay, 3); err != nil {
					t.Fatalf("TryReserve returned error: %v", err)
				}
			}

			if err := ledger.Release(ctx, "user-release", testDay); err != nil {
				t.Fatalf("Release returned error: %v", err)
			}
			used, err := ledger.Usage(ctx, "user-release", testDay)
			if err != nil {
				t.Fatalf("Usage returned error: %v", err)
			}
			if used != 2 {
				t.Fatalf("expected counter 2 after release, got %d", used)
			}

			res, err := ledger.TryReserve(ctx, "user-release", testDay, 3)
			if err != nil {
				t.Fatalf("TryReserve returned error: %v", err)
			}
			if !res.Allowed || res.Remaining != 0 {
				t.Fatalf("expected released slot to be reusable, got %+v", res)
			}
		})
	}
}

func TestReleaseNeverGoesBelowZero(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := ledger.Release(ctx, "user-empty", testDay); err != nil {
				t.Fatalf("Release on missing counter returned error: %v", err)
			}
			used, err := ledger.Usage(ctx, "user-empty", testDay)
			if err != nil {
				t.Fatalf("Usage returned error: %v", err)
			}
			if used != 0 {
				t.Fatalf("expected 0, got %d", used)
			}
		})
	}
}

func TestConcurrentReservationsNeverExceedLimit(t *testing.T) {
	const (
		limit   = 10
		callers = 64
	)

	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg      sync.WaitGroup
				allowed atomic.Int64
				failed  atomic.Int64
			)
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					res, err := ledger.TryReserve(ctx, "user-race", testDay, limit)
					if err != nil {
						failed.Add(1)
						return
					}
					if res.Allowed {
						allowed.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			if failed.Load() != 0 {
				t.Fatalf("expected no errors, got %d", failed.Load())
			}
			if allowed.Load() != limit {
				t.Fatalf("expected exactly %d reservations, got %d", limit, allowed.Load())
			}
			used, err := ledger.Usage(ctx, "user-race", testDay)
			if err != nil {
				t.Fatalf("Usage returned error: %v", err)
			}
			if used != limit {
				t.Fatalf("expected counter %d, got %d", limit, used)
			}
		})
	}
}

func TestCountersAreScopedByUserAndDay(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := ledger.TryReserve(ctx, "user-a", testDay, 1); err != nil {
				t.Fatalf("TryReserve returned error: %v", err)
			}

			res, err := ledger.TryReserve(ctx, "user-b", testDay, 1)
			if err != nil || !res.Allowed {
				t.Fatalf("expected another user to have an independent counter, got %+v err=%v", res, err)
			}
			res, err = ledger.TryReserve(ctx, "user-a", "2026-10-19", 1)
			if err != nil || !res.Allowed {
				t.Fatalf("expected the next day to start fresh, got %+v err=%v", res, err)
			}
		})
	}
}

func TestNonPositiveLimitAlwaysRefuses(t *testing.T) {
	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			res, err := ledger.TryReserve(context.Background(), "user-zero", testDay, 0)
			if err != nil {
				t.Fatalf("TryReserve returned error: %v", err)
			}
			if res.Allowed {
				t.Fatal("expected limit 0 to refuse")
			}
		})
	}
}

func TestInvalidKeysAreRejected(t *testing.T) {
	ledger := NewMemoryLedger()
	if _, err := ledger.TryReserve(context.Background(), " ", testDay, 1); err == nil {
		t.Fatal("expected error for empty user id")
	}
	if _, err := ledger.TryReserve(context.Background(), "user", "18/10/2026", 1); err == nil {
		t.Fatal("expected error for malformed day")
	}
}

func TestRedisLedgerSetsExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger, err := NewRedisLedger(client, "test:quota", 90*24*time.Hour)
	if err != nil {
		t.Fatalf("NewRedisLedger returned error: %v", err)
	}
	if _, err := ledger.TryReserve(context.Background(), "user-ttl", testDay, 3); err != nil {
		t.Fatalf("TryReserve returned error: %v", err)
	}

	key := "test:quota:user-ttl:" + testDay
	if ttl := mr.TTL(key); ttl <= 0 || ttl > 90*24*time.Hour {
		t.Fatalf("expected retention ttl, got %s", ttl)
	}
	if got := mr.HGet(key, "count"); got != "1" {
		t.Fatalf("expected count field 1, got %q", got)
	}

	mr.FastForward(91 * 24 * time.Hour)
	used, err := ledger.Usage(context.Background(), "user-ttl", testDay)
	if err != nil {
		t.Fatalf("Usage returned error: %v", err)
	}
	if used != 0 {
		t.Fatalf("expected expired counter to read as 0, got %d", used)
	}
}

func TestRedisLedgerFailsOnRedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	ledger, err := NewRedisLedger(client, "test:quota", time.Hour*24)
	if err != nil {
		t.Fatalf("NewRedisLedger returned error: %v", err)
	}
	mr.Close()

	if _, err := ledger.TryReserve(context.Background(), "user", testDay, 1); err == nil {
		t.Fatal("expected TryReserve to surface redis errors")
	}
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	local := time.Date(2026, 10, 19, 2, 0, 0, 0, loc)
	if got := Day(local); got != testDay {
		t.Fatalf("expected UTC day %s, got %s", testDay, got)
	}
}
