package quota

import (
	"context"
	"sync"
)

type counterKey struct {
	userID string
	day    string
}

// MemoryLedger keeps counters in process memory. It backs tests and
// single-process local runs.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[counterKey]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counters: make(map[counterKey]int)}
}

func (l *MemoryLedger) TryReserve(_ context.Context, userID, day string, limit int) (Reservation, error) {
	if err := validateKey(userID, day); err != nil {
		return Reservation{}, err
	}
	if limit <= 0 {
		return Reservation{Allowed: false, Remaining: 0}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := counterKey{userID: userID, day: day}
	count := l.counters[key]
	if count >= limit {
		return Reservation{Allowed: false, Remaining: 0}, nil
	}
	count++
	l.counters[key] = count
	return Reservation{Allowed: true, Remaining: remaining(limit, count)}, nil
}

func (l *MemoryLedger) Release(_ context.Context, userID, day string) error {
	if err := validateKey(userID, day); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := counterKey{userID: userID, day: day}
	if l.counters[key] > 0 {
		l.counters[key]--
	}
	return nil
}

func (l *MemoryLedger) Usage(_ context.Context, userID, day string) (int, error) {
	if err := validateKey(userID, day); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[counterKey{userID: userID, day: day}], nil
}
