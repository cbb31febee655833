package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func TestGeminiClientGenerate(t *testing.T) {
	source := testPNG(t, 32, 32)
	generated := testPNG(t, 64, 64)

	var gotBody geminiGenerateContentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/test-model:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "secret" {
			t.Errorf("expected api key in query")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{
						{"text": "here you go"},
						{"inlineData": map[string]string{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString(generated)}},
					},
				},
			}},
		})
	}))
	defer srv.Close()

	client := NewGeminiClient(Options{APIKey: "secret", BaseURL: srv.URL, Model: "test-model"}, zerolog.Nop())
	img, err := client.Generate(context.Background(), Request{
		JobID:       "job_1",
		Image:       source,
		MimeType:    "image/png",
		Instruction: "oil painting",
		Style:       "renaissance",
	})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !bytes.Equal(img.Data, generated) || img.Model != "test-model" {
		t.Fatalf("unexpected image: model=%s bytes=%d", img.Model, len(img.Data))
	}

	if len(gotBody.Contents) != 1 || len(gotBody.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected request contents: %+v", gotBody.Contents)
	}
	prompt := gotBody.Contents[0].Parts[0].Text
	if !strings.Contains(prompt, "oil painting") || !strings.Contains(prompt, "renaissance") {
		t.Fatalf("prompt missing instruction or style: %q", prompt)
	}
	if gotBody.Contents[0].Parts[1].InlineData == nil {
		t.Fatal("expected source image as inline data")
	}
}

func TestGeminiClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("key") {
		case "quota":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"resource exhausted"}}`))
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"candidates": []map[string]any{{
					"content":      map[string]any{"parts": []map[string]any{{"text": "no"}}},
					"finishReason": "SAFETY",
				}},
			})
		}
	}))
	defer srv.Close()

	req := Request{Image: testPNG(t, 4, 4), Instruction: "x"}

	client := NewGeminiClient(Options{APIKey: "quota", BaseURL: srv.URL}, zerolog.Nop())
	if _, err := client.Generate(context.Background(), req); err == nil || !strings.Contains(err.Error(), "resource exhausted") {
		t.Fatalf("expected api error message, got %v", err)
	}

	client = NewGeminiClient(Options{APIKey: "ok", BaseURL: srv.URL}, zerolog.Nop())
	if _, err := client.Generate(context.Background(), req); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}

func TestSyntheticIsDeterministic(t *testing.T) {
	req := Request{Image: testPNG(t, 48, 24), Instruction: "anime portrait", Style: "anime"}

	first, err := Synthetic{}.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	second, err := Synthetic{}.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Fatal("expected identical output for identical input")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(first.Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "png" || cfg.Width != 48 || cfg.Height != 24 {
		t.Fatalf("unexpected output %s %dx%d", format, cfg.Width, cfg.Height)
	}

	if _, err := (Synthetic{}).Generate(context.Background(), Request{Image: []byte("nope")}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	gen, err := New(Options{Provider: "gemini"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, ok := gen.(Synthetic); !ok {
		t.Fatalf("expected synthetic generator without api key, got %T", gen)
	}

	gen, err = New(Options{Provider: "gemini", APIKey: "k"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, ok := gen.(*GeminiClient); !ok {
		t.Fatalf("expected gemini client, got %T", gen)
	}

	if _, err := New(Options{Provider: "dalle"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
