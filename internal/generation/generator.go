// Package generation wraps the image model behind a single call: source
// image plus instruction in, generated image out.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ProviderGemini    = "gemini"
	ProviderSynthetic = "synthetic"
)

// ErrNoImage is returned when the model answers without any image content.
var ErrNoImage = errors.New("generation returned no image")

type Request struct {
	JobID       string
	Image       []byte
	MimeType    string
	Instruction string
	Style       string
}

type Image struct {
	Data     []byte
	MimeType string
	Model    string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Image, error)
}

type Options struct {
	Provider   string
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// New picks the generator for the configured provider. A gemini provider
// without an API key runs the synthetic generator so local stacks work
// without credentials.
func New(opts Options, logger zerolog.Logger) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", ProviderGemini:
		if strings.TrimSpace(opts.APIKey) == "" {
			logger.Warn().Msg("GEMINI_API_KEY is not set; using the synthetic generator")
			return Synthetic{}, nil
		}
		return NewGeminiClient(opts, logger), nil
	case ProviderSynthetic:
		return Synthetic{}, nil
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", opts.Provider)
	}
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.Instruction))
	if style := strings.TrimSpace(req.Style); style != "" && style != "custom" {
		b.WriteString("\nStyle: ")
		b.WriteString(style)
	}
	b.WriteString("\nKeep the subject's identity and pose from the reference photo. Return a single image.")
	return b.String()
}
