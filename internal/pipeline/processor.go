package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/portraitflow/internal/generation"
)

// ErrUndecodableInput marks a source object that is not a supported image.
// Retrying cannot fix it.
var ErrUndecodableInput = errors.New("source is not a decodable image")

// ErrInvalidOutput marks a model response that is not a usable image. The
// next attempt may succeed.
var ErrInvalidOutput = errors.New("generated image is not decodable")

type Request struct {
	JobID       string
	UserID      string
	InputRef    string
	Instruction string
	Style       string
}

// Image is an encoded image together with its format and dimensions.
type Image struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

type Result struct {
	OutputRef         string
	Bytes             int
	Width             int
	Height            int
	Model             string
	GenerationSeconds float64
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// Preparer normalises the source into the PNG the model receives.
type Preparer interface {
	Prepare(ctx context.Context, input []byte, maxWidth int) (Image, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, img Image) (string, error)
}

type Processor struct {
	fetcher   Fetcher
	preparer  Preparer
	generator generation.Generator
	emitter   Emitter
	maxWidth  int
	now       func() time.Time
}

func NewProcessor(fetcher Fetcher, generator generation.Generator, emitter Emitter, maxWidth int) (*Processor, error) {
	preparer, err := newPreparer()
	if err != nil {
		return nil, fmt.Errorf("build preparer: %w", err)
	}
	return newProcessor(fetcher, preparer, generator, emitter, maxWidth), nil
}

func newProcessor(fetcher Fetcher, preparer Preparer, generator generation.Generator, emitter Emitter, maxWidth int) *Processor {
	if maxWidth <= 0 {
		maxWidth = 1024
	}
	return &Processor{
		fetcher:   fetcher,
		preparer:  preparer,
		generator: generator,
		emitter:   emitter,
		maxWidth:  maxWidth,
		now:       time.Now,
	}
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}
	if strings.TrimSpace(req.InputRef) == "" {
		return Result{}, errors.New("input_ref is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	prepared, err := p.preparer.Prepare(ctx, sourceBytes, p.maxWidth)
	if err != nil {
		return Result{}, fmt.Errorf("prepare stage: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	started := p.now()
	generated, err := p.generator.Generate(ctx, generation.Request{
		JobID:       req.JobID,
		Image:       prepared.Data,
		MimeType:    contentTypeForFormat(prepared.Format),
		Instruction: req.Instruction,
		Style:       req.Style,
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate stage: %w", err)
	}
	generationSeconds := p.now().Sub(started).Seconds()

	output, err := p.preparer.Prepare(ctx, generated.Data, 0)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	outputRef, err := p.emitter.Emit(ctx, req, output)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}

	return Result{
		OutputRef:         outputRef,
		Bytes:             len(output.Data),
		Width:             output.Width,
		Height:            output.Height,
		Model:             generated.Model,
		GenerationSeconds: generationSeconds,
	}, nil
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
