// Package providertest provides stub adapter implementations for testing the
// task pipeline and dispatcher without real provider calls.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glazeworks/imagegen/provider"
)

// Generator is a scriptable stub generation adapter.
//
// Usage:
//
//	// Always succeed with a fixed image
//	gen := &providertest.Generator{Image: pngBytes}
//
//	// Fail transiently twice, then succeed
//	gen := &providertest.Generator{
//	    Image: pngBytes,
//	    Errs: []error{
//	        provider.NewTransientError(errors.New("rate limited")),
//	        provider.NewTransientError(errors.New("rate limited")),
//	    },
//	}
type Generator struct {
	mu sync.Mutex

	// Image is returned on successful calls.
	Image []byte
	// Errs are returned in sequence before successes begin.
	Errs []error
	// Latency is slept (context-aware) on every call.
	Latency time.Duration
	// Async makes Generate return a handle; Poll then reports pending
	// AsyncPolls times before completing.
	Async      bool
	AsyncPolls int

	calls     int
	polls     map[string]int
	nextID    int
	onStarted func()
}

// Calls reports how many times Generate has been invoked.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// OnStarted registers a hook invoked at the start of every Generate call,
// before latency. Useful for concurrency observation in tests.
func (g *Generator) OnStarted(f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStarted = f
}

func (g *Generator) Name() string { return "stub" }

func (g *Generator) IsAsync() bool { return g.Async }

func (g *Generator) Generate(ctx context.Context, prompt string, width, height int) (*provider.GenerationResult, *provider.Handle, error) {
	g.mu.Lock()
	g.calls++
	started := g.onStarted
	var err error
	if len(g.Errs) > 0 {
		err, g.Errs = g.Errs[0], g.Errs[1:]
	}
	g.mu.Unlock()

	if started != nil {
		started()
	}
	if g.Latency > 0 {
		select {
		case <-time.After(g.Latency):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, nil, err
	}

	if g.Async {
		g.mu.Lock()
		g.nextID++
		id := fmt.Sprintf("stub-%d", g.nextID)
		if g.polls == nil {
			g.polls = make(map[string]int)
		}
		g.mu.Unlock()
		return nil, &provider.Handle{ID: id, Provider: "stub"}, nil
	}

	return &provider.GenerationResult{Bytes: g.Image, Model: "stub-image-model", Cost: 0.01}, nil, nil
}

func (g *Generator) Poll(ctx context.Context, h *provider.Handle) (*provider.PollStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls[h.ID]++
	if g.polls[h.ID] <= g.AsyncPolls {
		return &provider.PollStatus{
			State:    provider.PollPending,
			Progress: float64(g.polls[h.ID]) / float64(g.AsyncPolls+1) * 100,
		}, nil
	}
	return &provider.PollStatus{
		State:  provider.PollCompleted,
		Result: &provider.GenerationResult{Bytes: g.Image, Model: "stub-image-model", Cost: 0.01},
	}, nil
}

// Tagger is a scriptable stub vision adapter.
type Tagger struct {
	mu sync.Mutex

	Tags        []string
	Category    string
	Description string
	Confidence  float64
	// Errs are returned in sequence; a nil entry means that call succeeds.
	Errs []error

	calls int
}

// Calls reports how many times AnalyzeImage has been invoked.
func (t *Tagger) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *Tagger) Name() string { return "stub" }

func (t *Tagger) AnalyzeImage(ctx context.Context, image []byte, prompt string) (*provider.Analysis, error) {
	t.mu.Lock()
	t.calls++
	var err error
	if len(t.Errs) > 0 {
		err, t.Errs = t.Errs[0], t.Errs[1:]
	}
	t.mu.Unlock()

	if err != nil {
		return nil, err
	}

	confidence := t.Confidence
	if confidence == 0 {
		confidence = 0.9
	}
	description := t.Description
	if description == "" {
		description = "a stub image"
	}
	category := t.Category
	if category == "" {
		category = "food"
	}
	return &provider.Analysis{
		Tags:        t.Tags,
		Category:    category,
		Description: description,
		Raw:         map[string]any{"main_items": []any{"stub"}},
		Confidence:  confidence,
		Model:       "stub-vision-model",
		Cost:        0.001,
	}, nil
}

// Embedder is a stub embedding adapter returning a zero vector.
type Embedder struct {
	mu sync.Mutex

	// Dim is the vector dimension (default 1536).
	Dim int
	// Errs are returned in sequence before successes begin.
	Errs []error

	calls  int
	inputs []string
}

// Calls reports how many times EmbedText has been invoked.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Inputs returns the texts passed to EmbedText, in order.
func (e *Embedder) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.inputs))
	copy(out, e.inputs)
	return out
}

func (e *Embedder) Name() string { return "stub" }

func (e *Embedder) Model() string { return "stub-embedding-model" }

func (e *Embedder) Dimensions() int {
	if e.Dim == 0 {
		return 1536
	}
	return e.Dim
}

func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.inputs = append(e.inputs, text)
	var err error
	if len(e.Errs) > 0 {
		err, e.Errs = e.Errs[0], e.Errs[1:]
	}
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return make([]float32, e.Dimensions()), nil
}
