// Package provider defines the adapter interfaces for the image generation,
// vision tagging and embedding providers, plus a registry mapping configured
// names to concrete implementations.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/glazeworks/imagegen/config"
)

// GenerationResult is the product of a successful synchronous generation, or
// of a completed asynchronous one.
type GenerationResult struct {
	// Bytes is the encoded master image.
	Bytes []byte
	// Model is the model that produced the image.
	Model string
	// Cost is the provider-reported or estimated cost in USD.
	Cost float64
	// RevisedPrompt is the provider's rewritten prompt, if any.
	RevisedPrompt string
}

// Handle identifies an in-flight asynchronous generation job on the provider
// side. Opaque outside the adapter that issued it.
type Handle struct {
	ID       string
	Provider string
}

// PollState enumerates the states of an asynchronous generation.
type PollState string

const (
	PollPending   PollState = "pending"
	PollCompleted PollState = "completed"
	PollFailed    PollState = "failed"
)

// PollStatus is the result of polling an asynchronous generation handle.
type PollStatus struct {
	State PollState
	// Progress is a 0-100 hint, valid while pending.
	Progress float64
	// Result is set when State is PollCompleted.
	Result *GenerationResult
	// Err is set when State is PollFailed; it carries classification.
	Err error
}

// Generator produces images from prompts. A synchronous adapter returns the
// result directly; an asynchronous one returns a handle to poll.
type Generator interface {
	// Name returns the adapter identifier (e.g. "openai").
	Name() string
	// IsAsync reports whether Generate returns a handle instead of bytes.
	IsAsync() bool
	// Generate requests one image. Exactly one of the result and handle is
	// non-nil on success.
	Generate(ctx context.Context, prompt string, width, height int) (*GenerationResult, *Handle, error)
	// Poll reports the state of an asynchronous generation. Synchronous
	// adapters may return an error unconditionally.
	Poll(ctx context.Context, h *Handle) (*PollStatus, error)
}

// Analysis is the product of vision tagging.
type Analysis struct {
	Tags        []string
	Category    string
	Description string
	// Raw is the provider's structured vision analysis, persisted verbatim.
	Raw map[string]any
	// Confidence is a 0-1 score for the tagging quality.
	Confidence float64
	Model      string
	Cost       float64
}

// Tagger analyzes an image and returns searchable tags plus a description.
type Tagger interface {
	Name() string
	AnalyzeImage(ctx context.Context, image []byte, prompt string) (*Analysis, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Name() string
	// Model is the concrete model identifier, recorded alongside vectors.
	Model() string
	Dimensions() int
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// Factory constructors keyed by adapter name. Concrete adapters register
// themselves via init().
type (
	GeneratorFactory func(cfg config.ProviderConfig) (Generator, error)
	TaggerFactory    func(cfg config.ProviderConfig) (Tagger, error)
	EmbedderFactory  func(cfg config.ProviderConfig) (Embedder, error)
)

var (
	registryMu sync.RWMutex
	generators = make(map[string]GeneratorFactory)
	taggers    = make(map[string]TaggerFactory)
	embedders  = make(map[string]EmbedderFactory)
)

// RegisterGenerator adds a generation adapter factory to the registry.
func RegisterGenerator(name string, f GeneratorFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	generators[name] = f
}

// RegisterTagger adds a vision adapter factory to the registry.
func RegisterTagger(name string, f TaggerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	taggers[name] = f
}

// RegisterEmbedder adds an embedding adapter factory to the registry.
func RegisterEmbedder(name string, f EmbedderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	embedders[name] = f
}

// NewGenerator builds the generation adapter named by cfg.
func NewGenerator(cfg config.ProviderConfig) (Generator, error) {
	registryMu.RLock()
	f, ok := generators[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown generation adapter %q", cfg.Name)
	}
	return f(cfg)
}

// NewTagger builds the vision adapter named by cfg.
func NewTagger(cfg config.ProviderConfig) (Tagger, error) {
	registryMu.RLock()
	f, ok := taggers[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown vision adapter %q", cfg.Name)
	}
	return f(cfg)
}

// NewEmbedder builds the embedding adapter named by cfg.
func NewEmbedder(cfg config.ProviderConfig) (Embedder, error) {
	registryMu.RLock()
	f, ok := embedders[cfg.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown embedding adapter %q", cfg.Name)
	}
	return f(cfg)
}
