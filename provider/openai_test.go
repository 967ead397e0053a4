package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glazeworks/imagegen/config"
)

func TestStyledPrompt(t *testing.T) {
	tests := []struct {
		style string
		want  string
	}{
		{"product_photography", "Professional product photography, clean background, studio lighting, high quality: cookies"},
		{"lifestyle", "Lifestyle photography, natural lighting, authentic setting: cookies"},
		{"unknown_style", "High quality food photography: cookies"},
		{"", "High quality food photography: cookies"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StyledPrompt("cookies", tt.style))
	}
}

func TestEmbeddingInput(t *testing.T) {
	got := EmbeddingInput("brownies", "rich chocolate brownies", "baked_goods", []string{"walnut", "brownie", "chocolate"})
	assert.Equal(t, "Image: brownies Description: rich chocolate brownies Category: baked_goods Tags: brownie, chocolate, walnut", got)

	// Category and tags are omitted when absent.
	got = EmbeddingInput("brownies", "rich", "", nil)
	assert.Equal(t, "Image: brownies Description: rich", got)
}

func TestParseTags(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"array", `["Cookie","chocolate-chip"]`, []string{"cookie", "chocolate-chip"}},
		{"comma string", `"cookie, chocolate-chip , cookie"`, []string{"cookie", "chocolate-chip"}},
		{"empty", ``, nil},
		{"garbage", `42`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseTags(json.RawMessage(tt.raw)))
		})
	}
}

func TestNormalizeTags(t *testing.T) {
	got := normalizeTags([]string{" Cookie ", "cookie", "", "WOODEN-BOARD"})
	assert.Equal(t, []string{"cookie", "wooden-board"}, got)
}

func TestTaggingConfidence(t *testing.T) {
	richAnalysis := map[string]any{
		"main_items":         []any{"cookies"},
		"presentation_style": "stacked",
		"visual_style":       "rustic",
		"colors":             "warm browns",
	}
	manyTags := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	assert.InDelta(t, 1.0, taggingConfidence(richAnalysis, manyTags), 1e-9)
	assert.InDelta(t, 0.5, taggingConfidence(map[string]any{}, nil), 1e-9)
	assert.InDelta(t, 0.65, taggingConfidence(map[string]any{"main_items": []any{"x"}}, nil), 1e-9)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
}

func TestGenerationCost(t *testing.T) {
	assert.Equal(t, 0.04, generationCost(1024, 1024))
	assert.Equal(t, 0.08, generationCost(2048, 2048))
}

func TestRegistryUnknownAdapter(t *testing.T) {
	_, err := NewGenerator(config.ProviderConfig{Name: "nope"})
	assert.Error(t, err)
	_, err = NewTagger(config.ProviderConfig{Name: "nope"})
	assert.Error(t, err)
	_, err = NewEmbedder(config.ProviderConfig{Name: "nope"})
	assert.Error(t, err)
}

func TestOpenAIAdaptersRequireKey(t *testing.T) {
	_, err := NewGenerator(config.ProviderConfig{Name: "openai"})
	assert.Error(t, err)
	_, err = NewTagger(config.ProviderConfig{Name: "openai"})
	assert.Error(t, err)
	_, err = NewEmbedder(config.ProviderConfig{Name: "openai"})
	assert.Error(t, err)
}

// fakeImagesAPI serves the images endpoint with a fixed payload.
func fakeImagesAPI(t *testing.T, status int, payload any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/images/generations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
}

func TestOpenAIGenerate(t *testing.T) {
	image := []byte{0xff, 0xd8, 0xff, 0xe0}
	srv := fakeImagesAPI(t, http.StatusOK, map[string]any{
		"created": 1,
		"data": []map[string]string{{
			"b64_json":       base64.StdEncoding.EncodeToString(image),
			"revised_prompt": "professional photo of cookies",
		}},
	})
	defer srv.Close()

	gen, err := NewGenerator(config.ProviderConfig{Name: "openai", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.False(t, gen.IsAsync())

	result, handle, err := gen.Generate(context.Background(), "cookies", 1024, 1024)
	require.NoError(t, err)
	assert.Nil(t, handle)
	assert.Equal(t, image, result.Bytes)
	assert.Equal(t, "gpt-image-1", result.Model)
	assert.Equal(t, 0.04, result.Cost)
	assert.Equal(t, "professional photo of cookies", result.RevisedPrompt)
}

func TestOpenAIGenerateEmptyResponse(t *testing.T) {
	srv := fakeImagesAPI(t, http.StatusOK, map[string]any{"created": 1, "data": []any{}})
	defer srv.Close()

	gen, err := NewGenerator(config.ProviderConfig{Name: "openai", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, _, err = gen.Generate(context.Background(), "cookies", 1024, 1024)
	assert.True(t, IsTerminal(err), "empty image data is not retryable")
}

func TestOpenAIGenerateRateLimited(t *testing.T) {
	srv := fakeImagesAPI(t, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{"message": "rate limit exceeded", "type": "requests"},
	})
	defer srv.Close()

	gen, err := NewGenerator(config.ProviderConfig{Name: "openai", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, _, err = gen.Generate(context.Background(), "cookies", 1024, 1024)
	assert.True(t, IsTransient(err), "429 is retryable")
}

func TestOpenAIEmbedderDefaults(t *testing.T) {
	emb, err := NewEmbedder(config.ProviderConfig{Name: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, 1536, emb.Dimensions())
	assert.Equal(t, "text-embedding-ada-002", emb.Model())
}
