package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/glazeworks/imagegen/config"
)

func init() {
	RegisterGenerator("openai", func(cfg config.ProviderConfig) (Generator, error) {
		return newOpenAIGenerator(cfg)
	})
	RegisterTagger("openai", func(cfg config.ProviderConfig) (Tagger, error) {
		return newOpenAITagger(cfg)
	})
	RegisterEmbedder("openai", func(cfg config.ProviderConfig) (Embedder, error) {
		return newOpenAIEmbedder(cfg)
	})
}

const (
	defaultImageModel     = "gpt-image-1"
	defaultVisionModel    = "gpt-4o"
	defaultEmbeddingModel = string(openai.AdaEmbeddingV2)
	embeddingDimensions   = 1536

	// maxTagsPerImage caps the number of auto tags persisted per image.
	maxTagsPerImage = 12
)

// stylePrefixes enhance the raw prompt per style preset.
var stylePrefixes = map[string]string{
	"product_photography": "Professional product photography, clean background, studio lighting, high quality: ",
	"lifestyle":           "Lifestyle photography, natural lighting, authentic setting: ",
	"artistic":            "Artistic food photography, creative composition: ",
	"rustic":              "Rustic style, natural materials, warm tones: ",
}

// StyledPrompt prefixes prompt with the style preset's descriptor.
func StyledPrompt(prompt, style string) string {
	prefix, ok := stylePrefixes[style]
	if !ok {
		prefix = "High quality food photography: "
	}
	return prefix + prompt
}

func newOpenAIClient(cfg config.ProviderConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

// classifyOpenAIError normalizes go-openai errors into transient/terminal.
func classifyOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return ClassifyHTTPStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ClassifyHTTPStatus(reqErr.HTTPStatusCode, err)
	}
	return Classify(err)
}

// openAIGenerator generates images with the OpenAI Images API. The API is
// synchronous: the call blocks until the image is rendered.
type openAIGenerator struct {
	client *openai.Client
	model  string
}

func newOpenAIGenerator(cfg config.ProviderConfig) (*openAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai generation adapter requires an api key")
	}
	model := cfg.Model
	if model == "" {
		model = defaultImageModel
	}
	return &openAIGenerator{client: newOpenAIClient(cfg), model: model}, nil
}

func (g *openAIGenerator) Name() string { return "openai" }

func (g *openAIGenerator) IsAsync() bool { return false }

func (g *openAIGenerator) Generate(ctx context.Context, prompt string, width, height int) (*GenerationResult, *Handle, error) {
	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Model:  g.model,
		Prompt: prompt,
		N:      1,
		Size:   fmt.Sprintf("%dx%d", width, height),
	})
	if err != nil {
		return nil, nil, classifyOpenAIError(err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, nil, NewTerminalError(fmt.Errorf("unexpected response format from %s: no image data", g.model))
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, nil, NewTerminalError(fmt.Errorf("decode image payload: %w", err))
	}

	return &GenerationResult{
		Bytes:         raw,
		Model:         g.model,
		Cost:          generationCost(width, height),
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}, nil, nil
}

func (g *openAIGenerator) Poll(ctx context.Context, h *Handle) (*PollStatus, error) {
	return nil, NewTerminalError(fmt.Errorf("openai generation is synchronous, nothing to poll"))
}

// generationCost estimates the per-image cost in USD (HD quality pricing).
func generationCost(width, height int) float64 {
	if width == 1024 && height == 1024 {
		return 0.04
	}
	return 0.08
}

// openAITagger analyzes images with a vision-capable chat model. It makes two
// calls: one vision analysis of the image, then one tag-generation call over
// the analysis plus the original prompt.
type openAITagger struct {
	client *openai.Client
	model  string
}

func newOpenAITagger(cfg config.ProviderConfig) (*openAITagger, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai vision adapter requires an api key")
	}
	model := cfg.Model
	if model == "" {
		model = defaultVisionModel
	}
	return &openAITagger{client: newOpenAIClient(cfg), model: model}, nil
}

func (t *openAITagger) Name() string { return "openai" }

const visionPrompt = `Analyze this cottage food product image and provide a detailed JSON response with:
1. main_items: List of main food items visible
2. presentation_style: How the food is presented
3. props_surfaces: Any props, plates, surfaces visible
4. visual_style: The overall visual style and mood
5. colors: Dominant color characteristics
6. setting: The setting or context of the image

Return ONLY valid JSON, no other text.`

const taggingSystemPrompt = `You are an expert at generating search tags for cottage food product images.
Generate 8-12 specific, searchable tags that small food businesses would use to find this image.
Include: food type, preparation method, presentation style, colors, setting.
Tags should be lowercase, hyphenated when needed (e.g., "chocolate-chip", "wooden-board").
Return valid JSON with: tags (array), category (string), description (string).`

func (t *openAITagger) AnalyzeImage(ctx context.Context, image []byte, prompt string) (*Analysis, error) {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)

	visionResp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: visionPrompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
			},
		}},
		MaxTokens: 500,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(visionResp.Choices) == 0 {
		return nil, NewTerminalError(fmt.Errorf("vision model returned no choices"))
	}

	visionContent := visionResp.Choices[0].Message.Content
	visionAnalysis := map[string]any{}
	if err := json.Unmarshal([]byte(extractJSON(visionContent)), &visionAnalysis); err != nil {
		// Keep going with a minimal structure; tags can still be derived
		// from the raw text.
		visionAnalysis = map[string]any{
			"main_items":   []any{"food"},
			"raw_response": visionContent,
		}
	}

	analysisJSON, _ := json.Marshal(visionAnalysis)
	tagsResp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: taggingSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
				"Original prompt: %s\n\nVision analysis: %s\n\nGenerate searchable tags for this cottage food image.",
				prompt, analysisJSON)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(tagsResp.Choices) == 0 {
		return nil, NewTerminalError(fmt.Errorf("tagging model returned no choices"))
	}

	var tagsData struct {
		Tags        json.RawMessage `json:"tags"`
		Category    string          `json:"category"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal([]byte(tagsResp.Choices[0].Message.Content), &tagsData); err != nil {
		return nil, NewTerminalError(fmt.Errorf("malformed tagging response: %w", err))
	}

	tags := parseTags(tagsData.Tags)
	if len(tags) > maxTagsPerImage {
		tags = tags[:maxTagsPerImage]
	}
	category := tagsData.Category
	if category == "" {
		category = "food"
	}

	return &Analysis{
		Tags:        tags,
		Category:    category,
		Description: tagsData.Description,
		Raw:         visionAnalysis,
		Confidence:  taggingConfidence(visionAnalysis, tags),
		Model:       t.model,
		Cost:        0.012,
	}, nil
}

// parseTags accepts either a JSON array or a comma-separated string.
func parseTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return normalizeTags(list)
	}
	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return normalizeTags(strings.Split(joined, ","))
	}
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// taggingConfidence scores the tagging quality from the richness of the
// vision analysis and the number of tags produced.
func taggingConfidence(analysis map[string]any, tags []string) float64 {
	score := 0.5
	if len(tags) >= 8 {
		score += 0.2
	}
	if items, ok := analysis["main_items"].([]any); ok && len(items) > 0 {
		score += 0.15
	}
	if len(analysis) >= 4 {
		score += 0.15
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// extractJSON strips markdown code fences some models wrap around JSON.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// openAIEmbedder creates embeddings for semantic search.
type openAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

func newOpenAIEmbedder(cfg config.ProviderConfig) (*openAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedding adapter requires an api key")
	}
	model := openai.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		model = openai.AdaEmbeddingV2
	}
	return &openAIEmbedder{client: newOpenAIClient(cfg), model: model}, nil
}

func (e *openAIEmbedder) Name() string { return "openai" }

func (e *openAIEmbedder) Model() string { return string(e.model) }

func (e *openAIEmbedder) Dimensions() int { return embeddingDimensions }

func (e *openAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Data) == 0 {
		return nil, NewTerminalError(fmt.Errorf("embedding model returned no data"))
	}
	return resp.Data[0].Embedding, nil
}

// EmbeddingInput builds the text embedded for an image: prompt, description,
// category and the lexicographically sorted tag list, in that order.
func EmbeddingInput(prompt, description, category string, tags []string) string {
	parts := []string{
		"Image: " + prompt,
		"Description: " + description,
	}
	if category != "" {
		parts = append(parts, "Category: "+category)
	}
	if len(tags) > 0 {
		sorted := make([]string, len(tags))
		copy(sorted, tags)
		sort.Strings(sorted)
		parts = append(parts, "Tags: "+strings.Join(sorted, ", "))
	}
	return strings.Join(parts, " ")
}
