// Package openai adapts OpenAI's chat completions streaming API to the
// chatstream vendor adapter interface.
package openai

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	chatstream "github.com/draftmill/chatstream-go"
)

// Adapter implements chatstream.VendorAdapter for OpenAI models.
type Adapter struct {
	client openai.Client
}

// Option configures the adapter.
type Option func(*[]option.RequestOption)

// WithBaseURL points the adapter at an OpenAI-compatible endpoint.
func WithBaseURL(baseURL string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(baseURL))
	}
}

// New creates an OpenAI adapter with the given API key.
func New(apiKey string, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, &chatstream.ValidationError{Field: "apiKey", Reason: "OpenAI API key is required"}
	}
	requestOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, opt := range opts {
		opt(&requestOpts)
	}
	return &Adapter{client: openai.NewClient(requestOpts...)}, nil
}

// Vendor implements chatstream.VendorAdapter.
func (a *Adapter) Vendor() chatstream.Vendor {
	return chatstream.VendorOpenAI
}

// OpenStream implements chatstream.VendorAdapter. The vendor call always
// requests stream usage so the terminal chunk carries token accounting.
func (a *Adapter) OpenStream(ctx context.Context, req *chatstream.StreamRequest) (chatstream.ChunkStream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: toMessageParams(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	return &chunkStream{inner: stream}, nil
}

func toMessageParams(messages []chatstream.Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case chatstream.RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case chatstream.RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}

// chunkStream normalizes OpenAI completion chunks. Chunks that carry
// neither content, usage nor a finish reason are skipped.
type chunkStream struct {
	inner   *ssestream.Stream[openai.ChatCompletionChunk]
	current chatstream.Chunk
}

func (s *chunkStream) Next() bool {
	for s.inner.Next() {
		raw := s.inner.Current()
		chunk := chatstream.Chunk{ID: raw.ID}

		if len(raw.Choices) > 0 {
			choice := raw.Choices[0]
			chunk.FinishReason = string(choice.FinishReason)
			if choice.Delta.Content != "" {
				chunk.Content = choice.Delta.Content
				chunk.HasContent = true
			}
		}

		// OpenAI emits usage once, on a terminal chunk with empty choices.
		if raw.Usage.TotalTokens > 0 {
			chunk.Usage = &chatstream.VendorUsage{
				PromptTokens:              int(raw.Usage.PromptTokens),
				PromptAudioTokens:         int(raw.Usage.PromptTokensDetails.AudioTokens),
				PromptCachedTokens:        int(raw.Usage.PromptTokensDetails.CachedTokens),
				CompletionTokens:          int(raw.Usage.CompletionTokens),
				CompletionAudioTokens:     int(raw.Usage.CompletionTokensDetails.AudioTokens),
				CompletionReasoningTokens: int(raw.Usage.CompletionTokensDetails.ReasoningTokens),
				TotalTokens:               int(raw.Usage.TotalTokens),
			}
		}

		if !chunk.HasContent && chunk.Usage == nil && chunk.FinishReason == "" {
			continue
		}
		s.current = chunk
		return true
	}
	return false
}

func (s *chunkStream) Current() chatstream.Chunk {
	return s.current
}

func (s *chunkStream) Err() error {
	return s.inner.Err()
}

func (s *chunkStream) Close() error {
	return s.inner.Close()
}
