// Package anthropic adapts Anthropic's Claude messages streaming API to the
// chatstream vendor adapter interface.
package anthropic

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	chatstream "github.com/draftmill/chatstream-go"
)

// defaultMaxTokens is used when the request does not cap the completion;
// the Anthropic API requires an explicit max_tokens.
const defaultMaxTokens = 4096

// Adapter implements chatstream.VendorAdapter for Claude models.
type Adapter struct {
	client anthropic.Client
}

// New creates an Anthropic adapter with the given API key.
func New(apiKey string) (*Adapter, error) {
	if apiKey == "" {
		return nil, &chatstream.ValidationError{Field: "apiKey", Reason: "Anthropic API key is required"}
	}
	return &Adapter{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Vendor implements chatstream.VendorAdapter.
func (a *Adapter) Vendor() chatstream.Vendor {
	return chatstream.VendorAnthropic
}

// OpenStream implements chatstream.VendorAdapter.
func (a *Adapter) OpenStream(ctx context.Context, req *chatstream.StreamRequest) (chatstream.ChunkStream, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	for _, m := range req.Messages {
		switch m.Role {
		case chatstream.RoleSystem:
			// Anthropic takes the system prompt out of band.
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case chatstream.RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	return &chunkStream{inner: stream}, nil
}

// chunkStream folds Anthropic's event stream into normalized chunks: text
// deltas become content chunks, and the usage accumulated from
// message_start (input side) and message_delta (output side) is surfaced as
// one terminal usage chunk on message_stop.
type chunkStream struct {
	inner   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	current chatstream.Chunk

	requestID    string
	stopReason   string
	inputTokens  int
	cachedTokens int
	outputTokens int
	usageEmitted bool
}

func (s *chunkStream) Next() bool {
	for s.inner.Next() {
		event := s.inner.Current()
		switch e := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			s.requestID = e.Message.ID
			s.inputTokens = int(e.Message.Usage.InputTokens)
			s.cachedTokens = int(e.Message.Usage.CacheReadInputTokens)

		case anthropic.ContentBlockDeltaEvent:
			if e.Delta.Type == "text_delta" {
				s.current = chatstream.Chunk{
					ID:         s.requestID,
					Content:    e.Delta.Text,
					HasContent: true,
				}
				return true
			}

		case anthropic.MessageDeltaEvent:
			s.outputTokens = int(e.Usage.OutputTokens)
			s.stopReason = string(e.Delta.StopReason)

		case anthropic.MessageStopEvent:
			if s.usageEmitted {
				continue
			}
			s.usageEmitted = true
			s.current = chatstream.Chunk{
				ID:           s.requestID,
				FinishReason: s.stopReason,
				Usage: &chatstream.VendorUsage{
					PromptTokens:       s.inputTokens,
					PromptCachedTokens: s.cachedTokens,
					CompletionTokens:   s.outputTokens,
					TotalTokens:        s.inputTokens + s.outputTokens,
				},
			}
			return true
		}
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
