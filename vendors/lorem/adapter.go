// Package lorem is a mock vendor adapter that streams lorem ipsum text.
// Used for development, examples and tests without real API keys.
package lorem

import (
	"context"
	"fmt"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"
	"github.com/google/uuid"

	chatstream "github.com/draftmill/chatstream-go"
)

const defaultWords = 60

// Adapter implements chatstream.VendorAdapter with generated text.
type Adapter struct {
	generator *loremgen.Lorem
}

// New creates a lorem adapter.
func New() *Adapter {
	return &Adapter{generator: loremgen.New()}
}

// Vendor implements chatstream.VendorAdapter.
func (a *Adapter) Vendor() chatstream.Vendor {
	return chatstream.VendorLorem
}

// SupportsModel returns true if the model name starts with "lorem-".
// Example models: "lorem-fast", "lorem-slow", "lorem-instant"
func (a *Adapter) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "lorem-")
}

// OpenStream implements chatstream.VendorAdapter. The stream delivers one
// word per chunk, paced by the model suffix, then a terminal usage chunk
// with estimated token counts.
func (a *Adapter) OpenStream(ctx context.Context, req *chatstream.StreamRequest) (chatstream.ChunkStream, error) {
	if !a.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model %q not supported by lorem vendor (must start with 'lorem-')", req.Model)
	}

	words := defaultWords
	if req.MaxTokens > 0 && req.MaxTokens < words {
		words = req.MaxTokens
	}

	promptWords := 0
	for _, m := range req.Messages {
		promptWords += len(strings.Fields(m.Content))
	}

	chunks := make([]string, 0, words)
	for i := 0; i < words; i++ {
		word := a.generator.Word(2, 12)
		switch {
		case i == 0:
		case i%20 == 0:
			// Paragraph break every ~20 words so downstream block parsing
			// has structure to work with.
			word = "\n\n" + word
		default:
			word = " " + word
		}
		chunks = append(chunks, word)
	}

	return &chunkStream{
		ctx:          ctx,
		requestID:    "lorem-" + uuid.New().String(),
		chunks:       chunks,
		delay:        streamDelay(req.Model),
		promptTokens: promptWords,
	}, nil
}

// streamDelay returns the per-word pacing for the model name.
//   - lorem-slow: 2 words/second
//   - lorem-fast: 30 words/second
//   - lorem-instant: no delay (tests)
//   - default: 10 words/second
func streamDelay(model string) time.Duration {
	switch {
	case strings.Contains(model, "instant"):
		return 0
	case strings.Contains(model, "slow"):
		return 500 * time.Millisecond
	case strings.Contains(model, "fast"):
		return 33 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

type chunkStream struct {
	ctx          context.Context
	requestID    string
	chunks       []string
	delay        time.Duration
	promptTokens int

	index       int
	usageQueued bool
	current     chatstream.Chunk
	err         error
	closed      bool
}

func (s *chunkStream) Next() bool {
	if s.closed || s.err != nil {
		return false
	}

	if s.index < len(s.chunks) {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-s.ctx.Done():
				s.err = s.ctx.Err()
				return false
			}
		}
		s.current = chatstream.Chunk{
			ID:         s.requestID,
			Content:    s.chunks[s.index],
			HasContent: true,
		}
		s.index++
		return true
	}

	if !s.usageQueued {
		s.usageQueued = true
		completion := len(s.chunks)
		s.current = chatstream.Chunk{
			ID:           s.requestID,
			FinishReason: "stop",
			Usage: &chatstream.VendorUsage{
				PromptTokens:     s.promptTokens,
				CompletionTokens: completion,
				TotalTokens:      s.promptTokens + completion,
			},
		}
		return true
	}
	return false
}

func (s *chunkStream) Current() chatstream.Chunk {
	return s.current
}

func (s *chunkStream) Err() error {
	return s.err
}

func (s *chunkStream) Close() error {
	s.closed = true
	return nil
}
