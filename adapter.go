package chatstream

import "context"

// VendorAdapter isolates vendor-specific wire mapping behind a small
// interface. This abstraction allows supporting multiple vendors (OpenAI,
// Anthropic, mock) while the session owns all orchestration: the adapter
// only opens a stream and normalizes its chunks.
//
// Implementations live in vendors/openai, vendors/anthropic and
// vendors/lorem.
type VendorAdapter interface {
	// Vendor returns the vendor identifier used to tag emitted segments.
	Vendor() Vendor

	// OpenStream issues the vendor streaming call and returns a normalized
	// chunk stream. Usage reporting must be enabled on the vendor call so a
	// terminal usage payload is delivered in-band.
	OpenStream(ctx context.Context, req *StreamRequest) (ChunkStream, error)
}

// StreamRequest is the vendor-call input assembled by a session: the
// (possibly system-prompt-prefixed) conversation plus model tuning.
type StreamRequest struct {
	// Model is the vendor model identifier
	Model string

	// Messages is the conversation, oldest first. A leading RoleSystem
	// message, when present, carries the system prompt.
	Messages []Message

	// MaxTokens caps the completion length (0 = vendor default)
	MaxTokens int

	// Temperature is the sampling temperature (nil = vendor default)
	Temperature *float64
}

// Chunk is one normalized unit of a vendor stream. A chunk may carry
// response content, a usage payload, both, or neither (vendor keep-alives
// normalize to empty chunks and are skipped by adapters where possible).
type Chunk struct {
	// ID is the vendor request/completion id, when the vendor includes one
	ID string

	// Content is the incremental response text
	Content string

	// HasContent distinguishes an empty delta from no delta at all
	HasContent bool

	// FinishReason is set on the vendor's terminal chunk (e.g. "stop")
	FinishReason string

	// Usage is the vendor's token accounting, non-nil exactly once per
	// stream. Some vendors emit it before their final chunk.
	Usage *VendorUsage
}

// VendorUsage is the normalized token accounting a vendor reports for one
// completed stream.
type VendorUsage struct {
	PromptTokens              int
	PromptAudioTokens         int
	PromptCachedTokens        int
	CompletionTokens          int
	CompletionAudioTokens     int
	CompletionReasoningTokens int
	TotalTokens               int
}

// ChunkStream is a pull iterator over normalized vendor chunks. The shape
// mirrors the vendor SDK streaming iterators so adapters stay thin.
//
// Usage:
//
//	for stream.Next() {
//		chunk := stream.Current()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
type ChunkStream interface {
	// Next advances the stream, returning false at end-of-stream or error.
	Next() bool

	// Current returns the chunk produced by the last successful Next.
	Current() Chunk

	// Err returns the terminal stream error, if any, after Next returns false.
	Err() error

	// Close releases the underlying vendor stream. Safe to call more than once.
	Close() error
}
