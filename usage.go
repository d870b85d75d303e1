package chatstream

import (
	"context"
	"time"

	"github.com/tiktoken-go/tokenizer"
)

// UsageRecord is the final token accounting for one stream, assembled from
// the vendor's usage payload and handed to the UsageReporter exactly once.
type UsageRecord struct {
	// AIVendorRequestID is the vendor's id for this request/completion
	AIVendorRequestID string

	// AIVendorModelName is the model that served the request
	AIVendorModelName string

	PromptTokens              int
	PromptAudioTokens         int
	PromptCachedTokens        int
	CompletionTokens          int
	CompletionAudioTokens     int
	CompletionReasoningTokens int
	TotalTokens               int

	// RequestReceivedAt is when Generate accepted the request
	RequestReceivedAt time.Time

	// RequestFinishedAt is when the usage payload was observed
	RequestFinishedAt time.Time

	// Estimated is true when the vendor never delivered usage (interrupted
	// stream) and completion tokens were recounted from the raw chunk buffer.
	Estimated bool
}

// UsageReporter receives the final usage accounting for billing. Invoked
// once per completed stream, immediately when the vendor's usage payload
// arrives — some vendors emit usage before their final chunk, so reporting
// must not wait for stream termination.
type UsageReporter interface {
	ReportUsage(ctx context.Context, record *UsageRecord, meta EventMeta, model ModelInfo) error
}

// UsageReporterFunc adapts a function to the UsageReporter interface.
type UsageReporterFunc func(ctx context.Context, record *UsageRecord, meta EventMeta, model ModelInfo) error

// ReportUsage implements UsageReporter.
func (f UsageReporterFunc) ReportUsage(ctx context.Context, record *UsageRecord, meta EventMeta, model ModelInfo) error {
	return f(ctx, record, meta, model)
}

// newUsageRecord assembles a UsageRecord from a vendor usage payload.
func newUsageRecord(requestID, model string, usage *VendorUsage, receivedAt time.Time) *UsageRecord {
	total := usage.TotalTokens
	if total == 0 {
		total = usage.PromptTokens + usage.CompletionTokens
	}
	return &UsageRecord{
		AIVendorRequestID:         requestID,
		AIVendorModelName:         model,
		PromptTokens:              usage.PromptTokens,
		PromptAudioTokens:         usage.PromptAudioTokens,
		PromptCachedTokens:        usage.PromptCachedTokens,
		CompletionTokens:          usage.CompletionTokens,
		CompletionAudioTokens:     usage.CompletionAudioTokens,
		CompletionReasoningTokens: usage.CompletionReasoningTokens,
		TotalTokens:               total,
		RequestReceivedAt:         receivedAt,
		RequestFinishedAt:         time.Now(),
	}
}

// EstimateCompletionTokens approximates the token count of generated text
// with the O200kBase encoding, falling back to a character/4 estimate when
// the tokenizer is unavailable. Used to recount completion tokens from the
// raw chunk buffer when a stream is interrupted before the vendor's usage
// payload arrives.
func EstimateCompletionTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return len(text) / 4
	}
	count, err := enc.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}
