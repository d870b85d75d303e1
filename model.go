package chatstream

// Vendor identifies an upstream LLM vendor.
// Using a typed constant prevents typos and provides compile-time safety.
type Vendor string

// Known vendor identifiers
const (
	// VendorOpenAI is OpenAI's chat completions API
	VendorOpenAI Vendor = "openai"

	// VendorAnthropic is Anthropic's Claude messages API
	VendorAnthropic Vendor = "anthropic"

	// VendorLorem is the mock lorem ipsum vendor for testing and development
	VendorLorem Vendor = "lorem"
)

// String returns the string representation of the vendor ID
func (v Vendor) String() string {
	return string(v)
}

// IsValid returns true if the vendor ID is a known vendor
func (v Vendor) IsValid() bool {
	switch v {
	case VendorOpenAI, VendorAnthropic, VendorLorem:
		return true
	default:
		return false
	}
}

// Message represents a single message in the conversation.
type Message struct {
	// Role is "system", "user" or "assistant"
	Role string

	// Content is the plain-text content of the message
	Content string
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ModelInfo is the model metadata a caller supplies with a generation
// request. Version is mandatory; the rest tunes the vendor call.
type ModelInfo struct {
	// Vendor is the upstream vendor serving this model
	Vendor Vendor

	// Version is the vendor model identifier (e.g. "gpt-4o", "claude-sonnet-4-5")
	Version string

	// SupportsSystemPrompt reports whether a system prompt may be prepended
	// to the conversation for this model
	SupportsSystemPrompt bool

	// MaxTokens caps the completion length (0 = vendor default)
	MaxTokens int

	// Temperature is the sampling temperature (nil = vendor default)
	Temperature *float64
}

// EventMeta carries attribution for a generation request. WorkspaceID and
// ThreadID together form the stable instance key that routes stop requests
// to the correct live stream.
type EventMeta struct {
	WorkspaceID string
	ThreadID    string
	UserID      string

	// RequestID is an optional caller correlation id
	RequestID string
}

// InstanceKey returns the registry key for this event's conversation thread.
func (m EventMeta) InstanceKey() string {
	return m.WorkspaceID + ":" + m.ThreadID
}

// GenerateRequest contains the parameters for one streaming generation.
type GenerateRequest struct {
	// Messages contains the conversation history, oldest first
	Messages []Message

	// Model describes the model to stream from
	Model ModelInfo

	// Meta attributes the request for usage reporting
	Meta EventMeta
}
