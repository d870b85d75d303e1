// Package segment defines the contract between a streaming token source and
// the block-level segment parser that structures raw model output for
// rendering. The parser consumes incremental text chunks and emits typed
// segments (paragraph, header, code block, plain text, line break) together
// with a stream lifecycle signal.
package segment

import "sync"

// Status is the lifecycle signal attached to every emitted segment.
type Status string

const (
	// StatusStartStream is emitted exactly once, before any content segment.
	StatusStartStream Status = "START_STREAM"

	// StatusStreaming marks an incremental content segment.
	StatusStreaming Status = "STREAMING"

	// StatusEndStream is the terminal segment. Subscribers that only care
	// about one stream should unsubscribe when they see it.
	StatusEndStream Status = "END_STREAM"
)

// BlockType classifies the structural block a segment belongs to or opens.
type BlockType string

const (
	// BlockParagraph opens a plain paragraph block.
	BlockParagraph BlockType = "paragraph"

	// BlockHeader opens a header block; HeaderLevel carries the depth.
	BlockHeader BlockType = "header"

	// BlockCode opens a fenced code block.
	BlockCode BlockType = "code_block"

	// BlockText is incremental text inside the currently open block.
	BlockText BlockType = "text"

	// BlockLineBreak separates two sibling blocks.
	BlockLineBreak BlockType = "linebreak"
)

// Segment is one structured unit of parsed streaming output.
// Segments are created by the parser and consumed immediately by
// subscribers; they are never retained by the parser.
type Segment struct {
	// Status is the stream lifecycle signal (start/streaming/end).
	Status Status

	// Text is the incremental content. Empty for lifecycle and
	// block-defining segments.
	Text string

	// IsBlockDefining is true when this segment opens or separates a
	// structural block rather than carrying content.
	IsBlockDefining bool

	// BlockType classifies the segment (see BlockType constants).
	BlockType BlockType

	// HeaderLevel is the header depth (1-6) when BlockType is BlockHeader.
	HeaderLevel int

	// Marks carries style annotations for the text (e.g. "code" inside
	// fenced blocks).
	Marks []string
}

// ParseCallback receives each emitted segment together with an unsubscribe
// closure, so a consumer can release its own subscription when it observes
// StatusEndStream.
type ParseCallback func(seg Segment, unsubscribe func())

// Parser is the segment-parser collaborator interface.
//
// StartParsing, ParseToken and StopParsing drive the internal state machine
// and must be called from a single goroutine. Subscriptions may be managed
// concurrently.
type Parser interface {
	// StartParsing signals the beginning of a stream. Emits StatusStartStream.
	StartParsing()

	// ParseToken feeds a raw text chunk into the state machine.
	ParseToken(text string)

	// StopParsing flushes any buffered partial block and emits the terminal
	// StatusEndStream segment. The state machine returns to its neutral state.
	StopParsing()

	// ForceReset flushes buffered partial block content as a normal segment
	// and forces the state machine back to the neutral routing state without
	// ending the stream. Used by graceful-termination paths that still need
	// to inject a final message.
	ForceReset()

	// SubscribeToTokenParse registers a callback for every emitted segment.
	// The returned closure removes the subscription and is safe to call more
	// than once.
	SubscribeToTokenParse(cb ParseCallback) (unsubscribe func())
}

// subscribers is the shared fan-out bookkeeping used by parser
// implementations in this package.
type subscribers struct {
	mu   sync.Mutex
	next int
	subs map[int]ParseCallback
}

func (s *subscribers) add(cb ParseCallback) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]ParseCallback)
	}
	id := s.next
	s.next++
	s.subs[id] = cb

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// emit delivers seg to every current subscriber. Delivery order across
// subscribers is unspecified; every subscriber is notified.
func (s *subscribers) emit(seg Segment) {
	s.mu.Lock()
	cbs := make([]ParseCallback, 0, len(s.subs))
	unsubs := make([]func(), 0, len(s.subs))
	for id, cb := range s.subs {
		id := id
		cbs = append(cbs, cb)
		unsubs = append(unsubs, s.removeFunc(id))
	}
	s.mu.Unlock()

	for i, cb := range cbs {
		cb(seg, unsubs[i])
	}
}

func (s *subscribers) removeFunc(id int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}
