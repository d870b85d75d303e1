package chatstream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/draftmill/chatstream-go/record"
	"github.com/draftmill/chatstream-go/segment"
)

// SessionState is the lifecycle state of a session's streaming state machine.
type SessionState string

const (
	StateIdle          SessionState = "IDLE"
	StateStreaming     SessionState = "STREAMING"
	StateCompleted     SessionState = "COMPLETED"
	StateInterrupted   SessionState = "INTERRUPTED"
	StateCircuitBroken SessionState = "CIRCUIT_BROKEN"
	StateErrored       SessionState = "ERRORED"
	StateCleanedUp     SessionState = "CLEANED_UP"
)

// CancelToken is an explicit cooperative-cancellation flag. Cancel marks
// intent; the streaming loop observes it at each chunk boundary. There is no
// hard preemption of an in-flight vendor call.
type CancelToken struct {
	cancelled atomic.Bool
}

// Cancel requests cooperative cancellation.
func (t *CancelToken) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (t *CancelToken) Cancelled() bool {
	return t.cancelled.Load()
}

// Reset clears the flag for a new stream.
func (t *CancelToken) Reset() {
	t.cancelled.Store(false)
}

// TaggedSegment is a parsed segment tagged with the vendor that produced it.
type TaggedSegment struct {
	segment.Segment

	// AIProvider is the vendor the segment's content came from.
	AIProvider Vendor
}

// Listener receives every segment a session emits.
type Listener func(TaggedSegment)

// Session owns a single streaming vendor call for one conversation instance:
// it drives vendor chunks through the segment parser, applies the circuit
// breaker, supports cooperative interruption and fans parsed segments out to
// registered listeners. At most one Session is live per instance key; the
// Registry enforces that invariant.
//
// A Session runs one Generate call and is then released. All session state
// except the listener set is owned by the single Generate goroutine.
type Session struct {
	instanceID string
	adapter    VendorAdapter
	parser     segment.Parser
	reporter   UsageReporter
	dump       *record.Sink
	cfg        Config

	interrupt CancelToken

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int

	state     SessionState
	outcome   SessionState
	startedAt time.Time
	rawChunks []string

	streaming   atomic.Bool
	releaseHook func()
	releaseOnce sync.Once
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithConfig sets the session's policy config.
func WithConfig(cfg Config) SessionOption {
	return func(s *Session) {
		s.cfg = cfg
	}
}

// WithUsageReporter sets the reporter that receives final token accounting.
func WithUsageReporter(r UsageReporter) SessionOption {
	return func(s *Session) {
		s.reporter = r
	}
}

// WithDumpSink enables raw-chunk debug dumps through the given sink.
func WithDumpSink(sink *record.Sink) SessionOption {
	return func(s *Session) {
		s.dump = sink
	}
}

// NewSession creates a session for one conversation instance. The adapter
// and parser are required collaborators; reporter and dump sink are optional.
func NewSession(instanceID string, adapter VendorAdapter, parser segment.Parser, opts ...SessionOption) *Session {
	s := &Session{
		instanceID: instanceID,
		adapter:    adapter,
		parser:     parser,
		listeners:  make(map[int]Listener),
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceID returns the session's conversation instance key.
func (s *Session) InstanceID() string {
	return s.instanceID
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Outcome returns the terminal state the stream reached (completed,
// interrupted, circuit-broken or errored), surviving cleanup.
func (s *Session) Outcome() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	if st != StateStreaming && st != StateIdle && st != StateCleanedUp {
		s.outcome = st
	}
	s.mu.Unlock()
}

// SubscribeToTokenReceive registers a listener for emitted segments and
// returns an idempotent unsubscribe closure.
func (s *Session) SubscribeToTokenReceive(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners == nil {
		s.listeners = make(map[int]Listener)
	}
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// notifyTokenReceive synchronously invokes every current listener. Listener
// failures are isolated: a panicking listener is logged and the remaining
// listeners are still notified.
func (s *Session) notifyTokenReceive(seg TaggedSegment) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		s.invokeListener(l, seg)
	}
}

func (s *Session) invokeListener(l Listener, seg TaggedSegment) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"instance": s.instanceID,
				"panic":    r,
			}).Error("segment listener failed; continuing fan-out")
		}
	}()
	l(seg)
}

// StopStream requests cooperative interruption of the in-flight stream. It
// only flags intent: termination happens inside the streaming loop at the
// next chunk boundary, which avoids racing an external stop against a chunk
// that is being processed concurrently.
func (s *Session) StopStream() {
	s.interrupt.Cancel()
}

// Generate issues the vendor streaming call for req and drives it to a
// terminal state. Results are delivered through listener fan-out, not the
// return value; the error reports validation failures, stream timeouts and
// normalized vendor failures. Circuit-break and interruption are successful
// early terminations, not errors.
//
// Every exit path leaves the parser stopped and releases the session (its
// listeners are cleared and it is removed from its registry).
func (s *Session) Generate(ctx context.Context, req *GenerateRequest) error {
	if !s.streaming.CompareAndSwap(false, true) {
		return ErrSessionLive
	}
	defer s.streaming.Store(false)

	// Validation fails fast, before any vendor call or session state change.
	if err := validateRequest(req); err != nil {
		return err
	}

	s.interrupt.Reset()
	s.setState(StateStreaming)
	s.mu.Lock()
	s.startedAt = time.Now()
	s.rawChunks = s.rawChunks[:0]
	s.mu.Unlock()

	defer s.release()

	vendor := s.adapter.Vendor()
	log := logrus.WithFields(logrus.Fields{
		"instance": s.instanceID,
		"vendor":   vendor.String(),
		"model":    req.Model.Version,
	})

	// Tag and fan out every parser segment; the parser subscription is
	// released as soon as the terminal segment is observed.
	parserUnsub := s.parser.SubscribeToTokenParse(func(seg segment.Segment, unsub func()) {
		s.notifyTokenReceive(TaggedSegment{Segment: seg, AIProvider: vendor})
		if seg.Status == segment.StatusEndStream {
			unsub()
		}
	})
	defer parserUnsub()

	streamReq := &StreamRequest{
		Model:       req.Model.Version,
		Messages:    s.withSystemPrompt(req),
		MaxTokens:   req.Model.MaxTokens,
		Temperature: req.Model.Temperature,
	}

	stream, err := s.adapter.OpenStream(ctx, streamReq)
	if err != nil {
		s.setState(StateErrored)
		return normalizeVendorErr(vendor, err)
	}
	defer stream.Close()

	s.parser.StartParsing()
	log.Debug("stream opened")

	// The elapsed-time budget is anchored at session start, so the time
	// spent opening the vendor stream counts against it.
	breaker := NewBreaker(
		[]Trigger{ElapsedLimitTrigger{Limit: s.cfg.breakerLimit()}},
		WithBreakAction(s.terminateWithMessage),
		WithStartTime(s.startedAt),
	)

	err = s.consume(ctx, stream, breaker, req, log)

	s.dumpRawChunks(req)

	if err != nil {
		s.setState(StateErrored)
		return err
	}
	return nil
}

// consume is the streaming loop: it pulls normalized chunks off the vendor
// stream and applies, in order, the circuit breaker, usage reporting, the
// interrupt flag and parser feeding.
func (s *Session) consume(ctx context.Context, stream ChunkStream, breaker *Breaker, req *GenerateRequest, log *logrus.Entry) error {
	chunks := make(chan Chunk)
	streamErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		defer close(chunks)
		for stream.Next() {
			select {
			case chunks <- stream.Current():
			case <-done:
				return
			}
		}
		if err := stream.Err(); err != nil {
			streamErr <- err
		}
	}()

	// The overall vendor-call timeout covers the window until the stream
	// begins yielding; after the first chunk the elapsed-time trigger is the
	// only wall-clock policy.
	firstChunk := time.NewTimer(s.cfg.streamTimeout())
	defer firstChunk.Stop()
	timeoutC := firstChunk.C

	usageReported := false
	vendor := s.adapter.Vendor()

	for {
		var (
			chunk Chunk
			ok    bool
		)
		select {
		case chunk, ok = <-chunks:
		case <-timeoutC:
			s.parser.StopParsing()
			return &StreamTimeoutError{Vendor: vendor, Timeout: s.cfg.streamTimeout()}
		case <-ctx.Done():
			s.parser.StopParsing()
			return normalizeVendorErr(vendor, ctx.Err())
		}
		if !ok {
			break
		}
		// The stream has yielded; disarm the timeout case so a timer that
		// fired in the same instant as the first chunk cannot be selected on
		// a later iteration.
		if timeoutC != nil {
			firstChunk.Stop()
			timeoutC = nil
		}

		// Breaker runs before the chunk is looked at; the chunk that trips
		// it is never processed.
		if result := breaker.CheckLimits(nil); result.ShouldBreak {
			log.WithField("reason", result.Reason).Warn("circuit breaker tripped, stream terminated")
			s.setState(StateCircuitBroken)
			return nil
		}

		// Usage is reported the moment it arrives: some vendors emit it
		// before their final chunk, so this must not wait for termination.
		if chunk.Usage != nil {
			rec := newUsageRecord(chunk.ID, req.Model.Version, chunk.Usage, s.startedAt)
			s.reportUsage(ctx, rec, req, log)
			usageReported = true
		}

		if chunk.HasContent {
			if s.interrupt.Cancelled() {
				s.parser.StopParsing()
				s.setState(StateInterrupted)
				log.Info("stream interrupted by stop request")
				break
			}
			s.parser.ParseToken(chunk.Content)
			s.mu.Lock()
			s.rawChunks = append(s.rawChunks, chunk.Content)
			s.mu.Unlock()
		}
	}

	select {
	case err := <-streamErr:
		if s.State() == StateStreaming {
			s.parser.StopParsing()
		}
		return normalizeVendorErr(vendor, err)
	default:
	}

	if s.State() == StateStreaming {
		s.parser.StopParsing()
		s.setState(StateCompleted)
	}

	// An interrupted or broken stream may never have seen the vendor's usage
	// payload; recount completion tokens from the raw chunk buffer instead.
	if !usageReported {
		s.reportEstimatedUsage(ctx, req, log)
	}
	return nil
}

// terminateWithMessage is the circuit breaker's break action: flush the
// parser's partial block, inject the human-readable break message as the
// final assistant content and end the stream. Listeners still receive a
// well-formed termination and partial output is not lost. A user-initiated
// stop, by contrast, terminates silently without a synthetic message.
func (s *Session) terminateWithMessage(reason, message string) {
	s.parser.ForceReset()
	s.parser.ParseToken(message)
	s.parser.StopParsing()
}

func (s *Session) reportUsage(ctx context.Context, rec *UsageRecord, req *GenerateRequest, log *logrus.Entry) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.ReportUsage(ctx, rec, req.Meta, req.Model); err != nil {
		// Billing is advisory to the streaming path; never fail the stream.
		log.WithError(err).Error("usage report failed")
	}
}

func (s *Session) reportEstimatedUsage(ctx context.Context, req *GenerateRequest, log *logrus.Entry) {
	if s.reporter == nil {
		return
	}
	s.mu.Lock()
	text := strings.Join(s.rawChunks, "")
	s.mu.Unlock()
	if text == "" {
		return
	}
	completion := EstimateCompletionTokens(text)
	rec := &UsageRecord{
		AIVendorModelName: req.Model.Version,
		CompletionTokens:  completion,
		TotalTokens:       completion,
		RequestReceivedAt: s.startedAt,
		RequestFinishedAt: time.Now(),
		Estimated:         true,
	}
	s.reportUsage(ctx, rec, req, log)
}

// dumpRawChunks writes the transient raw-chunk buffer through the debug
// sink, when one is configured. The buffer is not otherwise persisted.
func (s *Session) dumpRawChunks(req *GenerateRequest) {
	if s.dump == nil || !s.dump.Enabled() {
		return
	}
	s.mu.Lock()
	chunks := make([]string, len(s.rawChunks))
	copy(chunks, s.rawChunks)
	s.mu.Unlock()

	entry := record.Entry{
		InstanceID: s.instanceID,
		Vendor:     s.adapter.Vendor().String(),
		Model:      req.Model.Version,
		Chunks:     chunks,
		Text:       strings.Join(chunks, ""),
	}
	if err := s.dump.Write(entry); err != nil {
		logrus.WithError(err).WithField("instance", s.instanceID).Warn("debug dump failed")
	}
}

// release clears the listener set and removes the session from its registry.
// Idempotent; runs on every Generate exit path.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		s.listeners = nil
		s.state = StateCleanedUp
		s.mu.Unlock()
		if s.releaseHook != nil {
			s.releaseHook()
		}
	})
}

func (s *Session) withSystemPrompt(req *GenerateRequest) []Message {
	if s.cfg.SystemPrompt == "" || !req.Model.SupportsSystemPrompt {
		return req.Messages
	}
	messages := make([]Message, 0, len(req.Messages)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: s.cfg.SystemPrompt})
	return append(messages, req.Messages...)
}

func validateRequest(req *GenerateRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "request is required"}
	}
	if req.Model.Version == "" {
		return &ValidationError{Field: "model.version", Reason: "model version is required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "at least one message is required"}
	}
	return nil
}
