package chatstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftmill/chatstream-go/segment"
)

// fakeAdapter serves a scripted chunk stream.
type fakeAdapter struct {
	vendor  Vendor
	stream  ChunkStream
	openErr error
}

func (f *fakeAdapter) Vendor() Vendor {
	if f.vendor == "" {
		return VendorLorem
	}
	return f.vendor
}

func (f *fakeAdapter) OpenStream(context.Context, *StreamRequest) (ChunkStream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

// slowOpenAdapter delays OpenStream, modelling a vendor that is slow to
// accept the call.
type slowOpenAdapter struct {
	fakeAdapter
	openDelay time.Duration
}

func (a *slowOpenAdapter) OpenStream(ctx context.Context, req *StreamRequest) (ChunkStream, error) {
	time.Sleep(a.openDelay)
	return a.fakeAdapter.OpenStream(ctx, req)
}

// scriptedStream replays a fixed chunk sequence. The optional before hook
// runs just before chunk i is yielded, which lets tests inject a stop
// request between two chunks deterministically.
type scriptedStream struct {
	chunks   []Chunk
	failWith error
	before   func(i int)

	idx     int
	current Chunk
	err     error
}

func (s *scriptedStream) Next() bool {
	if s.idx >= len(s.chunks) {
		s.err = s.failWith
		return false
	}
	if s.before != nil {
		s.before(s.idx)
	}
	s.current = s.chunks[s.idx]
	s.idx++
	return true
}

func (s *scriptedStream) Current() Chunk { return s.current }
func (s *scriptedStream) Err() error     { return s.err }
func (s *scriptedStream) Close() error   { return nil }

// blockingStream never yields until closed. Models a vendor call that hangs.
type blockingStream struct {
	once sync.Once
	ch   chan struct{}
}

func newBlockingStream() *blockingStream {
	return &blockingStream{ch: make(chan struct{})}
}

func (s *blockingStream) Next() bool {
	<-s.ch
	return false
}

func (s *blockingStream) Current() Chunk { return Chunk{} }
func (s *blockingStream) Err() error     { return nil }

func (s *blockingStream) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

// recorder collects everything a session emits, in order: segments from the
// listener plus usage reports, interleaved as they happened.
type recorder struct {
	mu       sync.Mutex
	segments []TaggedSegment
	usage    []*UsageRecord
	events   []string // "segment:<status>" and "usage" markers in arrival order
}

func (r *recorder) listen(seg TaggedSegment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = append(r.segments, seg)
	r.events = append(r.events, "segment:"+string(seg.Status))
}

func (r *recorder) report(_ context.Context, rec *UsageRecord, _ EventMeta, _ ModelInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = append(r.usage, rec)
	r.events = append(r.events, "usage")
	return nil
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for _, seg := range r.segments {
		out += seg.Text
	}
	return out
}

func (r *recorder) statuses() []segment.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []segment.Status
	for _, seg := range r.segments {
		out = append(out, seg.Status)
	}
	return out
}

func contentChunks(texts ...string) []Chunk {
	chunks := make([]Chunk, 0, len(texts))
	for _, text := range texts {
		chunks = append(chunks, Chunk{ID: "req-1", Content: text, HasContent: true})
	}
	return chunks
}

func userRequest() *GenerateRequest {
	return &GenerateRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Model:    ModelInfo{Vendor: VendorLorem, Version: "lorem-instant"},
		Meta:     EventMeta{WorkspaceID: "ws1", ThreadID: "thread1"},
	}
}

func newTestSession(stream ChunkStream, rec *recorder, opts ...SessionOption) *Session {
	adapter := &fakeAdapter{stream: stream}
	opts = append([]SessionOption{WithUsageReporter(UsageReporterFunc(rec.report))}, opts...)
	sess := NewSession("ws1:thread1", adapter, segment.NewMarkdownParser(), opts...)
	sess.SubscribeToTokenReceive(rec.listen)
	return sess
}

func TestGenerateValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   *GenerateRequest
		field string
	}{
		{"nil request", nil, "request"},
		{
			"missing model version",
			&GenerateRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}},
			"model.version",
		},
		{
			"no messages",
			&GenerateRequest{Model: ModelInfo{Version: "gpt-4o"}},
			"messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			sess := newTestSession(&scriptedStream{}, rec)

			err := sess.Generate(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsValidation(err))

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Empty(t, rec.segments, "validation failures must not emit segments")
		})
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	chunks := append(contentChunks("Hello", " world", "!"), Chunk{
		ID: "req-1",
		Usage: &VendorUsage{
			PromptTokens:     7,
			CompletionTokens: 3,
		},
	})
	rec := &recorder{}
	sess := newTestSession(&scriptedStream{chunks: chunks}, rec)

	err := sess.Generate(context.Background(), userRequest())
	require.NoError(t, err)

	statuses := rec.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, segment.StatusStartStream, statuses[0])
	assert.Equal(t, segment.StatusEndStream, statuses[len(statuses)-1])
	assert.Equal(t, "Hello world!", rec.text())

	require.Len(t, rec.usage, 1, "usage must be reported exactly once")
	assert.Equal(t, 7, rec.usage[0].PromptTokens)
	assert.Equal(t, 3, rec.usage[0].CompletionTokens)
	assert.Equal(t, 10, rec.usage[0].TotalTokens)
	assert.Equal(t, "req-1", rec.usage[0].AIVendorRequestID)
	assert.False(t, rec.usage[0].Estimated)

	assert.Equal(t, StateCleanedUp, sess.State())
	assert.Equal(t, StateCompleted, sess.Outcome())

	// Every segment is tagged with the producing vendor.
	for _, seg := range rec.segments {
		assert.Equal(t, VendorLorem, seg.AIProvider)
	}
}

func TestGenerateUsageReportedBeforeEndStream(t *testing.T) {
	chunks := append(contentChunks("Hello", " world"), Chunk{
		ID:    "req-1",
		Usage: &VendorUsage{PromptTokens: 2, CompletionTokens: 2},
	})
	rec := &recorder{}
	sess := newTestSession(&scriptedStream{chunks: chunks}, rec)

	require.NoError(t, sess.Generate(context.Background(), userRequest()))

	usageAt, endAt := -1, -1
	for i, event := range rec.events {
		switch event {
		case "usage":
			usageAt = i
		case "segment:" + string(segment.StatusEndStream):
			endAt = i
		}
	}
	require.GreaterOrEqual(t, usageAt, 0)
	require.GreaterOrEqual(t, endAt, 0)
	assert.Less(t, usageAt, endAt, "usage must be reported before the terminal segment")
}

func TestGenerateInterruptRace(t *testing.T) {
	rec := &recorder{}
	stream := &scriptedStream{chunks: contentChunks("before stop", " after stop")}

	var sess *Session
	reg := NewRegistry(func(instanceID string) (*Session, error) {
		adapter := &fakeAdapter{stream: stream}
		s := NewSession(instanceID, adapter, segment.NewMarkdownParser(),
			WithUsageReporter(UsageReporterFunc(rec.report)))
		return s, nil
	})

	var err error
	sess, err = reg.GetOrCreate("ws1:thread1")
	require.NoError(t, err)
	sess.SubscribeToTokenReceive(rec.listen)

	// Request the stop between the first and second content chunk.
	stream.before = func(i int) {
		if i == 1 {
			sess.StopStream()
		}
	}

	require.NoError(t, sess.Generate(context.Background(), userRequest()))

	assert.Equal(t, "before stop", rec.text(), "content before the stop flag is intact, nothing after it is emitted")
	statuses := rec.statuses()
	assert.Equal(t, segment.StatusEndStream, statuses[len(statuses)-1], "interrupted streams still terminate cleanly")
	assert.Equal(t, StateInterrupted, sess.Outcome())
	assert.Equal(t, 0, reg.Len(), "interrupted sessions are removed from the registry")

	// No vendor usage arrived, so completion tokens are recounted from the
	// raw chunk buffer.
	require.Len(t, rec.usage, 1)
	assert.True(t, rec.usage[0].Estimated)
	assert.Greater(t, rec.usage[0].CompletionTokens, 0)
}

func TestGenerateCircuitBreak(t *testing.T) {
	rec := &recorder{}
	sess := newTestSession(
		&scriptedStream{chunks: contentChunks("never processed")},
		rec,
		WithConfig(Config{BreakerLimit: Duration(time.Nanosecond)}),
	)

	require.NoError(t, sess.Generate(context.Background(), userRequest()),
		"circuit break is a successful early termination, not an error")

	assert.Equal(t, StateCircuitBroken, sess.Outcome())
	assert.NotContains(t, rec.text(), "never processed",
		"the chunk that trips the breaker is not processed")
	assert.Contains(t, rec.text(), "stopped after",
		"the synthetic break message is injected as final content")
	statuses := rec.statuses()
	assert.Equal(t, segment.StatusEndStream, statuses[len(statuses)-1])
}

func TestGenerateBreakBudgetIncludesStreamOpen(t *testing.T) {
	rec := &recorder{}
	adapter := &slowOpenAdapter{
		fakeAdapter: fakeAdapter{stream: &scriptedStream{chunks: contentChunks("never processed")}},
		openDelay:   60 * time.Millisecond,
	}
	sess := NewSession("ws1:thread1", adapter, segment.NewMarkdownParser(),
		WithUsageReporter(UsageReporterFunc(rec.report)),
		WithConfig(Config{BreakerLimit: Duration(30 * time.Millisecond)}),
	)
	sess.SubscribeToTokenReceive(rec.listen)

	require.NoError(t, sess.Generate(context.Background(), userRequest()))

	// Elapsed time is anchored at session start, so a slow stream open
	// alone can exhaust the budget before any chunk is processed.
	assert.Equal(t, StateCircuitBroken, sess.Outcome())
	assert.NotContains(t, rec.text(), "never processed")
	assert.Contains(t, rec.text(), "stopped after")
}

func TestGenerateStopIsSilent(t *testing.T) {
	rec := &recorder{}
	stream := &scriptedStream{chunks: contentChunks("partial", " tail")}
	sess := newTestSession(stream, rec)
	stream.before = func(i int) {
		if i == 1 {
			sess.StopStream()
		}
	}

	require.NoError(t, sess.Generate(context.Background(), userRequest()))

	// A user-initiated stop terminates silently: no synthetic message.
	assert.Equal(t, "partial", rec.text())
	assert.NotContains(t, rec.text(), "stopped after")
}

func TestGenerateStreamTimeout(t *testing.T) {
	rec := &recorder{}
	sess := newTestSession(
		newBlockingStream(),
		rec,
		WithConfig(Config{StreamTimeout: Duration(30 * time.Millisecond)}),
	)

	err := sess.Generate(context.Background(), userRequest())
	require.Error(t, err)
	assert.True(t, IsStreamTimeout(err))

	var timeoutErr *StreamTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, VendorLorem, timeoutErr.Vendor)

	for _, seg := range rec.segments {
		assert.NotEqual(t, segment.StatusStreaming, seg.Status,
			"no content may be emitted on a stream that never yielded")
	}
	assert.Equal(t, StateErrored, sess.Outcome())
}

func TestGenerateTimeoutDisarmedAfterFirstYield(t *testing.T) {
	// Once the stream has begun yielding, the first-yield timeout must be
	// out of play entirely: a mid-stream gap far longer than the configured
	// timeout (and a timer that may already have fired) cannot terminate
	// the stream.
	chunks := append(contentChunks("Hello", " world"), Chunk{
		ID:    "req-1",
		Usage: &VendorUsage{PromptTokens: 2, CompletionTokens: 2},
	})
	rec := &recorder{}
	sess := newTestSession(
		&scriptedStream{
			chunks: chunks,
			before: func(i int) {
				if i == 1 {
					time.Sleep(80 * time.Millisecond)
				}
			},
		},
		rec,
		WithConfig(Config{StreamTimeout: Duration(25 * time.Millisecond)}),
	)

	err := sess.Generate(context.Background(), userRequest())
	require.NoError(t, err)
	assert.Equal(t, "Hello world", rec.text())
	assert.Equal(t, StateCompleted, sess.Outcome())
}

func TestGenerateVendorErrorNormalized(t *testing.T) {
	sdkErr := errors.New("anthropic: overloaded_error (529)")
	rec := &recorder{}
	sess := newTestSession(&scriptedStream{
		chunks:   contentChunks("partial"),
		failWith: sdkErr,
	}, rec)

	err := sess.Generate(context.Background(), userRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrVendorFailure)

	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Contains(t, providerErr.Message, "overloaded_error", "the original vendor message is preserved")

	statuses := rec.statuses()
	assert.Equal(t, segment.StatusEndStream, statuses[len(statuses)-1],
		"the parser reaches a clean terminal state before the error propagates")
}

func TestGenerateOpenStreamErrorNormalized(t *testing.T) {
	rec := &recorder{}
	adapter := &fakeAdapter{openErr: errors.New("dial tcp: connection refused")}
	sess := NewSession("ws1:thread1", adapter, segment.NewMarkdownParser())
	sess.SubscribeToTokenReceive(rec.listen)

	err := sess.Generate(context.Background(), userRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrVendorFailure)
	assert.Empty(t, rec.segments)
}

func TestListenerIsolation(t *testing.T) {
	chunks := contentChunks("hello")
	adapter := &fakeAdapter{stream: &scriptedStream{chunks: chunks}}
	sess := NewSession("ws1:thread1", adapter, segment.NewMarkdownParser())

	var secondSaw []TaggedSegment
	sess.SubscribeToTokenReceive(func(TaggedSegment) {
		panic("listener one is broken")
	})
	sess.SubscribeToTokenReceive(func(seg TaggedSegment) {
		secondSaw = append(secondSaw, seg)
	})

	require.NoError(t, sess.Generate(context.Background(), userRequest()))
	assert.NotEmpty(t, secondSaw, "a panicking listener must not starve the others")
}

func TestSubscribeUnsubscribeIdempotent(t *testing.T) {
	adapter := &fakeAdapter{stream: &scriptedStream{}}
	sess := NewSession("ws1:thread1", adapter, segment.NewMarkdownParser())

	calls := 0
	unsubOne := sess.SubscribeToTokenReceive(func(TaggedSegment) { calls++ })
	sess.SubscribeToTokenReceive(func(TaggedSegment) { calls += 10 })

	unsubOne()
	unsubOne() // double release is safe

	sess.notifyTokenReceive(TaggedSegment{})
	assert.Equal(t, 10, calls)
}

func TestGenerateRejectsConcurrentCall(t *testing.T) {
	rec := &recorder{}
	stream := newBlockingStream()
	sess := newTestSession(stream, rec,
		WithConfig(Config{StreamTimeout: Duration(200 * time.Millisecond)}))

	done := make(chan error, 1)
	go func() {
		done <- sess.Generate(context.Background(), userRequest())
	}()

	// Wait until the first call is streaming, then try a second one.
	require.Eventually(t, func() bool {
		return sess.State() == StateStreaming
	}, time.Second, time.Millisecond)

	err := sess.Generate(context.Background(), userRequest())
	require.ErrorIs(t, err, ErrSessionLive)

	stream.Close()
	<-done
}

func TestSystemPromptPrepended(t *testing.T) {
	var captured *StreamRequest
	adapter := &capturingAdapter{stream: &scriptedStream{}}
	sess := NewSession("ws1:thread1", adapter, segment.NewMarkdownParser(),
		WithConfig(Config{SystemPrompt: "You are a writing assistant."}))
	adapter.capture = func(req *StreamRequest) { captured = req }

	req := userRequest()
	req.Model.SupportsSystemPrompt = true
	require.NoError(t, sess.Generate(context.Background(), req))

	require.NotNil(t, captured)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, RoleSystem, captured.Messages[0].Role)
	assert.Equal(t, "You are a writing assistant.", captured.Messages[0].Content)
	assert.Equal(t, "hi", captured.Messages[1].Content)
}

func TestSystemPromptSkippedWhenUnsupported(t *testing.T) {
	var captured *StreamRequest
	adapter := &capturingAdapter{stream: &scriptedStream{}}
	sess := NewSession("ws1:thread1", adapter, segment.NewMarkdownParser(),
		WithConfig(Config{SystemPrompt: "You are a writing assistant."}))
	adapter.capture = func(req *StreamRequest) { captured = req }

	req := userRequest()
	req.Model.SupportsSystemPrompt = false
	require.NoError(t, sess.Generate(context.Background(), req))

	require.NotNil(t, captured)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, RoleUser, captured.Messages[0].Role)
}

// capturingAdapter records the stream request it was opened with.
type capturingAdapter struct {
	stream  ChunkStream
	capture func(*StreamRequest)
}

func (a *capturingAdapter) Vendor() Vendor { return VendorLorem }

func (a *capturingAdapter) OpenStream(_ context.Context, req *StreamRequest) (ChunkStream, error) {
	if a.capture != nil {
		a.capture(req)
	}
	return a.stream, nil
}
