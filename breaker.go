package chatstream

import (
	"fmt"
	"time"
)

// BreakContext is the evaluation context handed to every trigger. It is
// rebuilt fresh on each CheckLimits call and never persisted.
type BreakContext struct {
	// Elapsed is the wall-clock time since the breaker's start anchor.
	Elapsed time.Duration

	// Extra carries caller-supplied fields for custom triggers.
	Extra map[string]any
}

// Trigger is a named, stateless circuit-breaker rule.
type Trigger interface {
	// Name identifies the rule in break results and logs.
	Name() string

	// ShouldTrigger reports whether the rule fires for the given context.
	ShouldTrigger(ctx BreakContext) bool

	// ErrorMessage renders the human-readable message shown to the end
	// user when this rule fires.
	ErrorMessage(ctx BreakContext) string
}

// BreakResult is the outcome of one CheckLimits evaluation.
type BreakResult struct {
	// ShouldBreak is true when a trigger fired.
	ShouldBreak bool

	// Reason is the name of the trigger that fired.
	Reason string

	// Message is the fired trigger's rendered error message.
	Message string

	// Context is the evaluation context the triggers saw.
	Context BreakContext
}

// BreakAction is the side effect invoked when a trigger fires, supplied by
// the caller (typically graceful parser termination).
type BreakAction func(reason, message string)

// Breaker evaluates a declared list of triggers against elapsed time on
// every loop tick. Triggers are evaluated in declaration order; the first
// firing trigger wins and short-circuits the rest. A breaker with no
// triggers never breaks: callers compose policy explicitly rather than the
// breaker hardcoding domain knowledge.
//
// A Breaker is created fresh per generation and discarded after.
type Breaker struct {
	triggers  []Trigger
	startedAt time.Time
	onBreak   BreakAction
	now       func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakAction sets the side effect invoked when a trigger fires.
func WithBreakAction(action BreakAction) BreakerOption {
	return func(b *Breaker) {
		b.onBreak = action
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStartTime anchors elapsed-time computation at a caller-supplied
// instant instead of construction time, so the limit covers work done
// before the breaker existed (e.g. opening the vendor stream).
func WithStartTime(startedAt time.Time) BreakerOption {
	return func(b *Breaker) {
		b.startedAt = startedAt
	}
}

// NewBreaker creates a breaker over the given triggers. Unless WithStartTime
// supplies an anchor, elapsed time is measured from construction.
func NewBreaker(triggers []Trigger, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		triggers: triggers,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.startedAt.IsZero() {
		b.startedAt = b.now()
	}
	return b
}

// CheckLimits evaluates all triggers against a fresh context. For the first
// trigger that fires it renders the error message, invokes the break action
// and reports the trigger's name as the reason; later triggers are not
// consulted.
func (b *Breaker) CheckLimits(extra map[string]any) BreakResult {
	ctx := BreakContext{
		Elapsed: b.now().Sub(b.startedAt),
		Extra:   extra,
	}

	for _, trigger := range b.triggers {
		if !trigger.ShouldTrigger(ctx) {
			continue
		}
		message := trigger.ErrorMessage(ctx)
		if b.onBreak != nil {
			b.onBreak(trigger.Name(), message)
		}
		return BreakResult{
			ShouldBreak: true,
			Reason:      trigger.Name(),
			Message:     message,
			Context:     ctx,
		}
	}

	return BreakResult{Context: ctx}
}

// ElapsedLimitTrigger fires once wall-clock time since the breaker's start
// anchor exceeds Limit. This is the runaway-request policy: a stream that has been
// running longer than the limit is terminated gracefully.
type ElapsedLimitTrigger struct {
	// Limit is the elapsed-time threshold.
	Limit time.Duration
}

// Name implements Trigger.
func (t ElapsedLimitTrigger) Name() string {
	return "elapsed_time_limit"
}

// ShouldTrigger implements Trigger.
func (t ElapsedLimitTrigger) ShouldTrigger(ctx BreakContext) bool {
	return ctx.Elapsed > t.Limit
}

// ErrorMessage implements Trigger. The message is rendered as markdown and
// injected as the final assistant content, so partial output still ends in
// a well-formed message.
func (t ElapsedLimitTrigger) ErrorMessage(ctx BreakContext) string {
	return fmt.Sprintf(
		"\n\n**This response was stopped after running for %.0f seconds.** Please try again with a shorter request.",
		ctx.Elapsed.Seconds(),
	)
}
