// Package chat drives a streaming conversation with the assistant.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/godeps/reborn-go/pkg/conversation"
	"github.com/godeps/reborn-go/pkg/stream"
	"github.com/godeps/reborn-go/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxMessageRunes caps a single user message.
const DefaultMaxMessageRunes = 500

// ChatAPI is the backend surface the controller needs.
type ChatAPI interface {
	// Send posts message and returns the streamed reply body.
	Send(ctx context.Context, message string) (io.ReadCloser, error)
	History(ctx context.Context) (conversation.History, error)
	Clear(ctx context.Context) error
}

// Greeter is optionally implemented by a ChatAPI that can produce an
// opening assistant message for an empty conversation.
type Greeter interface {
	FirstMessage(ctx context.Context) (string, error)
}

// Option customises a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTelemetry routes metrics through mgr instead of the global manager.
func WithTelemetry(mgr *telemetry.Manager) Option {
	return func(c *Controller) { c.telemetry = mgr }
}

// WithObserver registers fn to receive every transition and applied delta.
// fn runs on the sending goroutine and must not block.
func WithObserver(fn func(Update)) Option {
	return func(c *Controller) { c.observer = fn }
}

// WithMaxMessageRunes overrides DefaultMaxMessageRunes.
func WithMaxMessageRunes(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxRunes = n
		}
	}
}

// WithDecoderOptions forwards options to each stream decoder.
func WithDecoderOptions(opts ...stream.DecoderOption) Option {
	return func(c *Controller) { c.decoderOpts = append(c.decoderOpts, opts...) }
}

// Controller runs at most one operation at a time against a conversation
// store. Concurrent calls are rejected with ErrBusy, never queued, and
// nothing is retried.
type Controller struct {
	api   ChatAPI
	store *conversation.Store

	mu    sync.Mutex
	state State
	busy  bool

	logger      *zap.Logger
	telemetry   *telemetry.Manager
	observer    func(Update)
	maxRunes    int
	decoderOpts []stream.DecoderOption
}

// NewController wires api to store. A nil store starts an empty conversation.
func NewController(api ChatAPI, store *conversation.Store, opts ...Option) *Controller {
	if store == nil {
		store = conversation.NewStore()
	}
	c := &Controller{
		api:      api,
		store:    store,
		logger:   zap.NewNop(),
		maxRunes: DefaultMaxMessageRunes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current send state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether any operation is outstanding.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Snapshot returns a copy of the conversation, safe to call at any time.
func (c *Controller) Snapshot() conversation.History {
	return c.store.Snapshot()
}

// Store exposes the underlying conversation store.
func (c *Controller) Store() *conversation.Store { return c.store }

// SendMessage appends the trimmed text as a user message and streams the
// assistant reply into the conversation. On any failure after the user
// message is appended, only the assistant placeholder is removed and the
// original error is returned: transport errors as-is, assistant failures as
// *StreamError, and cancellation as an error matching ctx.Err().
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > c.maxRunes {
		return fmt.Errorf("%w: %d > %d runes", ErrMessageTooLong, n, c.maxRunes)
	}
	if !c.acquire(StateSending) {
		return ErrBusy
	}
	defer c.release()

	ctx, span := c.startSpan(ctx, "chat.send")
	run := &sendRun{start: time.Now()}
	err := c.send(ctx, text, run)
	span.SetAttributes(
		attribute.Int("chat.deltas", run.deltas),
		attribute.String("chat.outcome", outcome(err)),
	)
	c.recordSend(ctx, run, err)
	telemetry.EndSpan(span, err)
	return err
}

type sendRun struct {
	start      time.Time
	deltas     int
	firstDelta time.Duration
}

func (c *Controller) send(ctx context.Context, text string, run *sendRun) error {
	if err := c.store.Append(conversation.Message{Role: conversation.RoleUser, Content: text}); err != nil {
		return err
	}
	h, err := c.store.BeginAssistantTurn()
	if err != nil {
		return err
	}
	c.publish(Update{State: StateSending})

	body, err := c.api.Send(ctx, text)
	if err != nil {
		return c.rollback(h, err)
	}
	defer body.Close()

	c.transition(StateStreaming)
	dec := stream.NewDecoder(body, c.decoderOpts...)
	for evt := range dec.Events(ctx) {
		switch evt.Kind {
		case stream.EventDelta:
			if err := c.store.ApplyDelta(h, evt.Text); err != nil {
				return c.rollback(h, err)
			}
			if run.deltas == 0 {
				run.firstDelta = time.Since(run.start)
			}
			run.deltas++
			c.publish(Update{State: StateStreaming, Delta: evt.Text})
		case stream.EventDone:
			c.transition(StateFinalizing)
			if err := c.store.Finalize(h); err != nil {
				return c.rollback(h, err)
			}
			c.logger.Debug("assistant turn finalized",
				zap.String("message_id", h.ID()),
				zap.Int("deltas", run.deltas),
			)
			return nil
		case stream.EventError:
			return c.rollback(h, c.streamFailure(ctx, dec, evt))
		}
	}
	// Events ends without a terminal event only once ctx is done.
	return c.rollback(h, ctx.Err())
}

func (c *Controller) streamFailure(ctx context.Context, dec *stream.Decoder, evt stream.Event) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return &StreamError{Detail: evt.Text, Protocol: dec.ProtocolFailure(), Err: dec.Err()}
}

func (c *Controller) rollback(h conversation.Handle, cause error) error {
	c.setState(StateRollingBack)
	if err := c.store.Discard(h); err != nil {
		c.logger.Error("discard assistant turn", zap.Error(err))
	}
	c.logger.Warn("assistant turn rolled back",
		zap.String("message_id", h.ID()),
		zap.String("error", telemetry.MaskText(cause.Error())),
	)
	c.publish(Update{State: StateRollingBack, Err: cause})
	return cause
}

// LoadHistory replaces the local conversation with the server's. When the
// server has nothing and the API can greet, the greeting becomes the first
// assistant message.
func (c *Controller) LoadHistory(ctx context.Context) error {
	if !c.acquire(StateIdle) {
		return ErrBusy
	}
	defer c.release()

	history, err := c.api.History(ctx)
	if err != nil {
		return err
	}
	if err := c.store.Replace(history); err != nil {
		return err
	}
	if len(history) == 0 {
		if g, ok := c.api.(Greeter); ok {
			greeting, err := g.FirstMessage(ctx)
			if err != nil {
				c.logger.Warn("first message unavailable", zap.Error(err))
			} else if strings.TrimSpace(greeting) != "" {
				if err := c.store.Append(conversation.Message{Role: conversation.RoleAssistant, Content: greeting}); err != nil {
					return err
				}
			}
		}
	}
	c.logger.Debug("history loaded", zap.Int("messages", c.store.Len()))
	return nil
}

// ClearHistory empties the server history and then, only on success, the
// local one.
func (c *Controller) ClearHistory(ctx context.Context) error {
	if !c.acquire(StateIdle) {
		return ErrBusy
	}
	defer c.release()

	if err := c.api.Clear(ctx); err != nil {
		return err
	}
	return c.store.Clear()
}

func (c *Controller) acquire(next State) bool {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return false
	}
	c.busy = true
	changed := c.state != next
	c.state = next
	c.mu.Unlock()
	if changed {
		c.logger.Debug("chat state", zap.Stringer("state", next))
	}
	return true
}

func (c *Controller) release() {
	c.mu.Lock()
	changed := c.state != StateIdle
	c.state = StateIdle
	c.busy = false
	c.mu.Unlock()
	if changed {
		c.logger.Debug("chat state", zap.Stringer("state", StateIdle))
		c.publish(Update{State: StateIdle})
	}
}

func (c *Controller) transition(next State) {
	c.setState(next)
	c.publish(Update{State: next})
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	c.logger.Debug("chat state", zap.Stringer("state", next))
}

func (c *Controller) publish(u Update) {
	if c.observer == nil {
		return
	}
	u.History = c.store.Snapshot()
	c.observer(u)
}

func (c *Controller) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if c.telemetry != nil {
		return c.telemetry.StartSpan(ctx, name)
	}
	return telemetry.StartSpan(ctx, name)
}

func (c *Controller) recordSend(ctx context.Context, run *sendRun, err error) {
	data := telemetry.SendData{
		Outcome:    outcome(err),
		Deltas:     run.deltas,
		FirstDelta: run.firstDelta,
		Duration:   time.Since(run.start),
	}
	var serr *StreamError
	if errors.As(err, &serr) {
		data.Detail = serr.Detail
	}
	if c.telemetry != nil {
		c.telemetry.RecordSend(ctx, data)
	} else {
		telemetry.RecordSend(ctx, data)
	}
	fields := []zap.Field{
		zap.String("outcome", data.Outcome),
		zap.Int("deltas", run.deltas),
		zap.Duration("elapsed", data.Duration),
	}
	if err != nil {
		c.logger.Info("chat send failed", fields...)
		return
	}
	c.logger.Info("chat send completed", fields...)
}

func outcome(err error) string {
	var serr *StreamError
	switch {
	case err == nil:
		return telemetry.OutcomeDone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return telemetry.OutcomeCanceled
	case errors.As(err, &serr) && serr.Protocol:
		return telemetry.OutcomeProtocolError
	case errors.As(err, &serr):
		return telemetry.OutcomeStreamError
	default:
		return telemetry.OutcomeTransportError
	}
}
