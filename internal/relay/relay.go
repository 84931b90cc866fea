package relay

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/streamlane/chat-relay/internal/model"
	"github.com/streamlane/chat-relay/internal/store"
	"github.com/streamlane/chat-relay/pkg/logger"
	"github.com/streamlane/chat-relay/pkg/metrics"
)

// State is the relay's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateOpen
	StateStreaming
	StateCompleted
	StateFailed
	StateSaved
	StateClosed
)

// Sink receives the outbound relay events. Send emits one named event with a
// JSON payload; End emits the [DONE] sentinel. A Send error means the client
// is gone.
type Sink interface {
	Send(event string, payload any) error
	End() error
}

// interruptedMarker is appended to partial content persisted after a
// mid-stream failure.
const interruptedMarker = "\n\n[interrupted]"

// Relay owns one turn's streaming lifecycle. It drives the frame decoder,
// forwards deltas to the sink as they decode, and persists the accumulated
// response exactly once whichever way the stream terminates.
type Relay struct {
	store   store.Store
	sink    Sink
	log     *logger.Logger
	decoder *Decoder

	conversationID string
	userMessage    *model.Message
	modelName      string

	acc   strings.Builder
	saved bool
	state State

	savedMessage *model.Message
}

// New creates a relay for one turn. userMessage is the already-persisted user
// record acknowledged to the client before any model output.
func New(st store.Store, sink Sink, log *logger.Logger, conversationID string, userMessage *model.Message, modelName string) *Relay {
	return &Relay{
		store:          st,
		sink:           sink,
		log:            log,
		decoder:        NewDecoder(log),
		conversationID: conversationID,
		userMessage:    userMessage,
		modelName:      modelName,
		state:          StateInit,
	}
}

// State returns the relay's current state.
func (r *Relay) State() State {
	return r.state
}

// SavedMessage returns the persisted assistant message, if any.
func (r *Relay) SavedMessage() *model.Message {
	return r.savedMessage
}

// FailBeforeOpen reports an upstream call that never produced a stream: a
// non-success status or a transport error. Nothing was accumulated, so
// nothing is saved.
func (r *Relay) FailBeforeOpen(reason string) {
	r.state = StateFailed
	_ = r.sink.Send(model.EventError, &model.ErrorEvent{Message: reason})
	_ = r.sink.End()
	r.state = StateClosed
}

// Run consumes the upstream body until a terminator, EOF, or failure, then
// guarantees terminal persistence. The body is closed on every exit path.
func (r *Relay) Run(ctx context.Context, body io.ReadCloser) error {
	defer body.Close()

	r.state = StateOpen

	// Acknowledge the persisted user message before any model output so the
	// client can reconcile its optimistic UI.
	if err := r.sink.Send(model.EventUserMessage, r.userMessage); err != nil {
		r.fail(ctx, err)
		return err
	}

	r.state = StateStreaming

	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)

		if n > 0 {
			for _, frame := range r.decoder.Feed(buf[:n]) {
				switch frame.Kind {
				case FrameContentDelta:
					r.acc.WriteString(frame.Text)
					metrics.DeltasForwarded.Inc()
					if err := r.sink.Send(model.EventContent, &model.ContentEvent{Text: frame.Text}); err != nil {
						r.fail(ctx, err)
						return err
					}
				case FrameTerminator:
					r.complete(ctx)
					return nil
				}
			}
		}

		if readErr == io.EOF {
			// Upstream closed without a terminator; flush the residual
			// fragment once, best-effort.
			for _, frame := range r.decoder.Flush() {
				if frame.Kind == FrameContentDelta {
					r.acc.WriteString(frame.Text)
					metrics.DeltasForwarded.Inc()
					_ = r.sink.Send(model.EventContent, &model.ContentEvent{Text: frame.Text})
				}
			}
			r.complete(ctx)
			return nil
		}
		if readErr != nil {
			r.fail(ctx, readErr)
			return readErr
		}
	}
}

// complete handles the clean-termination path: persist the accumulator once,
// acknowledge the saved record, end the stream.
func (r *Relay) complete(ctx context.Context) {
	r.state = StateCompleted

	msg, err := r.persist(ctx, r.acc.String(), map[string]any{
		"model":    r.modelName,
		"streamed": true,
	})
	if err != nil {
		r.log.Error("failed to persist assistant message",
			zap.String("conversation_id", r.conversationID), zap.Error(err))
		_ = r.sink.Send(model.EventError, &model.ErrorEvent{Message: "failed to save response"})
	} else if msg != nil {
		r.state = StateSaved
		_ = r.sink.Send(model.EventMessageSaved, msg)
	}

	_ = r.sink.End()
	r.state = StateClosed
}

// fail handles every mid-stream failure, including a disconnected client.
// Partial content is persisted with an interruption marker; a dropped client
// must not discard an otherwise-complete response, so persistence runs on a
// context that survives cancellation.
func (r *Relay) fail(ctx context.Context, cause error) {
	r.state = StateFailed
	r.log.Warn("stream interrupted",
		zap.String("conversation_id", r.conversationID), zap.Error(cause))

	msg, err := r.persist(context.WithoutCancel(ctx), r.acc.String()+interruptedMarker, map[string]any{
		"model":    r.modelName,
		"streamed": true,
		"error":    true,
	})
	if err != nil {
		r.log.Error("failed to persist interrupted message",
			zap.String("conversation_id", r.conversationID), zap.Error(err))
	} else if msg != nil {
		r.state = StateSaved
		_ = r.sink.Send(model.EventMessageSaved, msg)
	}

	_ = r.sink.Send(model.EventError, &model.ErrorEvent{Message: "stream interrupted"})
	_ = r.sink.End()
	r.state = StateClosed
}

// persist writes the assistant message at most once per relay instance. Both
// termination paths and any late flush route through this guard; there is no
// other save call site. An empty accumulator persists nothing.
func (r *Relay) persist(ctx context.Context, content string, metadata map[string]any) (*model.Message, error) {
	if r.saved || r.acc.Len() == 0 {
		return nil, nil
	}
	r.saved = true

	msg, err := r.store.AppendMessage(ctx, r.conversationID, model.RoleAssistant, content, metadata)
	if err != nil {
		return nil, err
	}

	metrics.MessagesPersisted.WithLabelValues(string(model.RoleAssistant)).Inc()
	r.savedMessage = msg
	return msg, nil
}
