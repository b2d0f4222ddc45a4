package connect

import (
	"context"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/osa030/orchestrion/internal/app/gain"
	"github.com/osa030/orchestrion/internal/app/notification"
	"github.com/osa030/orchestrion/internal/app/orchestrion"
	"github.com/osa030/orchestrion/internal/app/peer"
	"github.com/osa030/orchestrion/internal/app/playback"
	"github.com/osa030/orchestrion/internal/app/status"
	"github.com/osa030/orchestrion/internal/domain/queue"
	"github.com/osa030/orchestrion/internal/infra/journal"
)

// ControlServiceName is the fully-qualified name of the control service.
const ControlServiceName = "orchestrion.v1.ControlService"

// Procedure paths of the control service.
const (
	ProcedureItemChanged     = "/" + ControlServiceName + "/ItemChanged"
	ProcedureAdjustGain      = "/" + ControlServiceName + "/AdjustGain"
	ProcedurePlay            = "/" + ControlServiceName + "/Play"
	ProcedurePause           = "/" + ControlServiceName + "/Pause"
	ProcedureSeek            = "/" + ControlServiceName + "/Seek"
	ProcedureSetRepeat       = "/" + ControlServiceName + "/SetRepeat"
	ProcedureUnstall         = "/" + ControlServiceName + "/Unstall"
	ProcedureMediaKey        = "/" + ControlServiceName + "/MediaKey"
	ProcedurePostToWorker    = "/" + ControlServiceName + "/PostToWorker"
	ProcedureGetStatus       = "/" + ControlServiceName + "/GetStatus"
	ProcedureGetHistory      = "/" + ControlServiceName + "/GetHistory"
	ProcedureSubscribeStatus = "/" + ControlServiceName + "/SubscribeStatus"
)

const defaultHistoryLimit = 50

// Controller is the engine surface exposed over the control service.
type Controller interface {
	ItemChanged(item *queue.Item) error
	AdjustGain(knob string, value float64) error
	Play() error
	Pause() error
	Seek(fraction float64) error
	SetRepeat(repeat bool)
	Unstall() error
	ForwardMediaKey(key string)
	Status() orchestrion.Status
}

// Poster delivers messages to the background worker.
type Poster interface {
	Post(msg map[string]any) error
}

// History returns recently journaled events.
type History interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// ControlService implements the ControlService RPC.
type ControlService struct {
	engine        Controller
	keys          *peer.MediaKeys
	worker        Poster
	history       History
	notifications *notification.Manager
	done          <-chan struct{}
	validate      *validator.Validate
}

// ControlServiceOption configures optional collaborators.
type ControlServiceOption func(*ControlService)

// WithWorker enables PostToWorker.
func WithWorker(worker Poster) ControlServiceOption {
	return func(s *ControlService) { s.worker = worker }
}

// WithHistory enables GetHistory.
func WithHistory(history History) ControlServiceOption {
	return func(s *ControlService) { s.history = history }
}

// WithDone ends status subscriptions when done is closed.
func WithDone(done <-chan struct{}) ControlServiceOption {
	return func(s *ControlService) { s.done = done }
}

// NewControlService creates a new ControlService.
func NewControlService(engine Controller, notifications *notification.Manager, opts ...ControlServiceOption) *ControlService {
	s := &ControlService{
		engine:        engine,
		keys:          peer.NewMediaKeys(engine),
		notifications: notifications,
		validate:      validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewControlServiceHandler builds an HTTP handler serving every control procedure.
func NewControlServiceHandler(s *ControlService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(ProcedureItemChanged, connect.NewUnaryHandler(ProcedureItemChanged, s.ItemChanged, opts...))
	mux.Handle(ProcedureAdjustGain, connect.NewUnaryHandler(ProcedureAdjustGain, s.AdjustGain, opts...))
	mux.Handle(ProcedurePlay, connect.NewUnaryHandler(ProcedurePlay, s.Play, opts...))
	mux.Handle(ProcedurePause, connect.NewUnaryHandler(ProcedurePause, s.Pause, opts...))
	mux.Handle(ProcedureSeek, connect.NewUnaryHandler(ProcedureSeek, s.Seek, opts...))
	mux.Handle(ProcedureSetRepeat, connect.NewUnaryHandler(ProcedureSetRepeat, s.SetRepeat, opts...))
	mux.Handle(ProcedureUnstall, connect.NewUnaryHandler(ProcedureUnstall, s.Unstall, opts...))
	mux.Handle(ProcedureMediaKey, connect.NewUnaryHandler(ProcedureMediaKey, s.MediaKey, opts...))
	mux.Handle(ProcedurePostToWorker, connect.NewUnaryHandler(ProcedurePostToWorker, s.PostToWorker, opts...))
	mux.Handle(ProcedureGetStatus, connect.NewUnaryHandler(ProcedureGetStatus, s.GetStatus, opts...))
	mux.Handle(ProcedureGetHistory, connect.NewUnaryHandler(ProcedureGetHistory, s.GetHistory, opts...))
	mux.Handle(ProcedureSubscribeStatus, connect.NewServerStreamHandler(ProcedureSubscribeStatus, s.SubscribeStatus, opts...))
	return "/" + ControlServiceName + "/", mux
}

// itemRequest is the payload of ItemChanged. An empty payload clears the item.
type itemRequest struct {
	ID            string  `mapstructure:"id"`
	Locator       string  `mapstructure:"locator"`
	StartOffsetMs float64 `mapstructure:"start_offset_ms"`
}

// gainRequest is the payload of AdjustGain.
type gainRequest struct {
	Knob  string   `mapstructure:"knob" validate:"required"`
	Value *float64 `mapstructure:"value" validate:"required"`
}

func decodeStrict(input map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create decoder")
	}
	return decoder.Decode(input)
}

// ItemChanged handles active item changes from the queue owner.
func (s *ControlService) ItemChanged(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[emptypb.Empty], error) {
	fields := req.Msg.AsMap()
	if len(fields) == 0 {
		if err := s.engine.ItemChanged(nil); err != nil {
			return nil, toConnectError(err)
		}
		return connect.NewResponse(&emptypb.Empty{}), nil
	}

	var r itemRequest
	if err := decodeStrict(fields, &r); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	item := &queue.Item{
		ID:          r.ID,
		Locator:     r.Locator,
		StartOffset: time.Duration(r.StartOffsetMs * float64(time.Millisecond)),
	}
	if err := s.engine.ItemChanged(item); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// AdjustGain handles knob changes.
func (s *ControlService) AdjustGain(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[emptypb.Empty], error) {
	var r gainRequest
	if err := decodeStrict(req.Msg.AsMap(), &r); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := s.validate.Struct(r); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := s.engine.AdjustGain(r.Knob, *r.Value); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// Play handles play requests.
func (s *ControlService) Play(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[emptypb.Empty], error) {
	if err := s.engine.Play(); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// Pause handles pause requests.
func (s *ControlService) Pause(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[emptypb.Empty], error) {
	if err := s.engine.Pause(); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// Seek handles seek requests. The value is a fraction of the duration.
func (s *ControlService) Seek(
	ctx context.Context,
	req *connect.Request[wrapperspb.DoubleValue],
) (*connect.Response[emptypb.Empty], error) {
	if err := s.engine.Seek(req.Msg.GetValue()); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// SetRepeat handles repeat flag changes.
func (s *ControlService) SetRepeat(
	ctx context.Context,
	req *connect.Request[wrapperspb.BoolValue],
) (*connect.Response[emptypb.Empty], error) {
	s.engine.SetRepeat(req.Msg.GetValue())
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// Unstall handles manual recovery requests.
func (s *ControlService) Unstall(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[emptypb.Empty], error) {
	if err := s.engine.Unstall(); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// MediaKey handles media key presses from the host.
func (s *ControlService) MediaKey(
	ctx context.Context,
	req *connect.Request[wrapperspb.StringValue],
) (*connect.Response[emptypb.Empty], error) {
	if err := s.keys.Press(req.Msg.GetValue()); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// PostToWorker forwards a message to the background worker.
func (s *ControlService) PostToWorker(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[emptypb.Empty], error) {
	if s.worker == nil {
		return nil, toConnectError(peer.ErrWorkerUnavailable)
	}
	if err := s.worker.Post(req.Msg.AsMap()); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&emptypb.Empty{}), nil
}

// GetStatus returns a snapshot of the engine state.
func (s *ControlService) GetStatus(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
) (*connect.Response[structpb.Struct], error) {
	st, err := structpb.NewStruct(statusFields(s.engine.Status()))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// GetHistory returns the most recent journaled events, newest first.
func (s *ControlService) GetHistory(
	ctx context.Context,
	req *connect.Request[wrapperspb.Int32Value],
) (*connect.Response[structpb.Struct], error) {
	if s.history == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("journal disabled"))
	}
	limit := int(req.Msg.GetValue())
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	entries, err := s.history.Recent(ctx, limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, entryFields(e))
	}
	st, err := structpb.NewStruct(map[string]any{"entries": list})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

// SubscribeStatus streams the current state followed by every status event.
func (s *ControlService) SubscribeStatus(
	ctx context.Context,
	req *connect.Request[emptypb.Empty],
	stream *connect.ServerStream[structpb.Struct],
) error {
	initial, err := structpb.NewStruct(map[string]any{
		"type":   "initial_state",
		"status": statusFields(s.engine.Status()),
	})
	if err != nil {
		return connect.NewError(connect.CodeInternal, err)
	}
	if err := stream.Send(initial); err != nil {
		return err
	}

	adapter := &notificationStreamAdapter{stream: stream}
	subscriptionID := s.notifications.Subscribe(adapter)
	zlog.Debug().Msgf("control: status subscriber joined: id=%s", subscriptionID)

	// Wait for context cancellation or shutdown
	select {
	case <-ctx.Done():
	case <-s.done:
	}

	s.notifications.Unsubscribe(subscriptionID)
	adapter.close()
	return nil
}

// notificationStreamAdapter adapts connect.ServerStream to notification.Stream.
// A timed-out send may still be running when the next broadcast starts, so
// sends are serialized and refused once the handler has returned.
type notificationStreamAdapter struct {
	mu     sync.Mutex
	stream *connect.ServerStream[structpb.Struct]
	closed bool
}

func (a *notificationStreamAdapter) Send(n notification.Notification) error {
	msg, err := structpb.NewStruct(eventFields(n))
	if err != nil {
		return errors.Wrap(err, "failed to encode notification")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("stream closed")
	}
	return a.stream.Send(msg)
}

func (a *notificationStreamAdapter) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

func statusFields(st orchestrion.Status) map[string]any {
	gains := make(map[string]any, len(st.Gains))
	for _, n := range st.Gains {
		gains[string(n.Knob)] = map[string]any{
			"raw":   n.Raw,
			"value": n.Value,
		}
	}
	return map[string]any{
		"item_id":        st.ItemID,
		"phase":          st.Phase.String(),
		"playing":        st.Playing,
		"position_ms":    float64(st.Position.Milliseconds()),
		"duration_ms":    float64(st.Duration.Milliseconds()),
		"duration_known": st.DurationKnown,
		"progress":       st.Progress,
		"repeat":         st.Repeat,
		"watchdog":       st.Watchdog.String(),
		"gains":          gains,
	}
}

func eventFields(n notification.Notification) map[string]any {
	ev := n.Event
	fields := map[string]any{
		"type":        ev.Type.String(),
		"sequence_no": float64(n.SequenceNo),
		"item_id":     ev.ItemID,
		"at":          ev.At.UTC().Format(time.RFC3339Nano),
	}
	switch ev.Type {
	case status.EventIsPlayingChanged:
		fields["playing"] = ev.Playing
	case status.EventProgress:
		fields["progress"] = ev.Progress
	case status.EventPlaybackFailed:
		fields["reason"] = ev.Reason
	case status.EventMediaKey:
		fields["key"] = ev.Key
	case status.EventWorkerMessage:
		fields["payload"] = ev.Payload
	}
	return fields
}

func entryFields(e journal.Entry) map[string]any {
	fields := map[string]any{
		"id":      e.ID,
		"type":    e.Type,
		"item_id": e.ItemID,
		"playing": e.Playing,
		"reason":  e.Reason,
		"key":     e.Key,
		"at":      e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.Payload != nil {
		fields["payload"] = e.Payload
	}
	return fields
}

// toConnectError maps engine errors to Connect codes.
func toConnectError(err error) error {
	switch {
	case errors.Is(err, gain.ErrInvalidKnob),
		errors.Is(err, queue.ErrInvalidItem),
		errors.Is(err, peer.ErrInvalidMediaKey),
		errors.Is(err, peer.ErrInvalidMessage):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, playback.ErrNotSeekable):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, orchestrion.ErrClosed),
		errors.Is(err, peer.ErrWorkerUnavailable):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
