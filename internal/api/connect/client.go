package connect

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/osa030/orchestrion/internal/domain/queue"
)

// ControlClient is a client for the ControlService.
type ControlClient struct {
	token string

	itemChanged     *connect.Client[structpb.Struct, emptypb.Empty]
	adjustGain      *connect.Client[structpb.Struct, emptypb.Empty]
	play            *connect.Client[emptypb.Empty, emptypb.Empty]
	pause           *connect.Client[emptypb.Empty, emptypb.Empty]
	seek            *connect.Client[wrapperspb.DoubleValue, emptypb.Empty]
	setRepeat       *connect.Client[wrapperspb.BoolValue, emptypb.Empty]
	unstall         *connect.Client[emptypb.Empty, emptypb.Empty]
	mediaKey        *connect.Client[wrapperspb.StringValue, emptypb.Empty]
	postToWorker    *connect.Client[structpb.Struct, emptypb.Empty]
	getStatus       *connect.Client[emptypb.Empty, structpb.Struct]
	getHistory      *connect.Client[wrapperspb.Int32Value, structpb.Struct]
	subscribeStatus *connect.Client[emptypb.Empty, structpb.Struct]
}

// NewControlClient creates a client for the control service at baseURL.
func NewControlClient(httpClient connect.HTTPClient, baseURL, token string, opts ...connect.ClientOption) *ControlClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &ControlClient{
		token:           token,
		itemChanged:     connect.NewClient[structpb.Struct, emptypb.Empty](httpClient, baseURL+ProcedureItemChanged, opts...),
		adjustGain:      connect.NewClient[structpb.Struct, emptypb.Empty](httpClient, baseURL+ProcedureAdjustGain, opts...),
		play:            connect.NewClient[emptypb.Empty, emptypb.Empty](httpClient, baseURL+ProcedurePlay, opts...),
		pause:           connect.NewClient[emptypb.Empty, emptypb.Empty](httpClient, baseURL+ProcedurePause, opts...),
		seek:            connect.NewClient[wrapperspb.DoubleValue, emptypb.Empty](httpClient, baseURL+ProcedureSeek, opts...),
		setRepeat:       connect.NewClient[wrapperspb.BoolValue, emptypb.Empty](httpClient, baseURL+ProcedureSetRepeat, opts...),
		unstall:         connect.NewClient[emptypb.Empty, emptypb.Empty](httpClient, baseURL+ProcedureUnstall, opts...),
		mediaKey:        connect.NewClient[wrapperspb.StringValue, emptypb.Empty](httpClient, baseURL+ProcedureMediaKey, opts...),
		postToWorker:    connect.NewClient[structpb.Struct, emptypb.Empty](httpClient, baseURL+ProcedurePostToWorker, opts...),
		getStatus:       connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+ProcedureGetStatus, opts...),
		getHistory:      connect.NewClient[wrapperspb.Int32Value, structpb.Struct](httpClient, baseURL+ProcedureGetHistory, opts...),
		subscribeStatus: connect.NewClient[emptypb.Empty, structpb.Struct](httpClient, baseURL+ProcedureSubscribeStatus, opts...),
	}
}

func newRequest[T any](msg *T, token string) *connect.Request[T] {
	req := connect.NewRequest(msg)
	if token != "" {
		req.Header().Set(ControlTokenHeader, token)
	}
	return req
}

// ItemChanged makes item the active item. A nil item stops playback.
func (c *ControlClient) ItemChanged(ctx context.Context, item *queue.Item) error {
	fields := map[string]any{}
	if item != nil {
		fields["id"] = item.ID
		fields["locator"] = item.Locator
		fields["start_offset_ms"] = float64(item.StartOffset.Milliseconds())
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return errors.Wrap(err, "failed to encode item")
	}
	_, err = c.itemChanged.CallUnary(ctx, newRequest(msg, c.token))
	return err
}

// AdjustGain sets the raw value of a knob.
func (c *ControlClient) AdjustGain(ctx context.Context, knob string, value float64) error {
	msg, err := structpb.NewStruct(map[string]any{"knob": knob, "value": value})
	if err != nil {
		return errors.Wrap(err, "failed to encode gain")
	}
	_, err = c.adjustGain.CallUnary(ctx, newRequest(msg, c.token))
	return err
}

// Play resumes playback.
func (c *ControlClient) Play(ctx context.Context) error {
	_, err := c.play.CallUnary(ctx, newRequest(&emptypb.Empty{}, c.token))
	return err
}

// Pause pauses playback.
func (c *ControlClient) Pause(ctx context.Context) error {
	_, err := c.pause.CallUnary(ctx, newRequest(&emptypb.Empty{}, c.token))
	return err
}

// Seek moves playback to a fraction of the duration.
func (c *ControlClient) Seek(ctx context.Context, fraction float64) error {
	_, err := c.seek.CallUnary(ctx, newRequest(wrapperspb.Double(fraction), c.token))
	return err
}

// SetRepeat sets the repeat flag.
func (c *ControlClient) SetRepeat(ctx context.Context, repeat bool) error {
	_, err := c.setRepeat.CallUnary(ctx, newRequest(wrapperspb.Bool(repeat), c.token))
	return err
}

// Unstall forces stall recovery.
func (c *ControlClient) Unstall(ctx context.Context) error {
	_, err := c.unstall.CallUnary(ctx, newRequest(&emptypb.Empty{}, c.token))
	return err
}

// MediaKey presses a media key.
func (c *ControlClient) MediaKey(ctx context.Context, key string) error {
	_, err := c.mediaKey.CallUnary(ctx, newRequest(wrapperspb.String(key), c.token))
	return err
}

// PostToWorker sends a message to the background worker.
func (c *ControlClient) PostToWorker(ctx context.Context, msg map[string]any) error {
	st, err := structpb.NewStruct(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}
	_, err = c.postToWorker.CallUnary(ctx, newRequest(st, c.token))
	return err
}

// Status returns the engine status snapshot.
func (c *ControlClient) Status(ctx context.Context) (map[string]any, error) {
	res, err := c.getStatus.CallUnary(ctx, newRequest(&emptypb.Empty{}, c.token))
	if err != nil {
		return nil, err
	}
	return res.Msg.AsMap(), nil
}

// History returns up to limit journaled events, newest first.
func (c *ControlClient) History(ctx context.Context, limit int) ([]map[string]any, error) {
	res, err := c.getHistory.CallUnary(ctx, newRequest(wrapperspb.Int32(int32(limit)), c.token))
	if err != nil {
		return nil, err
	}
	raw, _ := res.Msg.AsMap()["entries"].([]any)
	entries := make([]map[string]any, 0, len(raw))
	for _, e := range raw {
		if m, ok := e.(map[string]any); ok {
			entries = append(entries, m)
		}
	}
	return entries, nil
}

// Subscribe calls fn for every message of the status stream until ctx is
// cancelled, the stream ends, or fn returns an error.
func (c *ControlClient) Subscribe(ctx context.Context, fn func(map[string]any) error) error {
	stream, err := c.subscribeStatus.CallServerStream(ctx, newRequest(&emptypb.Empty{}, c.token))
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Receive() {
		if err := fn(stream.Msg().AsMap()); err != nil {
			return err
		}
	}
	return stream.Err()
}
