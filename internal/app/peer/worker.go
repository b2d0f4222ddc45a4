package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/orchestrion/internal/app/status"
)

// ErrWorkerUnavailable is returned when posting without a running worker.
var ErrWorkerUnavailable = errors.New("worker unavailable")

// ErrInvalidMessage is returned for a worker message without a type.
var ErrInvalidMessage = errors.New("invalid worker message")

// maxMessageSize bounds one JSON line from the worker.
const maxMessageSize = 1 << 20

// Envelope is the part of a worker message the bridge understands.
// Everything else is passed through untouched.
type Envelope struct {
	Type   string `mapstructure:"type" validate:"required"`
	ItemID string `mapstructure:"item_id"`
}

// DecodeEnvelope validates a message and extracts its envelope.
func DecodeEnvelope(msg map[string]any) (Envelope, error) {
	var env Envelope
	if err := mapstructure.Decode(msg, &env); err != nil {
		return env, errors.Mark(errors.Wrap(err, "failed to decode message"), ErrInvalidMessage)
	}
	if err := validator.New().Struct(env); err != nil {
		return env, errors.Mark(errors.Wrap(err, "invalid message"), ErrInvalidMessage)
	}
	return env, nil
}

// EventForwarder receives worker messages as status events.
type EventForwarder interface {
	Forward(ev status.Event)
}

// Bridge exchanges JSON-lines messages with a worker over a pair of streams.
type Bridge struct {
	mu sync.Mutex
	w  io.Writer

	forwarder EventForwarder
	done      chan struct{}
}

// NewBridge starts reading messages from r. Messages are written to w.
func NewBridge(r io.Reader, w io.Writer, forwarder EventForwarder) *Bridge {
	b := &Bridge{
		w:         w,
		forwarder: forwarder,
		done:      make(chan struct{}),
	}
	go b.readLoop(r)
	return b
}

// Post sends msg to the worker.
func (b *Bridge) Post(msg map[string]any) error {
	env, err := DecodeEnvelope(msg)
	if err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to encode message")
	}
	line = append(line, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return ErrWorkerUnavailable
	default:
	}
	if _, err := b.w.Write(line); err != nil {
		return errors.Wrapf(err, "failed to post %s", env.Type)
	}
	return nil
}

// Done is closed when the worker's output ends.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) readLoop(r io.Reader) {
	defer close(b.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg map[string]any
		if err := json.Unmarshal(line, &msg); err != nil {
			zlog.Warn().Err(err).Msg("peer: worker sent malformed line")
			continue
		}
		env, err := DecodeEnvelope(msg)
		if err != nil {
			zlog.Warn().Err(err).Msg("peer: worker sent invalid message")
			continue
		}

		ev := status.WorkerMessage(msg)
		ev.ItemID = env.ItemID
		b.forwarder.Forward(ev)
	}
	if err := scanner.Err(); err != nil {
		zlog.Warn().Err(err).Msg("peer: worker output ended with error")
	}
}

// WorkerConfig describes the worker subprocess.
type WorkerConfig struct {
	Command     string
	Args        []string
	Env         []string
	StopTimeout time.Duration
}

// Worker is a background subprocess speaking JSON lines on stdin/stdout.
type Worker struct {
	*Bridge

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	config WorkerConfig
	exited chan struct{}
}

// StartWorker launches the worker and bridges its stdio.
func StartWorker(ctx context.Context, config WorkerConfig, forwarder EventForwarder) (*Worker, error) {
	if config.Command == "" {
		return nil, errors.New("worker command is required")
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 3 * time.Second
	}

	cmd := exec.CommandContext(ctx, config.Command, config.Args...)
	cmd.Env = append(os.Environ(), config.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open worker stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start worker %s", config.Command)
	}
	zlog.Info().Msgf("peer: worker started: command=%s pid=%d", config.Command, cmd.Process.Pid)

	w := &Worker{
		Bridge: NewBridge(stdout, stdin, forwarder),
		cmd:    cmd,
		stdin:  stdin,
		config: config,
		exited: make(chan struct{}),
	}
	go func() {
		<-w.Bridge.Done()
		err := cmd.Wait()
		zlog.Info().Msgf("peer: worker exited: command=%s err=%v", config.Command, err)
		close(w.exited)
	}()
	return w, nil
}

// Stop closes the worker's stdin and kills it if it does not exit in time.
func (w *Worker) Stop() error {
	w.mu.Lock()
	err := w.stdin.Close()
	w.mu.Unlock()
	if err != nil {
		zlog.Debug().Err(err).Msg("peer: failed to close worker stdin")
	}

	select {
	case <-w.exited:
		return nil
	case <-time.After(w.config.StopTimeout):
	}

	zlog.Warn().Msgf("peer: worker did not exit in %v, killing", w.config.StopTimeout)
	if err := w.cmd.Process.Kill(); err != nil {
		return errors.Wrap(err, "failed to kill worker")
	}
	<-w.exited
	return nil
}
