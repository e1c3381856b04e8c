package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darenliang/loadswarm-go/lib/config"
	"github.com/darenliang/loadswarm-go/lib/loadgen"
	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/metrics"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRetriesExhausted    = errors.New("connection retries exhausted")
	ErrHeartbeatTimeout    = errors.New("heartbeat timeout")
	ErrRegistrationTimeout = errors.New("registration timeout")
)

var errDispatcherClosed = errors.New("dispatcher sent close frame")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Worker keeps one connection to the dispatcher alive and runs the load
// tests it receives.
type Worker struct {
	config   config.WorkerConfig
	url      string
	dialer   *websocket.Dialer
	pool     *loadgen.Pool
	lifetime *loadgen.Aggregator
	runs     cmap.ConcurrentMap[string, *taskRun]
	runsWg   sync.WaitGroup
	state    atomic.Int32
	// unix nanos of the last inbound frame on the current connection
	lastActive atomic.Int64

	mu       sync.RWMutex
	identity string
	socket   *protocol.Socket
}

func NewWorker(cfg config.WorkerConfig) (*Worker, error) {
	wsURL, err := WebSocketURL(cfg.Server)
	if err != nil {
		return nil, err
	}

	identity := cfg.ClientID
	if identity == "" {
		identity = SelfIdentity()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	client := loadgen.NewHTTPClient(cfg.RequestTimeout, concurrency)
	pool := loadgen.NewPool(concurrency, loadgen.NewExecutor(client, loadgen.NoRetry))

	return &Worker{
		config: cfg,
		url:    wsURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.RegisterTimeout,
		},
		pool:     pool,
		lifetime: loadgen.NewAggregator(time.Second),
		runs:     cmap.New[*taskRun](),
		identity: identity,
	}, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(state State) {
	previous := State(w.state.Swap(int32(state)))
	if previous != state {
		logging.Logger.Debugf("worker state %s -> %s", previous, state)
	}
}

// ID is the identity used on the wire. It changes when the dispatcher assigns one.
func (w *Worker) ID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.identity
}

func (w *Worker) URL() string {
	return w.url
}

// ActiveTasks returns the ids of load tests still running.
func (w *Worker) ActiveTasks() []string {
	return w.runs.Keys()
}

// Stats returns the snapshot of every outcome recorded since start.
func (w *Worker) Stats() protocol.StatsSnapshot {
	return w.lifetime.Snapshot()
}

func (w *Worker) currentSocket() *protocol.Socket {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.socket
}

func (w *Worker) touch() {
	w.lastActive.Store(time.Now().UnixNano())
}

func (w *Worker) idle() time.Duration {
	return time.Since(time.Unix(0, w.lastActive.Load()))
}

// Run connects to the dispatcher and keeps reconnecting until ctx is
// cancelled or the retries are exhausted. Running tasks are waited for
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	defer w.runsWg.Wait()
	defer w.setState(StateDisconnected)

	backoff := NewBackoff(w.config.RetryDelay, w.config.MaxRetries)
	for {
		w.setState(StateConnecting)
		registered, err := w.session(ctx)
		if ctx.Err() != nil {
			logging.Logger.Info("worker stopped")
			return nil
		}
		w.setState(StateReconnecting)

		var delay time.Duration
		if registered {
			backoff.Reset()
			delay = backoff.BaseDelay()
			trigger := "disconnect"
			if errors.Is(err, ErrHeartbeatTimeout) {
				trigger = "heartbeat_timeout"
			}
			metrics.ReconnectsTotal.WithLabelValues(trigger).Inc()
			logging.Logger.Warnf("connection to %s lost: %s, reconnecting in %s", w.url, err, delay)
		} else {
			delay, err = backoffDelay(backoff, err)
			if err != nil {
				logging.Logger.Errorf("giving up on %s: %s", w.url, err)
				return err
			}
			metrics.ReconnectsTotal.WithLabelValues("connect_failure").Inc()
			logging.Logger.Warnf("attempt %d/%d to %s failed, retrying in %s", backoff.Failures(), w.config.MaxRetries, w.url, delay)
		}

		if Wait(ctx, delay) != nil {
			logging.Logger.Info("worker stopped")
			return nil
		}
	}
}

func backoffDelay(backoff *Backoff, cause error) (time.Duration, error) {
	logging.Logger.Warnf("connection attempt failed: %s", cause)
	delay, err := backoff.Next()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", err, cause)
	}
	return delay, nil
}

// session runs one connection through Connecting, Registering and Active.
// registered reports whether the dispatcher accepted the registration. Tasks
// started on the connection run on ctx and outlive it.
func (w *Worker) session(ctx context.Context) (registered bool, err error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", w.url, err)
	}
	socket := protocol.NewSocket(conn)
	defer func() {
		w.mu.Lock()
		if w.socket == socket {
			w.socket = nil
		}
		w.mu.Unlock()
		logging.CheckError(ignoreClosed(socket.Close("")))
	}()

	w.setState(StateRegistering)
	w.touch()
	if err := w.register(ctx, socket); err != nil {
		return false, err
	}

	w.setState(StateActive)
	logging.Logger.Infof("registered with %s as %s", w.url, w.ID())
	return true, w.active(ctx, socket)
}

func (w *Worker) register(ctx context.Context, socket *protocol.Socket) error {
	if err := socket.Send(w.ID(), protocol.MessageTypeRegister, &protocol.Register{ClientID: w.ID()}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	deadline := time.Now().Add(w.config.RegisterTimeout)
	if err := socket.Conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	for {
		_, data, err := socket.Conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrRegistrationTimeout
			}
			return fmt.Errorf("await register_success: %w", err)
		}

		messageType, err := protocol.PeekType(data)
		if err == nil && messageType == protocol.MessageTypeRegisterSuccess {
			success, err := protocol.DeserializeRegisterSuccess(data)
			if err != nil {
				return err
			}
			logging.LogRecvProtocolMessage(w.url, messageType, success)

			w.mu.Lock()
			w.identity = success.ClientID
			w.socket = socket
			w.mu.Unlock()
			return socket.Conn.SetReadDeadline(time.Time{})
		}

		// the dispatcher may already broadcast to the provisional record
		if err := w.handleFrame(ctx, socket, data); err != nil {
			return err
		}
	}
}

// active runs the connection duties until one of them fails.
func (w *Worker) active(ctx context.Context, socket *protocol.Socket) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return w.readLoop(ctx, socket)
	})
	group.Go(func() error {
		return w.pingLoop(groupCtx, socket)
	})
	group.Go(func() error {
		return w.reportLoop(groupCtx, socket)
	})
	group.Go(func() error {
		return w.watchdog(groupCtx)
	})
	group.Go(func() error {
		// unblocks the read loop once any duty has stopped
		<-groupCtx.Done()
		if ctx.Err() != nil {
			logging.CheckError(socket.Send(w.ID(), protocol.MessageTypeClose, &protocol.Close{Reason: "worker shutting down"}))
		}
		logging.CheckError(ignoreClosed(socket.Close("")))
		return groupCtx.Err()
	})

	return group.Wait()
}

func (w *Worker) readLoop(ctx context.Context, socket *protocol.Socket) error {
	conn := socket.Conn
	conn.SetPingHandler(func(data string) error {
		w.touch()
		err := socket.Pong([]byte(data))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		w.touch()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		w.touch()
		if err := w.handleFrame(ctx, socket, data); err != nil {
			return err
		}
	}
}

// handleFrame reacts to one inbound frame. Malformed frames and invalid
// tasks are logged and skipped; only a close frame ends the connection.
func (w *Worker) handleFrame(ctx context.Context, socket *protocol.Socket, data []byte) error {
	messageType, err := protocol.PeekType(data)
	if err != nil {
		logging.Logger.Warnf("ignoring frame from dispatcher: %s", err)
		return nil
	}

	switch messageType {
	case protocol.MessageTypeTask:
		task, err := protocol.DeserializeTask(data)
		if err != nil {
			logging.Logger.Errorf("ignoring task: %s", err)
			return nil
		}
		logging.LogRecvProtocolMessage(w.url, messageType, task)
		w.startTask(ctx, task)
	case protocol.MessageTypePing:
		ping, err := protocol.DeserializeHeartbeat(data)
		if err != nil {
			logging.Logger.Warnf("ignoring ping: %s", err)
			return nil
		}
		logging.LogRecvProtocolMessage(w.url, messageType, ping)
		return socket.Send(w.ID(), protocol.MessageTypePong, &protocol.Heartbeat{ClientID: w.ID()})
	case protocol.MessageTypePong:
		logging.LogRecvProtocolMessage(w.url, messageType)
	case protocol.MessageTypeClose:
		closeMsg, err := protocol.DeserializeClose(data)
		if err == nil {
			logging.LogRecvProtocolMessage(w.url, messageType, closeMsg)
		}
		return errDispatcherClosed
	default:
		logging.Logger.Warnf("ignoring unexpected %s frame", messageType)
	}
	return nil
}

func (w *Worker) pingLoop(ctx context.Context, socket *protocol.Socket) error {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := socket.Send(w.ID(), protocol.MessageTypePing, &protocol.Heartbeat{ClientID: w.ID()}); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchdog fails the connection when nothing has been received from the
// dispatcher for longer than the heartbeat timeout.
func (w *Worker) watchdog(ctx context.Context) error {
	interval := w.config.HeartbeatTimeout / 6
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if idle := w.idle(); idle > w.config.HeartbeatTimeout {
				return fmt.Errorf("%w: nothing received for %s", ErrHeartbeatTimeout, idle.Round(time.Millisecond))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
