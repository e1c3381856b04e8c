package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/darenliang/loadswarm-go/lib/config"
	"github.com/darenliang/loadswarm-go/lib/dispatcher/managers"
	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/metrics"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/gorilla/websocket"
	"github.com/marusama/semaphore/v2"
)

const shutdownTimeout = 5 * time.Second

var errPeerClosed = errors.New("peer sent close frame")

type Dispatcher struct {
	config        config.DispatcherConfig
	ctx           context.Context
	wg            *sync.WaitGroup
	cancel        context.CancelFunc
	upgrader      websocket.Upgrader
	admission     semaphore.Semaphore
	workerManager *managers.WorkerManager
	taskManager   *managers.TaskManager
}

func NewDispatcher(ctx context.Context, cfg config.DispatcherConfig) (*Dispatcher, error) {
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be positive, got %d", cfg.MaxConnections)
	}

	// create context to cancel background goroutines
	ctx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	// initialize managers
	workerManager := managers.NewWorkerManager(cfg.WorkerTimeout)
	wg.Add(2)
	go workerManager.RunGC(ctx, wg, cfg.SweepInterval)
	go workerManager.RunHeartbeat(ctx, wg, cfg.HeartbeatInterval)

	taskManager := managers.NewTaskManager()

	// wire managers together
	taskManager.SetWorkerManager(workerManager)

	return &Dispatcher{
		config: cfg,
		ctx:    ctx,
		wg:     wg,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		admission:     semaphore.New(cfg.MaxConnections),
		workerManager: workerManager,
		taskManager:   taskManager,
	}, nil
}

func (d *Dispatcher) WorkerManager() *managers.WorkerManager {
	return d.workerManager
}

// Run serves the HTTP surface on the configured address until the context is cancelled.
func (d *Dispatcher) Run() error {
	server := &http.Server{
		Addr:              d.config.Listen,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logging.Logger.Infof("dispatcher listening on %s", d.config.Listen)

	select {
	case err := <-errCh:
		d.Close()
		return err
	case <-d.ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logging.CheckError(server.Shutdown(shutdownCtx))
		d.Close()
		logging.Logger.Info("dispatcher exited")
		return nil
	}
}

// Close stops the sweep and heartbeat loops.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// HandleMessage processes one inbound JSON frame. A returned error drops the connection.
func (d *Dispatcher) HandleMessage(c *connection, data []byte) error {
	messageType, err := protocol.PeekType(data)
	if err != nil {
		return err
	}
	metrics.FramesReceivedTotal.WithLabelValues(messageType.String()).Inc()
	d.workerManager.OnActivity(c.workerID, c)

	switch messageType {
	case protocol.MessageTypeRegister:
		return d.HandleRegister(c, data)
	case protocol.MessageTypePing:
		return d.HandlePing(c, data)
	case protocol.MessageTypePong:
		return d.HandlePong(c, data)
	case protocol.MessageTypeStats:
		return d.HandleStats(c, data)
	case protocol.MessageTypeClose:
		return d.HandleClose(c, data)
	default:
		return fmt.Errorf("%w: %s is not accepted from workers", protocol.ErrUnknownMessageType, messageType)
	}
}

func (d *Dispatcher) HandleRegister(c *connection, data []byte) error {
	register, err := protocol.DeserializeRegister(data)
	if err != nil {
		return err
	}
	logging.LogRecvProtocolMessage(c.workerID, protocol.MessageTypeRegister, register)

	workerID, err := d.workerManager.OnRegister(c.workerID, register.ClientID, c)
	if err != nil {
		return err
	}
	c.workerID = workerID

	return c.socket.Send(workerID, protocol.MessageTypeRegisterSuccess, &protocol.RegisterSuccess{ClientID: workerID})
}

func (d *Dispatcher) HandlePing(c *connection, data []byte) error {
	ping, err := protocol.DeserializeHeartbeat(data)
	if err != nil {
		return err
	}
	logging.LogRecvProtocolMessage(c.workerID, protocol.MessageTypePing, ping)
	if ping.ClientID != "" && ping.ClientID != c.workerID {
		logging.Logger.Warnf("ping from %s carries mismatched client id %s", c.workerID, ping.ClientID)
	}
	return c.socket.Send(c.workerID, protocol.MessageTypePong, &protocol.Heartbeat{ClientID: c.workerID})
}

func (d *Dispatcher) HandlePong(c *connection, data []byte) error {
	pong, err := protocol.DeserializeHeartbeat(data)
	if err != nil {
		return err
	}
	logging.LogRecvProtocolMessage(c.workerID, protocol.MessageTypePong, pong)
	return nil
}

func (d *Dispatcher) HandleStats(c *connection, data []byte) error {
	report, err := protocol.DeserializeStatsReport(data)
	if err != nil {
		return err
	}
	logging.LogRecvProtocolMessage(c.workerID, protocol.MessageTypeStats, report)
	d.workerManager.OnStats(c.workerID, c, report)
	return nil
}

func (d *Dispatcher) HandleClose(c *connection, data []byte) error {
	closeMsg, err := protocol.DeserializeClose(data)
	if err != nil {
		return err
	}
	logging.LogRecvProtocolMessage(c.workerID, protocol.MessageTypeClose, closeMsg)
	return errPeerClosed
}
