package dispatcher

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/darenliang/loadswarm-go/lib/metrics"
	"github.com/darenliang/loadswarm-go/lib/protocol"
	"github.com/gorilla/websocket"
)

const maxFrameSize = 1 << 20

// connection is one worker's websocket. The read loop owns workerID; task
// frames from broadcasts are queued on send and written by the write loop.
type connection struct {
	dispatcher *Dispatcher
	socket     *protocol.Socket
	workerID   string
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func newConnection(d *Dispatcher, conn *websocket.Conn) *connection {
	return &connection{
		dispatcher: d,
		socket:     protocol.NewSocket(conn),
		send:       make(chan []byte, d.config.SendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *connection) Deliver(frame []byte) error {
	select {
	case <-c.done:
		return protocol.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return protocol.ErrConnectionClosed
	default:
		return protocol.ErrSendBufferFull
	}
}

func (c *connection) Ping() error {
	select {
	case <-c.done:
		return protocol.ErrConnectionClosed
	default:
	}
	return c.socket.Ping()
}

func (c *connection) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.socket.Close(reason)
	})
	return err
}

func (c *connection) RemoteAddr() string {
	return c.socket.Conn.RemoteAddr().String()
}

func (c *connection) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			if err := c.socket.WriteRaw(frame); err != nil {
				logging.Logger.Warnf("write to %s failed: %s", c.RemoteAddr(), err)
				logging.CheckError(c.Close("write failed"))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) readLoop() {
	workerManager := c.dispatcher.workerManager
	conn := c.socket.Conn
	conn.SetReadLimit(maxFrameSize)

	// control frame handlers run on this goroutine, so workerID is safe to read
	conn.SetPingHandler(func(data string) error {
		workerManager.OnActivity(c.workerID, c)
		err := c.socket.Pong([]byte(data))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		workerManager.OnActivity(c.workerID, c)
		return nil
	})

	reason := metrics.ReasonClosed
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Logger.Warnf("worker %s read failed: %s", c.workerID, err)
			}
			break
		}

		if err := c.dispatcher.HandleMessage(c, data); err != nil {
			if !errors.Is(err, errPeerClosed) {
				logging.Logger.Errorf("dropping worker %s: %s", c.workerID, err)
				reason = metrics.ReasonProtocolError
			}
			break
		}
	}

	workerManager.OnDisconnect(c.workerID, c, reason)
	logging.CheckError(ignoreClosed(c.Close("")))
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// serve runs the connection until the peer goes away or is evicted.
func (c *connection) serve() {
	c.workerID = c.dispatcher.workerManager.OnConnect(c)
	go c.writeLoop()

	start := time.Now()
	c.readLoop()
	logging.Logger.Debugf("connection %s closed after %s", c.workerID, time.Since(start))
}
