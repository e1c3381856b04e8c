package protocol

import (
	"sync"
	"time"

	"github.com/darenliang/loadswarm-go/lib/logging"
	"github.com/gorilla/websocket"
)

const WriteTimeout = 10 * time.Second

// Socket serializes writes on one websocket connection. Data frames from the
// ping duty, the stats reporter and pong replies all go through sendMu.
type Socket struct {
	Conn   *websocket.Conn
	sendMu sync.Mutex
}

func NewSocket(conn *websocket.Conn) *Socket {
	return &Socket{Conn: conn}
}

func (s *Socket) Send(source string, msgType MessageType, payload logging.Loggable) error {
	logging.LogSendProtocolMessage(source, msgType, payload)
	data, err := PackMessage(msgType, payload)
	if err != nil {
		return err
	}
	return s.WriteRaw(data)
}

// WriteRaw writes an already packed frame.
func (s *Socket) WriteRaw(data []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.Conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		return err
	}
	return s.Conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping. Control writes may run concurrently with WriteRaw.
func (s *Socket) Ping() error {
	return s.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout))
}

func (s *Socket) Pong(data []byte) error {
	return s.Conn.WriteControl(websocket.PongMessage, data, time.Now().Add(WriteTimeout))
}

// Close sends a close control frame on a best-effort basis and tears down the connection.
func (s *Socket) Close(reason string) error {
	_ = s.Conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second),
	)
	return s.Conn.Close()
}
