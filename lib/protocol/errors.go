package protocol

import "errors"

var (
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidTask        = errors.New("invalid task")
)

var (
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)
