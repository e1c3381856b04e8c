package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap/zapcore"
)

type MessageType string

func (mt MessageType) String() string {
	return string(mt)
}

const (
	MessageTypeRegister        MessageType = "register"
	MessageTypeRegisterSuccess MessageType = "register_success"
	MessageTypePing            MessageType = "ping"
	MessageTypePong            MessageType = "pong"
	MessageTypeTask            MessageType = "task"
	MessageTypeStats           MessageType = "stats"
	MessageTypeClose           MessageType = "close"
)

var MessageTypeSet = map[MessageType]struct{}{
	MessageTypeRegister:        {},
	MessageTypeRegisterSuccess: {},
	MessageTypePing:            {},
	MessageTypePong:            {},
	MessageTypeTask:            {},
	MessageTypeStats:           {},
	MessageTypeClose:           {},
}

// PackMessage encodes payload as a JSON object with the type field inlined.
func PackMessage(msgType MessageType, payload any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("payload of %s is not an object: %w", msgType, err)
		}
	}
	fields["type"] = json.RawMessage(strconv.Quote(msgType.String()))
	return json.Marshal(fields)
}

// PeekType returns the type of a frame. Frames without a type field are
// treated as tasks when they carry a url, matching dispatchers that send the
// TaskConfig fields bare.
func PeekType(data []byte) (MessageType, error) {
	var head struct {
		Type MessageType `json:"type"`
		URL  *string     `json:"url"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidFrame, err)
	}
	if head.Type == "" {
		if head.URL != nil {
			return MessageTypeTask, nil
		}
		return "", ErrInvalidFrame
	}
	if _, ok := MessageTypeSet[head.Type]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMessageType, head.Type)
	}
	return head.Type, nil
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFrame, err)
	}
	return nil
}

type Register struct {
	ClientID string `json:"client_id,omitempty"`
}

func (r *Register) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("client_id", r.ClientID)
	return nil
}

func DeserializeRegister(data []byte) (*Register, error) {
	r := &Register{}
	return r, decode(data, r)
}

type RegisterSuccess struct {
	ClientID string `json:"client_id"`
}

func (r *RegisterSuccess) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("client_id", r.ClientID)
	return nil
}

func DeserializeRegisterSuccess(data []byte) (*RegisterSuccess, error) {
	r := &RegisterSuccess{}
	if err := decode(data, r); err != nil {
		return nil, err
	}
	if r.ClientID == "" {
		return nil, fmt.Errorf("%w: register_success without client_id", ErrInvalidFrame)
	}
	return r, nil
}

// Heartbeat is the payload of both JSON ping and pong frames.
type Heartbeat struct {
	ClientID string `json:"client_id"`
}

func (h *Heartbeat) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("client_id", h.ClientID)
	return nil
}

func DeserializeHeartbeat(data []byte) (*Heartbeat, error) {
	h := &Heartbeat{}
	return h, decode(data, h)
}

type Close struct {
	Reason string `json:"reason,omitempty"`
}

func (c *Close) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("reason", c.Reason)
	return nil
}

func DeserializeClose(data []byte) (*Close, error) {
	c := &Close{}
	return c, decode(data, c)
}

// TaskConfig is one load-test recipe. It is never mutated after decoding;
// executors that need their own copy call Clone.
type TaskConfig struct {
	TaskID          string            `json:"task_id,omitempty"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	QueryParams     map[string]string `json:"query_params"`
	PayloadTemplate json.RawMessage   `json:"payload_template,omitempty"`
	Duration        uint64            `json:"duration"`
	RandomFields    []string          `json:"random_fields"`
}

func (t *TaskConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("task_id", t.TaskID)
	enc.AddString("url", t.URL)
	enc.AddString("method", t.Method)
	enc.AddUint64("duration", t.Duration)
	enc.AddInt("random_fields", len(t.RandomFields))
	enc.AddBool("payload", t.HasPayload())
	return nil
}

// HasPayload reports whether the task carries a JSON body template.
func (t *TaskConfig) HasPayload() bool {
	trimmed := bytes.TrimSpace(t.PayloadTemplate)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// HTTPMethod returns the upper-cased method, GET when unset.
func (t *TaskConfig) HTTPMethod() string {
	if t.Method == "" {
		return "GET"
	}
	return strings.ToUpper(t.Method)
}

func (t *TaskConfig) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidTask)
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidTask, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTask, u.Scheme)
	}
	if t.Duration == 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidTask)
	}
	if t.HasPayload() && !json.Valid(t.PayloadTemplate) {
		return fmt.Errorf("%w: payload_template is not valid JSON", ErrInvalidTask)
	}
	return nil
}

func (t *TaskConfig) Clone() *TaskConfig {
	c := *t
	if t.Headers != nil {
		c.Headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			c.Headers[k] = v
		}
	}
	if t.QueryParams != nil {
		c.QueryParams = make(map[string]string, len(t.QueryParams))
		for k, v := range t.QueryParams {
			c.QueryParams[k] = v
		}
	}
	if t.PayloadTemplate != nil {
		c.PayloadTemplate = append(json.RawMessage(nil), t.PayloadTemplate...)
	}
	if t.RandomFields != nil {
		c.RandomFields = append([]string(nil), t.RandomFields...)
	}
	return &c
}

func DeserializeTask(data []byte) (*TaskConfig, error) {
	t := &TaskConfig{}
	if err := decode(data, t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// StatsSnapshot is a read-only copy of a stats accumulator as it travels on the wire.
type StatsSnapshot struct {
	TotalRequests   uint64            `json:"total_requests"`
	SuccessCount    uint64            `json:"success_count"`
	ErrorCount      uint64            `json:"error_count"`
	AvgResponseTime float64           `json:"avg_response_time"`
	CurrentQPS      float64           `json:"current_qps"`
	MinResponseTime uint64            `json:"min_response_time,omitempty"`
	MaxResponseTime uint64            `json:"max_response_time,omitempty"`
	P50ResponseTime int64             `json:"p50_response_time,omitempty"`
	P95ResponseTime int64             `json:"p95_response_time,omitempty"`
	P99ResponseTime int64             `json:"p99_response_time,omitempty"`
	Errors          map[string]uint64 `json:"errors,omitempty"`
}

func (s *StatsSnapshot) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("total_requests", s.TotalRequests)
	enc.AddUint64("success_count", s.SuccessCount)
	enc.AddUint64("error_count", s.ErrorCount)
	enc.AddFloat64("avg_response_time", s.AvgResponseTime)
	enc.AddFloat64("current_qps", s.CurrentQPS)
	return nil
}

type StatsReport struct {
	ClientID  string         `json:"client_id,omitempty"`
	Stats     StatsSnapshot  `json:"stats"`
	TaskID    string         `json:"task_id,omitempty"`
	TaskStats *StatsSnapshot `json:"task_stats,omitempty"`
	Final     bool           `json:"final,omitempty"`
}

func (r *StatsReport) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("client_id", r.ClientID)
	enc.AddString("task_id", r.TaskID)
	enc.AddBool("final", r.Final)
	return enc.AddObject("stats", &r.Stats)
}

func DeserializeStatsReport(data []byte) (*StatsReport, error) {
	r := &StatsReport{}
	return r, decode(data, r)
}
