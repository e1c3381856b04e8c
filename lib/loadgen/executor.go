package loadgen

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/darenliang/loadswarm-go/lib/protocol"
)

const (
	DefaultRequestTimeout = 30 * time.Second

	tcpDialTimeout        = 5 * time.Second
	tlsHandshakeTimeout   = 5 * time.Second
	idleConnTimeout       = 90 * time.Second
	expectContinueTimeout = time.Second
)

// RetryPolicy controls how many times a failed request is attempted before
// it is counted as a failure.
type RetryPolicy struct {
	MaxAttempts int
	Pause       time.Duration
}

var (
	// NoRetry is used for tasks received from the dispatcher.
	NoRetry = RetryPolicy{MaxAttempts: 1}
	// BenchRetry is used by the standalone bench command.
	BenchRetry = RetryPolicy{MaxAttempts: 3, Pause: 100 * time.Millisecond}
)

type Outcome struct {
	Success  bool
	Status   int
	Latency  time.Duration
	Attempts int
	Err      error
}

func (o Outcome) LatencyMs() uint64 {
	return uint64(o.Latency.Milliseconds())
}

// ErrorKind describes the failure without the request URL so that equal
// failures share one counter.
func (o Outcome) ErrorKind() string {
	if o.Err == nil {
		return ""
	}
	var urlErr *url.Error
	if errors.As(o.Err, &urlErr) {
		return urlErr.Err.Error()
	}
	return o.Err.Error()
}

// NewHTTPClient builds a client for load generation. Certificates are not
// verified: targets are trusted by configuration.
func NewHTTPClient(timeout time.Duration, conns int) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if conns <= 0 {
		conns = 1
	}
	transport := &http.Transport{
		MaxIdleConns:        conns,
		MaxIdleConnsPerHost: conns,
		IdleConnTimeout:     idleConnTimeout,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout: tcpDialTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Executor fires one request per Execute call.
type Executor struct {
	client *http.Client
	policy RetryPolicy
}

func NewExecutor(client *http.Client, policy RetryPolicy) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Executor{client: client, policy: policy}
}

// Execute builds a request from task, randomizing the payload when the task
// has one, and sends it according to the retry policy.
func (e *Executor) Execute(ctx context.Context, task *protocol.TaskConfig) Outcome {
	var body []byte
	if task.HasPayload() {
		payload, err := RandomizePayload(task.PayloadTemplate, task.RandomFields)
		if err != nil {
			return Outcome{Err: fmt.Errorf("randomize payload: %w", err)}
		}
		body = payload
	}

	var outcome Outcome
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		outcome = e.send(ctx, task, body)
		outcome.Attempts = attempt
		if outcome.Success || attempt == e.policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(e.policy.Pause):
		case <-ctx.Done():
			return outcome
		}
	}
	return outcome
}

func (e *Executor) send(ctx context.Context, task *protocol.TaskConfig, body []byte) Outcome {
	target, err := buildURL(task)
	if err != nil {
		return Outcome{Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, task.HTTPMethod(), target, reader)
	if err != nil {
		return Outcome{Err: err}
	}
	for key, value := range task.Headers {
		req.Header.Set(key, value)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return Outcome{Latency: time.Since(start), Err: err}
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	_, err = io.Copy(io.Discard, resp.Body)
	latency := time.Since(start)
	if err != nil {
		return Outcome{Status: resp.StatusCode, Latency: latency, Err: fmt.Errorf("read response body: %w", err)}
	}
	return Outcome{Success: true, Status: resp.StatusCode, Latency: latency}
}

func buildURL(task *protocol.TaskConfig) (string, error) {
	if len(task.QueryParams) == 0 {
		return task.URL, nil
	}
	u, err := url.Parse(task.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for key, value := range task.QueryParams {
		q.Set(key, value)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
