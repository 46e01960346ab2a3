package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/youruser/newsgpt/internal/chat"
	"github.com/youruser/newsgpt/internal/logging"
	"github.com/youruser/newsgpt/internal/metrics"
)

var (
	ErrTransport           = errors.New("chat request failed")
	ErrHistoryUnavailable  = errors.New("session history unavailable")
	ErrSessionDeleteFailed = errors.New("session delete failed")
	log                    = logging.Get()
)

const (
	tracerName       = "github.com/youruser/newsgpt/internal/api"
	maxErrorBodySize = 4 * 1024

	chatPath    = "/api/chat/chat"
	historyPath = "/api/chat/session/{sessionId}/history"
	clearPath   = "/api/chat/session/{sessionId}/clear"
)

// Operation names used in errors, spans and metrics.
const (
	OpSend    = "send"
	OpHistory = "history"
	OpDelete  = "delete"
)

// RequestError describes a failed call to the chat service. It matches its
// sentinel kind with errors.Is and unwraps to the transport cause, if any.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
	kind       error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP error! status: %d", e.StatusCode)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.kind.Error()
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.Err}
}

// Client talks to the remote chat service.
type Client struct {
	http           *resty.Client
	baseURL        string
	requestTimeout time.Duration
	tracer         trace.Tracer
}

var _ chat.Backend = &Client{}

// NewClient returns a client for baseURL. requestTimeout bounds the history
// and delete calls; the stream request is bounded by its context only.
func NewClient(baseURL string, requestTimeout time.Duration) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "newsgpt/1.0")

	return &Client{
		http:           httpClient,
		baseURL:        baseURL,
		requestTimeout: requestTimeout,
		tracer:         otel.Tracer(tracerName),
	}
}

// BaseURL returns the service root the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type streamRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// OpenStream posts a user turn and returns the unparsed response body.
// The caller owns the body and must close it.
func (c *Client) OpenStream(ctx context.Context, message, sessionID string) (io.ReadCloser, error) {
	ctx, span := c.startSpan(ctx, OpSend, http.MethodPost, sessionID)
	defer span.End()

	log.Debug("HTTP POST %s%s (session: %s, message: %d bytes)", c.baseURL, chatPath, sessionID, len(message))

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Content-Type", "application/json").
		SetBody(streamRequest{Message: message, SessionID: sessionID}).
		Post(chatPath)
	if err != nil {
		if resp != nil && resp.RawResponse != nil {
			resp.RawBody().Close()
		}
		return nil, c.fail(span, &RequestError{Op: OpSend, Err: err, kind: ErrTransport})
	}

	body := resp.RawBody()
	if !isSuccess(resp.StatusCode()) {
		data, _ := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
		body.Close()
		return nil, c.fail(span, &RequestError{
			Op:         OpSend,
			StatusCode: resp.StatusCode(),
			Body:       string(data),
			kind:       ErrTransport,
		})
	}

	c.succeed(span, OpSend, resp.StatusCode())
	return body, nil
}

type historyEnvelope struct {
	History *[]chat.HistoryItem `json:"history"`
}

// FetchHistory returns the server's canonical history for sessionID.
func (c *Client) FetchHistory(ctx context.Context, sessionID string) ([]chat.HistoryItem, error) {
	ctx, span := c.startSpan(ctx, OpHistory, http.MethodGet, sessionID)
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	log.Debug("HTTP GET %s/api/chat/session/%s/history", c.baseURL, sessionID)

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sessionId", sessionID).
		Get(historyPath)
	if err != nil {
		return nil, c.fail(span, &RequestError{Op: OpHistory, Err: err, kind: ErrHistoryUnavailable})
	}
	if !isSuccess(resp.StatusCode()) {
		return nil, c.fail(span, &RequestError{
			Op:         OpHistory,
			StatusCode: resp.StatusCode(),
			Body:       truncate(resp.String()),
			kind:       ErrHistoryUnavailable,
		})
	}

	items, err := DecodeHistory(resp.Body())
	if err != nil {
		return nil, c.fail(span, &RequestError{Op: OpHistory, Err: err, kind: ErrHistoryUnavailable})
	}

	span.SetAttributes(attribute.Int("newsgpt.history.items", len(items)))
	c.succeed(span, OpHistory, resp.StatusCode())
	return items, nil
}

// DeleteSession clears the session on the server.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, span := c.startSpan(ctx, OpDelete, http.MethodDelete, sessionID)
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	log.Debug("HTTP DELETE %s/api/chat/session/%s/clear", c.baseURL, sessionID)

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("sessionId", sessionID).
		Delete(clearPath)
	if err != nil {
		return c.fail(span, &RequestError{Op: OpDelete, Err: err, kind: ErrSessionDeleteFailed})
	}
	if !isSuccess(resp.StatusCode()) {
		return c.fail(span, &RequestError{
			Op:         OpDelete,
			StatusCode: resp.StatusCode(),
			Body:       truncate(resp.String()),
			kind:       ErrSessionDeleteFailed,
		})
	}

	c.succeed(span, OpDelete, resp.StatusCode())
	return nil
}

// DecodeHistory accepts either {"history": [...]} or a bare array.
func DecodeHistory(data []byte) ([]chat.HistoryItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty history response")
	}

	if data[0] == '[' {
		var items []chat.HistoryItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, errors.Wrap(err, "decode history")
		}
		return items, nil
	}

	var env historyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}
	if env.History == nil {
		return nil, errors.New("history response has no history field")
	}
	return *env.History, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.requestTimeout)
}

func (c *Client) startSpan(ctx context.Context, op, method, sessionID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "chat."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("newsgpt.session_id", sessionID),
		),
	)
}

func (c *Client) succeed(span trace.Span, op string, status int) {
	span.SetAttributes(attribute.Int("http.status_code", status))
	span.SetStatus(codes.Ok, "")
	metrics.RequestsTotal.WithLabelValues(op, metrics.StatusOK).Inc()
	log.Debug("HTTP %s ok (status: %d)", op, status)
}

func (c *Client) fail(span trace.Span, err *RequestError) error {
	if err.StatusCode != 0 {
		span.SetAttributes(attribute.Int("http.status_code", err.StatusCode))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.RequestsTotal.WithLabelValues(err.Op, metrics.StatusError).Inc()
	if err.Body != "" {
		log.Error("HTTP %s failed: %v: %s", err.Op, err, err.Body)
	} else {
		log.Error("HTTP %s failed: %v", err.Op, err)
	}
	return err
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func truncate(s string) string {
	if len(s) <= maxErrorBodySize {
		return s
	}
	return s[:maxErrorBodySize] + "..."
}
