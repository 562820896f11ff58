// Package dispatch sends provider requests upstream with bounded retries and
// classifies what went wrong when they fail.
package dispatch

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/Davincible/chat-gateway/internal/providers"
)

const maxErrorBody = 64 << 10

// RetryConfig controls exponential backoff and attempt counts.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns three attempts starting at 300ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 300 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

func (r RetryConfig) normalized() RetryConfig {
	cfg := r
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 300 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}

	return cfg
}

// backoffDelay is the wait before the given 1-based attempt.
func (r RetryConfig) backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	base := float64(r.BaseBackoff) * math.Pow(2, float64(attempt-2))
	if limit := float64(r.MaxBackoff); base > limit {
		base = limit
	}

	// jitter 0.5x..1.5x
	d := time.Duration(base * (0.5 + rand.Float64()))
	if d > r.MaxBackoff {
		d = r.MaxBackoff
	}

	return d
}

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a successful upstream answer: either a live stream or a
// complete body.
type Response struct {
	Provider string
	Status   int
	Header   http.Header
	Attempts int

	// Stream is set when the upstream streams. The caller must close it.
	Stream io.ReadCloser
	// Body holds a complete, already decompressed response.
	Body []byte
}

// Streaming reports whether the response is a live stream.
func (r *Response) Streaming() bool {
	return r.Stream != nil
}

// Close releases the upstream stream, if any.
func (r *Response) Close() error {
	if r.Stream == nil {
		return nil
	}

	return r.Stream.Close()
}

type Option func(*Dispatcher)

func WithClient(client Doer) Option {
	return func(d *Dispatcher) {
		d.client = client
	}
}

func WithRetry(cfg RetryConfig) Option {
	return func(d *Dispatcher) {
		d.retry = cfg.normalized()
	}
}

// Dispatcher invokes providers over HTTP.
type Dispatcher struct {
	client Doer
	retry  RetryConfig
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client: newHTTPClient(),
		retry:  DefaultRetryConfig(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Invoke sends params to provider, retrying transient failures. The returned
// error is always an *Error unless the request could not be built.
func (d *Dispatcher) Invoke(ctx context.Context, provider providers.Provider, params providers.Params) (*Response, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}

	body, err := provider.TransformRequest(params)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", provider.Name(), err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if delay := d.retry.backoffDelay(attempt); delay > 0 {
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, Classify(provider.Name(), fmt.Errorf("retry backoff interrupted: %w", err))
			}
		}

		resp, err := d.attempt(ctx, provider, params, body)
		if err == nil {
			resp.Attempts = attempt
			return resp, nil
		}

		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}

		if attempt < d.retry.MaxAttempts {
			d.logger.Warn("Retrying provider request",
				"provider", provider.Name(),
				"model", params.Model,
				"attempt", attempt,
				"kind", KindOf(err),
				"error", err)
		}
	}

	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, provider providers.Provider, params providers.Params, body []byte) (*Response, error) {
	name := provider.Name()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.GetEndpoint(params.Model, params.Stream), bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindProvider, Provider: name, Message: err.Error(), Err: err}
	}

	req.Header.Set("Content-Type", providers.ContentTypeJSON)
	req.Header.Set("Accept-Encoding", "gzip, br")
	if params.Stream {
		req.Header.Set("Accept", providers.ContentTypeEventStream)
	}
	provider.SetHeaders(req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, Classify(name, err)
	}

	reader, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, Classify(name, fmt.Errorf("decompress response: %w", err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(reader, maxErrorBody))

		return nil, statusError(name, resp.StatusCode, data)
	}

	out := &Response{Provider: name, Status: resp.StatusCode, Header: resp.Header}

	if params.Stream && provider.IsStreaming(resp.Header) {
		br := bufio.NewReader(reader)
		if _, err := br.Peek(1); err != nil {
			resp.Body.Close()
			if err == io.EOF {
				return nil, &Error{Kind: KindProvider, Status: resp.StatusCode, Provider: name, Message: "empty stream", Err: ErrEmptyResponse}
			}

			return nil, Classify(name, fmt.Errorf("read upstream stream: %w", err))
		}

		out.Stream = readCloser{Reader: br, closer: resp.Body}

		return out, nil
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, Classify(name, fmt.Errorf("read upstream body: %w", err))
	}
	if isEmptyBody(data) {
		return nil, &Error{Kind: KindProvider, Status: resp.StatusCode, Provider: name, Message: "empty body", Err: ErrEmptyResponse}
	}

	out.Body = data

	return out, nil
}

func isEmptyBody(data []byte) bool {
	switch string(bytes.TrimSpace(data)) {
	case "", "{}", "null", "[]":
		return true
	default:
		return false
	}
}

// decompressReader wraps the body according to Content-Encoding.
func decompressReader(resp *http.Response) (io.Reader, error) {
	var bodyReader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		bodyReader = gzipReader
	case "br":
		bodyReader = brotli.NewReader(resp.Body)
	}

	return bodyReader, nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error {
	return r.closer.Close()
}

// sleepWithContext waits for the given duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
