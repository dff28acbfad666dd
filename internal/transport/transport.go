// Package transport delivers serialized batches to the collection
// endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/roach88/lytics/internal/event"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// Request headers.
const (
	HeaderBatchDigest = "X-Lytics-Batch"
	HeaderSeqRange    = "X-Lytics-Seq"
)

// Batch is one serialized payload plus the addressing needed to send it.
type Batch struct {
	Host      string
	AccountID string
	FirstSeq  int64
	LastSeq   int64
	Count     int
	Payload   []byte
}

// Transport sends a batch. A nil error means the server accepted every
// record in it.
type Transport interface {
	Send(ctx context.Context, b Batch) error
}

// HTTP posts batches as JSON to {host}/c/{accountID}.
type HTTP struct {
	client   *http.Client
	timeout  time.Duration
	compress bool
	encoder  *zstd.Encoder
	logger   *slog.Logger
}

// Option configures HTTP.
type Option func(*HTTP)

// WithTimeout bounds each request. Non-positive keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithCompression toggles zstd request bodies.
func WithCompression(on bool) Option {
	return func(h *HTTP) { h.compress = on }
}

// WithClient replaces the underlying http.Client.
func WithClient(c *http.Client) Option {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *HTTP) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts ...Option) (*HTTP, error) {
	h := &HTTP{
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("transport: zstd encoder: %w", err)
		}
		h.encoder = enc
	}
	return h, nil
}

// Endpoint returns the collection URL for an account. A host without a
// scheme is assumed to be https.
func Endpoint(host, accountID string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if accountID == "" {
		return "", fmt.Errorf("account id is empty")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", host, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid host %q: missing host", host)
	}
	return u.JoinPath("c", accountID).String(), nil
}

// Digest returns the hex blake3 digest of an uncompressed payload. The
// server uses it to drop retried batches it already stored.
func Digest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Send implements Transport. Network errors, timeouts and non-2xx
// responses come back as TransportFailure errors.
func (h *HTTP) Send(ctx context.Context, b Batch) error {
	endpoint, err := Endpoint(b.Host, b.AccountID)
	if err != nil {
		return event.NewTransportFailure("build request", err)
	}

	body := b.Payload
	if h.encoder != nil {
		body = h.encoder.EncodeAll(b.Payload, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return event.NewTransportFailure("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lytics-go/"+event.SDKVersion)
	req.Header.Set(HeaderBatchDigest, Digest(b.Payload))
	req.Header.Set(HeaderSeqRange, strconv.FormatInt(b.FirstSeq, 10)+"-"+strconv.FormatInt(b.LastSeq, 10))
	if h.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return event.NewTransportFailure("post batch", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return event.NewTransportFailure(fmt.Sprintf("collector returned %s", resp.Status), nil)
	}

	h.logger.Debug("batch delivered",
		"endpoint", endpoint,
		"records", b.Count,
		"first_seq", b.FirstSeq,
		"last_seq", b.LastSeq,
		"bytes", len(body))
	return nil
}
