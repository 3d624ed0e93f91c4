// Package fax hands assembled appeals to an outbound fax gateway. Delivery is
// synchronous: Dispatch returns once the gateway accepted or refused the job.
package fax

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidNumber is returned for a destination with no dialable digits.
var ErrInvalidNumber = errors.New("fax number is required")

// ---------------------------------------------------------------------------
// Job
// ---------------------------------------------------------------------------

// Job is one outbound fax.
type Job struct {
	ID          string    `json:"id"`
	AppealID    int64     `json:"appeal_id"`
	Destination string    `json:"destination"`
	Name        string    `json:"name,omitempty"`
	CoverPage   string    `json:"cover_page"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"` // base64 documents sent after Body
	CreatedAt   time.Time `json:"created_at"`
}

// Validate normalizes the destination to its digits.
func (j *Job) Validate() error {
	digits := NormalizeNumber(j.Destination)
	if digits == "" {
		return ErrInvalidNumber
	}
	j.Destination = digits
	return nil
}

// NormalizeNumber strips everything but digits and a leading plus.
func NormalizeNumber(n string) string {
	n = strings.TrimSpace(n)
	var b strings.Builder
	for i, r := range n {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// Dispatcher sends a fax job.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job) error
}

// ---------------------------------------------------------------------------
// HTTP gateway
// ---------------------------------------------------------------------------

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// Option configures an HTTPDispatcher.
type Option func(*HTTPDispatcher)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *HTTPDispatcher) { d.httpClient = c }
}

// WithSecret signs each submission with an X-Fax-Signature header.
func WithSecret(secret string) Option {
	return func(d *HTTPDispatcher) { d.secret = secret }
}

// HTTPDispatcher POSTs jobs as JSON to a gateway endpoint.
type HTTPDispatcher struct {
	endpoint   string
	secret     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPDispatcher validates endpoint and returns a dispatcher for it.
func NewHTTPDispatcher(endpoint string, logger zerolog.Logger, opts ...Option) (*HTTPDispatcher, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid fax endpoint %q", endpoint)
	}
	d := &HTTPDispatcher{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode fax job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build fax request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fax-ID", job.ID)
	req.Header.Set("X-Fax-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if d.secret != "" {
		req.Header.Set("X-Fax-Signature", "sha256="+SignPayload(payload, d.secret))
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fax gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("fax gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	d.logger.Info().
		Str("fax_id", job.ID).
		Int64("appeal_id", job.AppealID).
		Dur("latency", time.Since(start)).
		Msg("fax accepted by gateway")
	return nil
}

// ---------------------------------------------------------------------------
// Log dispatcher
// ---------------------------------------------------------------------------

// LogDispatcher accepts every job and only logs it. Used when no gateway is
// configured.
type LogDispatcher struct {
	Logger zerolog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	d.Logger.Warn().
		Str("fax_id", job.ID).
		Int64("appeal_id", job.AppealID).
		Msg("no fax gateway configured, fax not transmitted")
	return nil
}

// ---------------------------------------------------------------------------
// Mock dispatcher (test double)
// ---------------------------------------------------------------------------

// MockDispatcher records jobs and optionally fails.
type MockDispatcher struct {
	mu   sync.Mutex
	jobs []Job
	Err  error
}

func (m *MockDispatcher) Dispatch(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.jobs = append(m.jobs, *job)
	return nil
}

// Jobs returns a copy of the dispatched jobs.
func (m *MockDispatcher) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.jobs))
	copy(out, m.jobs)
	return out
}
