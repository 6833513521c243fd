// Package remote sends batch items to the remote HTTP endpoint.
//
// Transport is the seam between the dispatcher and the network. Two HTTP
// implementations are provided: MessageSender posts JSON messages and
// FileUploader posts multipart file uploads. Both share the same client core
// (base URL, basic auth, optional body signing, optional client-side rate
// limit).
package remote

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

	"golang.org/x/time/rate"

	"github.com/snehjoshi/batchq/internal/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// signing secret is configured.
const SignatureHeader = "X-BatchQ-Signature"

// maxResponseBytes caps how much of a response body is kept on the item.
const maxResponseBytes = 1 << 20

// ErrInvalidDestination is returned when a destination cannot be turned into
// a request URL.
var ErrInvalidDestination = errors.New("remote: invalid destination")

// Response is what the endpoint answered.
type Response struct {
	Code int
	Body []byte
}

// Transport performs one send. A non-nil error means no response was
// received; the caller classifies it.
type Transport interface {
	Send(ctx context.Context, dest types.Destination, payload []byte) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, dest types.Destination, payload []byte) (Response, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, dest types.Destination, payload []byte) (Response, error) {
	return f(ctx, dest, payload)
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures an HTTP transport.
type Option func(*client)

// WithHTTPClient replaces the default http.Client. Per-request deadlines come
// from the context, so the client should not set its own Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBasicAuth attaches HTTP basic credentials to every request.
func WithBasicAuth(user, password string) Option {
	return func(c *client) { c.user, c.password = user, password }
}

// WithSigningSecret signs every request body with HMAC-SHA256.
func WithSigningSecret(secret string) Option {
	return func(c *client) { c.secret = secret }
}

// WithRateLimit caps outgoing requests at rps per second with the given
// burst. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// ─── client core ─────────────────────────────────────────────────────────────

type client struct {
	base     *url.URL
	http     *http.Client
	user     string
	password string
	secret   string
	limiter  *rate.Limiter
}

func newClient(baseURL string, opts []Option) (*client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url %q must be http or https", baseURL)
	}
	c := &client{base: u, http: &http.Client{}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// endpoint resolves dest against the base URL.
func (c *client) endpoint(dest types.Destination) (string, error) {
	path, err := CleanPath(dest.Path)
	if err != nil {
		return "", err
	}
	u := *c.base
	u.Path = c.base.Path + "/" + path
	if len(dest.Params) > 0 {
		q := url.Values{}
		for k, v := range dest.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// url joins URL-part segments onto the base URL.
func (c *client) url(query url.Values, segs ...string) string {
	u := c.base.JoinPath(segs...)
	u.RawQuery = query.Encode()
	return u.String()
}

// CleanPath trims the slashes around p and rejects empty, "." and ".."
// segments, so a destination always stays under the base URL.
func CleanPath(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidDestination)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".", "..":
			return "", fmt.Errorf("%w: path %q has an empty or relative segment", ErrInvalidDestination, p)
		}
	}
	return p, nil
}

// post sends body to dest and reads the answer.
func (c *client) post(ctx context.Context, dest types.Destination, contentType string, body []byte) (Response, error) {
	target, err := c.endpoint(dest)
	if err != nil {
		return Response{}, err
	}
	return c.do(ctx, http.MethodPost, target, contentType, body)
}

// wait blocks for a rate limit token. rate.Limiter refuses up front when the
// token lies past ctx's deadline; that refusal is reported as a deadline.
func (c *client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	err := c.limiter.Wait(ctx)
	if err == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
		return fmt.Errorf("remote: rate limit wait: %w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("remote: rate limit wait: %w", err)
}

// do performs one request against target. body may be nil.
func (c *client) do(ctx context.Context, method, target, contentType string, body []byte) (Response, error) {
	if err := c.wait(ctx); err != nil {
		return Response{}, err
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return Response{}, fmt.Errorf("remote: build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	if c.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(c.secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("remote: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{Code: resp.StatusCode}, fmt.Errorf("remote: read response: %w", err)
	}
	return Response{Code: resp.StatusCode, Body: normalizeBody(raw)}, nil
}

// StatusError is returned by the management calls (template and file
// deletion) when the endpoint answers with a non-2xx status.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: endpoint answered %d: %s", e.Code, bytes.TrimSpace(e.Body))
}

func checkStatus(resp Response) error {
	if resp.Code < 200 || resp.Code >= 300 {
		return &StatusError{Code: resp.Code, Body: resp.Body}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// normalizeBody keeps JSON bodies as compact JSON and anything else as the
// raw text.
func normalizeBody(raw []byte) []byte {
	if !json.Valid(raw) {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
