// Package gateway implements the message transport and session contracts over
// an HTTP messaging gateway.
//
// Gateway API:
//
//	POST /send               {"to","text","attachment":{"filename","mime","content_base64"}}
//	GET  /session            {"authenticated":bool,"qr":"..."}
//	POST /session/reconnect  starts a new login; poll GET /session for the result
//	POST /session/logout
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bulksender/internal/transport"
	logx "bulksender/pkg/logx"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const userAgent = "bulksender/1"

type Config struct {
	BaseURL       string
	Token         string // bearer token; never logged
	Timeout       time.Duration
	RetryMax      int
	ReconnectPoll time.Duration
	// MaxAttachmentBytes limits the attachment read from disk. 0 means 16 MiB.
	MaxAttachmentBytes int64
}

// Client is both a transport.Transport and a transport.Session.
type Client struct {
	cfg    Config
	base   string
	client *retryablehttp.Client
	log    logx.Logger

	mu     sync.Mutex
	lastQR string
}

var (
	_ transport.Transport  = (*Client)(nil)
	_ transport.Session    = (*Client)(nil)
	_ transport.Challenger = (*Client)(nil)
	_ transport.Closer     = (*Client)(nil)
)

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gateway: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.ReconnectPoll <= 0 {
		cfg.ReconnectPoll = 2 * time.Second
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 16 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.CheckRetry = checkRetry
	// Hand the last response back so status mapping below decides the outcome.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{log: log}

	return &Client{cfg: cfg, base: base, client: rc, log: log}, nil
}

// checkRetry only retries requests the gateway cannot have acted on, so a
// retried POST /send never produces a duplicate delivery.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true, nil
	}
	return false, nil
}

type sendRequest struct {
	To         string          `json:"to"`
	Text       string          `json:"text,omitempty"`
	Attachment *sendAttachment `json:"attachment,omitempty"`
}

type sendAttachment struct {
	Filename      string `json:"filename"`
	MIME          string `json:"mime,omitempty"`
	ContentBase64 string `json:"content_base64"`
}

type sendResponse struct {
	OK        *bool  `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// Send delivers one message. Ordinary failures are reported in the Result;
// an error means the gateway is unusable (unreachable or rejecting our credentials).
func (c *Client) Send(ctx context.Context, d transport.Delivery) (transport.Result, error) {
	body := sendRequest{To: d.Recipient, Text: d.Text}
	if d.Attachment != "" {
		att, res, ok := c.loadAttachment(d.Attachment)
		if !ok {
			return res, nil
		}
		body.Attachment = att
	}
	b, err := json.Marshal(body)
	if err != nil {
		return transport.Permanent("encode request: " + err.Error()), nil
	}

	resp, err := c.do(ctx, http.MethodPost, "/send", b)
	if err != nil {
		if isTimeout(ctx, err) {
			return transport.Transient("gateway timeout"), nil
		}
		return transport.Result{}, errors.Wrap(err, "gateway send")
	}
	defer resp.Body.Close()

	sr, decodeErr := decodeSendResponse(resp.Body)
	if decodeErr != nil {
		c.log.Debug("gateway send response not decoded",
			logx.Int("status", resp.StatusCode),
			logx.Int64("message_id", d.MessageID),
			logx.Err(decodeErr),
		)
	}
	reason := strings.TrimSpace(sr.Error)
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		if decodeErr != nil {
			// Accepted but unreadable: not proof of delivery.
			return transport.Transient("malformed gateway response"), nil
		}
		if sr.OK != nil && !*sr.OK {
			if sr.Permanent {
				return transport.Permanent(reason), nil
			}
			return transport.Transient(reason), nil
		}
		return transport.Success(), nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return transport.Result{}, errors.Errorf("gateway rejected credentials (status %d)", code)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return transport.Transient(reason), nil
	case code >= 400 && code < 500:
		return transport.Permanent(reason), nil
	default:
		return transport.Transient(reason), nil
	}
}

// decodeSendResponse reads the send reply. An empty body decodes to the zero
// response; a truncated or non-JSON body is an error.
func decodeSendResponse(r io.Reader) (sendResponse, error) {
	var sr sendResponse
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return sr, errors.Wrap(err, "read send response")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return sr, nil
	}
	if err := json.Unmarshal(raw, &sr); err != nil {
		return sendResponse{}, errors.Wrap(err, "decode send response")
	}
	return sr, nil
}

func (c *Client) loadAttachment(path string) (*sendAttachment, transport.Result, bool) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, transport.Permanent("attachment not readable: " + filepath.Base(path)), false
	}
	if st.Size() > c.cfg.MaxAttachmentBytes {
		return nil, transport.Permanent("attachment too large: " + filepath.Base(path)), false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, transport.Permanent("attachment not readable: " + filepath.Base(path)), false
	}
	name := filepath.Base(path)
	return &sendAttachment{
		Filename:      name,
		MIME:          mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		ContentBase64: base64.StdEncoding.EncodeToString(data),
	}, transport.Result{}, true
}

type sessionResponse struct {
	Authenticated bool   `json:"authenticated"`
	QR            string `json:"qr,omitempty"`
}

func (c *Client) session(ctx context.Context) (sessionResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return sessionResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return sessionResponse{}, errors.Errorf("unexpected response code %d from gateway session", resp.StatusCode)
	}
	var sr sessionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sr); err != nil {
		return sessionResponse{}, errors.Wrap(err, "decode session")
	}
	c.mu.Lock()
	if sr.Authenticated {
		c.lastQR = ""
	} else if sr.QR != "" {
		c.lastQR = sr.QR
	}
	c.mu.Unlock()
	return sr, nil
}

func (c *Client) Healthy(ctx context.Context) bool {
	sr, err := c.session(ctx)
	if err != nil {
		c.log.Debug("gateway session check failed", logx.Err(err))
		return false
	}
	return sr.Authenticated
}

// Reconnect asks the gateway for a new login and polls until authenticated or timeout.
func (c *Client) Reconnect(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if resp, err := c.do(ctx, http.MethodPost, "/session/reconnect", nil); err != nil {
		c.log.Warn("gateway reconnect request failed", logx.Err(err))
	} else {
		_ = resp.Body.Close()
	}

	t := time.NewTicker(c.cfg.ReconnectPoll)
	defer t.Stop()
	for {
		if c.Healthy(ctx) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

// Challenge returns the most recent login QR payload, refreshing it from the gateway.
func (c *Client) Challenge(ctx context.Context) (string, bool) {
	sr, err := c.session(ctx)
	if err == nil && sr.Authenticated {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQR, c.lastQR != ""
}

func (c *Client) CloseSession(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/session/logout", nil)
	if err != nil {
		return errors.Wrap(err, "gateway logout")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("unexpected response code %d from gateway logout", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequest(method, c.base+path, rdr)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return c.client.Do(req)
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// leveledLogger adapts logx to retryablehttp.LeveledLogger.
type leveledLogger struct{ log logx.Logger }

func kv(keysAndValues []any) []logx.Field {
	out := make([]logx.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		k, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, keysAndValues[i+1]))
	}
	return out
}

func (l leveledLogger) Error(msg string, keysAndValues ...any) { l.log.Error(msg, kv(keysAndValues)...) }
func (l leveledLogger) Info(msg string, keysAndValues ...any) { l.log.Debug(msg, kv(keysAndValues)...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...any) { l.log.Trace(msg, kv(keysAndValues)...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...any) { l.log.Warn(msg, kv(keysAndValues)...) }
