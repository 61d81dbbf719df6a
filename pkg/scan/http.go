package scan

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const httpEngine = "http"

// HTTPOptions configures HTTPScanner.
type HTTPOptions struct {
	URL      string
	Audience string
	Timeout  time.Duration
	Signer   TokenSigner
}

// HTTPScanner posts the raw bytes to a remote scanning service and reads a
// JSON verdict {"verdict": "clean|rejected", "reason": "..."}.
type HTTPScanner struct {
	client   *resty.Client
	url      string
	audience string
	signer   TokenSigner
}

func NewHTTPScanner(opts HTTPOptions) (*HTTPScanner, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("scanner url required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		audience = "scanner"
	}
	return &HTTPScanner{
		client:   resty.New().SetTimeout(timeout),
		url:      url,
		audience: audience,
		signer:   opts.Signer,
	}, nil
}

func (h *HTTPScanner) Scan(ctx context.Context, data []byte) (Verdict, error) {
	req := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data)
	if h.signer != nil {
		token, err := h.signer.Sign(h.audience)
		if err != nil {
			return Verdict{}, unavailable("sign scanner token: %v", err)
		}
		req.SetAuthToken(token)
	}
	resp, err := req.Post(h.url)
	if err != nil {
		return Verdict{}, unavailable("post to scanner: %v", err)
	}
	if resp.IsError() {
		return Verdict{}, unavailable("scanner status %d", resp.StatusCode())
	}
	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return Verdict{}, unavailable("scanner returned invalid json")
	}
	verdict := strings.ToLower(gjson.GetBytes(body, "verdict").String())
	reason := gjson.GetBytes(body, "reason").String()
	switch verdict {
	case "clean":
		return Clean(httpEngine), nil
	case "rejected", "infected", "malicious":
		if reason == "" {
			reason = "rejected by remote scanner"
		}
		return Rejected(httpEngine, reason), nil
	default:
		return Verdict{}, unavailable("scanner verdict %q", verdict)
	}
}
