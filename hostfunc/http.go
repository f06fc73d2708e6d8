package hostfunc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/caffeineduck/gorun/capability"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxRedirects   = 10
)

// HTTPConfig configures outbound requests. With no AllowedHosts every
// request is refused.
type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
	// MaxRedirects caps followed redirects. Negative disables following.
	MaxRedirects int
}

type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}

	h := &HTTP{cfg: cfg}
	h.client = &http.Client{
		Timeout:       cfg.RequestTimeout,
		CheckRedirect: h.checkRedirect,
	}
	return h
}

// checkRedirect applies the same URL checks to every hop as to the
// initial request.
func (h *HTTP) checkRedirect(req *http.Request, via []*http.Request) error {
	if h.cfg.MaxRedirects < 0 {
		return fmt.Errorf("redirects not allowed")
	}
	if len(via) > h.cfg.MaxRedirects {
		return fmt.Errorf("stopped after %d redirects", h.cfg.MaxRedirects)
	}
	return h.checkURL(req.URL)
}

func (h *HTTP) checkURL(u *url.URL) error {
	if len(u.String()) > h.cfg.MaxURLLength {
		return fmt.Errorf("url exceeds max length")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if len(h.cfg.AllowedHosts) == 0 {
		return fmt.Errorf("http not enabled")
	}
	if host := u.Hostname(); !h.isHostAllowed(host) {
		return fmt.Errorf("host not allowed: %s", host)
	}
	return nil
}

// Capability exposes request(url, options?) and get(url). options may carry
// method, body and headers.
func (h *HTTP) Capability() capability.Object {
	return capability.Object{
		"request": capability.Func(h.Request),
		"get":     capability.Func(h.Get),
	}
}

func (h *HTTP) Get(ctx context.Context, args ...any) (any, error) {
	rawURL, err := stringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	return h.do(ctx, http.MethodGet, rawURL, nil)
}

func (h *HTTP) Request(ctx context.Context, args ...any) (any, error) {
	rawURL, err := stringArg(args, 0, "url")
	if err != nil {
		return nil, err
	}
	opts, err := objectArg(args, 1, "options")
	if err != nil {
		return nil, err
	}
	method, _ := opts["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	return h.do(ctx, strings.ToUpper(method), rawURL, opts)
}

func (h *HTTP) do(ctx context.Context, method, rawURL string, opts map[string]any) (any, error) {
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}

	if len(rawURL) > h.cfg.MaxURLLength {
		return nil, fmt.Errorf("url exceeds max length")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}

	if err := h.checkURL(parsed); err != nil {
		return nil, err
	}

	var body io.Reader
	if bodyStr, ok := opts["body"].(string); ok && bodyStr != "" {
		if int64(len(bodyStr)) > h.cfg.MaxBodySize {
			return nil, fmt.Errorf("request body exceeds max size")
		}
		body = strings.NewReader(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if headers, ok := opts["headers"].(map[string]any); ok {
		for k, v := range headers {
			if vs, ok := v.(string); ok {
				req.Header.Set(k, vs)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	respHeaders := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	return HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(respBody),
		Headers: respHeaders,
	}, nil
}

// isHostAllowed matches domains exactly or by subdomain. IP literals only
// match allowed IPs, compared in canonical form.
func (h *HTTP) isHostAllowed(host string) bool {
	ip, err := netip.ParseAddr(host)
	isIP := err == nil
	for _, allowed := range h.cfg.AllowedHosts {
		allowedIP, aerr := netip.ParseAddr(allowed)
		switch {
		case isIP && aerr == nil:
			if ip.Unmap() == allowedIP.Unmap() {
				return true
			}
		case isIP || aerr == nil:
		case host == allowed || strings.HasSuffix(host, "."+allowed):
			return true
		}
	}
	return false
}
