// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"webgate/internal/client"
	"webgate/internal/config"
	"webgate/internal/metrics"
	"webgate/internal/model"
	"webgate/internal/policy"
	"webgate/internal/proxyurl"
)

// ErrHostBlocked is returned when the target host fails the policy gate.
var ErrHostBlocked = errors.New("target host is not allowed by policy")

// ErrPayloadTooLarge is returned when the inbound request body exceeds the
// configured ceiling. The upstream request is never issued in that case.
var ErrPayloadTooLarge = errors.New("request body exceeds the configured limit")

// scrubbedRequestHeaders are inbound headers never forwarded to the target:
// hop-by-hop headers plus browser headers that would leak the proxy's own
// origin or negotiate an encoding the rewrite path cannot decode.
var scrubbedRequestHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Origin",
	"Referer",
	"Accept-Encoding",
}

// droppedResponseHeaders are upstream headers never relayed to the client:
// hop-by-hop headers plus framing-control headers that would block the
// proxy's own framing context from embedding the page.
var droppedResponseHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"X-Frame-Options",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client   *client.UpstreamClient
	policy   *policy.Evaluator
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	maxBody  int64
	scrubbed map[string]bool
	dropped  map[string]bool
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable policy metrics.
func NewProxyService(c *client.UpstreamClient, eval *policy.Evaluator, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:   c,
		policy:   eval,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
		maxBody:  cfg.MaxBodyBytes(),
		scrubbed: headerSet(scrubbedRequestHeaders),
		dropped:  headerSet(droppedResponseHeaders),
	}
}

// Forward fetches the target of a ProxyRequest and returns the response with
// relay-ready headers and the streaming/rewrite classification already made.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	host := pr.Target.Hostname()
	if !s.policy.Allowed(host) {
		if s.metrics != nil {
			s.metrics.PolicyRejections.Inc()
		}
		s.logger.Info("policy rejection", "host", host)
		return nil, ErrHostBlocked
	}

	body, err := s.readBody(pr)
	if err != nil {
		return nil, err
	}

	header := s.scrubRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", host,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.Target.String(), header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to target: %w", err)
	}

	resp.Header = s.relayHeaders(resp.Header, pr.Target)
	// HEAD responses carry no body to rewrite.
	resp.Rewrite = pr.Method != http.MethodHead && s.classify(resp.Header)
	return resp, nil
}

// readBody buffers the inbound body for non-GET/HEAD methods, enforcing the
// configured ceiling before anything is sent upstream. GET and HEAD requests
// forward no body.
func (s *ProxyService) readBody(pr *model.ProxyRequest) (io.Reader, error) {
	if pr.Method == http.MethodGet || pr.Method == http.MethodHead || pr.Body == nil {
		return nil, nil
	}

	buf, err := io.ReadAll(io.LimitReader(pr.Body, s.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(buf)) > s.maxBody {
		return nil, ErrPayloadTooLarge
	}
	if len(buf) == 0 {
		return nil, nil
	}
	return bytes.NewReader(buf), nil
}

// scrubRequestHeaders copies the inbound headers minus the scrubbed set and
// substitutes a stable default User-Agent when the client sent none.
func (s *ProxyService) scrubRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if s.scrubbed[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
	}
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", s.cfg.Proxy.UserAgent)
	}
	return dst
}

// relayHeaders copies upstream headers minus the dropped set, rewriting any
// Location header to route its resolved target back through the proxy. A
// Location that fails to resolve is dropped rather than relayed raw.
func (s *ProxyService) relayHeaders(src http.Header, target *url.URL) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if s.dropped[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}

	if loc := dst.Get("Location"); loc != "" {
		dst.Del("Location")
		if abs := proxyurl.Resolve(target, loc); abs != "" {
			if u, err := url.Parse(abs); err == nil && !s.policy.Allowed(u.Hostname()) {
				s.logger.Info("redirect target fails policy", "host", u.Hostname())
			}
			dst.Set("Location", proxyurl.Encode(abs))
		}
	}

	return dst
}

// classify chooses between the streaming and rewrite paths. It must run
// before any body byte is consumed.
func (s *ProxyService) classify(header http.Header) bool {
	if !s.cfg.RewriteEnabled() {
		return false
	}
	ct := strings.ToLower(header.Get("Content-Type"))
	return strings.HasPrefix(ct, "text/html")
}

func headerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(n)] = true
	}
	return set
}
