package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wudi/edgegate/internal/errors"
)

// hopHeaders are connection-scoped headers never forwarded upstream or
// back to the client.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder sends requests to upstream targets over a pooled transport
// with a bounded timeout. Upstream status codes pass through untouched,
// including non-2xx.
type Forwarder struct {
	transport http.RoundTripper
	timeout   time.Duration
}

// New creates a Forwarder. timeout bounds the whole upstream exchange;
// zero selects 30 seconds.
func New(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		timeout: timeout,
	}
}

// Forward proxies the request to target, optionally stripping the route's
// literal prefix from the path. The upstream response is written to w and
// its status code returned. On failure nothing has been written and the
// caller decides the error response.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target, stripPrefix string) (int, error) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return 0, errors.Wrap(err, http.StatusBadGateway, "invalid upstream target")
	}

	outPath := r.URL.Path
	if stripPrefix != "" {
		outPath = strings.TrimPrefix(outPath, strings.TrimSuffix(stripPrefix, "/"))
		if outPath == "" {
			outPath = "/"
		}
	}

	outURL := *targetURL
	outURL.Path = singleJoin(targetURL.Path, outPath)
	outURL.RawQuery = r.URL.RawQuery

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		return 0, errors.Wrap(err, http.StatusBadGateway, "failed to build upstream request")
	}

	copyHeaders(outReq.Header, r.Header)
	for _, h := range hopHeaders {
		outReq.Header.Del(h)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+host)
		} else {
			outReq.Header.Set("X-Forwarded-For", host)
		}
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	outReq.Host = targetURL.Host

	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, errors.Wrap(err, http.StatusGatewayTimeout, "upstream timeout")
		}
		return 0, errors.Wrap(err, http.StatusBadGateway, "upstream unreachable")
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)

	return resp.StatusCode, nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// singleJoin joins two URL path segments with exactly one slash.
func singleJoin(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
