package provider

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	userAgent          = "commsrelay/1"
)

// SharedHTTPClient returns the pooled client used for Twilio REST calls and
// Gmail attachment downloads. timeout covers the whole exchange, body
// included.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: uaTransport{base}}
}

// uaTransport stamps outgoing requests with the relay's User-Agent unless
// the caller set one.
type uaTransport struct{ next http.RoundTripper }

func (t uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", userAgent)
	return t.next.RoundTrip(req)
}
