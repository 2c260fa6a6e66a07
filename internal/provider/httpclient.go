package provider

import (
	"net"
	"net/http"
	"time"
)

const defaultMaxConns = 4

// newHTTPClient builds the client for a single completion endpoint. At most
// maxConns requests to it are in flight at once.
func newHTTPClient(timeout time.Duration, maxConns int) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     maxConns,
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
