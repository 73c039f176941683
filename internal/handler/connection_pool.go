package handler

import (
	"net"
	"net/http"
	"time"

	"github.com/mir00r/registry-gateway/internal/config"
)

// NewUpstreamTransport builds the pooled transport the gateway forwards
// through. Connections are kept per instance address, so an instance that
// leaves the route table simply stops being dialed and its idle connections
// age out after IdleTimeout.
func NewUpstreamTransport(cfg config.ConnectionPoolConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepaliveIdle,
	}
	maxIdle := cfg.MaxIdleConnsPerHost
	if maxIdle <= 0 {
		maxIdle = http.DefaultMaxIdleConnsPerHost
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   maxIdle,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
