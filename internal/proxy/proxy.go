// Package proxy forwards admitted requests to the protected backend.
//
// HTTP/1.1 requests use a pooled http.Transport; requests that arrived over
// HTTP/2 (TLS or h2c) are forwarded with golang.org/x/net/http2 so the
// protocol is preserved end to end. Responses are flushed immediately so
// streaming endpoints work through the gate.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/playbaseball/gatekeeper/internal/config"
	"golang.org/x/net/http2"
)

var badGatewayBody = []byte(`{"status":502,"error":"Bad Gateway","message":"Upstream service unavailable."}`)

// Proxy is a reverse proxy to a single backend.
type Proxy struct {
	target *url.URL
	rp     *httputil.ReverseProxy
	h1     *http.Transport
	logger *slog.Logger
}

// New returns a proxy for cfg.URL. The URL must be absolute with an http or
// https scheme.
func New(cfg config.BackendConfig, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.URL, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" || target.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: want http(s)://host[:port]", cfg.URL)
	}

	responseTimeout, err := config.ParseDuration(cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("backend.timeout: %w", err)
	}
	idleConnTimeout, err := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("backend.idle_conn_timeout: %w", err)
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	h1, h2 := buildTransports(cfg.Transport, target.Scheme == "https", responseTimeout, maxIdle, idleConnTimeout)
	p := &Proxy{target: target, h1: h1, logger: logger}
	p.rp = &httputil.ReverseProxy{
		Rewrite:       p.rewrite,
		Transport:     &protocolAwareTransport{http1: h1, http2: h2},
		FlushInterval: -1,
		ErrorHandler:  p.handleError,
	}
	return p, nil
}

func buildTransports(
	cfg config.TransportConfig,
	tlsBackend bool,
	responseTimeout time.Duration,
	maxIdleConns int,
	idleConnTimeout time.Duration,
) (*http.Transport, *http2.Transport) {
	dialTimeout := config.MustParseDuration(cfg.DialTimeout, 30*time.Second)
	dialKeepAlive := config.MustParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout := config.MustParseDuration(cfg.ExpectContinueTimeout, time.Second)
	h2ReadIdleTimeout := config.MustParseDuration(cfg.H2ReadIdleTimeout, 30*time.Second)
	h2PingTimeout := config.MustParseDuration(cfg.H2PingTimeout, 15*time.Second)

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: dialKeepAlive}

	h1 := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
		ForceAttemptHTTP2:     false,
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			if !tlsBackend {
				// h2c: prior-knowledge HTTP/2 over plain TCP.
				return dialer.DialContext(ctx, network, addr)
			}
			td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
			return td.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: h2ReadIdleTimeout,
		PingTimeout:     h2PingTimeout,
	}

	return h1, h2
}

// rewrite targets the backend and keeps the caller's X-Forwarded-For chain,
// appending the immediate peer.
func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	if prior, ok := pr.In.Header["X-Forwarded-For"]; ok {
		pr.Out.Header["X-Forwarded-For"] = append([]string(nil), prior...)
	}
	pr.SetXForwarded()
	pr.Out.Host = pr.In.Host
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if isClientDisconnect(r.Context(), err) {
		p.logger.Debug("client went away", "path", r.URL.Path)
		return
	}
	p.logger.Error("proxy error", "error", err, "path", r.URL.Path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write(badGatewayBody)
}

// ServeHTTP forwards r to the backend.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// Close drops idle backend connections.
func (p *Proxy) Close() {
	p.h1.CloseIdleConnections()
}

// protocolAwareTransport forwards HTTP/2 requests over HTTP/2 and
// everything else over the pooled HTTP/1.1 transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func isClientDisconnect(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}
