package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/playbaseball/gatekeeper/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// runServer starts srv in the background and waits until the admin
// listener answers. The returned stop func cancels Run and waits for it.
func runServer(t *testing.T, cfg *config.Config) (stop func() error) {
	t.Helper()
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, httpErr := http.Get("http://" + cfg.Admin.Address + "/readyz")
		if httpErr != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "server did not become ready")

	var stopped bool
	stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return fmt.Errorf("server did not shut down within timeout")
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServerRunAndShutdown(t *testing.T) {
	stop := runServer(t, testConfig(t))
	assert.NoError(t, stop())
}

func TestServerListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.Address = ln.Addr().String()
	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)

	err = srv.Run(context.Background())
	assert.ErrorContains(t, err, "main server listen")
}

func TestServerHealthEndpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Endpoints = []string{mr.Addr()}
	cfg.RateLimit.Backend = config.StoreBackendRedis
	runServer(t, cfg)
	admin := "http://" + cfg.Admin.Address
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/startz", "/healthz", "/readyz"} {
		resp, _ := get(t, client, admin+path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, body := get(t, client, admin+"/readyz?deep=true")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ready","dependencies":{"redis":"ok"}}`, body)

	mr.Close()
	resp, body = get(t, client, admin+"/readyz?deep=true")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "unreachable")

	_, body = get(t, client, admin+"/metrics")
	assert.Contains(t, body, "gatekeeper_")
}

func TestServerProxiesTraffic(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "true")
		fmt.Fprint(w, "hello from backend")
	}))
	defer backend.Close()

	cfg := testConfig(t)
	cfg.Backend.URL = backend.URL
	runServer(t, cfg)
	client := &http.Client{Timeout: 5 * time.Second}
	url := "http://" + cfg.Server.Address + "/schedule"

	for range 3 {
		resp, body := get(t, client, url)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get("X-Backend"))
		assert.Equal(t, "hello from backend", body)
	}

	resp, body := get(t, client, url)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Backend"))
	assert.Equal(t, `{"status":429,"error":"Too Many Requests","message":"Rate limit exceeded. Please try again later."}`, body)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestServerRedisOutageFailsClosed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Backend.URL = backend.URL
	cfg.Redis.Endpoints = []string{mr.Addr()}
	cfg.RateLimit.Backend = config.StoreBackendRedis
	cfg.RateLimit.RedisTimeout = "200ms"
	runServer(t, cfg)
	client := &http.Client{Timeout: 5 * time.Second}
	url := "http://" + cfg.Server.Address + "/"

	resp, _ := get(t, client, url)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mr.Close()
	resp, body := get(t, client, url)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, `{"status":503,"error":"Service Unavailable","message":"Request could not be admitted. Please try again later."}`, body)
}

func TestServerTLSHTTP2(t *testing.T) {
	t.Run("negotiates HTTP/2 over TLS and forwards over h2c", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Backend-Proto", r.Proto)
			fmt.Fprint(w, "ok")
		})
		h2cBackend := httptest.NewServer(h2c.NewHandler(handler, &http2.Server{}))
		defer h2cBackend.Close()

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		cfg := testConfig(t)
		cfg.Backend.URL = h2cBackend.URL
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = certFile
		cfg.Server.TLS.KeyFile = keyFile
		runServer(t, cfg)

		tr := &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
		require.NoError(t, http2.ConfigureTransport(tr))
		tlsClient := &http.Client{Timeout: 5 * time.Second, Transport: tr}

		resp, body := get(t, tlsClient, "https://"+cfg.Server.Address+"/")
		assert.Equal(t, "HTTP/2.0", resp.Proto, "TLS connection must negotiate HTTP/2 via ALPN")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body)
		assert.Equal(t, "HTTP/2.0", resp.Header.Get("X-Backend-Proto"))
	})

	t.Run("cleartext serves HTTP/1.1", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "ok")
		}))
		defer backend.Close()

		cfg := testConfig(t)
		cfg.Backend.URL = backend.URL
		runServer(t, cfg)

		resp, body := get(t, &http.Client{Timeout: 5 * time.Second}, "http://"+cfg.Server.Address+"/")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body)
		assert.True(t, strings.HasPrefix(resp.Proto, "HTTP/1."))
	})
}
