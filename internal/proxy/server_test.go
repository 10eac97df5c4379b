package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/koltyakov/wicket/internal/bwlimit"
	"github.com/koltyakov/wicket/internal/cache"
	"github.com/koltyakov/wicket/internal/config"
	"github.com/koltyakov/wicket/internal/credstore"
	"github.com/koltyakov/wicket/internal/secrets"
	"github.com/koltyakov/wicket/internal/session"
	"github.com/koltyakov/wicket/internal/usage"
)

type memoryEvents struct{}

func (memoryEvents) RecordLoginEvent(context.Context, string, string, string) error { return nil }
func (memoryEvents) RecordUsage(context.Context, string, int64) error               { return nil }

type testEnv struct {
	server   *Server
	creds    *credstore.Store
	sessions *session.Manager
	cache    *cache.Manager
	usage    *usage.Recorder
}

// windowAround builds a window that either contains or excludes the current
// wall-clock time, so tests are stable regardless of when they run.
func windowAround(t *testing.T, containsNow bool) config.Window {
	t.Helper()
	if containsNow {
		w, err := config.ParseWindow("00:00", "23:59")
		if err != nil {
			t.Fatalf("window: %v", err)
		}
		return w
	}
	start, end := "01:00", "02:00"
	if time.Now().Hour() < 12 {
		start, end = "22:00", "23:00"
	}
	w, err := config.ParseWindow(start, end)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	return w
}

func newTestEnv(t *testing.T, window config.Window) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cipher, err := secrets.NewCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	creds := credstore.New(filepath.Join(t.TempDir(), "users.csv"), cipher, logger)
	rec := usage.New(memoryEvents{}, logger)
	sessions := session.New(time.Minute, rec, logger)
	cacheMgr := cache.New(time.Minute, 10, filepath.Join(t.TempDir(), "cache.json"), logger)

	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.AccessWindow = window
	cfg.ConnectTimeout = time.Second

	srv := New(cfg, creds, sessions, cacheMgr, bwlimit.New(1<<30), rec, logger)
	return &testEnv{server: srv, creds: creds, sessions: sessions, cache: cacheMgr, usage: rec}
}

// dialClient runs handleConn over a real loopback socket so the handler sees
// genuine addresses and deadlines. Returns the client side.
func dialClient(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv.handleConn(conn)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func sendConnect(t *testing.T, conn net.Conn, target, token string) {
	t.Helper()
	req := "CONNECT " + target + " HTTP/1.1\r\n"
	if token != "" {
		req += "Proxy-Authorization: Basic " + token + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func readResponse(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, _ := io.ReadAll(conn)
	return string(data)
}

func readStatusLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	line, _, _ := strings.Cut(string(buf[:n]), "\r\n")
	return line
}

func TestNonConnectClosedSilently(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	client := dialClient(t, env.server)
	if _, err := client.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp := readResponse(t, client); resp != "" {
		t.Fatalf("expected silent close, got %q", resp)
	}
}

func TestMissingAuthGets407(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", "")
	resp := readResponse(t, client)
	if !strings.HasPrefix(resp, "HTTP/1.1 407 ") {
		t.Fatalf("response = %q, want 407", resp)
	}
	if !strings.Contains(resp, "Proxy-Authenticate: Basic") {
		t.Fatalf("response missing challenge: %q", resp)
	}
}

func TestInvalidTokenGets407(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	env.creds.Add("alice", "secret")
	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", credstore.Token("alice", "wrong"))
	if resp := readResponse(t, client); !strings.HasPrefix(resp, "HTTP/1.1 407 ") {
		t.Fatalf("response = %q, want 407", resp)
	}
}

func TestOutsideAccessWindowGets403(t *testing.T) {
	t.Parallel()

	window := windowAround(t, false)
	env := newTestEnv(t, window)
	env.creds.Add("alice", "secret")
	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", credstore.Token("alice", "secret"))
	resp := readResponse(t, client)
	if !strings.HasPrefix(resp, "HTTP/1.1 403 ") {
		t.Fatalf("response = %q, want 403", resp)
	}
	if !strings.Contains(resp, window.String()) {
		t.Fatalf("403 body must name the window %s: %q", window, resp)
	}
	if env.sessions.ActiveCount() != 0 {
		t.Fatal("no session may be created outside the window")
	}
}

func TestDeviceConflictGets407(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	env.creds.Add("alice", "secret")
	// Another device already holds the lease and has not idled out.
	a, b := net.Pipe()
	defer func() { _ = a.Close(); _ = b.Close() }()
	env.sessions.Admit("alice", "10.9.9.9", a)

	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", credstore.Token("alice", "secret"))
	resp := readResponse(t, client)
	if !strings.HasPrefix(resp, "HTTP/1.1 407 ") {
		t.Fatalf("response = %q, want 407", resp)
	}
	if !strings.Contains(resp, "already in use") {
		t.Fatalf("response = %q, want in-use notice", resp)
	}
	if !env.sessions.Active("alice") {
		t.Fatal("holder's session must remain active")
	}
}

func TestConnectTimeoutGets504(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	env.creds.Add("alice", "secret")
	env.server.dial = func(string, time.Duration) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: timeoutError{}}
	}

	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", credstore.Token("alice", "secret"))
	if line := readStatusLine(t, client); line != "HTTP/1.1 504 Gateway Timeout" {
		t.Fatalf("status = %q", line)
	}
}

func TestConnectRefusedGets502(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	env.creds.Add("alice", "secret")
	env.server.dial = func(string, time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", credstore.Token("alice", "secret"))
	if line := readStatusLine(t, client); line != "HTTP/1.1 502 Bad Gateway" {
		t.Fatalf("status = %q", line)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestEndToEndTunnelAndPooling(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	env.server.relayWait = 20 * time.Millisecond
	env.creds.Add("alice", "secret")

	remoteServer, remoteProxySide := net.Pipe()
	defer func() { _ = remoteServer.Close() }()
	var dialedAddr string
	env.server.dial = func(addr string, _ time.Duration) (net.Conn, error) {
		dialedAddr = addr
		return remoteProxySide, nil
	}
	env.server.lookupHost = func(host string) ([]string, error) {
		return []string{"93.184.216.34"}, nil
	}

	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", credstore.Token("alice", "secret"))
	if line := readStatusLine(t, client); line != "HTTP/1.1 200 Connection Established" {
		t.Fatalf("status = %q", line)
	}
	if dialedAddr != "example.com:443" {
		t.Fatalf("dialed %q, want by-name connect on DNS miss", dialedAddr)
	}

	// Bytes flow verbatim both ways.
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	_ = remoteServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(remoteServer, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("remote read = %q, %v", buf, err)
	}
	if _, err := remoteServer.Write([]byte("pong")); err != nil {
		t.Fatalf("remote write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "pong" {
		t.Fatalf("client read = %q, %v", buf, err)
	}

	// DNS resolution was cached best-effort after the connect.
	if ip, ok := env.cache.GetDNS("example.com"); !ok || ip != "93.184.216.34" {
		t.Fatalf("dns cache = %q, %v", ip, ok)
	}

	// Usage was accounted to alice.
	if n, ok := env.usage.Total("alice"); !ok || n < 8 {
		t.Fatalf("usage = %d, %v; want at least 8 bytes", n, ok)
	}

	// Client hangs up cleanly: the remote must land in the pool.
	_ = client.Close()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if conn, ok := env.cache.GetConn("example.com", 443); ok {
			if conn != remoteProxySide {
				t.Fatal("pooled connection is not the relay's remote")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("remote connection never appeared in the pool")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Teardown must deregister the client and deactivate the session.
	deadline = time.Now().Add(2 * time.Second)
	for env.sessions.Active("alice") {
		if time.Now().After(deadline) {
			t.Fatal("session still active after teardown")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, _, _, clients := env.cache.Counts(); clients != 0 {
		t.Fatalf("clients = %d, want 0 after teardown", clients)
	}
}

func TestPooledConnectionSkipsDial(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	env.server.relayWait = 20 * time.Millisecond
	env.creds.Add("alice", "secret")

	pooledServer, pooledProxySide := net.Pipe()
	defer func() { _ = pooledServer.Close() }()
	env.cache.PutConn("example.com", 443, pooledProxySide)
	env.server.dial = func(addr string, _ time.Duration) (net.Conn, error) {
		return nil, fmt.Errorf("unexpected dial of %s", addr)
	}

	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", credstore.Token("alice", "secret"))
	if line := readStatusLine(t, client); line != "HTTP/1.1 200 Connection Established" {
		t.Fatalf("status = %q", line)
	}
	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 2)
	_ = pooledServer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(pooledServer, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("pooled remote read = %q, %v", buf, err)
	}
}

func TestUserDeletedMidTunnelClosesRelay(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, windowAround(t, true))
	env.server.relayWait = 10 * time.Millisecond
	env.server.userCheckEvery = 2
	env.creds.Add("alice", "secret")

	remoteServer, remoteProxySide := net.Pipe()
	defer func() { _ = remoteServer.Close() }()
	env.server.dial = func(string, time.Duration) (net.Conn, error) {
		return remoteProxySide, nil
	}

	client := dialClient(t, env.server)
	sendConnect(t, client, "example.com:443", credstore.Token("alice", "secret"))
	if line := readStatusLine(t, client); line != "HTTP/1.1 200 Connection Established" {
		t.Fatalf("status = %q", line)
	}

	env.creds.Remove("alice")

	// The liveness check must end the tunnel: the client sees EOF.
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected tunnel to close after user deletion")
	}
}

func TestParseConnect(t *testing.T) {
	t.Parallel()

	host, port, token, ok := parseConnect([]byte("CONNECT example.com:443 HTTP/1.1\r\nProxy-Authorization: Basic abc123\r\n\r\n"))
	if !ok || host != "example.com" || port != 443 || token != "abc123" {
		t.Fatalf("got %q %d %q %v", host, port, token, ok)
	}

	if _, _, _, ok := parseConnect([]byte("GET / HTTP/1.1\r\n\r\n")); ok {
		t.Fatal("non-CONNECT must not parse")
	}
	if _, _, _, ok := parseConnect([]byte("CONNECT example.com HTTP/1.1\r\n\r\n")); ok {
		t.Fatal("target without port must not parse")
	}
	if _, _, token, ok := parseConnect([]byte("CONNECT example.com:443 HTTP/1.1\r\nProxy-Authorization: Bearer xyz\r\n\r\n")); !ok || token != "" {
		t.Fatalf("non-Basic auth: token = %q, ok = %v; want empty token with ok", token, ok)
	}
}
