// Package proxy implements the CONNECT front door and the bidirectional
// tunnel relay between authenticated clients and remote hosts.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/wicket/internal/bwlimit"
	"github.com/koltyakov/wicket/internal/cache"
	"github.com/koltyakov/wicket/internal/config"
	"github.com/koltyakov/wicket/internal/credstore"
	"github.com/koltyakov/wicket/internal/netutil"
	"github.com/koltyakov/wicket/internal/session"
	"github.com/koltyakov/wicket/internal/usage"
)

const acceptPollInterval = 1 * time.Second
const requestReadTimeout = 10 * time.Second
const maxRequestBytes = 8 * 1024

// Server accepts proxy clients and drives the per-connection pipeline:
// parse CONNECT, authenticate, enforce the access window and session lease,
// obtain a remote connection, relay.
type Server struct {
	cfg      config.Config
	creds    *credstore.Store
	sessions *session.Manager
	cache    *cache.Manager
	limiter  *bwlimit.Limiter
	usage    *usage.Recorder
	log      *slog.Logger

	// Relay schedule knobs and dial hooks, overridable in tests.
	relayWait      time.Duration
	userCheckEvery int
	dial           func(addr string, timeout time.Duration) (net.Conn, error)
	lookupHost     func(host string) ([]string, error)
}

// New wires a proxy server over the shared state components.
func New(cfg config.Config, creds *credstore.Store, sessions *session.Manager, cacheMgr *cache.Manager, limiter *bwlimit.Limiter, rec *usage.Recorder, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		creds:    creds,
		sessions: sessions,
		cache:    cacheMgr,
		limiter:  limiter,
		usage:    rec,
		log:      logger,

		relayWait:      defaultRelayWait,
		userCheckEvery: defaultUserCheckEvery,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		lookupHost: net.LookupHost,
	}
}

// Run accepts clients until ctx is done. The accept loop wakes on a short
// deadline so restart/shutdown latency stays bounded.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("proxy listen %s: %w", s.cfg.Listen, err)
	}
	defer func() { _ = ln.Close() }()
	s.log.Info("proxy server listening", "addr", s.cfg.Listen, "access_window", s.cfg.AccessWindow.String())

	tcpLn, _ := ln.(*net.TCPListener)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if tcpLn != nil {
			_ = tcpLn.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("proxy accept failed", "err", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn owns one client connection end to end. Any panic below is
// confined to this connection; the accept loop never sees it.
func (s *Server) handleConn(client net.Conn) {
	connID := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection handler panic", "conn", connID, "panic", r)
		}
		_ = client.Close()
	}()

	req, err := s.readRequest(client)
	if err != nil {
		return // ProtocolError: close silently
	}

	host, port, token, ok := parseConnect(req)
	if !ok {
		return
	}
	if token == "" {
		writeStatus(client, "407 Proxy Authentication Required", []string{`Proxy-Authenticate: Basic realm="wicket"`}, "")
		return
	}

	user, ok := s.creds.Authenticate(token)
	if !ok {
		writeStatus(client, "407 Proxy Authentication Required", []string{`Proxy-Authenticate: Basic realm="wicket"`}, "")
		return
	}
	device := remoteHost(client)
	s.log.Info("client authenticated", "conn", connID, "user", user, "device", device, "target", netutil.JoinHostPort(host, port))

	if now := time.Now(); !s.cfg.AccessWindow.Allows(now) {
		body := fmt.Sprintf("Proxy access is only allowed from %s. Current time: %s\r\n", s.cfg.AccessWindow, now.Format("15:04"))
		writeStatus(client, "403 Forbidden", nil, body)
		s.log.Warn("access denied outside window", "conn", connID, "user", user, "window", s.cfg.AccessWindow.String())
		return
	}

	decision, remaining := s.sessions.Admit(user, device, client)
	if decision == session.LeaseConflict {
		body := fmt.Sprintf("Credentials already in use on another device. Try again in %ds.\r\n", int(remaining.Seconds()))
		writeStatus(client, "407 Proxy Authentication Required", []string{`Proxy-Authenticate: Basic realm="Credentials Already In Use"`}, body)
		s.log.Warn("device conflict", "conn", connID, "user", user, "device", device, "remaining", remaining.Round(time.Second))
		return
	}

	clientAddr := client.RemoteAddr().String()
	s.cache.Register(clientAddr, user)
	defer func() {
		s.cache.Deregister(clientAddr)
		s.sessions.MarkInactive(user, device)
	}()

	remote, pooled := s.cache.GetConn(host, port)
	if !pooled {
		remote, err = s.connect(host, port)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				writeStatus(client, "504 Gateway Timeout", nil, "")
			} else {
				writeStatus(client, "502 Bad Gateway", nil, "")
			}
			s.log.Warn("upstream connect failed", "conn", connID, "target", netutil.JoinHostPort(host, port), "err", err)
			return
		}
	} else {
		s.log.Debug("reusing pooled connection", "conn", connID, "target", netutil.JoinHostPort(host, port))
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = remote.Close()
		return
	}

	clean := s.relay(client, remote, user)
	if clean {
		_ = remote.SetReadDeadline(time.Time{})
		s.cache.PutConn(host, port, remote)
		s.log.Debug("remote connection pooled", "conn", connID, "target", netutil.JoinHostPort(host, port))
	} else {
		_ = remote.Close()
	}
}

// connect dials the target, preferring a cached DNS resolution. A cached IP
// that fails to connect is not retried against fresh DNS; the error surfaces
// as a gateway failure. After a by-name connect the resolution is cached
// best-effort.
func (s *Server) connect(host string, port int) (net.Conn, error) {
	if ip, ok := s.cache.GetDNS(host); ok {
		return s.dial(netutil.JoinHostPort(ip, port), s.cfg.ConnectTimeout)
	}

	conn, err := s.dial(netutil.JoinHostPort(host, port), s.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	if addrs, lookupErr := s.lookupHost(host); lookupErr == nil && len(addrs) > 0 {
		s.cache.PutDNS(host, addrs[0])
	}
	return conn, nil
}

// readRequest accumulates bytes until the header terminator, bounded in both
// size and time.
func (s *Server) readRequest(client net.Conn) ([]byte, error) {
	_ = client.SetReadDeadline(time.Now().Add(requestReadTimeout))
	defer func() { _ = client.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for !bytes.Contains(buf, []byte("\r\n\r\n")) {
		if len(buf) >= maxRequestBytes {
			return nil, errors.New("request too large")
		}
		n, err := client.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// parseConnect extracts the target and the Basic credential token from a raw
// CONNECT request. ok is false for anything that warrants a silent close;
// an empty token with ok=true means the auth header was missing or malformed.
func parseConnect(req []byte) (host string, port int, token string, ok bool) {
	lines := strings.Split(string(req), "\r\n")
	if len(lines) == 0 {
		return "", 0, "", false
	}
	parts := strings.Fields(lines[0])
	if len(parts) < 2 || parts[0] != "CONNECT" {
		return "", 0, "", false
	}
	host, port, err := netutil.SplitTarget(parts[1])
	if err != nil {
		return "", 0, "", false
	}

	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found || !strings.EqualFold(strings.TrimSpace(name), "Proxy-Authorization") {
			continue
		}
		value = strings.TrimSpace(value)
		scheme, cred, found := strings.Cut(value, " ")
		if !found || !strings.EqualFold(scheme, "Basic") {
			break // malformed auth header: challenge, don't close silently
		}
		token = strings.TrimSpace(cred)
		break
	}
	return host, port, token, true
}

func writeStatus(conn net.Conn, status string, headers []string, body string) {
	var b strings.Builder
	b.WriteString("HTTP/1.1 " + status + "\r\n")
	for _, h := range headers {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte(b.String()))
	_ = conn.SetWriteDeadline(time.Time{})
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
