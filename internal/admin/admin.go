// Package admin exposes a line-oriented control protocol for operators:
// one command per connection over plain TCP, a text (or JSON) reply, close.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/koltyakov/wicket/internal/bwlimit"
	"github.com/koltyakov/wicket/internal/cache"
	"github.com/koltyakov/wicket/internal/config"
	"github.com/koltyakov/wicket/internal/credstore"
	"github.com/koltyakov/wicket/internal/netutil"
	"github.com/koltyakov/wicket/internal/session"
	"github.com/koltyakov/wicket/internal/store/sqlite"
	"github.com/koltyakov/wicket/internal/usage"
)

const acceptPollInterval = 1 * time.Second
const commandReadTimeout = 10 * time.Second
const responseWriteTimeout = 10 * time.Second
const maxCommandBytes = 4 * 1024

const loginLogLimit = 100
const usageLogLimit = 100
const usageLogWindow = 30 * 24 * time.Hour
const logsTailLines = 100

// Server answers operator commands against the shared proxy state.
type Server struct {
	cfg      config.Config
	creds    *credstore.Store
	sessions *session.Manager
	cache    *cache.Manager
	limiter  *bwlimit.Limiter
	usage    *usage.Recorder
	events   *sqlite.Store
	log      *slog.Logger

	restart   func()
	startedAt time.Time
}

// New wires an admin server over the shared state components. restart is
// invoked when an operator issues RESTART; it must be safe to call more
// than once.
func New(cfg config.Config, creds *credstore.Store, sessions *session.Manager, cacheMgr *cache.Manager, limiter *bwlimit.Limiter, rec *usage.Recorder, events *sqlite.Store, restart func(), logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		creds:     creds,
		sessions:  sessions,
		cache:     cacheMgr,
		limiter:   limiter,
		usage:     rec,
		events:    events,
		log:       logger,
		restart:   restart,
		startedAt: time.Now(),
	}
}

// Run accepts admin connections until ctx is done, using the same short
// accept deadline as the proxy loop so shutdown latency stays bounded.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.AdminListen)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.cfg.AdminListen, err)
	}
	defer func() { _ = ln.Close() }()
	s.log.Info("admin server listening", "addr", s.cfg.AdminListen)

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
			s.log.Warn("admin accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn serves exactly one command, writes the reply, and closes.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("admin handler panic", "panic", r)
		}
		_ = conn.Close()
	}()

	line, err := readLine(conn)
	if err != nil {
		return
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]
	s.log.Info("admin command", "cmd", cmd, "args", len(args), "from", conn.RemoteAddr().String())

	reply := s.dispatch(ctx, cmd, args)
	_ = conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	_, _ = conn.Write([]byte(reply))
}

func (s *Server) dispatch(ctx context.Context, cmd string, args []string) string {
	switch cmd {
	case "STATUS":
		return s.status()
	case "CLIENTS":
		return s.clients()
	case "ADDUSER":
		return s.addUser(args)
	case "DELUSER":
		return s.delUser(args)
	case "LISTUSERS":
		return s.listUsers()
	case "CACHE":
		return s.cacheReport()
	case "LOGINLOG":
		return s.loginLog(ctx)
	case "USAGE":
		return s.usageReport(args)
	case "USAGELOG":
		return s.usageLog(ctx)
	case "LOGS":
		return s.logs()
	case "RESTART":
		if s.restart != nil {
			s.restart()
		}
		return "Restarting server...\n"
	case "HELP":
		return helpText
	default:
		return fmt.Sprintf("Unknown command: %s. Try HELP.\n", cmd)
	}
}

const helpText = `Commands:
  STATUS              server status and counters
  CLIENTS             currently connected proxy clients
  ADDUSER <u> <p>     add a user (password stored encrypted)
  DELUSER <u>         delete a user and sever their session
  LISTUSERS           list known usernames
  CACHE               cache contents as JSON
  LOGINLOG            recent login/logout events
  USAGE [user]        bandwidth totals, descending (or one user)
  USAGELOG            recent usage samples (last 30 days)
  LOGS                tail of the server log file
  RESTART             restart proxy and admin listeners
  HELP                this text
`

func (s *Server) status() string {
	now := time.Now()
	accepting := "NO"
	if s.cfg.AccessWindow.Allows(now) {
		accepting = "YES"
	}
	dns, pages, conns, clients := s.cache.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", now.Sub(s.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "Accepting Clients: %s (window %s)\n", accepting, s.cfg.AccessWindow)
	fmt.Fprintf(&b, "Active Sessions: %d\n", s.sessions.ActiveCount())
	fmt.Fprintf(&b, "Connected Clients: %d\n", clients)
	fmt.Fprintf(&b, "Known Users: %d\n", s.creds.Count())
	fmt.Fprintf(&b, "Pooled Connections: %d\n", conns)
	fmt.Fprintf(&b, "Cached DNS Entries: %d\n", dns)
	fmt.Fprintf(&b, "Cached Pages: %d\n", pages)
	fmt.Fprintf(&b, "Bandwidth Budget: %s available\n", netutil.FormatBytes(s.limiter.Available()))
	return b.String()
}

func (s *Server) clients() string {
	infos := s.cache.Clients()
	if len(infos) == 0 {
		return "No connected clients.\n"
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	var b strings.Builder
	fmt.Fprintf(&b, "%d connected client(s):\n", len(infos))
	for _, c := range infos {
		fmt.Fprintf(&b, "  %s  %s  connected %s\n", c.Addr, c.User, c.ConnectedAt.Format("15:04:05"))
	}
	return b.String()
}

func (s *Server) addUser(args []string) string {
	if len(args) != 2 {
		return "Usage: ADDUSER <username> <password>\n"
	}
	user := strings.ToLower(args[0])
	if !s.creds.Add(user, args[1]) {
		return fmt.Sprintf("User %s already exists.\n", user)
	}
	if err := s.creds.Save(); err != nil {
		s.log.Error("user file save failed", "err", err)
		return fmt.Sprintf("User %s added but saving failed: %v\n", user, err)
	}
	return fmt.Sprintf("User %s added.\n", user)
}

func (s *Server) delUser(args []string) string {
	if len(args) != 1 {
		return "Usage: DELUSER <username>\n"
	}
	user := strings.ToLower(args[0])
	if !s.creds.Remove(user) {
		return fmt.Sprintf("User %s not found.\n", user)
	}
	if err := s.creds.Save(); err != nil {
		s.log.Error("user file save failed", "err", err)
		return fmt.Sprintf("User %s deleted but saving failed: %v\n", user, err)
	}
	if s.sessions.DropUser(user) {
		return fmt.Sprintf("User %s deleted; active session severed.\n", user)
	}
	return fmt.Sprintf("User %s deleted.\n", user)
}

func (s *Server) listUsers() string {
	creds := s.creds.List()
	if len(creds) == 0 {
		return "No users.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d user(s):\n", len(creds))
	for _, c := range creds {
		fmt.Fprintf(&b, "  %s\n", c.Username)
	}
	return b.String()
}

type cacheReport struct {
	DNS               map[string]string `json:"dns"`
	CachedPages       int               `json:"cached_pages"`
	PooledConnections int               `json:"pooled_connections"`
	ConnectedClients  int               `json:"connected_clients"`
	GeneratedAt       string            `json:"generated_at"`
}

func (s *Server) cacheReport() string {
	_, pages, conns, clients := s.cache.Counts()
	report := cacheReport{
		DNS:               s.cache.DNSEntries(),
		CachedPages:       pages,
		PooledConnections: conns,
		ConnectedClients:  clients,
		GeneratedAt:       time.Now().Format(time.RFC3339),
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Sprintf("cache report failed: %v\n", err)
	}
	return string(out) + "\n"
}

func (s *Server) loginLog(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	events, err := s.events.LoginEvents(ctx, loginLogLimit)
	if err != nil {
		return fmt.Sprintf("login log query failed: %v\n", err)
	}
	if len(events) == 0 {
		return "No login events.\n"
	}
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%s  %-20s %-15s %s\n", e.At.Format("2006-01-02 15:04:05"), e.User, e.Device, e.Event)
	}
	return b.String()
}

func (s *Server) usageReport(args []string) string {
	if len(args) > 1 {
		return "Usage: USAGE [username]\n"
	}
	if len(args) == 1 {
		user := strings.ToLower(args[0])
		total, ok := s.usage.Total(user)
		if !ok {
			return fmt.Sprintf("No usage recorded for %s.\n", user)
		}
		return fmt.Sprintf("%s: %s\n", user, netutil.FormatBytes(total))
	}
	totals := s.usage.Totals()
	if len(totals) == 0 {
		return "No usage recorded.\n"
	}
	var b strings.Builder
	for _, t := range totals {
		fmt.Fprintf(&b, "%-20s %s\n", t.User, netutil.FormatBytes(t.Bytes))
	}
	return b.String()
}

func (s *Server) usageLog(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	samples, err := s.events.UsageSince(ctx, time.Now().Add(-usageLogWindow), usageLogLimit)
	if err != nil {
		return fmt.Sprintf("usage log query failed: %v\n", err)
	}
	if len(samples) == 0 {
		return "No usage samples.\n"
	}
	var b strings.Builder
	for _, u := range samples {
		fmt.Fprintf(&b, "%s  %-20s %s\n", u.At.Format("2006-01-02 15:04:05"), u.User, netutil.FormatBytes(u.Bytes))
	}

	// The samples above are a recent window; close with the durable
	// per-user aggregates across all recorded history.
	totals, err := s.events.UsageTotals(ctx)
	if err != nil {
		return b.String()
	}
	b.WriteString("All-time totals:\n")
	for _, t := range totals {
		fmt.Fprintf(&b, "  %-20s %s\n", t.User, netutil.FormatBytes(t.Bytes))
	}
	return b.String()
}

func (s *Server) logs() string {
	data, err := os.ReadFile(s.cfg.LogFile)
	if err != nil {
		return fmt.Sprintf("log file unavailable: %v\n", err)
	}
	return tailLines(data, logsTailLines)
}

// tailLines returns the last n lines of data, newline-terminated.
func tailLines(data []byte, n int) string {
	data = bytes.TrimRight(data, "\n")
	if len(data) == 0 {
		return "Log file is empty.\n"
	}
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return string(bytes.Join(lines, []byte("\n"))) + "\n"
}

// readLine reads a single command line, bounded in size and time.
func readLine(conn net.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(commandReadTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, 0, 128)
	chunk := make([]byte, 128)
	for !bytes.ContainsRune(buf, '\n') {
		if len(buf) >= maxCommandBytes {
			return "", errors.New("command too long")
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			// A half-line followed by EOF still dispatches.
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				break
			}
			return "", err
		}
	}
	line, _, _ := strings.Cut(string(buf), "\n")
	return strings.TrimRight(line, "\r"), nil
}
