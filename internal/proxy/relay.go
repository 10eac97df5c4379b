package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koltyakov/wicket/internal/session"
)

const relayBufSize = 4 * 1024

// defaultRelayWait bounds each blocking read so the pumps can poll the stop
// flag and run the liveness check; it is not a per-iteration data deadline.
const defaultRelayWait = 1 * time.Second

// defaultUserCheckEvery is how many pump iterations pass between
// re-validations of the authenticated user's existence.
const defaultUserCheckEvery = 10

// relay streams bytes both ways between client and remote until either side
// ends. It reports whether the remote socket stayed healthy: true means no
// I/O error was observed and the connection may be pooled, false means it
// must be discarded. A user deleted mid-tunnel terminates the relay but does
// not poison the remote socket.
func (s *Server) relay(client, remote net.Conn, user string) bool {
	var stop atomic.Bool
	var dirty atomic.Bool

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(client, remote, user, &stop, &dirty, true)
	}()
	go func() {
		defer wg.Done()
		s.pump(remote, client, user, &stop, &dirty, false)
	}()
	wg.Wait()
	return !dirty.Load()
}

// pump copies src to dst. Exactly one pump per socket reads it and exactly
// one writes it, so no extra locking is needed. checkUser marks the pump
// that owns the periodic credential liveness check.
func (s *Server) pump(src, dst net.Conn, user string, stop, dirty *atomic.Bool, checkUser bool) {
	defer stop.Store(true)

	buf := make([]byte, relayBufSize)
	iterations := 0
	for {
		if stop.Load() {
			return
		}
		iterations++
		if checkUser && iterations%s.userCheckEvery == 0 && !s.creds.Exists(user) {
			s.usage.LoginEvent(user, "0.0.0.0", session.EventUserDeletedMidSession)
			s.log.Warn("user deleted mid-session, closing tunnel", "user", user)
			return
		}

		_ = src.SetReadDeadline(time.Now().Add(s.relayWait))
		n, err := src.Read(buf)
		if n > 0 {
			s.limiter.Admit(n)
			s.usage.Add(user, int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				dirty.Store(true)
				return
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) {
				dirty.Store(true)
			}
			return
		}
	}
}
