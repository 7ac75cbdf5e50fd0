package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/xvpsource/xvp/internal/proxyfsm"
)

func (s *Supervisor) acceptLoop(ctx context.Context, l *vmListener) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.Logger.Error().Err(err).Msg("Accept failed")
			continue
		}
		go s.handleConn(ctx, l, conn)
	}
}

// handleConn runs one client session to completion. A panic recovery
// isolates one bad session from the rest of the daemon, replacing the
// protection a crashed forked child gave the original for free.
func (s *Supervisor) handleConn(ctx context.Context, l *vmListener, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error().Interface("panic", r).Str("remote", conn.RemoteAddr().String()).Msg("Recovered from panic in client session")
		}
	}()

	clientIP := remoteIP(conn)
	reg := s.currentRegistry()
	logger := s.Logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	sess := proxyfsm.NewSession(conn, clientIP, reg, s.Backend, s.verifier(), s.ReconnectDelay, logger)
	sess.IsMultiplex = l.isMultiplex
	sess.VM = l.vm
	sess.Pool = l.pool

	handle := s.sessions.add(sessionInfo{
		ClientIP:  clientIP.String(),
		VM:        vmName(l),
		Multiplex: l.isMultiplex,
		Started:   time.Now(),
	})
	defer s.sessions.remove(handle)

	if err := sess.Run(ctx); err != nil {
		if errors.Is(err, proxyfsm.ErrAuthFailed) {
			logger.Info().Msg("Client authentication failed")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Debug().Err(err).Msg("Session ended")
	}
}

func vmName(l *vmListener) string {
	if l.vm != nil {
		return l.vm.Name
	}
	return ""
}

func remoteIP(conn net.Conn) net.IP {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	return addr.IP
}

// sessionInfo is a point-in-time snapshot of one running client
// session, kept only so SIGUSR2 can log a roster of active
// connections (xvp_proxy_dump's equivalent).
type sessionInfo struct {
	ClientIP  string
	VM        string
	Multiplex bool
	Started   time.Time
}

type sessionTable struct {
	mu      sync.Mutex
	next    int64
	entries map[int64]sessionInfo
}

func newSessionTable() sessionTable {
	return sessionTable{entries: make(map[int64]sessionInfo)}
}

func (t *sessionTable) add(info sessionInfo) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.entries[id] = info
	return id
}

func (t *sessionTable) remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *sessionTable) snapshot() []sessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sessionInfo, 0, len(t.entries))
	for _, info := range t.entries {
		out = append(out, info)
	}
	return out
}
