// Package server binds the listening sockets xvp serves — one per
// dedicated VM port plus, if configured, the multiplex port — runs
// the accept loop, and dispatches the OS signals an operator sends to
// the running daemon (reload, dump, shutdown). It is the Go
// equivalent of the original's single-threaded master process; the
// difference is that each accepted client becomes a goroutine instead
// of a forked process.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xvpsource/xvp/pkg/backend"
	"github.com/xvpsource/xvp/pkg/config"
	"github.com/xvpsource/xvp/pkg/password"
)

// Supervisor owns every listening socket derived from one Registry and
// runs until its context is cancelled or a terminating signal arrives.
type Supervisor struct {
	ConfigPath     string
	Backend        backend.ConsoleBackend
	ReconnectDelay time.Duration
	Logger         zerolog.Logger

	mu        sync.RWMutex
	registry  *config.Registry
	listeners []*vmListener

	sessions sessionTable
}

// NewSupervisor constructs a Supervisor that loads configPath on Run
// and again on every reload.
func NewSupervisor(configPath string, be backend.ConsoleBackend, reconnectDelay time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		ConfigPath:     configPath,
		Backend:        be,
		ReconnectDelay: reconnectDelay,
		Logger:         logger,
		sessions:       newSessionTable(),
	}
}

// Run loads the configuration, binds every listener it names, and
// blocks serving clients until ctx is cancelled. Callers that also
// want SIGHUP/SIGUSR2/SIGTERM handling should run ServeSignals
// alongside it (see signals.go); Run itself only understands ctx.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.reload(); err != nil {
		return err
	}

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()

	for _, l := range listeners {
		go s.acceptLoop(ctx, l)
	}

	<-ctx.Done()
	s.closeListeners()
	return ctx.Err()
}

// reload re-reads ConfigPath and swaps in a freshly bound set of
// listeners, closing the old ones. Sessions already in flight keep
// running against their own Registry snapshot, matching the original
// master's SIGUSR1 behaviour of not touching already-forked children.
func (s *Supervisor) reload() error {
	reg, err := config.Load(s.ConfigPath)
	if err != nil {
		return fmt.Errorf("server: loading %s: %w", s.ConfigPath, err)
	}

	listeners, err := buildListeners(reg)
	if err != nil {
		for _, l := range listeners {
			l.ln.Close()
		}
		return err
	}

	s.mu.Lock()
	old := s.listeners
	s.registry = reg
	s.listeners = listeners
	s.mu.Unlock()

	for _, l := range old {
		l.ln.Close()
	}
	return nil
}

func (s *Supervisor) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		l.ln.Close()
	}
	s.listeners = nil
}

func (s *Supervisor) currentRegistry() *config.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

func (s *Supervisor) verifier() *password.Verifier {
	reg := s.currentRegistry()
	otp := config.DefaultOTPSettings()
	if reg != nil {
		otp = reg.OTP
	}
	return &password.Verifier{Mode: otp.Mode, IPCheck: otp.IPCheck, Window: otp.Window}
}

// vmListener pairs a bound socket with the VM/Pool it serves, or marks
// it as the shared multiplex listener.
type vmListener struct {
	ln          net.Listener
	vm          *config.VM
	pool        *config.Pool
	isMultiplex bool
}

// buildListeners binds one socket per dedicated VM port plus the
// multiplex port if configured, mirroring xvp_listen_init/
// xvp_listen_for_vm. On any bind failure it returns the listeners it
// had already opened so the caller can close them.
func buildListeners(reg *config.Registry) ([]*vmListener, error) {
	var out []*vmListener

	if reg.HasMultiplex {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", reg.MultiplexPort))
		if err != nil {
			return out, fmt.Errorf("server: listening on multiplex port %d: %w", reg.MultiplexPort, err)
		}
		out = append(out, &vmListener{ln: ln, isMultiplex: true})
	}

	for pi := range reg.Pools {
		pool := &reg.Pools[pi]
		for vi := range pool.VMs {
			vm := &pool.VMs[vi]
			if vm.Port == 0 {
				continue
			}
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", vm.Port))
			if err != nil {
				return out, fmt.Errorf("server: listening on port %d for %s: %w", vm.Port, vm.Name, err)
			}
			out = append(out, &vmListener{ln: ln, vm: vm, pool: pool})
		}
	}

	return out, nil
}
