package backend

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/xvpsource/xvp/pkg/config"
)

// Static is a scripted ConsoleBackend test double: it serves a fixed,
// in-memory RFB byte stream per VM and lets a test signal console loss
// or lifecycle-message acceptance on demand. It is exported (not
// _test.go-only) so it can be exercised by internal/proxyfsm and
// internal/server tests without duplicating the plumbing.
type Static struct {
	mu       sync.Mutex
	streams  map[string]*pipeStream
	lost     map[string]chan struct{}
	accepted bool
}

// NewStatic returns an empty Static backend; call Script to register a
// VM's console stream before a session tries to open it.
func NewStatic() *Static {
	return &Static{
		streams:  make(map[string]*pipeStream),
		lost:     make(map[string]chan struct{}),
		accepted: true,
	}
}

// Script registers the server-side end of an in-memory pipe as vm's
// console stream and returns that end for the test to drive directly
// (writing the ServerInit banner, etc). Calling OpenStream for vm
// returns the client-side end.
func (s *Static) Script(vm *config.VM) io.ReadWriteCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	serverSide, clientSide := net.Pipe()
	s.streams[vm.Name] = &pipeStream{Conn: clientSide}
	s.lost[vm.Name] = make(chan struct{})
	return serverSide
}

func (s *Static) OpenStream(ctx context.Context, pool *config.Pool, vm *config.VM, shared bool) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[vm.Name]
	if !ok {
		return nil, fmt.Errorf("backend: no scripted stream for vm %q", vm.Name)
	}
	return stream, nil
}

// Disconnect simulates the hypervisor reporting that vm's console
// session has ended, unblocking any in-flight EventWait for it.
func (s *Static) Disconnect(vm *config.VM) {
	s.mu.Lock()
	ch, ok := s.lost[vm.Name]
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *Static) EventWait(ctx context.Context, vm *config.VM) error {
	s.mu.Lock()
	ch, ok := s.lost[vm.Name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("backend: no scripted stream for vm %q", vm.Name)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetMessageCodeAccepted controls what HandleMessageCode reports for
// every subsequent call.
func (s *Static) SetMessageCodeAccepted(accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = accepted
}

func (s *Static) HandleMessageCode(ctx context.Context, vm *config.VM, code MessageCode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// IsUUID defers to config.IsUUID, as the real xenapi backend's
// equivalent check also tests only the identifier's shape.
func (s *Static) IsUUID(identifier string) bool {
	return config.IsUUID(identifier)
}

// NewSyntheticUUID returns a freshly generated UUID string for tests
// that need a plausible, never-colliding VM identifier.
func NewSyntheticUUID() string {
	return uuid.NewString()
}

// pipeStream adapts a net.Conn (from net.Pipe) to the Stream interface;
// it exists only so Static doesn't leak net.Conn's larger method set.
type pipeStream struct {
	net.Conn
}
