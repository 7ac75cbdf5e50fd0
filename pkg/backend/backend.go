// Package backend defines the contract this proxy uses to reach a VM's
// graphical console on the hypervisor management API, kept deliberately
// opaque: session login, console URL retrieval, and the HTTP-CONNECT
// tunnel to the console are all out of scope here.
package backend

import (
	"context"
	"io"

	"github.com/xvpsource/xvp/pkg/config"
)

// MessageCode is a lifecycle action requested via the XVP RFB
// extension (see pkg/rfb.XVPMessageCode).
type MessageCode int

const (
	MessageCodeInit MessageCode = iota
	MessageCodeShutdown
	MessageCodeReboot
	MessageCodeReset
)

// Stream is a tunneled byte stream to a VM's console, positioned at the
// start of the server's RFB version banner. The caller treats it as an
// opaque io.ReadWriteCloser; this proxy's own RFB framing, version
// negotiation included, runs on top of it.
type Stream interface {
	io.ReadWriteCloser
}

// ConsoleBackend is the hypervisor-side contract a VM's console is
// reached through. Implementations own session login, VM lookup, and
// the transport tunnel; none of that is this proxy's concern.
type ConsoleBackend interface {
	// OpenStream establishes a tunneled RFB stream to vm's console on
	// one of pool's hosts, requesting a shared (vs exclusive) session
	// per shared.
	OpenStream(ctx context.Context, pool *config.Pool, vm *config.VM, shared bool) (Stream, error)

	// EventWait blocks until the hypervisor reports the console session
	// for vm has ended (VM stopped, migrated, console revoked). It
	// returns nil once such an event is observed, or an error if
	// waiting itself failed (in which case the caller should treat the
	// console as lost all the same).
	EventWait(ctx context.Context, vm *config.VM) error

	// HandleMessageCode carries out a VM lifecycle action requested by
	// a client through the XVP RFB extension. It reports whether the
	// action was accepted.
	HandleMessageCode(ctx context.Context, vm *config.VM, code MessageCode) bool

	// IsUUID reports whether identifier has the shape this backend's
	// management API uses for VM identifiers (normally
	// config.IsUUID, but kept as part of the interface since XVP's
	// original implementation treats it as a backend-specific check).
	IsUUID(identifier string) bool
}
