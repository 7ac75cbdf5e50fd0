package proxyfsm

import (
	"context"
	"fmt"
	"time"

	"github.com/xvpsource/xvp/internal/signaling"
	"github.com/xvpsource/xvp/pkg/rfb"
)

// backendHandshake performs the version/security negotiation with the
// backend console stream, caches its ServerInit, and — on a reinit —
// replays the client's most recently cached SetPixelFormat/
// SetEncodings plus a synthetic full-refresh FramebufferUpdateRequest,
// all before handing the stream back to the session. It runs in its
// own goroutine (grounded on xvp_proxy_server_handshake running in a
// background pthread) so the state machine's own loop is never blocked
// waiting on the hypervisor.
func (s *Session) backendHandshake(ctx context.Context, shared, reinit bool) {
	stream, err := s.Backend.OpenStream(ctx, s.Pool, s.VM, shared)
	if err != nil {
		s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("open stream: %w", err)})
		return
	}

	r := rfb.NewReader(stream)
	w := rfb.NewWriter(stream)

	versionBytes, err := r.ReadBytes(rfb.ProtocolVersionLength)
	if err != nil {
		stream.Close()
		s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("reading server version: %w", err)})
		return
	}
	serverVersion, err := rfb.ParseProtocolVersion(versionBytes)
	if err != nil || !serverVersion.Known() {
		stream.Close()
		s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("unsupported server version: %q", versionBytes)})
		return
	}

	reply := rfb.ProtocolVersion{Major: 3, Minor: 3}
	if err := w.Write([]byte(reply.ToWireFormat())); err != nil {
		stream.Close()
		s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("writing client version: %w", err)})
		return
	}

	securityType, err := r.ReadU32()
	if err != nil {
		stream.Close()
		s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("reading security type: %w", err)})
		return
	}
	if rfb.SecurityType(securityType) != rfb.SecurityTypeNone {
		stream.Close()
		s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("unexpected backend security type: %d", securityType)})
		return
	}

	sharedFlag := byte(0)
	if shared {
		sharedFlag = 1
	}
	if err := w.Write([]byte{sharedFlag}); err != nil {
		stream.Close()
		s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("writing client-init: %w", err)})
		return
	}

	serverInit, err := rfb.ReadServerInit(r)
	if err != nil {
		stream.Close()
		s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("reading server-init: %w", err)})
		return
	}

	if reinit {
		s.mu.Lock()
		cachedPixelFormat := s.cachedPixelFormat
		cachedEncodings := s.cachedEncodings
		s.mu.Unlock()

		if cachedPixelFormat != nil {
			if err := cachedPixelFormat.Write(w); err != nil {
				stream.Close()
				s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("replaying pixel format: %w", err)})
				return
			}
		}
		if cachedEncodings != nil {
			if err := cachedEncodings.Write(w); err != nil {
				stream.Close()
				s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("replaying encodings: %w", err)})
				return
			}
		}
		refresh := rfb.FramebufferUpdateRequest{
			Incremental: false,
			X:           0,
			Y:           0,
			Width:       serverInit.FramebufferWidth,
			Height:      serverInit.FramebufferHeight,
		}
		if err := refresh.Write(w); err != nil {
			stream.Close()
			s.sig.Send(signaling.Signal{Kind: signaling.BackendReady, Err: fmt.Errorf("requesting full refresh: %w", err)})
			return
		}
	}

	s.mu.Lock()
	s.stream = stream
	s.serverInit = serverInit
	s.mu.Unlock()

	s.Logger.Debug().Msg("Server handshake successful")
	s.sig.Send(signaling.Signal{Kind: signaling.BackendReady})

	if err := s.Backend.EventWait(ctx, s.VM); err != nil && ctx.Err() != nil {
		return
	}
	s.Logger.Info().Msg("Lost connection to console")

	if s.ReconnectDelay <= 0 {
		time.Sleep(-s.ReconnectDelay)
		s.sig.Send(signaling.Signal{Kind: signaling.GiveUp})
		return
	}
	s.Logger.Info().Dur("delay", s.ReconnectDelay).Msg("Reconnect attempt")
	time.Sleep(s.ReconnectDelay)
	s.sig.Send(signaling.Signal{Kind: signaling.ConsoleDeleted})
}
