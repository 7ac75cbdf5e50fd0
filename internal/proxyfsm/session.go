// Package proxyfsm implements the per-client RFB proxy state machine:
// version/security negotiation, XVP user/target selection, VNC
// challenge-response authentication (including the one-time-password
// variants), the concurrent backend handshake, and the handoff into
// internal/relay once idling.
package proxyfsm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xvpsource/xvp/internal/relay"
	"github.com/xvpsource/xvp/internal/signaling"
	"github.com/xvpsource/xvp/pkg/backend"
	"github.com/xvpsource/xvp/pkg/config"
	"github.com/xvpsource/xvp/pkg/password"
	"github.com/xvpsource/xvp/pkg/rfb"
)

// ErrAuthFailed is returned by Run when the client failed VNC
// authentication; callers should log it at info level, not as an
// operational failure.
var ErrAuthFailed = errors.New("proxyfsm: client authentication failed")

// Session drives one client connection, from the initial RFB version
// exchange through to (and for the lifetime of) the relay.
type Session struct {
	Conn           net.Conn
	ClientIP       net.IP
	Registry       *config.Registry
	Backend        backend.ConsoleBackend
	Verifier       *password.Verifier
	ReconnectDelay time.Duration
	Logger         zerolog.Logger

	// IsMultiplex marks a session accepted on the shared multiplex
	// port: VM/Pool start nil and are resolved by doUserTarget.
	IsMultiplex bool
	VM          *config.VM
	Pool        *config.Pool

	state State
	sig   signaling.Channel
	mu    sync.Mutex

	minorVersion int
	securityType rfb.SecurityType
	wrongVM      bool
	shared       bool
	authOK       bool
	challenge    []byte

	reader *rfb.Reader
	writer *rfb.Writer

	cachedPixelFormat  *rfb.SetPixelFormat
	cachedEncodings    *rfb.SetEncodings
	extensionsDetected bool

	serverInit rfb.ServerInit
	stream     backend.Stream
}

// NewSession constructs a Session ready for Run. For a per-VM listener
// the caller sets VM/Pool up front; for the multiplex listener it
// leaves them nil and sets IsMultiplex.
func NewSession(conn net.Conn, clientIP net.IP, reg *config.Registry, be backend.ConsoleBackend, verifier *password.Verifier, reconnectDelay time.Duration, logger zerolog.Logger) *Session {
	return &Session{
		Conn:           conn,
		ClientIP:       clientIP,
		Registry:       reg,
		Backend:        be,
		Verifier:       verifier,
		ReconnectDelay: reconnectDelay,
		Logger:         logger,
	}
}

// Run executes the full session lifecycle until the connection ends.
func (s *Session) Run(ctx context.Context) error {
	s.sig = signaling.NewChannel()
	s.reader = rfb.NewReader(s.Conn)
	s.writer = rfb.NewWriter(s.Conn)
	s.state = StateServerVersion

	for {
		var err error
		switch s.state {
		case StateServerVersion:
			err = s.doServerVersion()
		case StateClientVersion:
			err = s.doClientVersion()
		case StateRequireAuth:
			err = s.doRequireAuth()
		case StateSelectAuth:
			err = s.doSelectAuth()
		case StateUserTarget:
			err = s.doUserTarget()
		case StateChallengeAuth:
			err = s.doChallengeAuth()
		case StateResponseAuth:
			err = s.doResponseAuth()
		case StateConfirmAuth:
			err = s.doConfirmAuth()
		case StateClientInit:
			err = s.doClientInit(ctx)
		case StateServerConnect:
			err = s.doServerConnect(ctx)
		case StateServerInit:
			err = s.doServerInit(ctx)
		case StateIdling:
			return s.doIdling(ctx)
		case StateBroken:
			return fmt.Errorf("proxyfsm: internal error: broken state")
		default:
			return fmt.Errorf("proxyfsm: internal error: unhandled state %s", s.state)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) doServerVersion() error {
	if err := s.writer.Write([]byte(rfb.ProtocolVersion38)); err != nil {
		return fmt.Errorf("proxyfsm: writing server version: %w", err)
	}
	s.state = StateClientVersion
	return nil
}

func (s *Session) doClientVersion() error {
	buf, err := s.reader.ReadBytes(rfb.ProtocolVersionLength)
	if err != nil {
		return fmt.Errorf("proxyfsm: reading client version: %w", err)
	}
	version, err := rfb.ParseProtocolVersion(buf)
	if err != nil || !version.Known() {
		return fmt.Errorf("proxyfsm: unsupported client version %q", buf)
	}
	s.Logger.Debug().Str("version", version.String()).Msg("RFB version agreed")
	s.minorVersion = version.Minor
	s.state = StateRequireAuth
	return nil
}

func (s *Session) doRequireAuth() error {
	if s.minorVersion == 3 {
		if err := s.writer.WriteU32(uint32(rfb.SecurityTypeVNCAuth)); err != nil {
			return fmt.Errorf("proxyfsm: offering security type: %w", err)
		}
		s.securityType = rfb.SecurityTypeVNCAuth
		s.state = StateChallengeAuth
		return nil
	}

	if err := s.writer.Write([]byte{2, byte(rfb.SecurityTypeVNCAuth), byte(rfb.SecurityTypeXVP)}); err != nil {
		return fmt.Errorf("proxyfsm: offering security types: %w", err)
	}
	s.state = StateSelectAuth
	return nil
}

func (s *Session) doSelectAuth() error {
	b, err := s.reader.ReadU8()
	if err != nil {
		return fmt.Errorf("proxyfsm: reading selected security type: %w", err)
	}
	t := rfb.SecurityType(b)
	if t != rfb.SecurityTypeVNCAuth && t != rfb.SecurityTypeXVP {
		return fmt.Errorf("proxyfsm: client selected unsupported security type %d", b)
	}
	s.securityType = t
	s.Logger.Debug().Str("type", t.String()).Msg("RFB security type agreed")
	if t == rfb.SecurityTypeXVP {
		s.state = StateUserTarget
	} else {
		s.state = StateChallengeAuth
	}
	return nil
}

func (s *Session) doUserTarget() error {
	lens, err := s.reader.ReadBytes(2)
	if err != nil {
		return fmt.Errorf("proxyfsm: reading user/target lengths: %w", err)
	}
	userLen, targetLen := int(lens[0]), int(lens[1])

	var body []byte
	if total := userLen + targetLen; total > 0 {
		body, err = s.reader.ReadBytes(total)
		if err != nil {
			return fmt.Errorf("proxyfsm: reading user/target: %w", err)
		}
	}

	ut := userTarget{Username: string(body[:userLen]), Target: string(body[userLen:])}
	s.Logger.Info().Str("username", ut.Username).Str("target", ut.Target).Msg("XVP auth credentials")

	pool, poolIndex, vmName, ok := resolveTarget(s.Registry, ut)
	if !ok {
		s.wrongVM = true
		s.state = StateChallengeAuth
		return nil
	}

	realVM := lookupVM(s.Registry, poolIndex, vmName)

	switch {
	case s.IsMultiplex:
		if realVM != nil {
			s.VM = realVM
			s.Pool = pool
			if s.Pool == nil {
				if _, pi, _ := s.Registry.VMByName(-1, realVM.Name); pi >= 0 {
					s.Pool = &s.Registry.Pools[pi]
				}
			}
			s.Logger.Info().Str("vm", realVM.Name).Msg("Multiplexer selecting VM")
		} else {
			s.wrongVM = true
		}
	case (pool != nil || vmName != "") && realVM != s.VM:
		s.wrongVM = true
	}

	s.state = StateChallengeAuth
	return nil
}

func (s *Session) doChallengeAuth() error {
	s.challenge = make([]byte, rfb.VNCAuthChallengeLength)
	if _, err := rand.Read(s.challenge); err != nil {
		return fmt.Errorf("proxyfsm: generating challenge: %w", err)
	}
	if err := s.writer.Write(s.challenge); err != nil {
		return fmt.Errorf("proxyfsm: writing challenge: %w", err)
	}
	s.state = StateResponseAuth
	return nil
}

func (s *Session) doResponseAuth() error {
	response, err := s.reader.ReadBytes(rfb.VNCAuthChallengeLength)
	if err != nil {
		return fmt.Errorf("proxyfsm: reading challenge response: %w", err)
	}

	if s.VM == nil || s.wrongVM {
		s.authOK = false
	} else {
		ok, verr := s.Verifier.Verify(s.VM.EncryptedPassword, s.ClientIP, s.challenge, response)
		if verr != nil {
			s.Logger.Error().Err(verr).Msg("password verification error")
			ok = false
		}
		s.authOK = ok
	}
	s.state = StateConfirmAuth
	return nil
}

func (s *Session) doConfirmAuth() error {
	result := rfb.SecurityResultOK
	if !s.authOK {
		result = rfb.SecurityResultFailed
	}
	if s.authOK {
		s.Logger.Debug().Msg("Client authentication succeeded")
	} else {
		s.Logger.Info().Msg("Client authentication failed")
	}
	if err := s.writer.WriteU32(result); err != nil {
		return fmt.Errorf("proxyfsm: writing security result: %w", err)
	}
	if s.authOK {
		s.state = StateClientInit
		return nil
	}

	if s.minorVersion <= 7 {
		return ErrAuthFailed
	}
	if err := s.writer.WriteString("Access denied"); err != nil {
		return fmt.Errorf("proxyfsm: writing failure reason: %w", err)
	}
	return ErrAuthFailed
}

func (s *Session) doClientInit(ctx context.Context) error {
	b, err := s.reader.ReadU8()
	if err != nil {
		return fmt.Errorf("proxyfsm: reading client-init: %w", err)
	}
	s.shared = b != 0 // XenServer consoles ignore this and are always shared
	s.state = StateServerConnect
	go s.backendHandshake(ctx, s.shared, false)
	return nil
}

func (s *Session) doServerConnect(ctx context.Context) error {
	select {
	case sig := <-s.sig:
		if sig.Kind != signaling.BackendReady {
			return fmt.Errorf("proxyfsm: unexpected signal %s while connecting to backend", sig.Kind)
		}
		if sig.Err != nil {
			return fmt.Errorf("proxyfsm: backend handshake failed: %w", sig.Err)
		}
		s.state = StateServerInit
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) doServerInit(ctx context.Context) error {
	s.mu.Lock()
	stream := s.stream
	si := s.serverInit
	s.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("proxyfsm: server-init reached without a backend stream")
	}

	si.Name = fmt.Sprintf("VM Console - %s", s.VM.Name)
	if err := si.Write(s.writer); err != nil {
		return fmt.Errorf("proxyfsm: writing server-init: %w", err)
	}

	s.startRelay(ctx, stream)
	s.state = StateIdling
	return nil
}

func (s *Session) startRelay(ctx context.Context, stream backend.Stream) {
	cb := relay.Callbacks{
		SavePixelFormat: func(pf rfb.SetPixelFormat) {
			s.mu.Lock()
			s.cachedPixelFormat = &pf
			s.mu.Unlock()
		},
		SaveEncodings: func(enc rfb.SetEncodings, first bool) {
			if len(enc.Encodings) > rfb.MaxCachedEncodings {
				enc.Encodings = enc.Encodings[:rfb.MaxCachedEncodings]
			}
			s.mu.Lock()
			s.cachedEncodings = &enc
			s.mu.Unlock()
			_ = first
		},
		NotifyXVPSupported: func() error {
			s.mu.Lock()
			s.extensionsDetected = true
			s.mu.Unlock()
			s.Logger.Debug().Msg("Client supports XVP extensions to RFB")
			return (rfb.XVPMessage{Version: rfb.XVPVersion, Code: rfb.XVPCodeInit}).Write(s.writer)
		},
		HandleMessageCode: func(code rfb.XVPMessageCode) bool {
			accepted := s.Backend.HandleMessageCode(ctx, s.VM, toBackendMessageCode(code))
			if !accepted {
				_ = (rfb.XVPMessage{Version: rfb.XVPVersion, Code: rfb.XVPCodeFail}).Write(s.writer)
			}
			return accepted
		},
		Logger: s.Logger,
	}

	go func() {
		if err := relay.Run(ctx, s.Conn, stream, stream, cb); err != nil {
			s.Logger.Debug().Err(err).Msg("relay ended")
			s.sig.Send(signaling.Signal{Kind: signaling.RelayFailed, Err: err})
		}
	}()
}

func (s *Session) doIdling(ctx context.Context) error {
	for {
		select {
		case sig := <-s.sig:
			switch sig.Kind {
			case signaling.RelayFailed:
				return sig.Err
			case signaling.GiveUp:
				return fmt.Errorf("proxyfsm: giving up after console loss")
			case signaling.ConsoleDeleted:
				s.mu.Lock()
				if s.stream != nil {
					s.stream.Close()
					s.stream = nil
				}
				s.mu.Unlock()
				s.Logger.Debug().Msg("Closed old console connection")
				go s.backendHandshake(ctx, s.shared, true)
				if err := s.awaitReinit(ctx); err != nil {
					return err
				}
			case signaling.BackendReady:
				// Stray readiness signal with no preceding
				// ConsoleDeleted; nothing to do.
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) awaitReinit(ctx context.Context) error {
	select {
	case sig := <-s.sig:
		if sig.Kind != signaling.BackendReady {
			return fmt.Errorf("proxyfsm: unexpected signal %s while reconnecting to backend", sig.Kind)
		}
		if sig.Err != nil {
			return fmt.Errorf("proxyfsm: reconnect handshake failed: %w", sig.Err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("proxyfsm: reinit reached without a backend stream")
	}
	s.startRelay(ctx, stream)
	return nil
}

func toBackendMessageCode(code rfb.XVPMessageCode) backend.MessageCode {
	switch code {
	case rfb.XVPCodeShutdown:
		return backend.MessageCodeShutdown
	case rfb.XVPCodeReboot:
		return backend.MessageCodeReboot
	case rfb.XVPCodeReset:
		return backend.MessageCodeReset
	default:
		return backend.MessageCodeInit
	}
}
