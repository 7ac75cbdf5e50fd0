// Package relay forwards RFB traffic between a connected VNC client
// and a VM's backend console stream once a session has completed
// authentication, translating ClientCutText into synthetic key events
// and caching the client's SetPixelFormat/SetEncodings so they can be
// replayed to the backend after a reconnect.
package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/xvpsource/xvp/pkg/rfb"
)

// shiftSymbols mirrors proxy.c's shiftsyms: the US PC-layout characters
// that require a synthetic left-shift key press around them.
const shiftSymbols = "~!@#$%^&*()_+|{}:\"<>?"

// Callbacks lets the caller observe and react to events the relay
// notices while forwarding client messages, without the relay package
// needing to know about session state, XVP message handling, or
// backend lifecycle actions.
type Callbacks struct {
	// SavePixelFormat is called whenever the client sends a new
	// SetPixelFormat, so it can be replayed to the backend on reinit.
	SavePixelFormat func(rfb.SetPixelFormat)
	// SaveEncodings is called whenever the client sends a new
	// SetEncodings, so it can be replayed to the backend on reinit. It
	// also reports whether this is the first SetEncodings seen this
	// session.
	SaveEncodings func(enc rfb.SetEncodings, first bool)
	// NotifyXVPSupported is called once, the first time the client's
	// SetEncodings advertises the XVP pseudo-encoding, and should send
	// the XVP INIT lifecycle message to the client.
	NotifyXVPSupported func() error
	// HandleMessageCode is called when the client sends an XVP
	// lifecycle message; it should return whether the backend accepted
	// the requested action.
	HandleMessageCode func(code rfb.XVPMessageCode) bool
	Logger            zerolog.Logger
}

// Run forwards traffic bidirectionally between client and server until
// either direction fails or ctx is canceled, then returns the first
// error observed. It does not close either stream; the caller owns
// their lifecycle.
func Run(ctx context.Context, client io.ReadWriter, server io.Writer, serverR io.Reader, cb Callbacks) error {
	errCh := make(chan error, 2)

	go func() { errCh <- runClientToServer(ctx, client, server, cb) }()
	go func() { errCh <- runServerToClient(ctx, serverR, client, cb) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runServerToClient(ctx context.Context, server io.Reader, client io.Writer, cb Callbacks) error {
	buf := make([]byte, 4096)
	for {
		n, err := server.Read(buf)
		if err != nil {
			return fmt.Errorf("relay: reading from backend: %w", err)
		}
		if _, err := client.Write(buf[:n]); err != nil {
			return fmt.Errorf("relay: writing to client: %w", err)
		}
	}
}

func runClientToServer(ctx context.Context, client io.Reader, server io.Writer, cb Callbacks) error {
	r := rfb.NewReader(client)
	w := rfb.NewWriter(server)
	sawEncodings := false
	notifiedXVP := false

	for {
		msgType, err := r.ReadU8()
		if err != nil {
			return fmt.Errorf("relay: reading from client: %w", err)
		}

		switch msgType {
		case rfb.MessageTypeSetPixelFormat:
			msg, err := rfb.ReadSetPixelFormat(r)
			if err != nil {
				return err
			}
			if cb.SavePixelFormat != nil {
				cb.SavePixelFormat(msg)
			}
			if err := msg.Write(w); err != nil {
				return fmt.Errorf("relay: forwarding set-pixel-format: %w", err)
			}

		case rfb.MessageTypeSetEncodings:
			msg, err := rfb.ReadSetEncodings(r)
			if err != nil {
				return err
			}
			first := !sawEncodings
			sawEncodings = true
			if cb.SaveEncodings != nil {
				cb.SaveEncodings(msg, first)
			}
			if !notifiedXVP && msg.HasXVPExtension() && cb.NotifyXVPSupported != nil {
				notifiedXVP = true
				if err := cb.NotifyXVPSupported(); err != nil {
					return fmt.Errorf("relay: notifying xvp support: %w", err)
				}
			}
			if err := msg.Write(w); err != nil {
				return fmt.Errorf("relay: forwarding set-encodings: %w", err)
			}

		case rfb.MessageTypeFramebufferUpdateReq:
			msg, err := rfb.ReadFramebufferUpdateRequest(r)
			if err != nil {
				return err
			}
			if err := msg.Write(w); err != nil {
				return fmt.Errorf("relay: forwarding framebuffer-update-request: %w", err)
			}

		case rfb.MessageTypeKeyEvent:
			msg, err := rfb.ReadKeyEvent(r)
			if err != nil {
				return err
			}
			if err := msg.Write(w); err != nil {
				return fmt.Errorf("relay: forwarding key-event: %w", err)
			}

		case rfb.MessageTypePointerEvent:
			msg, err := rfb.ReadPointerEvent(r)
			if err != nil {
				return err
			}
			if err := msg.Write(w); err != nil {
				return fmt.Errorf("relay: forwarding pointer-event: %w", err)
			}

		case rfb.MessageTypeClientCutText:
			msg, err := rfb.ReadClientCutText(r)
			if err != nil {
				return err
			}
			if err := sendCutTextAsKeyEvents(w, msg.Text); err != nil {
				return fmt.Errorf("relay: translating cut-text: %w", err)
			}

		case rfb.MessageTypeXVP:
			msg, err := rfb.ReadXVPMessage(r)
			if err != nil {
				return err
			}
			if msg.Version != rfb.XVPVersion {
				return fmt.Errorf("relay: unrecognised client xvp extension version %d", msg.Version)
			}
			if cb.HandleMessageCode != nil && !cb.HandleMessageCode(msg.Code) {
				cb.Logger.Debug().Str("code", msg.Code.String()).Msg("backend rejected xvp lifecycle request")
			}

		default:
			return fmt.Errorf("relay: unrecognised client message type %d", msgType)
		}
	}
}

// sendCutTextAsKeyEvents translates text (grounded on
// xvp_proxy_handle_cut_text) into a sequence of KeyEvent messages,
// since XenServer consoles ignore ClientCutText. Uppercase ASCII
// letters and the standard US PC-layout shift-symbols get a synthetic
// left-shift wrapped around them; control bytes other than newline are
// dropped; newline maps to the X11 Return keysym.
func sendCutTextAsKeyEvents(w *rfb.Writer, text string) error {
	const keysymShiftLeft = 0xffe1
	const keysymReturn = 0xff0d

	for i := 0; i < len(text); i++ {
		c := uint32(text[i])
		if c == '\n' {
			c = keysymReturn
		} else if c < 0x20 {
			continue
		}

		shifted := (text[i] >= 'A' && text[i] <= 'Z') ||
			(c < 0x80 && containsByte(shiftSymbols, text[i]))

		if shifted {
			if err := (rfb.KeyEvent{Down: true, Key: keysymShiftLeft}).Write(w); err != nil {
				return err
			}
		}
		if err := (rfb.KeyEvent{Down: true, Key: c}).Write(w); err != nil {
			return err
		}
		if err := (rfb.KeyEvent{Down: false, Key: c}).Write(w); err != nil {
			return err
		}
		if shifted {
			if err := (rfb.KeyEvent{Down: false, Key: keysymShiftLeft}).Write(w); err != nil {
				return err
			}
		}
	}
	return nil
}

func containsByte(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}
