package rfb

import "fmt"

// The Read* functions below assume the 1-byte message type has
// already been consumed by the caller (the relay dispatches on that
// byte before deciding which of these to call); the Write* functions
// emit the complete wire message, type byte included, so cached
// messages can be replayed verbatim on reconnect.

// SetPixelFormat is sent by a client to declare its preferred pixel
// format; the proxy caches the most recent one per session so it can
// be replayed to a reconnected backend.
type SetPixelFormat struct {
	PixelFormat PixelFormat
}

func ReadSetPixelFormat(r *Reader) (SetPixelFormat, error) {
	if _, err := r.ReadBytes(3); err != nil { // 3 padding bytes
		return SetPixelFormat{}, fmt.Errorf("rfb: reading set-pixel-format padding: %w", err)
	}
	pf, err := ReadPixelFormat(r)
	if err != nil {
		return SetPixelFormat{}, err
	}
	return SetPixelFormat{PixelFormat: pf}, nil
}

func (m SetPixelFormat) Write(w *Writer) error {
	if err := w.WriteU8(MessageTypeSetPixelFormat); err != nil {
		return err
	}
	if err := w.Write(make([]byte, 3)); err != nil {
		return err
	}
	return w.WritePixelFormat(m.PixelFormat)
}

// SetEncodings is sent by a client to list the encodings it accepts.
// The proxy caches it (capped, matching the original's 32-encoding
// cache) and scans it for the XVP pseudo-encoding.
type SetEncodings struct {
	Encodings []int32
}

// MaxCachedEncodings mirrors the original's fixed-size encodings
// cache; additional encodings beyond this are still forwarded live but
// are not retained for reinit replay.
const MaxCachedEncodings = 32

// XVPPseudoEncoding is the pseudo-encoding a client advertises in
// SetEncodings to announce it understands the XVP lifecycle extension.
const XVPPseudoEncoding int32 = -0x135 // 0xfffffecb as a signed int32

func ReadSetEncodings(r *Reader) (SetEncodings, error) {
	if _, err := r.ReadBytes(1); err != nil { // 1 padding byte
		return SetEncodings{}, fmt.Errorf("rfb: reading set-encodings padding: %w", err)
	}
	count, err := r.ReadU16()
	if err != nil {
		return SetEncodings{}, fmt.Errorf("rfb: reading set-encodings count: %w", err)
	}
	encodings := make([]int32, count)
	for i := range encodings {
		v, err := r.ReadU32()
		if err != nil {
			return SetEncodings{}, fmt.Errorf("rfb: reading encoding %d: %w", i, err)
		}
		encodings[i] = int32(v)
	}
	return SetEncodings{Encodings: encodings}, nil
}

func (m SetEncodings) Write(w *Writer) error {
	if err := w.WriteU8(MessageTypeSetEncodings); err != nil {
		return err
	}
	if err := w.Write([]byte{0}); err != nil {
		return err
	}
	if err := w.WriteU16(uint16(len(m.Encodings))); err != nil {
		return err
	}
	for _, enc := range m.Encodings {
		if err := w.WriteU32(uint32(enc)); err != nil {
			return err
		}
	}
	return nil
}

// HasXVPExtension reports whether the XVP pseudo-encoding is present,
// matching xvp_proxy_extensions_init's scan of the cached encodings.
func (m SetEncodings) HasXVPExtension() bool {
	for _, enc := range m.Encodings {
		if enc == XVPPseudoEncoding {
			return true
		}
	}
	return false
}

// FramebufferUpdateRequest is forwarded live, except for the synthetic
// full-refresh request the proxy sends to a newly (re)connected
// backend.
type FramebufferUpdateRequest struct {
	Incremental bool
	X, Y        uint16
	Width       uint16
	Height      uint16
}

func ReadFramebufferUpdateRequest(r *Reader) (FramebufferUpdateRequest, error) {
	buf, err := r.ReadBytes(9)
	if err != nil {
		return FramebufferUpdateRequest{}, fmt.Errorf("rfb: reading framebuffer-update-request: %w", err)
	}
	return FramebufferUpdateRequest{
		Incremental: buf[0] != 0,
		X:           uint16(buf[1])<<8 | uint16(buf[2]),
		Y:           uint16(buf[3])<<8 | uint16(buf[4]),
		Width:       uint16(buf[5])<<8 | uint16(buf[6]),
		Height:      uint16(buf[7])<<8 | uint16(buf[8]),
	}, nil
}

func (m FramebufferUpdateRequest) Write(w *Writer) error {
	if err := w.WriteU8(MessageTypeFramebufferUpdateReq); err != nil {
		return err
	}
	incremental := byte(0)
	if m.Incremental {
		incremental = 1
	}
	if err := w.Write([]byte{incremental}); err != nil {
		return err
	}
	if err := w.WriteU16(m.X); err != nil {
		return err
	}
	if err := w.WriteU16(m.Y); err != nil {
		return err
	}
	if err := w.WriteU16(m.Width); err != nil {
		return err
	}
	return w.WriteU16(m.Height)
}

// KeyEvent is both forwarded live and synthesized by the cut-text
// translator.
type KeyEvent struct {
	Down bool
	Key  uint32
}

func ReadKeyEvent(r *Reader) (KeyEvent, error) {
	buf, err := r.ReadBytes(7)
	if err != nil {
		return KeyEvent{}, fmt.Errorf("rfb: reading key-event: %w", err)
	}
	return KeyEvent{
		Down: buf[0] != 0,
		Key:  uint32(buf[3])<<24 | uint32(buf[4])<<16 | uint32(buf[5])<<8 | uint32(buf[6]),
	}, nil
}

func (m KeyEvent) Write(w *Writer) error {
	if err := w.WriteU8(MessageTypeKeyEvent); err != nil {
		return err
	}
	down := byte(0)
	if m.Down {
		down = 1
	}
	if err := w.Write([]byte{down, 0, 0}); err != nil {
		return err
	}
	return w.WriteU32(m.Key)
}

// PointerEvent is forwarded live, unmodified.
type PointerEvent struct {
	ButtonMask uint8
	X, Y       uint16
}

func ReadPointerEvent(r *Reader) (PointerEvent, error) {
	buf, err := r.ReadBytes(5)
	if err != nil {
		return PointerEvent{}, fmt.Errorf("rfb: reading pointer-event: %w", err)
	}
	return PointerEvent{
		ButtonMask: buf[0],
		X:          uint16(buf[1])<<8 | uint16(buf[2]),
		Y:          uint16(buf[3])<<8 | uint16(buf[4]),
	}, nil
}

func (m PointerEvent) Write(w *Writer) error {
	if err := w.WriteU8(MessageTypePointerEvent); err != nil {
		return err
	}
	if err := w.Write([]byte{m.ButtonMask}); err != nil {
		return err
	}
	if err := w.WriteU16(m.X); err != nil {
		return err
	}
	return w.WriteU16(m.Y)
}

// ClientCutText is never forwarded to the backend; the proxy
// intercepts it and translates it into a sequence of KeyEvents (see
// internal/relay).
type ClientCutText struct {
	Text string
}

const maxCutTextLength = 1 << 20

func ReadClientCutText(r *Reader) (ClientCutText, error) {
	if _, err := r.ReadBytes(3); err != nil { // 3 padding bytes
		return ClientCutText{}, fmt.Errorf("rfb: reading cut-text padding: %w", err)
	}
	length, err := r.ReadU32()
	if err != nil {
		return ClientCutText{}, fmt.Errorf("rfb: reading cut-text length: %w", err)
	}
	if length > maxCutTextLength {
		return ClientCutText{}, fmt.Errorf("rfb: cut-text length %d exceeds limit", length)
	}
	buf, err := r.ReadBytes(int(length))
	if err != nil {
		return ClientCutText{}, fmt.Errorf("rfb: reading cut-text body: %w", err)
	}
	return ClientCutText{Text: string(buf)}, nil
}
