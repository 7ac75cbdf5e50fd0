package rfb

import "fmt"

// PixelFormat is the 16-byte structure embedded in ServerInit and in a
// client's SetPixelFormat message.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    uint8
	TrueColor    uint8
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
	// Padding is the 3 reserved bytes at the end of the wire format.
	Padding [3]byte
}

const pixelFormatWireLength = 16

func ReadPixelFormat(r *Reader) (PixelFormat, error) {
	buf, err := r.ReadBytes(pixelFormatWireLength)
	if err != nil {
		return PixelFormat{}, fmt.Errorf("rfb: reading pixel format: %w", err)
	}
	return decodePixelFormat(buf), nil
}

func decodePixelFormat(buf []byte) PixelFormat {
	pf := PixelFormat{
		BitsPerPixel: buf[0],
		Depth:        buf[1],
		BigEndian:    buf[2],
		TrueColor:    buf[3],
		RedMax:       uint16(buf[4])<<8 | uint16(buf[5]),
		GreenMax:     uint16(buf[6])<<8 | uint16(buf[7]),
		BlueMax:      uint16(buf[8])<<8 | uint16(buf[9]),
		RedShift:     buf[10],
		GreenShift:   buf[11],
		BlueShift:    buf[12],
	}
	copy(pf.Padding[:], buf[13:16])
	return pf
}

func (pf PixelFormat) Bytes() []byte {
	buf := make([]byte, pixelFormatWireLength)
	buf[0] = pf.BitsPerPixel
	buf[1] = pf.Depth
	buf[2] = pf.BigEndian
	buf[3] = pf.TrueColor
	buf[4] = byte(pf.RedMax >> 8)
	buf[5] = byte(pf.RedMax)
	buf[6] = byte(pf.GreenMax >> 8)
	buf[7] = byte(pf.GreenMax)
	buf[8] = byte(pf.BlueMax >> 8)
	buf[9] = byte(pf.BlueMax)
	buf[10] = pf.RedShift
	buf[11] = pf.GreenShift
	buf[12] = pf.BlueShift
	copy(buf[13:16], pf.Padding[:])
	return buf
}

func (w *Writer) WritePixelFormat(pf PixelFormat) error {
	return w.Write(pf.Bytes())
}

// ServerInit is the message a backend sends once, right after
// security-result/ClientInit, and which the proxy replays verbatim
// (except for the VM name) to the VNC client.
type ServerInit struct {
	FramebufferWidth  uint16
	FramebufferHeight uint16
	PixelFormat       PixelFormat
	Name              string
}

const serverInitMaxNameLength = 4096

// ReadServerInit reads a ServerInit message from a freshly connected
// backend.
func ReadServerInit(r *Reader) (ServerInit, error) {
	buf, err := r.ReadBytes(4 + pixelFormatWireLength)
	if err != nil {
		return ServerInit{}, fmt.Errorf("rfb: reading server-init header: %w", err)
	}
	name, err := r.ReadString(serverInitMaxNameLength)
	if err != nil {
		return ServerInit{}, fmt.Errorf("rfb: reading server-init name: %w", err)
	}
	return ServerInit{
		FramebufferWidth:  uint16(buf[0])<<8 | uint16(buf[1]),
		FramebufferHeight: uint16(buf[2])<<8 | uint16(buf[3]),
		PixelFormat:       decodePixelFormat(buf[4:20]),
		Name:              name,
	}, nil
}

// Write composes the full ServerInit message.
func (si ServerInit) Write(w *Writer) error {
	if err := w.WriteU16(si.FramebufferWidth); err != nil {
		return err
	}
	if err := w.WriteU16(si.FramebufferHeight); err != nil {
		return err
	}
	if err := w.WritePixelFormat(si.PixelFormat); err != nil {
		return err
	}
	return w.WriteString(si.Name)
}
