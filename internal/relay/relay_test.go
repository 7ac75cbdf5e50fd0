package relay

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xvpsource/xvp/pkg/rfb"
)

func TestCutTextTranslatesToKeyEvents(t *testing.T) {
	var buf bytes.Buffer
	w := rfb.NewWriter(&buf)

	require.NoError(t, sendCutTextAsKeyEvents(w, "aB"))

	r := rfb.NewReader(&buf)

	// 'a' -> down, up.
	down, err := rfb.ReadKeyEvent(skipType(t, r))
	require.NoError(t, err)
	assert.True(t, down.Down)
	assert.Equal(t, uint32('a'), down.Key)

	up, err := rfb.ReadKeyEvent(skipType(t, r))
	require.NoError(t, err)
	assert.False(t, up.Down)
	assert.Equal(t, uint32('a'), up.Key)

	// 'B' -> shift-down, B-down, B-up, shift-up.
	shiftDown, err := rfb.ReadKeyEvent(skipType(t, r))
	require.NoError(t, err)
	assert.True(t, shiftDown.Down)
	assert.Equal(t, uint32(0xffe1), shiftDown.Key)

	bDown, err := rfb.ReadKeyEvent(skipType(t, r))
	require.NoError(t, err)
	assert.True(t, bDown.Down)
	assert.Equal(t, uint32('B'), bDown.Key)

	bUp, err := rfb.ReadKeyEvent(skipType(t, r))
	require.NoError(t, err)
	assert.False(t, bUp.Down)

	shiftUp, err := rfb.ReadKeyEvent(skipType(t, r))
	require.NoError(t, err)
	assert.False(t, shiftUp.Down)
	assert.Equal(t, uint32(0xffe1), shiftUp.Key)
}

func TestCutTextSkipsControlBytesAndMapsNewline(t *testing.T) {
	var buf bytes.Buffer
	w := rfb.NewWriter(&buf)

	require.NoError(t, sendCutTextAsKeyEvents(w, "\x01\n"))

	r := rfb.NewReader(&buf)
	down, err := rfb.ReadKeyEvent(skipType(t, r))
	require.NoError(t, err)
	assert.True(t, down.Down)
	assert.Equal(t, uint32(0xff0d), down.Key)
}

func skipType(t *testing.T, r *rfb.Reader) *rfb.Reader {
	t.Helper()
	_, err := r.ReadU8()
	require.NoError(t, err)
	return r
}

func TestRunForwardsClientMessagesAndServerBytes(t *testing.T) {
	clientProxy, clientTest := net.Pipe()
	serverProxy, serverTest := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, clientProxy, serverProxy, serverProxy, Callbacks{Logger: zerolog.Nop()})
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)

		var buf bytes.Buffer
		w := rfb.NewWriter(&buf)
		require.NoError(t, (rfb.PointerEvent{ButtonMask: 1, X: 10, Y: 20}).Write(w))
		_, err := clientTest.Write(buf.Bytes())
		require.NoError(t, err)

		r := rfb.NewReader(serverTest)
		msgType, err := r.ReadU8()
		require.NoError(t, err)
		assert.Equal(t, rfb.MessageTypePointerEvent, msgType)
		pe, err := rfb.ReadPointerEvent(r)
		require.NoError(t, err)
		assert.Equal(t, uint16(10), pe.X)
		assert.Equal(t, uint16(20), pe.Y)

		_, err = serverTest.Write([]byte("framebuffer-bytes"))
		require.NoError(t, err)
		got := make([]byte, len("framebuffer-bytes"))
		_, err = clientTest.Read(got)
		require.NoError(t, err)
		assert.Equal(t, "framebuffer-bytes", string(got))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay exchange")
	}

	clientTest.Close()
	serverTest.Close()
	<-errCh
}
