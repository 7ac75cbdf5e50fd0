package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xvpsource/xvp/pkg/backend"
	"github.com/xvpsource/xvp/pkg/config"
	"github.com/xvpsource/xvp/pkg/password"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, vmPort, multiplexPort int) string {
	t.Helper()
	encPw, err := password.Encrypt("hunter2", password.KindVNC)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "xvp.conf")
	contents := "MULTIPLEX " + strconv.Itoa(multiplexPort) + "\n" +
		"POOL pool1\n" +
		"DOMAIN example.com\n" +
		"MANAGER admin " + password.EncodeHex(mustManagerPw(t)) + "\n" +
		"HOST host1\n" +
		"VM " + strconv.Itoa(vmPort) + " myvm " + password.EncodeHex(encPw) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func mustManagerPw(t *testing.T) []byte {
	t.Helper()
	pw, err := password.Encrypt("adminpass", password.KindManager)
	require.NoError(t, err)
	return pw
}

func TestBuildListenersBindsVMAndMultiplexPorts(t *testing.T) {
	vmPort := freePort(t)
	multiplexPort := freePort(t)
	path := writeConfig(t, vmPort, multiplexPort)

	reg, err := config.Load(path)
	require.NoError(t, err)

	listeners, err := buildListeners(reg)
	require.NoError(t, err)
	defer func() {
		for _, l := range listeners {
			l.ln.Close()
		}
	}()

	assert.Len(t, listeners, 2)

	var sawMultiplex, sawVM bool
	for _, l := range listeners {
		if l.isMultiplex {
			sawMultiplex = true
			assert.Equal(t, multiplexPort, l.ln.Addr().(*net.TCPAddr).Port)
		} else {
			sawVM = true
			assert.Equal(t, "myvm", l.vm.Name)
			assert.Equal(t, vmPort, l.ln.Addr().(*net.TCPAddr).Port)
		}
	}
	assert.True(t, sawMultiplex)
	assert.True(t, sawVM)
}

func TestBuildListenersFailsOnPortCollision(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	path := writeConfig(t, busyPort, freePort(t))
	reg, err := config.Load(path)
	require.NoError(t, err)

	_, err = buildListeners(reg)
	assert.Error(t, err)
}

func TestSupervisorAcceptsAndRunsSession(t *testing.T) {
	vmPort := freePort(t)
	multiplexPort := freePort(t)
	path := writeConfig(t, vmPort, multiplexPort)

	be := backend.NewStatic()
	sup := NewSupervisor(path, be, 20*time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(vmPort))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(vmPort))
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 12)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "RFB 003.008\n", string(buf))

	cancel()
	<-runErrCh
}

func TestSessionTableAddRemoveSnapshot(t *testing.T) {
	tbl := newSessionTable()
	id1 := tbl.add(sessionInfo{ClientIP: "1.2.3.4", VM: "vm1"})
	id2 := tbl.add(sessionInfo{ClientIP: "5.6.7.8", VM: "vm2", Multiplex: true})

	snap := tbl.snapshot()
	assert.Len(t, snap, 2)

	tbl.remove(id1)
	snap = tbl.snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "5.6.7.8", snap[0].ClientIP)

	tbl.remove(id2)
	assert.Empty(t, tbl.snapshot())
}
