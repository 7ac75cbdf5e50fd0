package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xvpsource/xvp/pkg/config"
	"github.com/xvpsource/xvp/pkg/password"
)

func TestParseFlagsDefaults(t *testing.T) {
	opts, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultConfigFile, opts.configFile)
	assert.Equal(t, defaultLogFile, opts.logFile)
	assert.Equal(t, defaultPIDFile, opts.pidFile)
	assert.Equal(t, defaultReconnectDelay, opts.reconnect)
	assert.False(t, opts.noDaemon)
}

func TestParseFlagsLongForm(t *testing.T) {
	opts, err := parseFlags([]string{
		"--configfile", "/tmp/xvp.conf",
		"--logfile", "-",
		"--reconnect", "5",
		"--nodaemon",
		"--verbose",
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xvp.conf", opts.configFile)
	assert.Equal(t, "-", opts.logFile)
	assert.Equal(t, 5, opts.reconnect)
	assert.True(t, opts.noDaemon)
	assert.True(t, opts.verbose)
}

func TestParseFlagsShortForm(t *testing.T) {
	opts, err := parseFlags([]string{"-n", "-d", "-p", "/tmp/x.pid"})
	require.NoError(t, err)
	assert.True(t, opts.noDaemon)
	assert.True(t, opts.dumpConfig)
	assert.Equal(t, "/tmp/x.pid", opts.pidFile)
}

func TestDumpRegistryFormatsPoolsAndVMs(t *testing.T) {
	reg := &config.Registry{
		OTP:           config.DefaultOTPSettings(),
		HasMultiplex:  true,
		MultiplexPort: 5999,
		Pools: []config.Pool{
			{
				Name:       "pool1",
				DomainName: ".example.com",
				Manager:    "admin",
				Hosts:      []config.Host{{Hostname: "host1"}},
				VMs: []config.VM{
					{Name: "myvm", Port: 5901},
					{Name: "uuid=abc", Port: 0},
				},
			},
		},
	}

	var buf bytes.Buffer
	dumpRegistry(&buf, reg)
	out := buf.String()

	assert.Contains(t, out, "MULTIPLEX 5999")
	assert.Contains(t, out, "POOL pool1")
	assert.Contains(t, out, "DOMAIN example.com")
	assert.Contains(t, out, "MANAGER admin")
	assert.Contains(t, out, "HOST host1")
	assert.Contains(t, out, "VM 5901 myvm")
	assert.Contains(t, out, "VM - uuid=abc")
}

func TestRunEncryptRejectsOverlongPassword(t *testing.T) {
	in := strings.NewReader("this-password-is-definitely-too-long-for-a-manager-secret\n")
	var out bytes.Buffer
	err := runEncryptFromReader(in, &out, password.KindManager)
	assert.Error(t, err)
}

func TestRunEncryptRejectsEmptyPassword(t *testing.T) {
	in := strings.NewReader("\n")
	var out bytes.Buffer
	err := runEncryptFromReader(in, &out, password.KindVNC)
	assert.Error(t, err)
}

func TestRunEncryptProducesHexOutput(t *testing.T) {
	in := strings.NewReader("hunter2\n")
	var out bytes.Buffer
	err := runEncryptFromReader(in, &out, password.KindVNC)
	require.NoError(t, err)

	line := strings.TrimSpace(out.String())
	decoded, err := password.DecodeHex(line, password.KindVNC)
	require.NoError(t, err)
	assert.Len(t, decoded, password.VNCLength)
}
