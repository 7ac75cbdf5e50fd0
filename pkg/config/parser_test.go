package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xvpsource/xvp/pkg/password"
)

func writeTempFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func vncPass(t *testing.T) string {
	t.Helper()
	enc, err := password.Encrypt("secret", password.KindVNC)
	require.NoError(t, err)
	return password.EncodeHex(enc)
}

func managerPass(t *testing.T) string {
	t.Helper()
	enc, err := password.Encrypt("managersecret", password.KindManager)
	require.NoError(t, err)
	return password.EncodeHex(enc)
}

func TestLoadMinimalConfig(t *testing.T) {
	dir := t.TempDir()
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM :0 myvm ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reg.Pools, 1)

	pool := reg.Pools[0]
	assert.Equal(t, "mypool", pool.Name)
	assert.Equal(t, ".example.com", pool.DomainName)
	assert.Equal(t, "root", pool.Manager)
	require.Len(t, pool.Hosts, 1)
	assert.Equal(t, "host1.example.com", pool.Hosts[0].Hostname)
	require.Len(t, pool.VMs, 1)
	assert.Equal(t, "myvm", pool.VMs[0].Name)
	assert.Equal(t, 5900, pool.VMs[0].Port)
}

func TestLoadQuotedPoolName(t *testing.T) {
	dir := t.TempDir()
	contents := `POOL "my pool"
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM :1 myvm ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reg.Pools, 1)
	assert.Equal(t, "my pool", reg.Pools[0].Name)
}

func TestLoadMultiplexOnlyVM(t *testing.T) {
	dir := t.TempDir()
	contents := `MULTIPLEX 5999
POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM - myvm ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, reg.HasMultiplex)
	assert.Equal(t, 5999, reg.MultiplexPort)
	require.Len(t, reg.Pools[0].VMs, 1)
	assert.True(t, reg.Pools[0].VMs[0].MultiplexOnly())
}

func TestLoadRejectsMultiplexDashWithoutMultiplexSection(t *testing.T) {
	dir := t.TempDir()
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM - myvm ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadPortVariants(t *testing.T) {
	dir := t.TempDir()
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM 6500 vm1 ` + vncPass(t) + `
VM :42 vm2 ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reg.Pools[0].VMs, 2)
	assert.Equal(t, 6500, reg.Pools[0].VMs[0].Port)
	assert.Equal(t, 5942, reg.Pools[0].VMs[1].Port)
}

func TestLoadRejectsOutOfRangeDisplayNumber(t *testing.T) {
	dir := t.TempDir()
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM :200 vm1 ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateVMPort(t *testing.T) {
	dir := t.TempDir()
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM :0 vm1 ` + vncPass(t) + `
VM :0 vm2 ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDuplicatePoolName(t *testing.T) {
	dir := t.TempDir()
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM :0 vm1 ` + vncPass(t) + `
POOL mypool
DOMAIN example2.com
MANAGER root ` + managerPass(t) + `
HOST host2.example.com
VM :1 vm2 ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadGroupAndMultipleVMs(t *testing.T) {
	dir := t.TempDir()
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
HOST host2.example.com
GROUP production
VM :0 vm1 ` + vncPass(t) + `
VM :1 vm2 ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reg.Pools[0].Hosts, 2)
	require.Len(t, reg.Pools[0].VMs, 2)
}

func TestLoadUUIDVM(t *testing.T) {
	dir := t.TempDir()
	uuid := "12345678-1234-1234-1234-123456789abc"
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM :0 ` + uuid + " " + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reg.Pools[0].VMs, 1)
	vm := reg.Pools[0].VMs[0]
	assert.Equal(t, uuid, vm.UUID)
	assert.Equal(t, "uuid="+uuid, vm.Name)
}

func TestLoadOTPDirective(t *testing.T) {
	dir := t.TempDir()
	contents := `OTP REQUIRE IPCHECK ON 120
POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM :0 vm1 ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, password.ModeRequire, reg.OTP.Mode)
	assert.Equal(t, password.IPCheckOn, reg.OTP.IPCheck)
	assert.Equal(t, 120, reg.OTP.Window)
}

func TestLoadInclude(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "vms.conf", `VM :0 vm1 `+vncPass(t)+"\n")
	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
INCLUDE "` + filepath.Join(dir, "vms.conf") + `"
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, reg.Pools[0].VMs, 1)
	assert.Equal(t, "vm1", reg.Pools[0].VMs[0].Name)
}

func TestLoadIncludeDepthExceeded(t *testing.T) {
	dir := t.TempDir()

	// Build a chain of includes, each pointing at the next, deeper than
	// maxIncludeDepth allows.
	var prev string
	for i := 0; i < maxIncludeDepth+2; i++ {
		name := filepath.Join(dir, "inc"+string(rune('a'+i))+".conf")
		contents := ""
		if prev != "" {
			contents = `INCLUDE "` + prev + "\"\n"
		} else {
			contents = `VM :0 vm1 ` + vncPass(t) + "\n"
		}
		require.NoError(t, os.WriteFile(name, []byte(contents), 0o600))
		prev = name
	}

	contents := `POOL mypool
DOMAIN example.com
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
INCLUDE "` + prev + `"
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadCommentsAndBlankLinesIgnored(t *testing.T) {
	dir := t.TempDir()
	contents := `# a comment
POOL mypool

DOMAIN example.com # trailing comment
MANAGER root ` + managerPass(t) + `
HOST host1.example.com
VM :0 vm1 ` + vncPass(t) + `
`
	path := writeTempFile(t, dir, "xvp.conf", contents)

	reg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ".example.com", reg.Pools[0].DomainName)
}

func TestIsUUID(t *testing.T) {
	assert.True(t, IsUUID("12345678-1234-1234-1234-123456789abc"))
	assert.False(t, IsUUID("not-a-uuid"))
	assert.False(t, IsUUID("12345678-1234-1234-1234-123456789ABC")) // uppercase rejected
}
