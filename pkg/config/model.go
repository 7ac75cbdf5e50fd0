// Package config loads the xvp line-oriented configuration file into
// a Registry of pools, hosts, and virtual machines.
package config

import (
	"strings"

	"github.com/xvpsource/xvp/pkg/password"
)

// Limits mirrored from the original format (XVP_MAX_* constants).
const (
	MaxPoolNameLength   = 80
	MaxManagerLength    = 32
	MaxHostnameLength   = 80
	MaxAddressLength    = 15
	uuidLength          = 36
	maxIncludeDepth     = 5
	maxWordsPerLine     = 10
	vncPortMin          = 5900
	vncPortMax          = 5999
	lowPortMin          = 1024
	lowPortMax          = 65535
)

// Host is one hypervisor host within a pool.
type Host struct {
	Hostname string
	Address  string // dotted IPv4, or empty if not given
	IsIPv4   bool   // true if Hostname itself parses as an IPv4 address
}

// VM is one virtual machine console reachable through the proxy.
type VM struct {
	// Name is the vmname as it appears in the resolved registry: for
	// VMs specified by UUID in the config file, this is "uuid=<uuid>",
	// matching the original's synthesized vmname.
	Name string
	// UUID is set only when the VM was specified by UUID in the
	// config file.
	UUID string
	// Port is the VM's dedicated listening port, or 0 if it is
	// reachable only through the multiplex port ("-" in the config).
	Port              int
	EncryptedPassword []byte
}

// MultiplexOnly reports whether this VM has no dedicated port.
func (vm VM) MultiplexOnly() bool { return vm.Port == 0 }

// Pool groups hosts and VMs under one pool manager.
type Pool struct {
	Name string
	// DomainName is stored with its leading dot, matching the
	// original's storage convention, or empty if not configured.
	DomainName               string
	Manager                  string
	EncryptedManagerPassword []byte
	Hosts                    []Host
	VMs                      []VM
}

// OTPSettings controls acceptance of time-windowed one-time passwords
// for all VMs in the registry.
type OTPSettings struct {
	Mode    password.Mode
	IPCheck password.IPCheck
	Window  int
}

// DefaultOTPSettings matches XVP_OTP_MODE/XVP_OTP_IPCHECK/XVP_OTP_WINDOW.
func DefaultOTPSettings() OTPSettings {
	return OTPSettings{
		Mode:    password.ModeAllow,
		IPCheck: password.IPCheckOff,
		Window:  password.DefaultWindow,
	}
}

// Registry is the fully resolved configuration: every pool, host, and
// VM, plus the global OTP and multiplex settings.
type Registry struct {
	OTP           OTPSettings
	HasMultiplex  bool
	MultiplexPort int
	Pools         []Pool
}

// PoolByName finds a pool by its exact name.
func (r *Registry) PoolByName(name string) (*Pool, int) {
	for i := range r.Pools {
		if r.Pools[i].Name == name {
			return &r.Pools[i], i
		}
	}
	return nil, -1
}

// VMByName finds a VM by name. If poolIndex is -1, every pool is
// searched, matching the original's pool==NULL "search all" idiom.
func (r *Registry) VMByName(poolIndex int, name string) (*VM, int, int) {
	if poolIndex < 0 {
		for pi := range r.Pools {
			if vm, vi, _ := r.VMByName(pi, name); vm != nil {
				return vm, pi, vi
			}
		}
		return nil, -1, -1
	}
	pool := &r.Pools[poolIndex]
	for vi := range pool.VMs {
		if pool.VMs[vi].Name == name {
			return &pool.VMs[vi], poolIndex, vi
		}
	}
	return nil, -1, -1
}

// VMByUUID finds a VM whose config-file identity was a UUID.
func (r *Registry) VMByUUID(poolIndex int, uuid string) (*VM, int, int) {
	if poolIndex < 0 {
		for pi := range r.Pools {
			if vm, _, vi := r.VMByUUID(pi, uuid); vm != nil {
				return vm, pi, vi
			}
		}
		return nil, -1, -1
	}
	pool := &r.Pools[poolIndex]
	for vi := range pool.VMs {
		if pool.VMs[vi].UUID == uuid {
			return &pool.VMs[vi], poolIndex, vi
		}
	}
	return nil, -1, -1
}

// VMByPort finds the VM bound to a given dedicated listening port. It
// returns nil for port 0 and for the multiplex port.
func (r *Registry) VMByPort(port int) (*VM, int, int) {
	if port == 0 {
		return nil, -1, -1
	}
	if r.HasMultiplex && r.MultiplexPort == port {
		return nil, -1, -1 // caller distinguishes the multiplex port itself
	}
	for pi := range r.Pools {
		pool := &r.Pools[pi]
		for vi := range pool.VMs {
			if pool.VMs[vi].Port == port {
				return &pool.VMs[vi], pi, vi
			}
		}
	}
	return nil, -1, -1
}

// HostByName finds a host by name, searching every pool if poolIndex
// is -1.
func (r *Registry) HostByName(poolIndex int, hostname string) (*Host, int, int) {
	if poolIndex < 0 {
		for pi := range r.Pools {
			if h, _, hi := r.HostByName(pi, hostname); h != nil {
				return h, pi, hi
			}
		}
		return nil, -1, -1
	}
	pool := &r.Pools[poolIndex]
	for hi := range pool.Hosts {
		if pool.Hosts[hi].Hostname == hostname {
			return &pool.Hosts[hi], poolIndex, hi
		}
	}
	return nil, -1, -1
}

// IsUUID reports whether text has the shape of a XenServer UUID: 36
// characters, with dashes at positions 8, 13, 18, and 23, lowercase
// hex everywhere else. Grounded on xvp.h's XVP_UUID_LEN/XVP_UUID_DASHES
// constants (the actual check lives in the out-of-scope xenapi.c in
// the original, but the format is fixed and needed here too, both at
// config-parse time and for multiplex target resolution).
func IsUUID(text string) bool {
	if len(text) != uuidLength {
		return false
	}
	dashes := map[int]bool{8: true, 13: true, 18: true, 23: true}
	for i := 0; i < uuidLength; i++ {
		c := text[i]
		if dashes[i] {
			if c != '-' {
				return false
			}
			continue
		}
		if !isLowerHex(c) {
			return false
		}
	}
	return true
}

func isLowerHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

// isIPv4 mirrors xvp_is_ipv4: four dot-separated numbers 0-255 with no
// trailing garbage, and no longer than XVP_MAX_ADDRESS characters.
func isIPv4(address string) bool {
	if len(address) > MaxAddressLength {
		return false
	}
	parts := strings.Split(address, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}
