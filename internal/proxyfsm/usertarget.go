package proxyfsm

import (
	"strings"

	"github.com/xvpsource/xvp/pkg/config"
)

// userTarget is the decoded payload of the XVP_STATE_USER_TARGET
// message: a username (informational only; this proxy does not
// authenticate it) and a target of the form "vmname" or
// "poolname:vmname".
type userTarget struct {
	Username string
	Target   string
}

// resolveTarget splits ut.Target on ':' into an optional pool name and
// a vm name/uuid, then looks up the named pool (if any), mirroring
// proxy.c's XVP_STATE_USER_TARGET handling; the vm itself is resolved
// separately by lookupVM. ok is false if a pool name was given but
// didn't match any configured pool.
func resolveTarget(reg *config.Registry, ut userTarget) (pool *config.Pool, poolIndex int, vmName string, ok bool) {
	target := ut.Target
	poolIndex = -1

	if idx := strings.IndexByte(target, ':'); idx >= 0 {
		poolName := target[:idx]
		vmName = target[idx+1:]
		p, pi := reg.PoolByName(poolName)
		if p == nil {
			return nil, -1, vmName, false
		}
		return p, pi, vmName, true
	}

	return nil, -1, target, true
}

// lookupVM resolves vmName (a plain name or a UUID) within poolIndex,
// or across every pool if poolIndex is -1, matching
// xvp_config_vm_by_uuid/xvp_config_vm_by_name's dispatch on
// xvp_xenapi_is_uuid.
func lookupVM(reg *config.Registry, poolIndex int, vmName string) *config.VM {
	if config.IsUUID(vmName) {
		vm, _, _ := reg.VMByUUID(poolIndex, vmName)
		return vm
	}
	vm, _, _ := reg.VMByName(poolIndex, vmName)
	return vm
}
