package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xvpsource/xvp/pkg/password"
)

type parseState int

const (
	stateDatabase parseState = iota
	stateOTP
	stateMultiplex
	statePool
	stateDomain
	stateManager
	stateHost
	stateGroup
	stateVM
)

type lineSource struct {
	filename string
	scanner  *bufio.Scanner
	file     *os.File
	lineNum  int
}

// parser holds the include-file stack and drives the directive state
// machine over it.
type parser struct {
	stack []*lineSource
}

func (p *parser) depth() int { return len(p.stack) }

func (p *parser) push(filename string) error {
	if p.depth() >= maxIncludeDepth {
		return fmt.Errorf("config: %s: too many levels of INCLUDE", filename)
	}
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("config: %s: %w", filename, err)
	}
	p.stack = append(p.stack, &lineSource{
		filename: filename,
		scanner:  bufio.NewScanner(f),
		file:     f,
	})
	return nil
}

func (p *parser) current() *lineSource {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

func (p *parser) pop() {
	top := p.stack[len(p.stack)-1]
	top.file.Close()
	p.stack = p.stack[:len(p.stack)-1]
}

// badLine formats a syntax-error message tagged with the current
// file/line, matching xvp_config_bad.
func (p *parser) badLine(msg string) error {
	top := p.current()
	return fmt.Errorf("config: %s: %s at line %d", top.filename, msg, top.lineNum)
}

// nextWords returns the next directive line's words, transparently
// descending into and returning from INCLUDEd files. ok is false once
// the top-level file is exhausted.
func (p *parser) nextWords() (words []string, ok bool, err error) {
	for {
		top := p.current()
		if top == nil {
			return nil, false, nil
		}
		if !top.scanner.Scan() {
			if scanErr := top.scanner.Err(); scanErr != nil {
				return nil, false, fmt.Errorf("config: %s: %w", top.filename, scanErr)
			}
			wasTop := p.depth() == 1
			p.pop()
			if wasTop {
				return nil, false, nil
			}
			continue
		}
		top.lineNum++

		line := stripCommentAndNewline(top.scanner.Text())
		words, err = tokenize(line)
		if err != nil {
			return nil, false, p.badLine(err.Error())
		}
		if len(words) == 0 {
			continue
		}

		if len(words) == 2 && words[0] == "INCLUDE" {
			if err := p.push(words[1]); err != nil {
				return nil, false, err
			}
			continue
		}

		return words, true, nil
	}
}

func stripCommentAndNewline(line string) string {
	if i := strings.IndexAny(line, "#\r"); i >= 0 {
		return line[:i]
	}
	return line
}

// tokenize splits a comment-stripped line into up to maxWordsPerLine
// words, honoring simple double-quoting, matching
// xvp_config_parse_line's hand-rolled scanner.
func tokenize(line string) ([]string, error) {
	var words []string

	for len(words) < maxWordsPerLine {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			return words, nil
		}

		quoted := false
		if line[0] == '"' {
			line = line[1:]
			quoted = true
		}
		if line == "" {
			return words, nil
		}

		var end int
		if quoted {
			end = strings.IndexByte(line, '"')
		} else {
			end = strings.IndexAny(line, " \t")
		}

		if end < 0 {
			words = append(words, line)
			return words, nil
		}

		words = append(words, line[:end])
		line = line[end+1:]
	}

	if strings.TrimLeft(line, " \t") != "" {
		return nil, fmt.Errorf("too many words on line")
	}

	return words, nil
}

// Load parses filename (recursively descending into INCLUDEd files)
// into a Registry.
func Load(filename string) (*Registry, error) {
	p := &parser{}
	if err := p.push(filename); err != nil {
		return nil, err
	}
	defer func() {
		for len(p.stack) > 0 {
			p.pop()
		}
	}()

	reg := &Registry{OTP: DefaultOTPSettings()}

	state := stateDatabase
	var currentPool *Pool

	for {
		words, ok, err := p.nextWords()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		for {
			advanced, err := applyState(p, reg, &state, &currentPool, words)
			if err != nil {
				return nil, err
			}
			if advanced {
				break
			}
		}
	}

	if currentPool == nil || len(currentPool.VMs) == 0 {
		return nil, fmt.Errorf("config: %s: unexpected end of file", filename)
	}

	return reg, nil
}

// applyState processes one directive line against the current state,
// mutating reg/currentPool/state as needed. It returns advanced=true
// once the line has been consumed; advanced=false means the state
// machine fell through to the next stage and must re-process the same
// line.
func applyState(p *parser, reg *Registry, state *parseState, currentPool **Pool, words []string) (bool, error) {
	switch *state {
	case stateDatabase:
		if words[0] == "DATABASE" {
			if len(words) < 2 || len(words) > 4 {
				return false, p.badLine("invalid DATABASE directive")
			}
			*state = stateOTP
			return true, nil
		}
		*state = stateOTP
		return false, nil

	case stateOTP:
		if words[0] == "OTP" {
			if err := applyOTP(p, reg, words); err != nil {
				return false, err
			}
			*state = stateMultiplex
			return true, nil
		}
		*state = stateMultiplex
		return false, nil

	case stateMultiplex:
		if words[0] == "MULTIPLEX" {
			if len(words) != 2 {
				return false, p.badLine("invalid MULTIPLEX directive")
			}
			port, err := parsePort(words[1], false)
			if err != nil {
				return false, p.badLine(err.Error())
			}
			reg.HasMultiplex = true
			reg.MultiplexPort = port
			*state = statePool
			return true, nil
		}
		*state = statePool
		return false, nil

	case statePool:
		if words[0] != "POOL" || len(words) < 2 {
			return false, p.badLine("expected POOL directive")
		}
		name := strings.Join(words[1:], " ")
		if len(name) > MaxPoolNameLength {
			return false, p.badLine("pool name too long")
		}
		if strings.Contains(name, ":") {
			return false, p.badLine("pool name must not contain ':'")
		}
		if _, idx := reg.PoolByName(name); idx >= 0 {
			return false, fmt.Errorf("config: duplicate pool name %q", name)
		}
		reg.Pools = append(reg.Pools, Pool{Name: name})
		*currentPool = &reg.Pools[len(reg.Pools)-1]
		*state = stateDomain
		return true, nil

	case stateDomain:
		if words[0] != "DOMAIN" || len(words) != 2 {
			return false, p.badLine("expected DOMAIN directive")
		}
		if len(words[1]) > MaxHostnameLength {
			return false, p.badLine("domain name too long")
		}
		if words[1] != "" {
			(*currentPool).DomainName = "." + words[1]
		}
		*state = stateManager
		return true, nil

	case stateManager:
		if words[0] != "MANAGER" || len(words) != 3 {
			return false, p.badLine("expected MANAGER directive")
		}
		if len(words[1]) > MaxManagerLength {
			return false, p.badLine("manager name too long")
		}
		encrypted, err := password.DecodeHex(words[2], password.KindManager)
		if err != nil {
			return false, p.badLine("invalid manager password")
		}
		(*currentPool).Manager = words[1]
		(*currentPool).EncryptedManagerPassword = encrypted
		*state = stateHost
		return true, nil

	case stateHost:
		if words[0] != "HOST" {
			if len((*currentPool).Hosts) == 0 {
				return false, p.badLine("expected HOST directive")
			}
			*state = stateGroup
			return false, nil
		}
		host, err := parseHost(p, words)
		if err != nil {
			return false, err
		}
		if _, _, idx := reg.HostByName(len(reg.Pools)-1, host.Hostname); idx >= 0 {
			return false, fmt.Errorf("config: duplicate host name %q", host.Hostname)
		}
		(*currentPool).Hosts = append((*currentPool).Hosts, host)
		return true, nil

	case stateGroup:
		if words[0] == "GROUP" {
			if len(words) < 2 {
				return false, p.badLine("invalid GROUP directive")
			}
			*state = stateVM
			return true, nil
		}
		*state = stateVM
		return false, nil

	case stateVM:
		if words[0] == "GROUP" {
			*state = stateGroup
			return false, nil
		}
		if words[0] != "VM" {
			if len((*currentPool).VMs) == 0 {
				return false, p.badLine("expected VM directive")
			}
			*state = statePool
			return false, nil
		}
		vm, err := parseVM(p, reg, words)
		if err != nil {
			return false, err
		}
		poolIdx := len(reg.Pools) - 1
		if _, _, idx := reg.VMByName(poolIdx, vm.Name); idx >= 0 {
			return false, fmt.Errorf("config: duplicate vm name %q", vm.Name)
		}
		if vm.Port != 0 {
			if existing, _, _ := reg.VMByPort(vm.Port); existing != nil {
				return false, fmt.Errorf("config: duplicate port number %d", vm.Port)
			}
			if reg.HasMultiplex && reg.MultiplexPort == vm.Port {
				return false, fmt.Errorf("config: duplicate port number %d", vm.Port)
			}
		}
		(*currentPool).VMs = append((*currentPool).VMs, vm)
		return true, nil
	}

	return true, nil
}

func applyOTP(p *parser, reg *Registry, words []string) error {
	if len(words) < 2 || len(words) > 5 {
		return p.badLine("invalid OTP directive")
	}
	switch words[1] {
	case "DENY":
		reg.OTP.Mode = password.ModeDeny
	case "ALLOW":
		reg.OTP.Mode = password.ModeAllow
	case "REQUIRE":
		reg.OTP.Mode = password.ModeRequire
	default:
		return p.badLine("invalid OTP mode")
	}

	wordsUsed := 2
	if len(words) >= 4 && words[2] == "IPCHECK" {
		switch words[3] {
		case "OFF":
			reg.OTP.IPCheck = password.IPCheckOff
		case "ON":
			reg.OTP.IPCheck = password.IPCheckOn
		case "HTTP":
			reg.OTP.IPCheck = password.IPCheckHTTP
		default:
			return p.badLine("invalid OTP IPCHECK value")
		}
		wordsUsed = 4
	}

	if len(words) == wordsUsed+1 {
		window, err := strconv.Atoi(words[wordsUsed])
		if err != nil || window < password.MinWindow || window > password.MaxWindow {
			return p.badLine("invalid OTP window")
		}
		reg.OTP.Window = window
	}

	return nil
}

func parseHost(p *parser, words []string) (Host, error) {
	var hostname, address string
	switch len(words) {
	case 2:
		hostname = words[1]
	case 3:
		if !isIPv4(words[1]) {
			return Host{}, p.badLine("invalid HOST address")
		}
		address = words[1]
		hostname = words[2]
	default:
		return Host{}, p.badLine("invalid HOST directive")
	}
	if len(hostname) > MaxHostnameLength {
		return Host{}, p.badLine("hostname too long")
	}
	return Host{
		Hostname: hostname,
		Address:  address,
		IsIPv4:   isIPv4(hostname),
	}, nil
}

func parseVM(p *parser, reg *Registry, words []string) (VM, error) {
	if len(words) != 4 {
		return VM{}, p.badLine("invalid VM directive")
	}
	if len(words[2]) > MaxHostnameLength {
		return VM{}, p.badLine("vm name too long")
	}
	encrypted, err := password.DecodeHex(words[3], password.KindVNC)
	if err != nil {
		return VM{}, p.badLine("invalid vm password")
	}

	var port int
	if words[1] == "-" {
		if !reg.HasMultiplex {
			return VM{}, p.badLine("VM port '-' requires MULTIPLEX to be configured")
		}
		port = 0
	} else {
		port, err = parsePort(words[1], true)
		if err != nil {
			return VM{}, p.badLine(err.Error())
		}
	}

	vm := VM{Port: port, EncryptedPassword: encrypted}
	if IsUUID(words[2]) {
		vm.UUID = words[2]
		vm.Name = "uuid=" + words[2]
	} else {
		vm.Name = words[2]
	}

	return vm, nil
}

// parsePort parses a port spec: ":N" (VNC display number, 5900+N,
// bounded to 5900-5999), or a literal TCP port (1024-65535). allowDash
// is accepted for symmetry with the VM directive's own "-" handling,
// which is resolved by the caller before parsePort is reached.
func parsePort(word string, allowDash bool) (int, error) {
	if word == "" {
		return 0, fmt.Errorf("empty port spec")
	}
	if word[0] == ':' {
		n, err := strconv.Atoi(word[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid VNC display number %q", word)
		}
		port := n + vncPortMin
		if port < vncPortMin || port > vncPortMax {
			return 0, fmt.Errorf("VNC display number out of range: %q", word)
		}
		return port, nil
	}
	port, err := strconv.Atoi(word)
	if err != nil {
		return 0, fmt.Errorf("invalid port number %q", word)
	}
	if port < lowPortMin || port > lowPortMax {
		return 0, fmt.Errorf("port number out of range: %q", word)
	}
	return port, nil
}
