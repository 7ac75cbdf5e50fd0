// Command xvp is the Xen VNC Proxy daemon: it listens on one socket
// per configured VM (plus an optional shared multiplex socket),
// authenticates connecting VNC clients, and relays their sessions to
// the VM's console through a ConsoleBackend. Run with -e/-x instead it
// becomes a one-shot password-encryption helper.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/xvpsource/xvp/internal/server"
	"github.com/xvpsource/xvp/pkg/backend"
	"github.com/xvpsource/xvp/pkg/config"
	"github.com/xvpsource/xvp/pkg/password"
)

const (
	defaultConfigFile     = "/etc/xvp.conf"
	defaultLogFile        = "/var/log/xvp.log"
	defaultPIDFile        = "/var/run/xvp.pid"
	defaultReconnectDelay = 20
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type options struct {
	configFile string
	logFile    string
	pidFile    string
	reconnect  int
	noDaemon   bool
	verbose    bool
	trace      bool
	encrypt    bool
	xencrypt   bool
	dumpConfig bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{
		configFile: defaultConfigFile,
		logFile:    defaultLogFile,
		pidFile:    defaultPIDFile,
		reconnect:  defaultReconnectDelay,
	}

	fs := flag.NewFlagSet("xvp", flag.ContinueOnError)
	bindString := func(dst *string, short, long, def, usage string) {
		fs.StringVar(dst, short, def, usage)
		fs.StringVar(dst, long, def, usage)
	}
	bindBool := func(dst *bool, short, long, usage string) {
		fs.BoolVar(dst, short, false, usage)
		fs.BoolVar(dst, long, false, usage)
	}

	bindString(&opts.configFile, "c", "configfile", defaultConfigFile, "configuration file")
	bindString(&opts.logFile, "l", "logfile", defaultLogFile, `log file ("-" = stdout)`)
	bindString(&opts.pidFile, "p", "pidfile", defaultPIDFile, "pid file")
	fs.IntVar(&opts.reconnect, "r", defaultReconnectDelay, "reconnect delay seconds")
	fs.IntVar(&opts.reconnect, "reconnect", defaultReconnectDelay, "reconnect delay seconds")
	bindBool(&opts.noDaemon, "n", "nodaemon", "run in the foreground")
	bindBool(&opts.verbose, "v", "verbose", "increase logging detail")
	bindBool(&opts.trace, "t", "trace", "enable packet trace logging")
	bindBool(&opts.encrypt, "e", "encrypt", "encrypt a vnc password (prompts)")
	bindBool(&opts.xencrypt, "x", "xencrypt", "encrypt a pool manager password (prompts)")
	bindBool(&opts.dumpConfig, "d", "dump-config", "parse the config file, print the resolved registry, and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		return 1
	}

	if opts.encrypt || opts.xencrypt {
		kind := password.KindVNC
		if opts.xencrypt {
			kind = password.KindManager
		}
		if err := runEncryptFromReader(os.Stdin, os.Stdout, kind); err != nil {
			fmt.Fprintf(os.Stderr, "xvp: %v\n", err)
			return 1
		}
		return 0
	}

	if opts.dumpConfig {
		reg, err := config.Load(opts.configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xvp: %v\n", err)
			return 1
		}
		dumpRegistry(os.Stdout, reg)
		return 0
	}

	if !opts.noDaemon && os.Getenv("XVP_FOREGROUND") == "" {
		if err := daemonize(opts); err != nil {
			fmt.Fprintf(os.Stderr, "xvp: %v\n", err)
			return 1
		}
		return 0
	}

	sink, err := newLogSink(opts.logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xvp: %s: %v\n", opts.logFile, err)
		return 1
	}

	level := zerolog.InfoLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	if opts.trace {
		level = zerolog.TraceLevel
	}
	logger := zerolog.New(newXVPWriter(sink)).Level(level).With().Timestamp().Logger()

	if err := writePIDFile(opts.pidFile); err != nil {
		logger.Error().Err(err).Msg("Unable to write pid file")
		return 1
	}
	defer os.Remove(opts.pidFile)

	logger.Info().Msg("Starting as master")

	// The hypervisor management API client (xenapi.c in the original)
	// is outside this proxy's scope; backend.Static stands in as the
	// only ConsoleBackend implementation this tree ships.
	be := backend.NewStatic()

	sup := server.NewSupervisor(opts.configFile, be, time.Duration(opts.reconnect)*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run(ctx) }()

	sup.ServeSignals(ctx, cancel, func() {
		if err := sink.Reopen(); err != nil {
			logger.Error().Err(err).Msg("Unable to reopen log file")
		}
	})

	if err := <-runErrCh; err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("Supervisor stopped unexpectedly")
		return 1
	}

	logger.Info().Msg("xvp stopped")
	return 0
}

// runEncryptFromReader implements the -e/-x helper mode: read a
// password (with echo suppressed when in is a real terminal) and
// print its hex-encoded, encrypted form, matching
// xvp_password_hex_to_text's output.
func runEncryptFromReader(in io.Reader, out io.Writer, kind password.Kind) error {
	maxLen := password.VNCLength
	if kind == password.KindManager {
		maxLen = password.ManagerLength
	}

	text, err := readPassword(in, out)
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	if text == "" {
		return fmt.Errorf("empty passwords not supported")
	}
	if len(text) > maxLen {
		return fmt.Errorf("password too long: maximum %d characters", maxLen)
	}

	encrypted, err := password.Encrypt(text, kind)
	if err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}
	fmt.Fprintln(out, password.EncodeHex(encrypted))
	return nil
}

func readPassword(in io.Reader, out io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, "Password: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func dumpRegistry(out io.Writer, reg *config.Registry) {
	fmt.Fprintf(out, "OTP %s IPCHECK %s WINDOW %d\n", reg.OTP.Mode, reg.OTP.IPCheck, reg.OTP.Window)
	if reg.HasMultiplex {
		fmt.Fprintf(out, "MULTIPLEX %d\n", reg.MultiplexPort)
	}
	for _, pool := range reg.Pools {
		fmt.Fprintf(out, "POOL %s\n", pool.Name)
		fmt.Fprintf(out, "    DOMAIN %s\n", strings.TrimPrefix(pool.DomainName, "."))
		fmt.Fprintf(out, "    MANAGER %s\n", pool.Manager)
		for _, host := range pool.Hosts {
			fmt.Fprintf(out, "    HOST %s\n", host.Hostname)
		}
		for _, vm := range pool.VMs {
			if vm.MultiplexOnly() {
				fmt.Fprintf(out, "    VM - %s\n", vm.Name)
			} else {
				fmt.Fprintf(out, "    VM %d %s\n", vm.Port, vm.Name)
			}
		}
	}
}
