package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// ServeSignals translates the operator-facing signals process.c
// dispatches on xvp_process_signal_handler into Supervisor actions:
// SIGHUP reopens the log and reloads the configuration (the listener
// set is rebuilt without disturbing already-running sessions), SIGUSR2
// logs the active session roster, and SIGINT/SIGQUIT/SIGTERM cancel
// cancel to begin a graceful shutdown. It runs until ctx is done or
// cancel is called, whichever happens first; call it in its own
// goroutine alongside Supervisor.Run.
func (s *Supervisor) ServeSignals(ctx context.Context, cancel context.CancelFunc, onReopenLog func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				s.Logger.Info().Msg("Reopening log and reloading configuration")
				if onReopenLog != nil {
					onReopenLog()
				}
				if err := s.reload(); err != nil {
					s.Logger.Error().Err(err).Msg("Configuration reload failed")
				}
			case syscall.SIGUSR2:
				s.dumpSessions()
			case syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM:
				s.Logger.Info().Str("signal", sig.String()).Msg("Terminating on signal")
				cancel()
				return
			}
		}
	}
}

func (s *Supervisor) dumpSessions() {
	sessions := s.sessions.snapshot()
	s.Logger.Info().Int("count", len(sessions)).Msg("Dumping active session list")
	for _, info := range sessions {
		target := info.VM
		if info.Multiplex {
			target = fmt.Sprintf("%s (multiplex)", target)
		}
		s.Logger.Info().
			Str("client", info.ClientIP).
			Str("target", target).
			Dur("age", time.Since(info.Started)).
			Msg("Active session")
	}
}
