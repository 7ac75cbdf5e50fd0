package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// logSink owns the destination log file and supports SIGHUP-triggered
// reopening, mirroring xvp_log_init's handling of log rotation: the
// path is reopened in append mode rather than held across a rename.
type logSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

func newLogSink(path string) (*logSink, error) {
	s := &logSink{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *logSink) open() error {
	if s.path == "-" {
		s.file = os.Stdout
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

func (s *logSink) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "-" {
		return nil
	}
	if s.file != nil && s.file != os.Stdout {
		s.file.Close()
	}
	return s.open()
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Write(p)
}

// xvpWriter reformats zerolog's structured JSON events into the
// original daemon's plain wire format:
//
//	<mon> <day> <HH:MM:SS> xvp[<pid>]: <Level> <msg>
//
// grounded on xvp_log's strftime/sprintf pair in logging.c. zerolog
// does not expose a ConsoleWriter layout matching this exactly, so
// events are decoded from their marshaled JSON and reassembled rather
// than fighting ConsoleWriter's PartsOrder.
type xvpWriter struct {
	out io.Writer
	pid int
}

func newXVPWriter(out io.Writer) *xvpWriter {
	return &xvpWriter{out: out, pid: os.Getpid()}
}

var levelNames = map[string]string{
	"debug": "Debug:",
	"info":  "Info: ",
	"warn":  "Info: ",
	"error": "Error:",
	"fatal": "Fatal:",
	"panic": "Oops: ",
}

func (w *xvpWriter) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return w.out.Write(p)
	}

	ts := time.Now()
	if raw, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if parsed, err := time.Parse(zerolog.TimeFieldFormat, raw); err == nil {
			ts = parsed
		}
	}

	levelName := "Info: "
	if raw, ok := fields[zerolog.LevelFieldName].(string); ok {
		if name, ok := levelNames[raw]; ok {
			levelName = name
		}
	}

	msg, _ := fields[zerolog.MessageFieldName].(string)

	var extra bytes.Buffer
	for k, v := range fields {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		fmt.Fprintf(&extra, " %s=%v", k, v)
	}

	line := fmt.Sprintf("%s xvp[%d]: %s %s%s\n", ts.Format("Jan _2 15:04:05"), w.pid, levelName, msg, extra.String())
	n, err := io.WriteString(w.out, line)
	if err != nil {
		return n, err
	}
	return len(p), nil
}
