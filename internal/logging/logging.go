// Package logging provides session-based logging for bus, server, and
// client processes: detailed records go to a per-run file, and only
// user-facing/error lines are mirrored to the console. It exposes itself
// behind a github.com/go-logr/logr.Logger so the rest of the module logs
// through the structured logr API rather than this package's concrete type.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// sessionSink is a logr.LogSink backed by a per-run session file, with
// selective console mirroring: V(0) (info) reaches the console unless quiet
// mode is set, errors always reach stderr, V(1) and deeper stay file-only.
type sessionSink struct {
	mu          *sync.Mutex
	file        *os.File
	sessionPath string
	quiet       bool
	name        string
	keyValues   []interface{}
}

// New opens a session log file under logDir and returns a logr.Logger
// backed by it. quiet suppresses info-level console mirroring; errors
// always reach the console.
func New(logDir string, quiet bool) (logr.Logger, *sessionSink, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return logr.Logger{}, nil, fmt.Errorf("logging: create log directory: %w", err)
	}
	sessionID := time.Now().Format("20060102-150405")
	sessionPath := filepath.Join(logDir, fmt.Sprintf("session-%s.log", sessionID))

	file, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return logr.Logger{}, nil, fmt.Errorf("logging: create session log file: %w", err)
	}

	sink := &sessionSink{mu: &sync.Mutex{}, file: file, sessionPath: sessionPath, quiet: quiet}
	sink.writeToFile("=== session started ===")
	sink.writeToFile("session id: %s", sessionID)
	sink.writeToFile("log file: %s", sessionPath)

	return logr.New(sink), sink, nil
}

// Close finalizes the session log file.
func (s *sessionSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.writeToFileLocked("=== session ended ===")
	return s.file.Close()
}

// SessionPath returns the path to the current session log file.
func (s *sessionSink) SessionPath() string {
	return s.sessionPath
}

func (s *sessionSink) writeToFile(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeToFileLocked(format, args...)
}

func (s *sessionSink) writeToFileLocked(format string, args ...interface{}) {
	if s.file == nil {
		return
	}
	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(s.file, "[%s] %s\n", timestamp, fmt.Sprintf(format, args...))
	s.file.Sync()
}

// Init is required by logr.LogSink.
func (s *sessionSink) Init(info logr.RuntimeInfo) {}

// Enabled reports true for every level, so logr hands every record to
// this sink — kept permissive since file recording is the point of it.
func (s *sessionSink) Enabled(level int) bool { return true }

// Info records an info/debug line; level 0 mirrors to console unless quiet.
func (s *sessionSink) Info(level int, msg string, keysAndValues ...interface{}) {
	line := formatLine(msg, append(append([]interface{}{}, s.keyValues...), keysAndValues...))
	s.writeToFile("INFO(%d) %s: %s", level, s.name, line)
	if level == 0 && !s.quiet {
		fmt.Println(line)
	}
}

// Error records an error line and always mirrors it to stderr.
func (s *sessionSink) Error(err error, msg string, keysAndValues ...interface{}) {
	line := formatLine(msg, append(append([]interface{}{}, s.keyValues...), keysAndValues...))
	s.writeToFile("ERROR %s: %s: %v", s.name, line, err)
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", line, err)
}

// WithValues returns a sink that prepends the given key/value pairs to
// every subsequent line.
func (s *sessionSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	clone := *s
	clone.keyValues = append(append([]interface{}{}, s.keyValues...), keysAndValues...)
	return &clone
}

// WithName returns a sink scoped to the given component name.
func (s *sessionSink) WithName(name string) logr.LogSink {
	clone := *s
	if clone.name == "" {
		clone.name = name
	} else {
		clone.name = clone.name + "." + name
	}
	return &clone
}

func formatLine(msg string, keysAndValues []interface{}) string {
	out := msg
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return out
}

var (
	globalMu     sync.Mutex
	globalLogger = stdr.New(nil)
)

// SetGlobal installs the process-wide logger, used only from cmd/* entry
// points; library code should take a logr.Logger explicitly instead.
func SetGlobal(l logr.Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// L returns the process-wide logger.
func L() logr.Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLogger
}
