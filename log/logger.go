// Package log is the process logger for multi-rank runs. Every line carries
// a level tag, the elapsed time since process start, and — when the process
// was launched as part of a rank set — its rank, so the merged console output
// of a whole launch stays attributable.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/distml/gradsum/config"
)

type Level int32

const (
	Debug Level = iota
	Info
	Warn
	Error
	fatalLevel
)

var levelByName = map[string]Level{
	`DEBUG`: Debug,
	`INFO`:  Info,
	`WARN`:  Warn,
	`ERROR`: Error,
}

var levelTags = [...]string{`[D]`, `[I]`, `[W]`, `[E]`, `[F]`}

type Logger struct {
	mu      sync.Mutex
	w       io.Writer
	t0      time.Time
	level   Level
	rankTag string
}

var std = New()

// New builds a logger configured from the environment: threshold from
// GRADSUM_LOG_LEVEL, rank tag from GRADSUM_RANK when the launcher set one.
func New() *Logger {
	l := &Logger{
		w:     os.Stderr,
		t0:    time.Now(),
		level: Info,
	}
	if lvl, ok := levelByName[config.LogLevel]; ok {
		l.level = lvl
	}
	if rank := os.Getenv(config.RankEnvKey); len(rank) > 0 {
		l.rankTag = "[rank " + rank + "] "
	}
	return l
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, v...)
	for len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s %s[%9.3fs] %s\n", levelTags[level], l.rankTag, time.Since(l.t0).Seconds(), msg)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logf(Debug, format, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(Info, format, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logf(Warn, format, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(Error, format, v...)
}

// Exitf logs at the fatal level, which no threshold silences, and
// terminates the process.
func (l *Logger) Exitf(format string, v ...interface{}) {
	l.logf(fatalLevel, format, v...)
	os.Exit(1)
}

func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w = w
}

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func SetOutput(w io.Writer) { std.SetOutput(w) }

func SetLevel(level Level) { std.SetLevel(level) }

func Debugf(format string, v ...interface{}) { std.Debugf(format, v...) }

func Infof(format string, v ...interface{}) { std.Infof(format, v...) }

func Warnf(format string, v ...interface{}) { std.Warnf(format, v...) }

func Errorf(format string, v ...interface{}) { std.Errorf(format, v...) }

func Exitf(format string, v ...interface{}) { std.Exitf(format, v...) }
