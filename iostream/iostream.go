// Package iostream pumps worker-process output. The runner fans each rank's
// stdout/stderr into any mix of sinks: the merged console, a per-rank log
// file, and a bounded tail kept for failure reports of remote runs.
package iostream

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// A LineSink consumes one line of worker output.
type LineSink func(line string)

const maxLineBytes = 1 << 20

// Drain reads r line by line and feeds every sink until EOF.
func Drain(r io.Reader, sinks ...LineSink) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		for _, sink := range sinks {
			sink(line)
		}
	}
	return sc.Err()
}

// Console returns a sink that prefixes each line, so the merged output of a
// whole rank set stays attributable.
func Console(w io.Writer, prefix string) LineSink {
	return func(line string) {
		fmt.Fprintf(w, "[%s] %s\n", prefix, line)
	}
}

// File returns a sink writing to the named log file, with its closer. An
// existing file of that name is truncated.
func File(name string) (LineSink, func() error, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, nil, err
	}
	sink := func(line string) {
		fmt.Fprintln(f, line)
	}
	return sink, f.Close, nil
}

// Tail retains the last lines of a stream. The remote runner keeps one per
// pipe so a failing rank's output can be saved after the SSH session is gone.
type Tail struct {
	mu    sync.Mutex
	limit int
	lines []string
	echo  LineSink
	done  chan struct{}
}

// NewTail keeps up to limit lines; echo, if non-nil, additionally receives
// every line as it arrives.
func NewTail(limit int, echo LineSink) *Tail {
	return &Tail{
		limit: limit,
		echo:  echo,
		done:  make(chan struct{}, 1),
	}
}

func (t *Tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

// Watch drains r into the tail until EOF, then releases Wait.
func (t *Tail) Watch(r io.Reader) {
	defer func() { t.done <- struct{}{} }()
	if t.echo != nil {
		Drain(r, t.add, t.echo)
		return
	}
	Drain(r, t.add)
}

// Wait blocks until the watched stream ended and returns the retained lines.
func (t *Tail) Wait() []string {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}
