package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/distml/gradsum/iostream"
	"github.com/distml/gradsum/log"
)

type localRunner struct {
	name          string
	rank          int
	logFilePrefix string
	verboseLog    bool
}

func (r localRunner) run(ctx context.Context, cmd *exec.Cmd) error {
	var wg sync.WaitGroup
	if stdout, err := cmd.StdoutPipe(); err == nil {
		wg.Add(1)
		go func() { r.streamPipe("stdout", stdout); wg.Done() }()
	} else {
		return err
	}
	if stderr, err := cmd.StderrPipe(); err == nil {
		wg.Add(1)
		go func() { r.streamPipe("stderr", stderr); wg.Done() }()
	} else {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error)
	go func() {
		err := cmd.Wait()
		wg.Wait()
		done <- err
	}()
	select {
	case <-ctx.Done():
		cmd.Process.Kill()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (r localRunner) streamPipe(name string, in io.Reader) error {
	var sinks []iostream.LineSink
	if r.verboseLog {
		tag := colorForRank(r.rank, r.name) + "::" + name
		sinks = append(sinks, iostream.Console(os.Stderr, tag))
	}
	filename := name + ".log"
	if len(r.logFilePrefix) > 0 {
		filename = r.logFilePrefix + "-" + filename
	}
	if sink, closeFile, err := iostream.File(filename); err != nil {
		log.Errorf("failed to create log file: %v", err)
	} else {
		sinks = append(sinks, sink)
		defer closeFile()
	}
	return iostream.Drain(in, sinks...)
}

// LocalRunAll runs every proc as a local subprocess, teeing output to
// per-rank log files, and cancels the rest when one fails.
func LocalRunAll(ctx context.Context, ps []Proc, verboseLog bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	var fail int32
	for i, proc := range ps {
		wg.Add(1)
		go func(i int, proc Proc) {
			r := localRunner{
				name:          proc.Name,
				rank:          i,
				verboseLog:    verboseLog,
				logFilePrefix: strings.Replace(proc.Name, "/", "-", -1),
			}
			if err := r.run(ctx, proc.Cmd()); err != nil {
				log.Errorf("#%s exited with error: %v", proc.Name, err)
				atomic.AddInt32(&fail, 1)
				cancel()
			} else {
				log.Infof("#%s finished successfully", proc.Name)
			}
			wg.Done()
		}(i, proc)
	}
	wg.Wait()
	if fail != 0 {
		return fmt.Errorf("%d peers failed", fail)
	}
	return nil
}
