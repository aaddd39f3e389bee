package runner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/distml/gradsum/iostream"
	"github.com/distml/gradsum/log"
	"github.com/distml/gradsum/utils/ssh"
)

// Outputs stores stdout/stderr of a remote process.
type Outputs struct {
	Stdout []string
	Stderr []string
}

func (r *Outputs) SaveTo(prefix string) error {
	var errs []error
	if r.Stdout != nil {
		errs = append(errs, os.WriteFile(prefix+".stdout.log", []byte(strings.Join(r.Stdout, "\n")), 0666))
	}
	if r.Stderr != nil {
		errs = append(errs, os.WriteFile(prefix+".stderr.log", []byte(strings.Join(r.Stderr, "\n")), 0666))
	}
	for _, err := range errs {
		if err != nil {
			return errors.New("failed to save some files")
		}
	}
	return nil
}

// tailLimit bounds how much of a remote rank's output is retained for the
// post-run report.
const tailLimit = 1000

// RemoteRunAll runs every proc on its host over SSH.
func RemoteRunAll(ctx context.Context, user string, ps []Proc, verboseLog bool) ([]*Outputs, error) {
	outputs := make([]*Outputs, len(ps))
	var wg sync.WaitGroup
	var fail int32
	for i, p := range ps {
		wg.Add(1)
		go func(i int, p Proc) {
			defer wg.Done()
			t0 := time.Now()
			config := ssh.Config{
				Host: p.Host,
				User: user,
			}
			client, err := ssh.New(config)
			if err != nil {
				log.Errorf("#<%s> failed to create SSH client with config %v: %v", p.Name, config, err)
				atomic.AddInt32(&fail, 1)
				outputs[i] = &Outputs{}
				return
			}
			defer client.Close()
			var outEcho, errEcho iostream.LineSink
			if verboseLog {
				outEcho = iostream.Console(os.Stderr, fmt.Sprintf("%s::stdout", p.Name))
				errEcho = iostream.Console(os.Stderr, fmt.Sprintf("%s::stderr", p.Name))
			}
			outTail := iostream.NewTail(tailLimit, outEcho)
			errTail := iostream.NewTail(tailLimit, errEcho)
			getOutputs := func() *Outputs {
				return &Outputs{
					Stdout: outTail.Wait(),
					Stderr: errTail.Wait(),
				}
			}
			if err := client.Watch(ctx, p.Script(), outTail.Watch, errTail.Watch); err != nil {
				log.Errorf("#<%s> exited with error: %v, took %s", p.Name, err, time.Since(t0))
				atomic.AddInt32(&fail, 1)
				outputs[i] = getOutputs()
				return
			}
			outputs[i] = getOutputs()
			log.Infof("#<%s> finished successfully, took %s", p.Name, time.Since(t0))
		}(i, p)
	}
	wg.Wait()
	if fail != 0 {
		return outputs, fmt.Errorf("%d peers failed", fail)
	}
	return outputs, nil
}
