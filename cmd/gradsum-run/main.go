// gradsum-run launches one worker process per rank, locally or over SSH, and
// hands each the environment the TCP transport bootstraps from.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/distml/gradsum/config"
	"github.com/distml/gradsum/log"
	"github.com/distml/gradsum/runner"
	"github.com/distml/gradsum/utils"
)

var (
	np       = flag.Int("np", 1, "number of ranks")
	hostList = flag.String("H", "", "comma-separated host[:slots] list; empty runs everything locally")
	portBase = flag.Int("port-base", 40000, "first port assigned to rank 0")
	user     = flag.String("u", "", "user name for SSH")
	verbose  = flag.Bool("v", true, "echo worker output")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] prog [args...]\n", os.Args[0])
		os.Exit(1)
	}
	prog, progArgs := args[0], args[1:]

	hosts, err := parseHosts(*hostList, *np)
	if err != nil {
		utils.ExitErr(err)
	}
	runID := uuid.New()

	peers := make([]string, *np)
	for rank := 0; rank < *np; rank++ {
		peers[rank] = net.JoinHostPort(hosts[rank], strconv.Itoa(*portBase+rank))
	}
	peerList := strings.Join(peers, ",")

	procs := make([]runner.Proc, *np)
	remote := false
	for rank := 0; rank < *np; rank++ {
		if !isLocalHost(hosts[rank]) {
			remote = true
		}
		procs[rank] = runner.Proc{
			Name: fmt.Sprintf("rank-%02d", rank),
			Prog: prog,
			Args: progArgs,
			Host: hosts[rank],
			Env: map[string]string{
				config.RankEnvKey:  strconv.Itoa(rank),
				config.PeersEnvKey: peerList,
				config.RunIDEnvKey: runID.String(),
			},
		}
	}

	ctx := context.Background()
	log.Infof("launching %s over %d ranks, run id %s", prog, *np, runID)
	if remote {
		outputs, err := runner.RemoteRunAll(ctx, *user, procs, *verbose)
		for i, o := range outputs {
			if o != nil {
				o.SaveTo(procs[i].Name)
			}
		}
		if err != nil {
			utils.ExitErr(err)
		}
		return
	}
	if err := runner.LocalRunAll(ctx, procs, *verbose); err != nil {
		utils.ExitErr(err)
	}
}

// parseHosts expands "host1:2,host2:2" into one host per rank, round-filling
// slots in order. An empty list means every rank runs on localhost.
func parseHosts(spec string, np int) ([]string, error) {
	if len(spec) == 0 {
		hosts := make([]string, np)
		for i := range hosts {
			hosts[i] = "127.0.0.1"
		}
		return hosts, nil
	}
	var hosts []string
	for _, part := range strings.Split(spec, ",") {
		host := part
		slots := 1
		if i := strings.LastIndex(part, ":"); i >= 0 {
			host = part[:i]
			n, err := strconv.Atoi(part[i+1:])
			if err != nil {
				return nil, fmt.Errorf("bad host spec %q: %v", part, err)
			}
			slots = n
		}
		for j := 0; j < slots; j++ {
			hosts = append(hosts, host)
		}
	}
	if len(hosts) < np {
		return nil, fmt.Errorf("host list provides %d slots for %d ranks", len(hosts), np)
	}
	return hosts[:np], nil
}

func isLocalHost(h string) bool {
	return h == "" || h == "127.0.0.1" || h == "localhost" || h == "::1"
}
