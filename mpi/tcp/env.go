package tcp

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/distml/gradsum/config"
)

// FromEnv builds the communicator from the environment set up by
// gradsum-run: GRADSUM_RANK, GRADSUM_PEERS (comma-separated host:port in rank
// order), GRADSUM_RUN_ID, and optionally GRADSUM_USE_GDR.
func FromEnv() (*Comm, error) {
	rankStr := os.Getenv(config.RankEnvKey)
	rank, err := strconv.Atoi(rankStr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s=%q", config.RankEnvKey, rankStr)
	}
	peersStr := os.Getenv(config.PeersEnvKey)
	if len(peersStr) == 0 {
		return nil, errors.Errorf("%s is not set", config.PeersEnvKey)
	}
	peers := strings.Split(peersStr, ",")
	runID, err := uuid.Parse(os.Getenv(config.RunIDEnvKey))
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", config.RunIDEnvKey)
	}
	if rank < 0 || rank >= len(peers) {
		return nil, errors.Errorf("rank %d out of range for %d peers", rank, len(peers))
	}
	gdr := os.Getenv(config.UseGdrEnvKey) == "true" || os.Getenv(config.UseGdrEnvKey) == "1"
	_, port, err := net.SplitHostPort(peers[rank])
	if err != nil {
		return nil, errors.Wrapf(err, "parse own address %q", peers[rank])
	}
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %q", peers[rank])
	}
	return New(rank, peers, runID, gdr, lis)
}
