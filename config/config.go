package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	LogLevelEnvKey      = `GRADSUM_LOG_LEVEL`
	DetailProfileEnvKey = `GRADSUM_DETAIL_PROFILE`
	PackThresholdEnvKey = `GRADSUM_PACK_THRESHOLD`
	UseGdrEnvKey        = `GRADSUM_USE_GDR`
	MonitorAddrEnvKey   = `GRADSUM_MONITOR_ADDR`

	RankEnvKey  = `GRADSUM_RANK`
	PeersEnvKey = `GRADSUM_PEERS`
	RunIDEnvKey = `GRADSUM_RUN_ID`
)

var ConfigEnvKeys = []string{
	LogLevelEnvKey,
	DetailProfileEnvKey,
	PackThresholdEnvKey,
	UseGdrEnvKey,
	MonitorAddrEnvKey,
	RankEnvKey,
	PeersEnvKey,
	RunIDEnvKey,
}

// DefaultPackThresholdBytes is the size at or below which a gradient joins
// the packed scratch buffer in synchronous mode.
const DefaultPackThresholdBytes = 32 << 10

var (
	LogLevel      = `INFO`
	DetailProfile = false
	PackThreshold = DefaultPackThresholdBytes
	MonitorAddr   = ``
)

func init() {
	if val := os.Getenv(LogLevelEnvKey); len(val) > 0 {
		LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv(DetailProfileEnvKey); len(val) > 0 {
		DetailProfile = isTrue(val)
	}
	if val := os.Getenv(MonitorAddrEnvKey); len(val) > 0 {
		MonitorAddr = val
	}
	if val := os.Getenv(PackThresholdEnvKey); len(val) > 0 {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			PackThreshold = n
		}
	}
}

func isTrue(val string) bool {
	return val == "true" || val == "1"
}
