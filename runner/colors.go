package runner

import "fmt"

// rankPalette cycles the ANSI foreground colors that tell ranks apart in the
// merged console output.
var rankPalette = []int{32, 34, 33, 36, 35}

func colorForRank(rank int, s string) string {
	return fmt.Sprintf("\x1b[1;%dm%s\x1b[m", rankPalette[rank%len(rankPalette)], s)
}
