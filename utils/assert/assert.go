// Package assert terminates the process on violated aggregation invariants.
// These mark programming errors, not recoverable conditions: once a rank
// holds corrupt gradients or mismatched state, continuing the training run
// would silently poison every peer's model.
package assert

import (
	"fmt"
	"runtime"

	"github.com/distml/gradsum/log"
)

func caller() string {
	_, fn, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", fn, line)
}

// OK terminates when err is non-nil.
func OK(err error) {
	if err != nil {
		log.Exitf("invariant violated at %s: %v", caller(), err)
	}
}

// Truef terminates with a description of the broken invariant when ok is
// false.
func Truef(ok bool, format string, v ...interface{}) {
	if !ok {
		log.Exitf("invariant violated at %s: %s", caller(), fmt.Sprintf(format, v...))
	}
}
