package mpi

import (
	"reflect"

	"github.com/pkg/errors"
)

// Request represents an in-flight non-blocking operation. A transport
// completes it exactly once; the caller consumes it with Wait or Waitany.
type Request struct {
	prim string
	done chan struct{}
	err  error

	consumed bool
}

func NewRequest(prim string) *Request {
	return &Request{
		prim: prim,
		done: make(chan struct{}),
	}
}

// Complete marks the operation finished. Called by transports only.
func (r *Request) Complete(err error) {
	r.err = err
	close(r.done)
}

// Wait blocks until the operation finishes and returns its error annotated
// with the primitive name.
func (r *Request) Wait() error {
	<-r.done
	r.consumed = true
	if r.err != nil {
		return errors.Wrap(r.err, r.prim)
	}
	return nil
}

// Waitany blocks until any not-yet-consumed request in rs completes and
// returns its index. Returns -1 when every request has been consumed.
func Waitany(rs []*Request) (int, error) {
	var cases []reflect.SelectCase
	var index []int
	for i, r := range rs {
		if r == nil || r.consumed {
			continue
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(r.done),
		})
		index = append(index, i)
	}
	if len(cases) == 0 {
		return -1, nil
	}
	chosen, _, _ := reflect.Select(cases)
	i := index[chosen]
	rs[i].consumed = true
	if err := rs[i].err; err != nil {
		return i, errors.Wrap(err, rs[i].prim)
	}
	return i, nil
}
