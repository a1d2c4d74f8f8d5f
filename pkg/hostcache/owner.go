package hostcache

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync/atomic"
)

// ownerChecker asserts that the cache is only used by one goroutine. It binds
// to the first goroutine that calls check. A disabled checker does nothing.
type ownerChecker struct {
	enabled bool
	owner   atomic.Int64 // 0 means unbound
}

func (c *ownerChecker) check() {
	if !c.enabled {
		return
	}
	id := goroutineID()
	if c.owner.CompareAndSwap(0, id) {
		return
	}
	if owner := c.owner.Load(); owner != id {
		panic(fmt.Sprintf("hostcache: used from goroutine %d, owned by goroutine %d", id, owner))
	}
}

func (c *ownerChecker) detach() {
	c.owner.Store(0)
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id from the first line of the goroutine's stack
// trace ("goroutine 42 [running]:").
func goroutineID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("hostcache: cannot parse goroutine id: %v", err))
	}
	return id
}
