package cachesync

import "sync/atomic"

var fence atomic.Uint32

// barrier is a full memory fence as far as the Go memory model can express one: a sequentially consistent atomic
// read-modify-write. Device ordering on arm64 additionally relies on the uncached mapping.
func barrier() {
	fence.Add(1)
}
