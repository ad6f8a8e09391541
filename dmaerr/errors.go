// Package dmaerr holds the error taxonomy shared by every engine, the poller
// and the benchmark harness.
package dmaerr

import "errors"

var (
	// ErrInvalidParam is returned when a caller violates a contract: a length out
	// of range, a missing buffer or an unknown channel.
	ErrInvalidParam = errors.New("invalid parameter")
	// ErrNotInit is returned when an engine or channel is used before setup.
	ErrNotInit = errors.New("not initialized")
	// ErrBusy is returned when a start is requested while the channel is still
	// running on an engine without queuing.
	ErrBusy = errors.New("channel busy")
	// ErrTimeout is returned when completion was not observed before the deadline.
	ErrTimeout = errors.New("timed out")
	// ErrDMAFail is returned when the hardware reported a transfer error.
	ErrDMAFail = errors.New("dma transfer failed")
	// ErrVerifyFail is returned when transferred data did not match the pattern.
	ErrVerifyFail = errors.New("data verification failed")
	// ErrNoMemory is returned when the region allocator is exhausted.
	ErrNoMemory = errors.New("no memory")
	// ErrNotSupported is returned when a capability is not present on the engine.
	ErrNotSupported = errors.New("not supported")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidParam, "INVALID_PARAM"},
	{ErrNotInit, "NOT_INIT"},
	{ErrBusy, "BUSY"},
	{ErrTimeout, "TIMEOUT"},
	{ErrDMAFail, "DMA_FAIL"},
	{ErrVerifyFail, "VERIFY_FAIL"},
	{ErrNoMemory, "NO_MEMORY"},
	{ErrNotSupported, "NOT_SUPPORTED"},
}

// Code returns the short code for err, "OK" for nil and "UNKNOWN" for errors
// outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return "OK"
	}

	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}

	return "UNKNOWN"
}
