package dmaerr

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "OK"},
		{name: "bare", err: ErrBusy, want: "BUSY"},
		{name: "wrapped", err: fmt.Errorf("%w: channel 3", ErrTimeout), want: "TIMEOUT"},
		{name: "double wrapped", err: fmt.Errorf("lpd: %w", fmt.Errorf("%w: isr 0x10", ErrDMAFail)), want: "DMA_FAIL"},
		{name: "foreign", err: context.Canceled, want: "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}
