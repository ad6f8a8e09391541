package cachesync

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	ops []string
}

func (r *recorder) Flush(addr uint64, size int) {
	r.ops = append(r.ops, fmt.Sprintf("flush 0x%x+%d", addr, size))
}

func (r *recorder) Invalidate(addr uint64, size int) {
	r.ops = append(r.ops, fmt.Sprintf("invalidate 0x%x+%d", addr, size))
}

func (r *recorder) Barrier() {
	r.ops = append(r.ops, "barrier")
}

type uncachedAbove uint64

func (u uncachedAbove) Cacheable(addr, size uint64) bool {
	return addr < uint64(u)
}

func TestSync_Ordering(t *testing.T) {
	tests := []struct {
		name string
		op   func(s *Sync)
		want []string
	}{
		{
			name: "prepare source",
			op:   func(s *Sync) { s.PrepareSource(0x1000, 64) },
			want: []string{"flush 0x1000+64", "barrier"},
		},
		{
			name: "prepare destination",
			op:   func(s *Sync) { s.PrepareDestination(0x2000, 128) },
			want: []string{"invalidate 0x2000+128", "barrier"},
		},
		{
			name: "complete destination",
			op:   func(s *Sync) { s.CompleteDestination(0x2000, 128) },
			want: []string{"barrier", "invalidate 0x2000+128"},
		},
		{
			name: "flush invalidate",
			op:   func(s *Sync) { s.FlushInvalidate(0x40, 64) },
			want: []string{"flush 0x40+64", "invalidate 0x40+64", "barrier"},
		},
		{
			name: "uncached range only gets the barrier",
			op:   func(s *Sync) { s.PrepareSource(0xB000_0000, 64) },
			want: []string{"barrier"},
		},
		{
			name: "empty range",
			op:   func(s *Sync) { s.PrepareDestination(0x1000, 0) },
			want: []string{"barrier"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &recorder{}
			tt.op(New(r, uncachedAbove(0xA000_0000)))
			assert.Equal(t, tt.want, r.ops)
		})
	}
}

func TestUncached(t *testing.T) {
	s := New(Uncached{}, nil)
	assert.NotPanics(t, func() {
		s.PrepareSource(0, 64)
		s.PrepareDestination(0, 64)
		s.CompleteDestination(0, 64)
	})
}
