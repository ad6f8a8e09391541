// Package pattern fills transfer buffers with deterministic data and checks them afterwards. Fill and Verify draw
// from the same Stream so the byte order of both sides can never diverge.
package pattern

import (
	"fmt"
	"io"
	"strings"

	"github.com/slackhq/dmabench/dmaerr"
)

type Kind int

const (
	Incremental Kind = iota
	AllOnes
	AllZeros
	Random
	Checkerboard
	WalkingOnes
	WalkingZeros
)

// Kinds lists every pattern.
var Kinds = []Kind{Incremental, AllOnes, AllZeros, Random, Checkerboard, WalkingOnes, WalkingZeros}

var names = map[Kind]string{
	Incremental:  "incremental",
	AllOnes:      "all_ones",
	AllZeros:     "all_zeros",
	Random:       "random",
	Checkerboard: "checkerboard",
	WalkingOnes:  "walking_ones",
	WalkingZeros: "walking_zeros",
}

func (k Kind) String() string {
	if n, ok := names[k]; ok {
		return n
	}
	return fmt.Sprintf("pattern(%d)", int(k))
}

// ParseKind accepts the names String returns, case insensitive, with dashes or underscores.
func ParseKind(s string) (Kind, error) {
	s = strings.ReplaceAll(strings.ToLower(s), "-", "_")
	for _, k := range Kinds {
		if names[k] == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown pattern %q", dmaerr.ErrInvalidParam, s)
}

// Generator is a xorshift128+ pseudo random generator. Each caller owns its own.
type Generator struct {
	s0, s1 uint64
}

// NewGenerator seeds a generator from a 32 bit seed and discards the first 20 outputs.
func NewGenerator(seed uint32) *Generator {
	s := uint64(seed)
	g := &Generator{
		s0: s<<32 | (s ^ 0xDEADBEEF),
		s1: s<<16 | (s ^ 0xCAFEBABE),
	}
	for i := 0; i < 20; i++ {
		g.Next()
	}
	return g
}

func (g *Generator) Next() uint32 {
	x := g.s0
	y := g.s1
	g.s0 = y
	x ^= x << 23
	g.s1 = x ^ y ^ (x >> 18) ^ (y >> 5)
	return uint32(g.s1 + y)
}

// Stream produces the bytes of a pattern in buffer order. It implements io.Reader and never ends.
type Stream struct {
	kind Kind
	off  uint64
	gen  *Generator
	word uint32
}

// Expected returns the stream of kind starting at offset 0. seed only matters for Random.
func Expected(k Kind, seed uint32) *Stream {
	s := &Stream{kind: k}
	if k == Random {
		s.gen = NewGenerator(seed)
	}
	return s
}

// Next returns the byte at the current offset and advances. Random draws one 32 bit word every four bytes and hands
// it out low byte first, a trailing partial word included.
func (s *Stream) Next() byte {
	i := s.off
	s.off++

	switch s.kind {
	case Incremental:
		return byte(i)
	case AllOnes:
		return 0xFF
	case Random:
		if i%4 == 0 {
			s.word = s.gen.Next()
		}
		return byte(s.word >> (8 * (i % 4)))
	case Checkerboard:
		if i&1 == 0 {
			return 0xAA
		}
		return 0x55
	case WalkingOnes:
		return 1 << (i % 8)
	case WalkingZeros:
		return ^byte(1 << (i % 8))
	}
	return 0
}

func (s *Stream) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = s.Next()
	}
	return len(p), nil
}

var _ io.Reader = (*Stream)(nil)

// Fill writes the pattern over buf.
func Fill(buf []byte, k Kind, seed uint32) {
	_, _ = Expected(k, seed).Read(buf)
}

// Mismatch describes the first byte that differs from the expected pattern.
type Mismatch struct {
	OK       bool
	Offset   int
	Expected byte
	Actual   byte
}

func (m Mismatch) String() string {
	if m.OK {
		return "ok"
	}
	return fmt.Sprintf("offset 0x%x expected 0x%02x actual 0x%02x", m.Offset, m.Expected, m.Actual)
}

// Err returns nil for a match and an ErrVerifyFail error otherwise.
func (m Mismatch) Err() error {
	if m.OK {
		return nil
	}
	return fmt.Errorf("%w: %s", dmaerr.ErrVerifyFail, m)
}

// Verify regenerates the pattern and compares it with buf, stopping at the first difference.
func Verify(buf []byte, k Kind, seed uint32) Mismatch {
	s := Expected(k, seed)
	for i, b := range buf {
		if want := s.Next(); b != want {
			return Mismatch{Offset: i, Expected: want, Actual: b}
		}
	}
	return Mismatch{OK: true}
}

// Compare reports the first byte where got differs from want. A length difference is a mismatch at the end of the
// shorter slice.
func Compare(want, got []byte) Mismatch {
	n := min(len(want), len(got))
	for i := 0; i < n; i++ {
		if want[i] != got[i] {
			return Mismatch{Offset: i, Expected: want[i], Actual: got[i]}
		}
	}
	if len(want) != len(got) {
		m := Mismatch{Offset: n}
		if n < len(want) {
			m.Expected = want[n]
		} else {
			m.Actual = got[n]
		}
		return m
	}
	return Mismatch{OK: true}
}
