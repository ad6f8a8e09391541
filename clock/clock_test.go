package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake(t *testing.T) {
	f := NewFake(time.Time{})
	start := f.Now()
	assert.False(t, start.IsZero())

	f.Sleep(10 * time.Microsecond)
	f.Advance(-time.Second)
	f.Advance(5 * time.Microsecond)
	assert.Equal(t, 15*time.Microsecond, Since(f, start))
}

func TestReal(t *testing.T) {
	c := Real()
	start := c.Now()
	c.Sleep(0)
	c.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, Since(c, start), time.Millisecond)
}
