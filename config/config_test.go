package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slackhq/dmabench/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_LoadString(t *testing.T) {
	l := test.NewLogger()

	c := NewC(l)
	assert.Error(t, c.LoadString(" invalid yaml"))
	assert.EqualError(t, c.LoadString(""), "empty configuration")

	// simple multi config merge
	c = NewC(l)
	require.NoError(t, c.LoadString("outer:\n  inner: hi", "outer:\n  inner: override\nnew: hi"))
	expected := map[string]any{
		"outer": map[string]any{
			"inner": "override",
		},
		"new": "hi",
	}
	assert.Equal(t, expected, c.Settings)
}

func TestConfig_Load(t *testing.T) {
	l := test.NewLogger()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "01.yaml"), []byte("bench:\n  suites: [throughput]\n  warmup: 5\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "02.yml"), []byte("bench:\n  suites: [latency]\n  warmup: 2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".03.yaml"), []byte("bench:\n  warmup: 99\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not: yaml: at: all"), 0o644))

	c := NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, 2, c.GetInt("bench.warmup", 0))
	assert.Equal(t, []string{"latency", "throughput"}, c.GetStringSlice("bench.suites", nil))

	c = NewC(l)
	assert.Error(t, c.Load(filepath.Join(dir, "missing")))

	empty := t.TempDir()
	assert.ErrorContains(t, c.Load(empty), "no config files found")
}

func TestConfig_Get(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	c.Settings["engines"] = map[string]any{"lpd": "hi"}
	assert.Equal(t, "hi", c.Get("engines.lpd"))

	inner := []map[string]any{{"name": "DDR4", "cacheable": true}}
	c.Settings["memory"] = map[string]any{"regions": inner}
	assert.EqualValues(t, inner, c.Get("memory.regions"))

	assert.Nil(t, c.Get("engines.nope"))
	assert.False(t, c.IsSet("engines.nope"))
	assert.True(t, c.IsSet("engines.lpd"))
}

func TestConfig_GetBool(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)

	tests := []struct {
		in   any
		def  bool
		want bool
	}{
		{true, false, true},
		{"true", false, true},
		{false, true, false},
		{"false", true, false},
		{"Y", false, true},
		{"yEs", false, true},
		{"N", true, false},
		{"nO", true, false},
		{"maybe", true, true},
	}

	for _, tt := range tests {
		c.Settings["bool"] = tt.in
		assert.Equal(t, tt.want, c.GetBool("bool", tt.def), "%v", tt.in)
	}
}

func TestConfig_Numbers(t *testing.T) {
	l := test.NewLogger()
	c := NewC(l)
	require.NoError(t, c.LoadString(`
engines:
  axidma:
    base: 0xA0000000
    ring_size: 16
dma:
  timeout: 250ms
bench:
  size: 16MiB
  small: 64
  hex: 0x40
  bad: potato
`))

	assert.Equal(t, uint64(0xA0000000), c.GetUint64("engines.axidma.base", 0))
	assert.Equal(t, uint32(0xA0000000), c.GetUint32("engines.axidma.base", 0))
	assert.Equal(t, 16, c.GetInt("engines.axidma.ring_size", 0))
	assert.Equal(t, 250*time.Millisecond, c.GetDuration("dma.timeout", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("dma.missing", time.Second))
	assert.Equal(t, uint64(16<<20), c.GetByteSize("bench.size", 0))
	assert.Equal(t, uint64(64), c.GetByteSize("bench.small", 0))
	assert.Equal(t, uint64(64), c.GetByteSize("bench.hex", 0))
	assert.Equal(t, uint64(7), c.GetByteSize("bench.bad", 7))
	assert.Equal(t, uint64(7), c.GetUint64("bench.bad", 7))
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "64", want: 64},
		{in: "4KiB", want: 4096},
		{in: "4 kb", want: 4096},
		{in: "1M", want: 1 << 20},
		{in: "2GiB", want: 2 << 30},
		{in: "0x1000", want: 0x1000},
		{in: "0xb", want: 0xb},
		{in: "1_024", want: 1024},
		{in: "", wantErr: true},
		{in: "MiB", wantErr: true},
		{in: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestConfig_HasChanged(t *testing.T) {
	l := test.NewLogger()
	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	l := test.NewLogger()
	done := make(chan bool, 1)

	c := NewC(l)
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))
	assert.True(t, c.InitialLoad())

	assert.False(t, c.HasChanged("outer.inner"))
	assert.False(t, c.HasChanged("outer"))
	assert.False(t, c.HasChanged(""))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.False(t, c.InitialLoad())
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))
	assert.True(t, c.HasChanged(""))

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("reload callback was not called")
	}
}
