package memregion

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/config"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTable(t *testing.T, allowFallback bool) *Table {
	tbl, err := NewTable(test.NewLogger(), DefaultRegions(), allowFallback)
	require.NoError(t, err)
	return tbl
}

func TestTable_TestAddr(t *testing.T) {
	tbl := newTable(t, false)
	ddr, _ := tbl.Region(DDR4)

	tests := []struct {
		name    string
		region  ID
		offset  uint64
		size    uint64
		want    uint64
		wantErr error
	}{
		{name: "start", region: DDR4, offset: 0, size: 64, want: ddr.TestBase},
		{name: "dst offset", region: DDR4, offset: 16 << 20, size: 16 << 20, want: ddr.TestBase + 16<<20},
		{name: "exact fit", region: DDR4, offset: ddr.TestSize - 64, size: 64, want: ddr.TestBase + ddr.TestSize - 64},
		{name: "one past", region: DDR4, offset: ddr.TestSize - 63, size: 64, wantErr: dmaerr.ErrNoMemory},
		{name: "overflow", region: DDR4, offset: ^uint64(0), size: 2, wantErr: dmaerr.ErrNoMemory},
		{name: "host", region: Host, offset: 0, size: 64, wantErr: dmaerr.ErrInvalidParam},
		{name: "unknown", region: ID(42), offset: 0, size: 64, wantErr: dmaerr.ErrInvalidParam},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := tbl.TestAddr(tt.region, tt.offset, tt.size)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr)
			assert.True(t, tbl.ValidRange(tt.region, addr, tt.size))
		})
	}
}

func TestTable_AllocAligned(t *testing.T) {
	tbl := newTable(t, false)
	r, _ := tbl.Region(Descriptors)

	a, err := tbl.AllocAligned(Descriptors, 100, 64)
	require.NoError(t, err)
	assert.Equal(t, r.TestBase, a)

	b, err := tbl.AllocAligned(Descriptors, 64, 64)
	require.NoError(t, err)
	assert.Equal(t, r.TestBase+128, b, "second allocation is rounded up to the next 64 byte boundary")

	_, err = tbl.AllocAligned(Descriptors, 64, 48)
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)

	_, err = tbl.AllocAligned(Descriptors, r.TestSize, 64)
	assert.ErrorIs(t, err, dmaerr.ErrNoMemory)

	tbl.ResetAllocations(Descriptors)
	c, err := tbl.AllocAligned(Descriptors, r.TestSize, 64)
	require.NoError(t, err)
	assert.Equal(t, r.TestBase, c)
}

func TestTable_Find(t *testing.T) {
	tbl := newTable(t, false)

	id, ok := tbl.Find(0xFFFC_0100, 64)
	assert.True(t, ok)
	assert.Equal(t, OCM, id)
	assert.True(t, tbl.Cacheable(0xFFFC_0100, 64))

	id, ok = tbl.Find(0xB000_0000, 4096)
	assert.True(t, ok)
	assert.Equal(t, BRAM, id)
	assert.False(t, tbl.Cacheable(0xB000_0000, 4096))

	_, ok = tbl.Find(0xF000_0000_0000, 1)
	assert.False(t, ok)
	assert.True(t, tbl.Cacheable(0xF000_0000_0000, 1))
}

func TestTable_Place(t *testing.T) {
	ocm := DefaultRegions()[OCM]

	t.Run("fits", func(t *testing.T) {
		tbl := newTable(t, false)
		p, err := tbl.Place(OCM, 0, DDR4, 96<<20, 4096)
		require.NoError(t, err)
		assert.Equal(t, Placement{Region: OCM, Addr: ocm.TestBase}, p)
	})

	t.Run("fallback disabled", func(t *testing.T) {
		tbl := newTable(t, false)
		_, err := tbl.Place(OCM, 0, DDR4, 96<<20, 1<<20)
		assert.ErrorIs(t, err, dmaerr.ErrNoMemory)
		assert.ErrorContains(t, err, "allow_fallback")
	})

	t.Run("fallback enabled is logged", func(t *testing.T) {
		l, hook := test.NewCapturingLogger()
		tbl, err := NewTable(l, DefaultRegions(), true)
		require.NoError(t, err)

		p, err := tbl.Place(OCM, 0, DDR4, 96<<20, 1<<20)
		require.NoError(t, err)
		assert.True(t, p.FellBack)
		assert.Equal(t, DDR4, p.Region)
		assert.Equal(t, DefaultRegions()[DDR4].TestBase+96<<20, p.Addr)

		require.NotNil(t, hook.LastEntry())
		assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
		assert.Equal(t, "OCM", hook.LastEntry().Data["preferred"])
		assert.Equal(t, "DDR4", hook.LastEntry().Data["fallback"])
	})
}

func TestNewTable_Validation(t *testing.T) {
	rs := DefaultRegions()
	rs[BRAM].TestSize = rs[BRAM].Size * 2
	_, err := NewTable(test.NewLogger(), rs, false)
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)

	rs = DefaultRegions()
	rs[OCM].Name = ""
	_, err = NewTable(test.NewLogger(), rs, false)
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
}

func TestNewTableFromConfig(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
memory:
  allow_fallback: true
  regions:
    - name: bram
      base: 0xA0000000
      size: 128KiB
      test_base: 0xA0000000
      test_size: 64KiB
      cacheable: yes
`))

	tbl, err := NewTableFromConfig(l, c)
	require.NoError(t, err)

	r, err := tbl.Region(BRAM)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xA000_0000), r.Base)
	assert.Equal(t, uint64(128<<10), r.Size)
	assert.Equal(t, uint64(64<<10), r.TestSize)
	assert.True(t, r.Cacheable)
	assert.Equal(t, DefaultRegions()[DDR4], tbl.Regions()[DDR4])
	assert.True(t, tbl.allowFallback)

	require.NoError(t, c.ReloadConfigString("memory:\n  regions:\n    - name: SRAM\n"))
	_, err = NewTableFromConfig(l, c)
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("ocm")
	require.NoError(t, err)
	assert.Equal(t, OCM, id)

	_, err = ParseID("L2")
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
}
