package regs

import (
	"fmt"
	"sync"
)

// Access is one recorded register access.
type Access struct {
	Write bool
	Off   uint32
	Val   uint32
}

func (a Access) String() string {
	if a.Write {
		return fmt.Sprintf("W 0x%03x=0x%08x", a.Off, a.Val)
	}
	return fmt.Sprintf("R 0x%03x=0x%08x", a.Off, a.Val)
}

// Map is an in memory register file. Writes are stored unless a write hook is installed for the offset, in which
// case the hook decides what is stored. Reads go through read hooks, letting a model compute status lazily.
// Every access is recorded when recording is on.
type Map struct {
	m       sync.Mutex
	vals    map[uint32]uint32
	onWrite map[uint32]func(old, v uint32) uint32
	onRead  map[uint32]func(v uint32) uint32
	record  bool
	log     []Access
}

func NewMap() *Map {
	return &Map{
		vals:    make(map[uint32]uint32),
		onWrite: make(map[uint32]func(old, v uint32) uint32),
		onRead:  make(map[uint32]func(v uint32) uint32),
	}
}

// OnWrite installs f for writes to off. f receives the stored and written values and returns the value to store.
// f is called without the map lock held, so it may access other registers.
func (m *Map) OnWrite(off uint32, f func(old, v uint32) uint32) {
	m.m.Lock()
	m.onWrite[off] = f
	m.m.Unlock()
}

// OnRead installs f for reads of off. f receives the stored value and returns the value to report.
func (m *Map) OnRead(off uint32, f func(v uint32) uint32) {
	m.m.Lock()
	m.onRead[off] = f
	m.m.Unlock()
}

// W1C installs a write-one-to-clear hook on off.
func (m *Map) W1C(off uint32) {
	m.OnWrite(off, func(old, v uint32) uint32 { return old &^ v })
}

func (m *Map) Read32(off uint32) uint32 {
	m.m.Lock()
	v := m.vals[off]
	f := m.onRead[off]
	m.m.Unlock()

	if f != nil {
		v = f(v)
	}

	m.m.Lock()
	if m.record {
		m.log = append(m.log, Access{Off: off, Val: v})
	}
	m.m.Unlock()
	return v
}

func (m *Map) Write32(off uint32, v uint32) {
	m.m.Lock()
	old := m.vals[off]
	f := m.onWrite[off]
	if m.record {
		m.log = append(m.log, Access{Write: true, Off: off, Val: v})
	}
	m.m.Unlock()

	nv := v
	if f != nil {
		nv = f(old, v)
	}

	m.m.Lock()
	m.vals[off] = nv
	m.m.Unlock()
}

// Peek returns the stored value without hooks or recording.
func (m *Map) Peek(off uint32) uint32 {
	m.m.Lock()
	defer m.m.Unlock()
	return m.vals[off]
}

// Poke stores v without hooks or recording, as the device side of a register would.
func (m *Map) Poke(off uint32, v uint32) {
	m.m.Lock()
	m.vals[off] = v
	m.m.Unlock()
}

// Update atomically applies f to the stored value of off, bypassing hooks.
func (m *Map) Update(off uint32, f func(v uint32) uint32) {
	m.m.Lock()
	m.vals[off] = f(m.vals[off])
	m.m.Unlock()
}

// Record turns access recording on or off and clears the log.
func (m *Map) Record(on bool) {
	m.m.Lock()
	m.record = on
	m.log = nil
	m.m.Unlock()
}

// Log returns the recorded accesses.
func (m *Map) Log() []Access {
	m.m.Lock()
	defer m.m.Unlock()
	out := make([]Access, len(m.log))
	copy(out, m.log)
	return out
}

// Writes returns the recorded writes only.
func (m *Map) Writes() []Access {
	var out []Access
	for _, a := range m.Log() {
		if a.Write {
			out = append(out, a)
		}
	}
	return out
}
