package mqttc

import (
	"errors"
	"slices"
	"sort"
	"sync"
)

// Packet identifier errors.
var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not in use")
)

const maxPacketID = 65535

// idRange is an inclusive range of free identifiers.
type idRange struct {
	lo, hi uint16
}

// PacketIDManager hands out packet identifiers from an ordered set of free
// ranges. The lowest free identifier is always allocated first, and an
// identifier is never handed out twice before it is released.
type PacketIDManager struct {
	mu    sync.Mutex
	max   uint16
	free  []idRange
	inUse int
}

// NewPacketIDManager returns a manager for identifiers 1 to 65535.
func NewPacketIDManager() *PacketIDManager {
	return newPacketIDManager(maxPacketID)
}

func newPacketIDManager(maxID uint16) *PacketIDManager {
	m := &PacketIDManager{max: maxID}
	m.reset()
	return m
}

func (m *PacketIDManager) reset() {
	m.free = append(m.free[:0], idRange{lo: 1, hi: m.max})
	m.inUse = 0
}

// Allocate returns the lowest free identifier.
func (m *PacketIDManager) Allocate() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.free) == 0 {
		return 0, ErrPacketIDExhausted
	}

	first := &m.free[0]
	id := first.lo
	if first.lo == first.hi {
		m.free = slices.Delete(m.free, 0, 1)
	} else {
		first.lo++
	}
	m.inUse++

	return id, nil
}

// Release returns id to the free set, merging it with adjacent ranges.
func (m *PacketIDManager) Release(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == 0 || id > m.max {
		return ErrPacketIDNotFound
	}

	// i is the first range that starts above id.
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].lo > id })
	if i > 0 && m.free[i-1].hi >= id {
		return ErrPacketIDNotFound
	}

	joinPrev := i > 0 && m.free[i-1].hi == id-1
	joinNext := i < len(m.free) && m.free[i].lo == id+1

	switch {
	case joinPrev && joinNext:
		m.free[i-1].hi = m.free[i].hi
		m.free = slices.Delete(m.free, i, i+1)
	case joinPrev:
		m.free[i-1].hi = id
	case joinNext:
		m.free[i].lo = id
	default:
		m.free = slices.Insert(m.free, i, idRange{lo: id, hi: id})
	}
	m.inUse--

	return nil
}

// IsUsed reports whether id is currently allocated.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == 0 || id > m.max {
		return false
	}
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].lo > id })
	return i == 0 || m.free[i-1].hi < id
}

// InUse returns the number of allocated identifiers.
func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

// Reset frees every identifier.
func (m *PacketIDManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}
