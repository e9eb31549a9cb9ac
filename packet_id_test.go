package mqttc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketIDManager(t *testing.T) {
	t.Run("lowest free first", func(t *testing.T) {
		m := NewPacketIDManager()

		for want := uint16(1); want <= 5; want++ {
			id, err := m.Allocate()
			require.NoError(t, err)
			assert.Equal(t, want, id)
		}

		require.NoError(t, m.Release(2))
		require.NoError(t, m.Release(4))

		id, _ := m.Allocate()
		assert.Equal(t, uint16(2), id)
		id, _ = m.Allocate()
		assert.Equal(t, uint16(4), id)
		id, _ = m.Allocate()
		assert.Equal(t, uint16(6), id)
		assert.Equal(t, 6, m.InUse())
	})

	t.Run("release merges ranges", func(t *testing.T) {
		m := newPacketIDManager(10)
		for range 10 {
			_, err := m.Allocate()
			require.NoError(t, err)
		}

		for _, id := range []uint16{3, 5, 4, 1, 2} {
			require.NoError(t, m.Release(id))
		}
		assert.Equal(t, []idRange{{lo: 1, hi: 5}}, m.free)
		assert.Equal(t, 5, m.InUse())
	})

	t.Run("double release and out of range", func(t *testing.T) {
		m := newPacketIDManager(10)
		id, _ := m.Allocate()

		require.NoError(t, m.Release(id))
		assert.ErrorIs(t, m.Release(id), ErrPacketIDNotFound)
		assert.ErrorIs(t, m.Release(0), ErrPacketIDNotFound)
		assert.ErrorIs(t, m.Release(11), ErrPacketIDNotFound)
		assert.ErrorIs(t, m.Release(7), ErrPacketIDNotFound)
		assert.Zero(t, m.InUse())
	})

	t.Run("exhaustion", func(t *testing.T) {
		m := newPacketIDManager(3)
		for range 3 {
			_, err := m.Allocate()
			require.NoError(t, err)
		}

		_, err := m.Allocate()
		assert.ErrorIs(t, err, ErrPacketIDExhausted)

		require.NoError(t, m.Release(2))
		id, err := m.Allocate()
		require.NoError(t, err)
		assert.Equal(t, uint16(2), id)
	})

	t.Run("full identifier space", func(t *testing.T) {
		m := NewPacketIDManager()
		for range maxPacketID {
			_, err := m.Allocate()
			require.NoError(t, err)
		}
		_, err := m.Allocate()
		assert.ErrorIs(t, err, ErrPacketIDExhausted)
		assert.True(t, m.IsUsed(maxPacketID))

		require.NoError(t, m.Release(maxPacketID))
		assert.False(t, m.IsUsed(maxPacketID))
	})

	t.Run("is used and reset", func(t *testing.T) {
		m := NewPacketIDManager()
		id, _ := m.Allocate()

		assert.True(t, m.IsUsed(id))
		assert.False(t, m.IsUsed(id+1))
		assert.False(t, m.IsUsed(0))

		m.Reset()
		assert.False(t, m.IsUsed(id))
		assert.Zero(t, m.InUse())
	})
}

func BenchmarkPacketIDManager(b *testing.B) {
	m := NewPacketIDManager()

	b.ReportAllocs()
	for b.Loop() {
		id, _ := m.Allocate()
		_ = m.Release(id)
	}
}
