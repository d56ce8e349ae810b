// Copyright (c) 2026 The seqhash Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package seqhash

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newU64RH(n uint64) *RHTable[uint64, uint64] {
	return NewRHTable[uint64, uint64](n, Uint64Hasher(0), EqualKeys[uint64])
}

// checkRHInvariants verifies, at quiescence, that every occupied slot
// sits exactly dist slots after its original index, inside the window,
// that the Robin-Hood ordering holds along every run, and that bucket
// counters sum to the element count.
func checkRHInvariants(t *testing.T, tab *RHTable[uint64, uint64]) {
	t.Helper()
	hp := tab.slotHashpower()
	window := calcWindowSize(hp)
	slots := uint64(1) << hp
	elems := uint64(0)

	prevOccupied := false
	var prevDist uint16
	for i := uint64(0); i < slots; i++ {
		b := tab.buckets.at(i >> slotPerBucketPow)
		slot := int(i & slotMask)
		if !b.occupied[slot] {
			prevOccupied = false
			continue
		}
		elems++
		dist := b.dists[slot]
		require.Less(t, dist, window, "displacement outside window at slot %d", i)
		oi := getOriginalIndex(hp, tab.hashFn(b.keys[slot]))
		require.Equal(t, i, oi+uint64(dist),
			"slot %d does not sit dist after its original index", i)
		if prevOccupied {
			// A slot's displacement can exceed its predecessor's by at
			// most one; a richer slot never follows a poorer gap.
			require.LessOrEqual(t, int(dist), int(prevDist)+1,
				"robin hood ordering violated at slot %d", i)
		} else {
			require.Equal(t, uint16(0), dist,
				"slot %d displaced with a free slot before it", i)
		}
		prevOccupied, prevDist = true, dist
	}
	require.Equal(t, elems, tab.Size(), "bucket counters disagree with occupancy")
}

func TestRHBasicInsertFindErase(t *testing.T) {
	tab := newU64RH(64)

	require.True(t, tab.Insert(1, 10))
	require.True(t, tab.Insert(2, 20))
	require.True(t, tab.Insert(3, 30))

	v, ok := tab.Find(2)
	require.True(t, ok)
	assert.Equal(t, uint64(20), v)

	assert.True(t, tab.Erase(2))
	_, ok = tab.Find(2)
	assert.False(t, ok)
	assert.False(t, tab.Erase(2))
	assert.Equal(t, uint64(2), tab.Size())
	checkRHInvariants(t, tab)
}

func TestRHInsertOrAssign(t *testing.T) {
	tab := newU64RH(64)

	require.True(t, tab.Insert(7, 70))
	assert.False(t, tab.InsertOrAssign(7, 71))
	v, ok := tab.Find(7)
	require.True(t, ok)
	assert.Equal(t, uint64(71), v)
	assert.Equal(t, uint64(1), tab.Size())
}

func TestRHGet(t *testing.T) {
	tab := newU64RH(64)
	tab.Insert(3, 33)

	v, err := tab.Get(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(33), v)
	_, err = tab.Get(4)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.True(t, tab.Contains(3))
	assert.False(t, tab.Contains(4))
}

func TestRHUpdateFamily(t *testing.T) {
	tab := newU64RH(64)
	tab.Insert(1, 100)

	assert.True(t, tab.Update(1, 101))
	v, _ := tab.Find(1)
	assert.Equal(t, uint64(101), v)
	assert.False(t, tab.Update(2, 1))

	assert.True(t, tab.UpdateFn(1, func(v *uint64) { *v++ }))
	v, _ = tab.Find(1)
	assert.Equal(t, uint64(102), v)
	assert.True(t, tab.UpdateFnUnsafe(1, func(v *uint64) { *v *= 2 }))
	v, _ = tab.Find(1)
	assert.Equal(t, uint64(204), v)
}

func TestRHUpsert(t *testing.T) {
	tab := newU64RH(64)
	inc := func(v *uint64) { *v++ }

	assert.True(t, tab.Upsert(9, inc, 1))
	assert.False(t, tab.Upsert(9, inc, 1))
	v, _ := tab.Find(9)
	assert.Equal(t, uint64(2), v)

	assert.True(t, tab.UpsertUnsafe(10, inc, 5))
	assert.False(t, tab.UpsertUnsafe(10, inc, 5))
	v, _ = tab.Find(10)
	assert.Equal(t, uint64(6), v)
}

// collideUntilHasher sends every key to flat index 0 until the table
// spans more than 1<<shift slots; past that, the keys spread.
func collideUntilHasher(shift uint) Hasher[uint64] {
	return func(k uint64) uint64 { return k << shift }
}

func TestRHDisplacementCluster(t *testing.T) {
	tab := NewRHTable[uint64, uint64](64, collideUntilHasher(30), EqualKeys[uint64])

	// Fewer keys than the window: they form one dense run.
	for k := uint64(0); k < 6; k++ {
		require.True(t, tab.Insert(k, k*10))
	}
	for k := uint64(0); k < 6; k++ {
		v, ok := tab.Find(k)
		require.True(t, ok)
		require.Equal(t, k*10, v)
	}
	checkRHInvariants(t, tab)

	// Erase from the middle of the run; the followers shift back.
	require.True(t, tab.Erase(2))
	require.True(t, tab.Erase(0))
	checkRHInvariants(t, tab)
	for _, k := range []uint64{1, 3, 4, 5} {
		v, ok := tab.Find(k)
		require.True(t, ok, "key %d lost after backward shift", k)
		require.Equal(t, k*10, v)
	}
	assert.Equal(t, uint64(4), tab.Size())
}

func TestRHWindowOverflowTriggersExpansion(t *testing.T) {
	tab := NewRHTable[uint64, uint64](64, collideUntilHasher(12), EqualKeys[uint64])
	startHP := tab.Hashpower()

	// 65 keys sharing one original slot can never fit a 64-slot
	// window: the table must expand until the hash spreads them.
	for k := uint64(0); k < 65; k++ {
		require.True(t, tab.Insert(k, k))
	}
	assert.Greater(t, tab.Hashpower(), startHP)
	assert.Equal(t, uint64(65), tab.Size())
	for k := uint64(0); k < 65; k++ {
		v, ok := tab.Find(k)
		require.True(t, ok, "key %d lost across window expansion", k)
		require.Equal(t, k, v)
	}
	checkRHInvariants(t, tab)
}

func TestRHExpansionPreservesContents(t *testing.T) {
	tab := newU64RH(8)
	const n = 5000
	for k := uint64(0); k < n; k++ {
		require.True(t, tab.Insert(k, k*3))
	}
	require.Equal(t, uint64(n), tab.Size())
	for k := uint64(0); k < n; k++ {
		v, ok := tab.Find(k)
		require.True(t, ok, "key %d lost across expansion", k)
		require.Equal(t, k*3, v)
	}
	checkRHInvariants(t, tab)
}

func TestRHRehashPreservesContents(t *testing.T) {
	tab := newU64RH(64)
	for k := uint64(0); k < 1000; k++ {
		require.True(t, tab.Insert(k, k))
	}

	target := tab.Hashpower() + 2
	if target < 12 {
		target = 12
	}
	require.True(t, tab.Rehash(target))
	require.GreaterOrEqual(t, tab.Hashpower(), target)

	for k := uint64(0); k < 1000; k++ {
		v, ok := tab.Find(k)
		require.True(t, ok)
		require.Equal(t, k, v)
	}
	assert.Equal(t, uint64(1000), tab.Size())
	checkRHInvariants(t, tab)

	// Shrinking is not supported.
	assert.False(t, tab.Rehash(tab.Hashpower()-1))
}

func TestRHReserve(t *testing.T) {
	tab := newU64RH(8)
	hp := tab.Hashpower()
	assert.True(t, tab.Reserve(100000))
	assert.Greater(t, tab.Hashpower(), hp)
	assert.False(t, tab.Reserve(16))
}

func TestRHMaximumHashpowerExceeded(t *testing.T) {
	tab := NewRHTable[uint64, uint64](64, collideUntilHasher(12), EqualKeys[uint64])
	require.NoError(t, tab.SetMaximumHashpower(tab.Hashpower()))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := r.(*MaximumHashpowerExceededError)
		require.True(t, ok, "unexpected panic value %v", r)
	}()

	// Overflow the window at the capped hashpower.
	for k := uint64(0); k < maxWindowSize+1; k++ {
		tab.Insert(k, k)
	}
}

func TestRHSetterValidation(t *testing.T) {
	tab := newU64RH(64)

	assert.ErrorIs(t, tab.SetMinimumLoadFactor(-1), ErrInvalidArgument)
	assert.ErrorIs(t, tab.SetMinimumLoadFactor(2), ErrInvalidArgument)
	require.NoError(t, tab.SetMinimumLoadFactor(0.5))
	assert.Equal(t, 0.5, tab.MinimumLoadFactor())

	assert.ErrorIs(t, tab.SetMaximumHashpower(tab.Hashpower()-1), ErrInvalidArgument)
	require.NoError(t, tab.SetMaximumHashpower(tab.Hashpower()+4))
}

func TestRHClear(t *testing.T) {
	tab := newU64RH(64)
	for k := uint64(0); k < 100; k++ {
		tab.Insert(k, k)
	}
	tab.Clear()
	assert.True(t, tab.Empty())
	_, ok := tab.Find(1)
	assert.False(t, ok)

	require.True(t, tab.Insert(1, 2))
	assert.Equal(t, uint64(1), tab.Size())
	checkRHInvariants(t, tab)
}

func rhContents(tab *RHTable[uint64, uint64]) map[uint64]uint64 {
	out := make(map[uint64]uint64)
	tab.buckets.forEach(func(_ uint64, b *rhBucket[uint64, uint64]) {
		for slot := 0; slot < slotPerBucket; slot++ {
			if b.occupied[slot] {
				out[b.keys[slot]] = b.vals[slot]
			}
		}
	})
	return out
}

func TestRHCopy(t *testing.T) {
	tab := newU64RH(64)
	want := make(map[uint64]uint64)
	for k := uint64(0); k < 500; k++ {
		tab.Insert(k, k^0xff)
		want[k] = k ^ 0xff
	}

	cp := tab.Copy()
	assert.Equal(t, tab.Size(), cp.Size())
	if diff := cmp.Diff(want, rhContents(cp)); diff != "" {
		t.Errorf("copy contents mismatch (-want +got):\n%s", diff)
	}

	cp.Erase(1)
	assert.True(t, tab.Contains(1))
	assert.False(t, cp.Contains(1))
}

func TestRHAgainstMap(t *testing.T) {
	tab := newU64RH(DefaultSize)
	rng := rand.New(rand.NewSource(43))

	mirror := make(map[uint64]uint64)
	for i := 0; i < 20000; i++ {
		k := uint64(rng.Intn(4000))
		switch rng.Intn(4) {
		case 0:
			v := rng.Uint64()
			_, present := mirror[k]
			assert.Equal(t, !present, tab.Insert(k, v))
			if !present {
				mirror[k] = v
			}
		case 1:
			v := rng.Uint64()
			_, present := mirror[k]
			assert.Equal(t, !present, tab.InsertOrAssign(k, v))
			mirror[k] = v
		case 2:
			_, present := mirror[k]
			assert.Equal(t, present, tab.Erase(k))
			delete(mirror, k)
		case 3:
			v, ok := tab.Find(k)
			mv, present := mirror[k]
			require.Equal(t, present, ok)
			if present {
				require.Equal(t, mv, v)
			}
		}
	}
	require.Equal(t, uint64(len(mirror)), tab.Size())
	if diff := cmp.Diff(mirror, rhContents(tab)); diff != "" {
		t.Errorf("table diverged from mirror (-want +got):\n%s", diff)
	}
	checkRHInvariants(t, tab)
}

func TestRHUserPanicLeavesTableUsable(t *testing.T) {
	tab := newU64RH(64)
	tab.Insert(1, 1)

	func() {
		defer func() {
			assert.Equal(t, "boom", recover())
		}()
		tab.UpdateFn(1, func(*uint64) { panic("boom") })
	}()

	assert.True(t, tab.Contains(1))
	assert.True(t, tab.Update(1, 2))
	v, _ := tab.Find(1)
	assert.Equal(t, uint64(2), v)
}

func BenchmarkRHInsert(b *testing.B) {
	tab := newU64RH(uint64(b.N) + 1)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tab.Insert(uint64(i), uint64(i))
	}
}

func BenchmarkRHFind(b *testing.B) {
	tab := newU64RH(1 << 16)
	for i := uint64(0); i < 1<<14; i++ {
		tab.Insert(i, i)
	}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tab.Find(uint64(i) & (1<<14 - 1))
	}
}
