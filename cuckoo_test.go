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
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newU64Cuckoo(n uint64) *CuckooTable[uint64, uint64] {
	return NewCuckooTable[uint64, uint64](n, Uint64Hasher(0), EqualKeys[uint64])
}

// constHasher sends every key to the same hash value.
func constHasher(hv uint64) Hasher[uint64] {
	return func(uint64) uint64 { return hv }
}

// checkCuckooInvariants verifies, at quiescence, that every key sits in
// one of its two candidate buckets with the right partial byte, and
// that the stripe counters sum to the element count.
func checkCuckooInvariants(t *testing.T, tab *CuckooTable[uint64, uint64]) {
	t.Helper()
	bkts := tab.buckets.Load()
	hp := bkts.hashpower()
	elems := uint64(0)
	for i := uint64(0); i < bkts.size(); i++ {
		b := bkts.at(i)
		for slot := 0; slot < slotPerBucket; slot++ {
			if !b.occupied[slot] {
				continue
			}
			elems++
			hv := tab.hashFn(b.keys[slot])
			require.Equal(t, partialKey(hv), b.partials[slot],
				"stored partial does not match hash projection")
			i1 := indexHash(hp, hv)
			i2 := altIndex(hp, b.partials[slot], i1)
			require.True(t, i == i1 || i == i2,
				"key %d found outside its candidate buckets", b.keys[slot])
		}
	}
	require.Equal(t, elems, tab.Size(), "stripe counters disagree with occupancy")
}

func TestCuckooBasicInsertFindErase(t *testing.T) {
	tab := newU64Cuckoo(64)

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
	checkCuckooInvariants(t, tab)
}

func TestCuckooInsertOrAssign(t *testing.T) {
	tab := newU64Cuckoo(64)

	require.True(t, tab.Insert(7, 70))
	assert.False(t, tab.InsertOrAssign(7, 71))
	v, ok := tab.Find(7)
	require.True(t, ok)
	assert.Equal(t, uint64(71), v)
	assert.Equal(t, uint64(1), tab.Size())

	assert.True(t, tab.InsertOrAssign(8, 80))
	assert.Equal(t, uint64(2), tab.Size())
}

func TestCuckooDuplicateInsertKeepsValue(t *testing.T) {
	tab := newU64Cuckoo(64)
	require.True(t, tab.Insert(5, 50))
	require.False(t, tab.Insert(5, 51))
	v, _ := tab.Find(5)
	assert.Equal(t, uint64(50), v)
	assert.Equal(t, uint64(1), tab.Size())
}

func TestCuckooGet(t *testing.T) {
	tab := newU64Cuckoo(64)
	tab.Insert(1, 11)

	v, err := tab.Get(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), v)

	_, err = tab.Get(2)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.True(t, tab.Contains(1))
	assert.False(t, tab.Contains(2))
}

func TestCuckooUpdateFamily(t *testing.T) {
	tab := newU64Cuckoo(64)
	tab.Insert(1, 100)

	assert.True(t, tab.Update(1, 101))
	v, _ := tab.Find(1)
	assert.Equal(t, uint64(101), v)
	assert.False(t, tab.Update(2, 1))

	assert.True(t, tab.UpdateFn(1, func(v *uint64) { *v += 1 }))
	v, _ = tab.Find(1)
	assert.Equal(t, uint64(102), v)
	assert.False(t, tab.UpdateFn(2, func(v *uint64) { *v = 0 }))

	assert.True(t, tab.UpdateFnUnsafe(1, func(v *uint64) { *v *= 2 }))
	v, _ = tab.Find(1)
	assert.Equal(t, uint64(204), v)
}

func TestCuckooUpsert(t *testing.T) {
	tab := newU64Cuckoo(64)

	inc := func(v *uint64) { *v++ }
	assert.True(t, tab.Upsert(9, inc, 1))
	v, _ := tab.Find(9)
	assert.Equal(t, uint64(1), v)

	assert.False(t, tab.Upsert(9, inc, 1))
	v, _ = tab.Find(9)
	assert.Equal(t, uint64(2), v)

	assert.True(t, tab.UpsertUnsafe(10, inc, 5))
	assert.False(t, tab.UpsertUnsafe(10, inc, 5))
	v, _ = tab.Find(10)
	assert.Equal(t, uint64(6), v)
}

func TestCuckooExpansionPreservesContents(t *testing.T) {
	tab := newU64Cuckoo(8)
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
	checkCuckooInvariants(t, tab)
}

func TestCuckooRehashPreservesContents(t *testing.T) {
	tab := newU64Cuckoo(64)
	for k := uint64(0); k < 1000; k++ {
		require.True(t, tab.Insert(k, k))
	}

	target := tab.Hashpower() + 2
	if target < 12 {
		target = 12
	}
	require.True(t, tab.Rehash(target))
	require.Equal(t, target, tab.Hashpower())

	for k := uint64(0); k < 1000; k++ {
		v, ok := tab.Find(k)
		require.True(t, ok)
		require.Equal(t, k, v)
	}
	assert.Equal(t, uint64(1000), tab.Size())
	checkCuckooInvariants(t, tab)

	// Shrink back down; contents survive.
	require.True(t, tab.Rehash(9))
	assert.Equal(t, uint64(1000), tab.Size())
	for k := uint64(0); k < 1000; k++ {
		v, ok := tab.Find(k)
		require.True(t, ok)
		require.Equal(t, k, v)
	}
	checkCuckooInvariants(t, tab)
}

func TestCuckooReserve(t *testing.T) {
	tab := newU64Cuckoo(8)
	hp := tab.Hashpower()
	assert.True(t, tab.Reserve(10000))
	assert.Greater(t, tab.Hashpower(), hp)
	assert.False(t, tab.Reserve(16))
}

func TestCuckooForcedExpansionLoadFactorTooLow(t *testing.T) {
	tab := NewCuckooTable[uint64, uint64](2*slotPerBucket, constHasher(0), EqualKeys[uint64])
	require.NoError(t, tab.SetMinimumLoadFactor(0.6))

	defer func() {
		r := recover()
		require.NotNil(t, r, "insert into saturated candidate pair did not panic")
		lf, ok := r.(*LoadFactorTooLowError)
		require.True(t, ok, "unexpected panic value %v", r)
		assert.Less(t, lf.LoadFactor, 0.6)
	}()

	// All keys share both candidate buckets at every hashpower, so
	// 2*slotPerBucket fit and expansion never makes room for one more:
	// the first doubling drops the load factor to 0.5, below the 0.6
	// minimum, and the next attempt trips the minimum-load-factor guard.
	for k := uint64(0); k < 2*slotPerBucket+1; k++ {
		tab.Insert(k, k)
	}
}

func TestCuckooMaximumHashpowerExceeded(t *testing.T) {
	tab := NewCuckooTable[uint64, uint64](2*slotPerBucket, constHasher(0), EqualKeys[uint64])
	require.NoError(t, tab.SetMinimumLoadFactor(0))
	require.NoError(t, tab.SetMaximumHashpower(tab.Hashpower()))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		mhe, ok := r.(*MaximumHashpowerExceededError)
		require.True(t, ok, "unexpected panic value %v", r)
		assert.Equal(t, tab.Hashpower()+1, mhe.Hashpower)
	}()

	for k := uint64(0); k < 2*slotPerBucket+1; k++ {
		tab.Insert(k, k)
	}
}

func TestCuckooSetterValidation(t *testing.T) {
	tab := newU64Cuckoo(64)

	assert.ErrorIs(t, tab.SetMinimumLoadFactor(-0.1), ErrInvalidArgument)
	assert.ErrorIs(t, tab.SetMinimumLoadFactor(1.5), ErrInvalidArgument)
	require.NoError(t, tab.SetMinimumLoadFactor(0.2))
	assert.Equal(t, 0.2, tab.MinimumLoadFactor())

	assert.ErrorIs(t, tab.SetMaximumHashpower(tab.Hashpower()-1), ErrInvalidArgument)
	require.NoError(t, tab.SetMaximumHashpower(20))
	assert.Equal(t, uint32(20), tab.MaximumHashpower())
	require.NoError(t, tab.SetMaximumHashpower(NoMaximumHashpower))
}

func TestCuckooClear(t *testing.T) {
	tab := newU64Cuckoo(64)
	for k := uint64(0); k < 100; k++ {
		tab.Insert(k, k)
	}
	tab.Clear()
	assert.True(t, tab.Empty())
	assert.Equal(t, uint64(0), tab.Size())
	_, ok := tab.Find(1)
	assert.False(t, ok)

	// The table stays usable after a clear.
	require.True(t, tab.Insert(1, 2))
	assert.Equal(t, uint64(1), tab.Size())
}

func tableContents(tab *CuckooTable[uint64, uint64]) map[uint64]uint64 {
	out := make(map[uint64]uint64)
	lt := tab.LockTable()
	defer lt.Unlock()
	for it := lt.Iter(); it.Valid(); it.Next() {
		out[it.Key()] = it.Value()
	}
	return out
}

func TestCuckooCopy(t *testing.T) {
	tab := newU64Cuckoo(64)
	want := make(map[uint64]uint64)
	for k := uint64(0); k < 500; k++ {
		tab.Insert(k, k^0xff)
		want[k] = k ^ 0xff
	}

	cp := tab.Copy()
	assert.Equal(t, tab.Size(), cp.Size())
	if diff := cmp.Diff(want, tableContents(cp)); diff != "" {
		t.Errorf("copy contents mismatch (-want +got):\n%s", diff)
	}

	// The copy is independent of the original.
	cp.Erase(1)
	assert.True(t, tab.Contains(1))
	assert.False(t, cp.Contains(1))
}

func TestCuckooAgainstMap(t *testing.T) {
	tab := newU64Cuckoo(DefaultSize)
	rng := rand.New(rand.NewSource(42))

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
	if diff := cmp.Diff(mirror, tableContents(tab)); diff != "" {
		t.Errorf("table diverged from mirror (-want +got):\n%s", diff)
	}
	checkCuckooInvariants(t, tab)
}

func TestCuckooUserPanicLeavesTableUsable(t *testing.T) {
	boom := errors.New("boom")
	tab := newU64Cuckoo(64)
	tab.Insert(1, 1)

	func() {
		defer func() {
			assert.Equal(t, boom, recover())
		}()
		tab.UpdateFn(1, func(*uint64) { panic(boom) })
	}()

	// A panicking callable must not leave stripe locks held.
	assert.True(t, tab.Contains(1))
	assert.True(t, tab.Update(1, 2))
	v, _ := tab.Find(1)
	assert.Equal(t, uint64(2), v)
}

func BenchmarkCuckooInsert(b *testing.B) {
	tab := newU64Cuckoo(uint64(b.N) + 1)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tab.Insert(uint64(i), uint64(i))
	}
}

func BenchmarkCuckooFind(b *testing.B) {
	tab := newU64Cuckoo(1 << 16)
	for i := uint64(0); i < 1<<14; i++ {
		tab.Insert(i, i)
	}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tab.Find(uint64(i) & (1<<14 - 1))
	}
}

func BenchmarkMapInsert(b *testing.B) {
	m := make(map[uint64]uint64)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		m[uint64(i)] = uint64(i)
	}
}

func BenchmarkMapFind(b *testing.B) {
	m := make(map[uint64]uint64)
	for i := uint64(0); i < 1<<14; i++ {
		m[i] = i
	}
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = m[uint64(i)&(1<<14-1)]
	}
}
