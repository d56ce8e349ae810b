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

// The containers specialize segmented storage for each bucket flavor.
// Slot publication goes through atomicStoreMemcpy so a snapshot reader
// sees word-consistent fields, and the occupied flag is always written
// last on construction and first on destruction.

type cuckooBuckets[K, V any] struct {
	storage[cuckooBucket[K, V]]
}

func newCuckooBuckets[K, V any](hp int32) *cuckooBuckets[K, V] {
	bc := &cuckooBuckets[K, V]{}
	bc.initStorage(hp)
	return bc
}

func (bc *cuckooBuckets[K, V]) setKV(b *cuckooBucket[K, V], slot int, partial uint8, k K, v V) {
	atomicStoreMemcpy(&b.partials[slot], partial)
	atomicStoreMemcpy(&b.keys[slot], k)
	atomicStoreMemcpy(&b.vals[slot], v)
	atomicStoreMemcpy(&b.occupied[slot], true)
}

func (bc *cuckooBuckets[K, V]) deoccupy(b *cuckooBucket[K, V], slot int) {
	atomicStoreMemcpy(&b.occupied[slot], false)
}

func (bc *cuckooBuckets[K, V]) clear() {
	bc.forEach(func(_ uint64, b *cuckooBucket[K, V]) {
		for slot := 0; slot < slotPerBucket; slot++ {
			if b.occupied[slot] {
				bc.deoccupy(b, slot)
			}
		}
	})
}

// clone deep-copies the container slot by slot through the same
// publication path as live inserts.
func (bc *cuckooBuckets[K, V]) clone() *cuckooBuckets[K, V] {
	out := newCuckooBuckets[K, V](bc.hashpower())
	bc.forEach(func(i uint64, b *cuckooBucket[K, V]) {
		dst := out.at(i)
		for slot := 0; slot < slotPerBucket; slot++ {
			if b.occupied[slot] {
				out.setKV(dst, slot, b.partials[slot], b.keys[slot], b.vals[slot])
			}
		}
	})
	return out
}

type rhBuckets[K, V any] struct {
	storage[rhBucket[K, V]]
}

// newRHBuckets creates 1<<hp buckets; locked controls the initial lock
// state of every bucket's seqlock (resize appends pre-locked buckets so
// probes into the new half wait out the migration).
func newRHBuckets[K, V any](hp int32, locked bool) *rhBuckets[K, V] {
	bc := &rhBuckets[K, V]{}
	bc.initStorage(hp)
	bc.forEach(func(_ uint64, b *rhBucket[K, V]) {
		b.init(locked, true)
	})
	return bc
}

func (bc *rhBuckets[K, V]) setKV(b *rhBucket[K, V], slot int, dist uint16, k K, v V) {
	atomicStoreMemcpy(&b.dists[slot], dist)
	atomicStoreMemcpy(&b.keys[slot], k)
	atomicStoreMemcpy(&b.vals[slot], v)
	atomicStoreMemcpy(&b.occupied[slot], true)
}

func (bc *rhBuckets[K, V]) deoccupy(b *rhBucket[K, V], slot int) {
	atomicStoreMemcpy(&b.occupied[slot], false)
}

// doubleSizeLocked appends one segment of pre-locked buckets.
func (bc *rhBuckets[K, V]) doubleSizeLocked() int32 {
	newHP := bc.hashpower() + 1
	seg := make([]rhBucket[K, V], segmentSize(newHP))
	for i := range seg {
		seg[i].init(true, true)
	}
	bc.data[newHP] = seg
	bc.hp.Store(newHP)
	return newHP
}

// clone deep-copies buckets including their seqlock element counters
// and migrated bits; the clones' locks start released.
func (bc *rhBuckets[K, V]) clone() *rhBuckets[K, V] {
	out := newRHBuckets[K, V](bc.hashpower(), false)
	bc.forEach(func(i uint64, b *rhBucket[K, V]) {
		dst := out.at(i)
		dst.setMigrated(epochMigrated(b.getEpoch()))
		dst.elemCounter = b.elemCounter
		for slot := 0; slot < slotPerBucket; slot++ {
			if b.occupied[slot] {
				out.setKV(dst, slot, b.dists[slot], b.keys[slot], b.vals[slot])
			}
		}
	})
	return out
}

// lockContainer holds the cuckoo table's lock array: seqlocks striped
// over buckets by index modulo the array size.
type lockContainer struct {
	storage[seqlock]
}

func newLockContainer(hp int32) *lockContainer {
	lc := &lockContainer{}
	lc.initStorage(hp)
	lc.forEach(func(_ uint64, sl *seqlock) {
		sl.init(false, true)
	})
	return lc
}

// clone copies element counters and migrated flags; locks start
// released.
func (lc *lockContainer) clone() *lockContainer {
	out := newLockContainer(lc.hashpower())
	lc.forEach(func(i uint64, sl *seqlock) {
		dst := out.at(i)
		dst.setMigrated(epochMigrated(sl.getEpoch()))
		dst.elemCounter = sl.elemCounter
	})
	return out
}

func (lc *lockContainer) mask() uint64 {
	return lc.size() - 1
}
