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

// LockedTable is an exclusive handle over a CuckooTable: it holds every
// stripe lock, so the holder may iterate and mutate in place without
// the snapshot protocol, and values that are not trivially copyable are
// safe to touch through it. Release it with Unlock. Once released, the
// handle's table operations (Size, Find, Insert, Erase, Rehash, Iter and
// the like) panic; Unlock, IsActive and Equal remain safe to call.
type LockedTable[K, V any] struct {
	t      *CuckooTable[K, V]
	active bool
}

// LockTable blocks until every stripe lock is acquired and returns the
// exclusive handle.
func (t *CuckooTable[K, V]) LockTable() *LockedTable[K, V] {
	t.lockAllLocks()
	return &LockedTable[K, V]{t: t, active: true}
}

// Unlock releases every stripe lock. The handle is dead afterwards.
func (lt *LockedTable[K, V]) Unlock() {
	if lt.active {
		lt.active = false
		lt.t.unlockAllLocks(true)
	}
}

// IsActive reports whether the handle still holds the locks.
func (lt *LockedTable[K, V]) IsActive() bool { return lt.active }

// Equal reports whether both handles govern the same table.
func (lt *LockedTable[K, V]) Equal(other *LockedTable[K, V]) bool {
	return other != nil && lt.t == other.t
}

func (lt *LockedTable[K, V]) check() {
	if !lt.active {
		panic("seqhash: operation on released locked table")
	}
}

// Size returns the element count.
func (lt *LockedTable[K, V]) Size() uint64 {
	lt.check()
	var s int64
	lt.t.locks.forEach(func(_ uint64, sl *seqlock) {
		s += sl.elemCounter
	})
	return uint64(s)
}

// Hashpower returns log2 of the bucket count.
func (lt *LockedTable[K, V]) Hashpower() uint32 {
	lt.check()
	return uint32(lt.t.buckets.Load().hashpower())
}

// Capacity returns the slot count.
func (lt *LockedTable[K, V]) Capacity() uint64 {
	lt.check()
	return lt.t.buckets.Load().size() * slotPerBucket
}

// Empty reports whether the table holds no elements.
func (lt *LockedTable[K, V]) Empty() bool { return lt.Size() == 0 }

func (lt *LockedTable[K, V]) locate(key K) (*cuckooBucket[K, V], int, uint64, uint64) {
	bkts := lt.t.buckets.Load()
	hp := bkts.hashpower()
	hv := lt.t.hashFn(key)
	p := partialKey(hv)
	i1 := indexHash(hp, hv)
	i2 := altIndex(hp, p, i1)
	if m, _ := lt.t.findSlot(bkts.at(i1), p, key); m >= 0 {
		return bkts.at(i1), m, i1, i1
	}
	if m, _ := lt.t.findSlot(bkts.at(i2), p, key); m >= 0 {
		return bkts.at(i2), m, i2, i1
	}
	return nil, -1, 0, i1
}

// Find returns the value for key.
func (lt *LockedTable[K, V]) Find(key K) (V, bool) {
	lt.check()
	var zero V
	b, slot, _, _ := lt.locate(key)
	if b == nil {
		return zero, false
	}
	return b.vals[slot], true
}

// Insert adds the pair if absent; false if the key already exists.
// A saturated candidate pair grows the table in place, so the handle
// stays valid across the expansion.
func (lt *LockedTable[K, V]) Insert(key K, val V) bool {
	lt.check()
	t := lt.t
	for {
		if b, _, _, _ := lt.locate(key); b != nil {
			return false
		}
		bkts := t.buckets.Load()
		hp := bkts.hashpower()
		hv := t.hashFn(key)
		if t.lockedTryInsert(bkts, hp, key, val) {
			t.locks.at(t.lockInd(indexHash(hp, hv))).elemCounter++
			return true
		}
		if lf := lt.loadFactor(); lf < t.MinimumLoadFactor() {
			panic(&LoadFactorTooLowError{LoadFactor: lf})
		}
		t.cuckooSimpleExpandLocked(hp + 1)
	}
}

func (lt *LockedTable[K, V]) loadFactor() float64 {
	return float64(lt.Size()) / float64(lt.Capacity())
}

// InsertOrAssign adds the pair, overwriting an existing value. Returns
// true if it inserted.
func (lt *LockedTable[K, V]) InsertOrAssign(key K, val V) bool {
	lt.check()
	if b, slot, _, _ := lt.locate(key); b != nil {
		b.vals[slot] = val
		return false
	}
	return lt.Insert(key, val)
}

// Update overwrites the value of an existing key.
func (lt *LockedTable[K, V]) Update(key K, val V) bool {
	lt.check()
	b, slot, _, _ := lt.locate(key)
	if b == nil {
		return false
	}
	b.vals[slot] = val
	return true
}

// Erase removes the key.
func (lt *LockedTable[K, V]) Erase(key K) bool {
	lt.check()
	t := lt.t
	b, slot, _, i1 := lt.locate(key)
	if b == nil {
		return false
	}
	t.buckets.Load().deoccupy(b, slot)
	t.locks.at(t.lockInd(i1)).elemCounter--
	return true
}

// Clear removes every element.
func (lt *LockedTable[K, V]) Clear() {
	lt.check()
	lt.t.buckets.Load().clear()
	lt.t.locks.forEach(func(_ uint64, sl *seqlock) {
		sl.elemCounter = 0
	})
}

// Rehash resizes to 1<<hp buckets. Iterator positions remain in range
// after growth, though elements move between them.
func (lt *LockedTable[K, V]) Rehash(hp uint32) bool {
	lt.check()
	if lt.t.buckets.Load().hashpower() == int32(hp) {
		return false
	}
	lt.t.cuckooSimpleExpandLocked(int32(hp))
	return true
}

// Reserve grows to fit n elements.
func (lt *LockedTable[K, V]) Reserve(n uint64) bool {
	lt.check()
	hp := reserveCalcForSlots(n)
	if int32(hp) <= lt.t.buckets.Load().hashpower() {
		return false
	}
	return lt.Rehash(hp)
}

// LockedIter walks the occupied slots of a locked table in bucket
// order, with in-place mutation of values.
type LockedIter[K, V any] struct {
	lt     *LockedTable[K, V]
	bucket uint64
	slot   int
	valid  bool
}

// Iter returns an iterator positioned on the first occupied slot.
func (lt *LockedTable[K, V]) Iter() *LockedIter[K, V] {
	lt.check()
	it := &LockedIter[K, V]{lt: lt, slot: -1}
	it.Next()
	return it
}

// Valid reports whether the iterator is on an occupied slot.
func (it *LockedIter[K, V]) Valid() bool { return it.valid }

// Next advances to the next occupied slot; Valid turns false past the
// last one.
func (it *LockedIter[K, V]) Next() {
	it.lt.check()
	bkts := it.lt.t.buckets.Load()
	n := bkts.size()
	slot := it.slot + 1
	for b := it.bucket; b < n; b++ {
		bucket := bkts.at(b)
		for ; slot < slotPerBucket; slot++ {
			if bucket.occupied[slot] {
				it.bucket, it.slot, it.valid = b, slot, true
				return
			}
		}
		slot = 0
	}
	it.valid = false
}

// Equal reports whether both iterators sit at the same position of the
// same table.
func (it *LockedIter[K, V]) Equal(other *LockedIter[K, V]) bool {
	if other == nil || it.lt.t != other.lt.t {
		return false
	}
	if !it.valid || !other.valid {
		return it.valid == other.valid
	}
	return it.bucket == other.bucket && it.slot == other.slot
}

// Key returns the key under the iterator.
func (it *LockedIter[K, V]) Key() K {
	return it.lt.t.buckets.Load().at(it.bucket).keys[it.slot]
}

// Value returns the value under the iterator.
func (it *LockedIter[K, V]) Value() V {
	return it.lt.t.buckets.Load().at(it.bucket).vals[it.slot]
}

// SetValue overwrites the value under the iterator in place.
func (it *LockedIter[K, V]) SetValue(v V) {
	it.lt.t.buckets.Load().at(it.bucket).vals[it.slot] = v
}
