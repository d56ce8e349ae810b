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

// Expansion. Fast doubling appends one storage segment and re-homes
// each key by the new high bit of its bucket index: every key either
// keeps its bucket or moves to bucket+oldBucketCount, into the same
// slot of a freshly-zeroed bucket. Simple expansion rebuilds the table
// into a new container at an arbitrary hashpower. Both run under every
// stripe lock; in-flight readers spin on the locked epochs and retry
// with the new generation.

func (t *CuckooTable[K, V]) lockAllLocks() {
	n := t.locks.size()
	for i := uint64(0); i < n; i++ {
		t.locks.at(i).lock()
	}
}

func (t *CuckooTable[K, V]) unlockAllLocks(modified bool) {
	n := t.locks.size()
	for i := uint64(0); i < n; i++ {
		if modified {
			t.locks.at(i).unlock()
		} else {
			t.locks.at(i).unlockNoModified()
		}
	}
}

func (t *CuckooTable[K, V]) setAllMigrated(migrated bool) {
	n := t.locks.size()
	for i := uint64(0); i < n; i++ {
		t.locks.at(i).setMigrated(migrated)
	}
}

// checkMaximumHashpower panics when an expansion target passes the
// configured cap; the caller's guard releases any held locks.
func (t *CuckooTable[K, V]) checkMaximumHashpower(newHP int32) {
	mhp := t.MaximumHashpower()
	if mhp != NoMaximumHashpower && uint32(newHP) > mhp {
		panic(&MaximumHashpowerExceededError{Hashpower: uint32(newHP)})
	}
}

// cuckooFastDouble doubles the bucket count in place. currentHP is the
// hashpower the caller based its decision on; if another thread resized
// first, this is a no-op and the caller retries its insert.
func (t *CuckooTable[K, V]) cuckooFastDouble(currentHP int32) {
	t.lockAllLocks()
	g := guard{release: t.unlockAllLocks, held: true}
	defer g.unlock(true)

	bkts := t.buckets.Load()
	if bkts.hashpower() != currentHP {
		g.unlock(false)
		return
	}
	newHP := currentHP + 1
	t.checkMaximumHashpower(newHP)

	t.setAllMigrated(false)
	bkts.doubleSize()

	oldBuckets := uint64(1) << currentHP
	for i := uint64(0); i < oldBuckets; i++ {
		b := bkts.at(i)
		for slot := 0; slot < slotPerBucket; slot++ {
			if !b.occupied[slot] {
				continue
			}
			key := b.keys[slot]
			p := b.partials[slot]
			hv := t.hashFn(key)

			oi1 := indexHash(currentHP, hv)
			ni1 := indexHash(newHP, hv)
			var ni uint64
			if oi1 == i {
				ni = ni1
			} else {
				ni = altIndex(newHP, p, ni1)
			}

			// The key's primary stripe may change when the stripe
			// count exceeds the old bucket count.
			if t.lockInd(ni1) != t.lockInd(oi1) {
				t.locks.at(t.lockInd(oi1)).elemCounter--
				t.locks.at(t.lockInd(ni1)).elemCounter++
			}

			if ni != i {
				bkts.setKV(bkts.at(ni), slot, p, key, b.vals[slot])
				bkts.deoccupy(b, slot)
			}
		}
	}

	t.setAllMigrated(true)
	g.unlock(true)
}

// lockedTryInsert places the pair in a free candidate slot of nb, if
// one exists. Locked mode: the caller owns every lock.
func (t *CuckooTable[K, V]) lockedTryInsert(nb *cuckooBuckets[K, V], nhp int32, key K, val V) bool {
	hv := t.hashFn(key)
	p := partialKey(hv)
	i1 := indexHash(nhp, hv)
	i2 := altIndex(nhp, p, i1)

	b1, b2 := nb.at(i1), nb.at(i2)
	target := b1
	f1, f2 := freeSlots(b1), freeSlots(b2)
	if f2 > f1 {
		target = b2
	}
	if f1 == 0 && f2 == 0 {
		return false
	}
	_, free := t.findSlot(target, p, key)
	nb.setKV(target, free, p, key, val)
	return true
}

// lockedGreedyAdd resolves a full candidate pair in locked mode by a
// random walk: evict a random occupant, place the carried pair, then
// carry the evicted pair onward. Expected steps are logarithmic in the
// table size; past the bound the container is declared full.
func (t *CuckooTable[K, V]) lockedGreedyAdd(nb *cuckooBuckets[K, V], nhp int32, key K, val V, hv uint64) bool {
	r := fastrand{x: uint32(hv>>32) | 1}
	maxSteps := (1 + int(nhp)) * randomWalkCoefficient

	curK, curV := key, val
	for step := 0; step < maxSteps; step++ {
		if t.lockedTryInsert(nb, nhp, curK, curV) {
			return true
		}

		chv := t.hashFn(curK)
		cp := partialKey(chv)
		i1 := indexHash(nhp, chv)
		bucket := i1
		if r.next()&1 == 1 {
			bucket = altIndex(nhp, cp, i1)
		}
		slot := int(r.next()) & slotMask

		b := nb.at(bucket)
		ek, ev := b.keys[slot], b.vals[slot]
		nb.deoccupy(b, slot)
		nb.setKV(b, slot, cp, curK, curV)
		curK, curV = ek, ev
	}
	return false
}

// cuckooSimpleExpandLocked rebuilds the table into a fresh container of
// at least targetHP buckets, re-inserting every key. Caller holds all
// locks. Retries one power higher whenever the target cannot absorb the
// elements.
func (t *CuckooTable[K, V]) cuckooSimpleExpandLocked(targetHP int32) {
	old := t.buckets.Load()

	for {
		t.checkMaximumHashpower(targetHP)
		nb := newCuckooBuckets[K, V](targetHP)
		fits := true

	refill:
		for i := uint64(0); i < old.size(); i++ {
			b := old.at(i)
			for slot := 0; slot < slotPerBucket; slot++ {
				if !b.occupied[slot] {
					continue
				}
				key, val := b.keys[slot], b.vals[slot]
				if t.lockedTryInsert(nb, targetHP, key, val) {
					continue
				}
				if !t.lockedGreedyAdd(nb, targetHP, key, val, t.hashFn(key)) {
					fits = false
					break refill
				}
			}
		}
		if !fits {
			targetHP++
			continue
		}

		// Rebind element counters to the new bucket indices.
		t.locks.forEach(func(_ uint64, sl *seqlock) {
			sl.elemCounter = 0
		})
		for i := uint64(0); i < nb.size(); i++ {
			b := nb.at(i)
			for slot := 0; slot < slotPerBucket; slot++ {
				if b.occupied[slot] {
					hv := t.hashFn(b.keys[slot])
					t.locks.at(t.lockInd(indexHash(targetHP, hv))).elemCounter++
				}
			}
		}
		t.buckets.Store(nb)
		return
	}
}

// Rehash resizes the table to 1<<hp buckets, growing or shrinking.
// Returns false when the table is already at that hashpower. A shrink
// target too small for the current elements is raised until they fit.
func (t *CuckooTable[K, V]) Rehash(hp uint32) bool {
	t.lockAllLocks()
	g := guard{release: t.unlockAllLocks, held: true}
	defer g.unlock(true)

	if t.buckets.Load().hashpower() == int32(hp) {
		g.unlock(false)
		return false
	}
	t.setAllMigrated(false)
	t.cuckooSimpleExpandLocked(int32(hp))
	t.setAllMigrated(true)
	g.unlock(true)
	return true
}

// Reserve grows the table to fit at least n elements without further
// expansion. Returns false when it was already large enough.
func (t *CuckooTable[K, V]) Reserve(n uint64) bool {
	hp := reserveCalcForSlots(n)
	if hp <= t.Hashpower() {
		return false
	}
	return t.Rehash(hp)
}

// Clear removes every element.
func (t *CuckooTable[K, V]) Clear() {
	t.lockAllLocks()
	t.buckets.Load().clear()
	t.locks.forEach(func(_ uint64, sl *seqlock) {
		sl.elemCounter = 0
	})
	t.unlockAllLocks(true)
}

// Copy returns a deep copy of the table, including stripe element
// counters and migrated bits.
func (t *CuckooTable[K, V]) Copy() *CuckooTable[K, V] {
	t.lockAllLocks()
	nt := &CuckooTable[K, V]{
		hashFn: t.hashFn,
		eqFn:   t.eqFn,
		locks:  t.locks.clone(),
	}
	nt.buckets.Store(t.buckets.Load().clone())
	nt.minimumLoadFactor.Store(t.minimumLoadFactor.Load())
	nt.maximumHashpower.Store(t.maximumHashpower.Load())
	t.unlockAllLocks(false)
	return nt
}
