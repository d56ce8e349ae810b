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

// Resize. Doubling appends one segment of pre-locked buckets, then
// re-homes the old half in place: entries whose original index moved
// into the new half are re-inserted there, and entries that stay are
// compacted backwards over the gaps the departures leave, shrinking
// their displacement. Buckets unlock only when the whole migration is
// done, so probes that reach into either half wait it out.

func (t *RHTable[K, V]) lockAllBuckets() {
	t.buckets.forEach(func(_ uint64, b *rhBucket[K, V]) {
		b.lock()
	})
}

func (t *RHTable[K, V]) unlockAllBuckets(modified bool) {
	t.buckets.forEach(func(_ uint64, b *rhBucket[K, V]) {
		if modified {
			b.unlock()
		} else {
			b.unlockNoModified()
		}
	})
}

// lockedInsert places a pair while the whole table is locked. Returns
// false when the pair cannot be placed inside its window at the current
// hashpower.
func (t *RHTable[K, V]) lockedInsert(key K, val V) bool {
	d := t.getRHData(key)
	var locks []*rhBucket[K, V]

	switch t.cycle(key, &d, &locks, true) {
	case cycleOutOfWindow:
		return false
	case cycleNotOccupied:
		t.addToBucket(t.buckets.at(d.bucket), d.slot, d.dist, key, val)
		return true
	case cycleLessDist:
		if !t.pathExists(&d, &locks, true) {
			return false
		}
		t.movePath(&d, key, val)
		return true
	default: // cycleEqual
		return true
	}
}

// migrateLocked doubles capacity and re-homes the old half for the new
// hashpower. Returns false when some entry did not fit its new window;
// the entry stays put and a further doubling re-runs the migration.
func (t *RHTable[K, V]) migrateLocked(currentHP int32) bool {
	t.buckets.doubleSizeLocked()

	oldSlots := uint64(1) << currentHP
	newHP := currentHP + 1
	freeBehind := uint64(0)
	ok := true

	for index := uint64(0); index < oldSlots; index++ {
		b := t.buckets.at(index >> slotPerBucketPow)
		slot := int(index & slotMask)
		if !b.occupied[slot] {
			freeBehind++
			continue
		}

		originalIndex := getOriginalIndex(newHP, t.hashFn(b.keys[slot]))
		switch {
		case originalIndex > index:
			// The new high bit moved this entry's home forward.
			if t.lockedInsert(b.keys[slot], b.vals[slot]) {
				t.delFromBucket(b, slot)
				freeBehind++
			} else {
				ok = false
				freeBehind = 0
			}
		case b.dists[slot] != 0 && freeBehind > 0:
			// Compact backwards over the gap, shrinking displacement.
			bestIndex := index - freeBehind
			if originalIndex > bestIndex {
				bestIndex = originalIndex
			}
			t.addToBucket(t.buckets.at(bestIndex>>slotPerBucketPow),
				int(bestIndex&slotMask), uint16(bestIndex-originalIndex),
				b.keys[slot], b.vals[slot])
			t.delFromBucket(b, slot)
			freeBehind = index - bestIndex
		default:
			freeBehind = 0
		}
	}
	return ok
}

// rhFastDouble doubles the slot count. currentHP is the generation the
// caller planned against; when another writer resized first this is a
// no-op and the caller retries.
func (t *RHTable[K, V]) rhFastDouble(currentHP int32) {
	t.lockAllBuckets()
	g := guard{release: t.unlockAllBuckets, held: true}
	defer g.unlock(true)

	if t.slotHashpower() != currentHP {
		g.unlock(false)
		return
	}

	modified := false
	cur := currentHP
	for {
		newHP := cur + 1
		mhp := t.MaximumHashpower()
		if mhp != NoMaximumHashpower && uint32(newHP) > mhp {
			g.unlock(modified)
			panic(&MaximumHashpowerExceededError{Hashpower: uint32(newHP)})
		}

		modified = true
		if t.migrateLocked(cur) {
			break
		}
		cur = newHP
	}
	g.unlock(true)
}

// Rehash grows the table to at least 1<<hp slots by repeated doubling.
// Returns false when the table is already that large; shrinking is not
// supported.
func (t *RHTable[K, V]) Rehash(hp uint32) bool {
	if int32(hp) <= t.slotHashpower() {
		return false
	}
	for {
		cur := t.slotHashpower()
		if cur >= int32(hp) {
			return true
		}
		t.rhFastDouble(cur)
	}
}

// Reserve grows the table to fit at least n elements plus the window
// tail. Returns false when it was already large enough.
func (t *RHTable[K, V]) Reserve(n uint64) bool {
	target := int32(reserveCalcForSlots(n+maxWindowSize+1)) + slotPerBucketPow
	if target <= t.slotHashpower() {
		return false
	}
	return t.Rehash(uint32(target))
}

// Clear removes every element.
func (t *RHTable[K, V]) Clear() {
	t.lockAllBuckets()
	t.buckets.forEach(func(_ uint64, b *rhBucket[K, V]) {
		for slot := 0; slot < slotPerBucket; slot++ {
			if b.occupied[slot] {
				t.buckets.deoccupy(b, slot)
			}
		}
		b.elemCounter = 0
	})
	t.unlockAllBuckets(true)
}

// Copy returns a deep copy of the table, including per-bucket element
// counters and migrated bits.
func (t *RHTable[K, V]) Copy() *RHTable[K, V] {
	t.lockAllBuckets()
	nt := &RHTable[K, V]{
		hashFn:  t.hashFn,
		eqFn:    t.eqFn,
		buckets: t.buckets.clone(),
	}
	nt.minimumLoadFactor.Store(t.minimumLoadFactor.Load())
	nt.maximumHashpower.Store(t.maximumHashpower.Load())
	t.unlockAllBuckets(false)
	return nt
}
