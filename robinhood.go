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
	"math"
	"sync/atomic"
)

// RHTable is a concurrent Robin-Hood linear-probing hash table. Every
// key has an original slot derived from its hash and may be displaced
// at most a window of slots forward; each slot records its displacement
// and a richer (closer-to-home) occupant always yields to a poorer one.
// One seqlock guards each bucket of slotPerBucket slots. Writers lock
// the buckets they walk in strictly increasing index order; readers
// collect bucket epochs along the probe and validate them after
// snapshotting.
//
// Keys and values must be trivially copyable, as for CuckooTable.
//
// Addressing is in flat slot space: hashpower h means 1<<h slots. The
// original index is clamped so a full window never runs off the end of
// the table; construction reserves the extra tail slots.
type RHTable[K, V any] struct {
	hashFn Hasher[K]
	eqFn   KeyEqual[K]

	buckets *rhBuckets[K, V]

	minimumLoadFactor atomic.Uint64 // float64 bits
	maximumHashpower  atomic.Uint32
}

// NewRHTable creates a table sized for at least n slots plus the
// displacement-window tail.
func NewRHTable[K, V any](n uint64, hash Hasher[K], eq KeyEqual[K]) *RHTable[K, V] {
	t := &RHTable[K, V]{
		hashFn:  hash,
		eqFn:    eq,
		buckets: newRHBuckets[K, V](int32(reserveCalcForSlots(n+maxWindowSize+1)), false),
	}
	t.minimumLoadFactor.Store(math.Float64bits(defaultMinimumLoadFactor))
	t.maximumHashpower.Store(NoMaximumHashpower)
	return t
}

type cycleStatus int

const (
	cycleOutOfWindow cycleStatus = iota
	cycleNotOccupied
	cycleLessDist
	cycleEqual
)

type collectStatus int

const (
	collectRetry collectStatus = iota
	collectFound
	collectNotFound
)

// rhData tracks a probe: the bucket and slot under the cursor, the
// displacement walked so far, and the generation (slot-space hashpower)
// the probe was planned against.
type rhData struct {
	bucket        uint64
	originalIndex uint64
	hp            int32
	window        uint16
	dist          uint16
	slot          int
}

func (d *rhData) outOfWindow() bool {
	return d.dist >= d.window
}

// slotHashpower returns log2 of the slot count.
func (t *RHTable[K, V]) slotHashpower() int32 {
	return t.buckets.hashpower() + slotPerBucketPow
}

func calcWindowSize(hp int32) uint16 {
	w := hp + 1
	if w > maxWindowSize {
		w = maxWindowSize
	}
	return uint16(w)
}

// getOriginalIndex clamps the hashed slot index so that index+window
// stays in range: probes never wrap.
func getOriginalIndex(hp int32, hv uint64) uint64 {
	mask := uint64(1)<<hp - 1
	index := hv & mask
	border := mask - maxWindowSize
	if index <= border {
		return index
	}
	return index - border
}

func (t *RHTable[K, V]) getRHData(key K) rhData {
	hp := t.slotHashpower()
	oi := getOriginalIndex(hp, t.hashFn(key))
	return rhData{
		bucket:        oi >> slotPerBucketPow,
		originalIndex: oi,
		hp:            hp,
		window:        calcWindowSize(hp),
		slot:          int(oi & slotMask),
	}
}

// Capacity/info accessors.

// Hashpower returns log2 of the slot count.
func (t *RHTable[K, V]) Hashpower() uint32 { return uint32(t.slotHashpower()) }

// BucketCount returns the number of seqlock-guarded buckets.
func (t *RHTable[K, V]) BucketCount() uint64 { return t.buckets.size() }

// Capacity returns the total slot count.
func (t *RHTable[K, V]) Capacity() uint64 { return t.buckets.size() * slotPerBucket }

// Size returns the number of elements: the sum of per-bucket element
// counters, exact at quiescence.
func (t *RHTable[K, V]) Size() uint64 {
	var s int64
	t.buckets.forEach(func(_ uint64, b *rhBucket[K, V]) {
		s += b.elemCounter
	})
	if s < 0 {
		return 0
	}
	return uint64(s)
}

// Empty reports whether the table holds no elements.
func (t *RHTable[K, V]) Empty() bool { return t.Size() == 0 }

// LoadFactor returns the ratio of occupied slots to capacity.
func (t *RHTable[K, V]) LoadFactor() float64 {
	return float64(t.Size()) / float64(t.Capacity())
}

// SlotPerBucket returns the number of slots per bucket.
func (t *RHTable[K, V]) SlotPerBucket() int { return slotPerBucket }

// HashFunction returns the table's hasher.
func (t *RHTable[K, V]) HashFunction() Hasher[K] { return t.hashFn }

// KeyEq returns the table's equality predicate.
func (t *RHTable[K, V]) KeyEq() KeyEqual[K] { return t.eqFn }

// MinimumLoadFactor returns the configured expansion threshold. The
// Robin-Hood table records but does not enforce it: window overflow
// must expand regardless of fill.
func (t *RHTable[K, V]) MinimumLoadFactor() float64 {
	return math.Float64frombits(t.minimumLoadFactor.Load())
}

// SetMinimumLoadFactor sets the threshold; mlf must be in [0, 1].
func (t *RHTable[K, V]) SetMinimumLoadFactor(mlf float64) error {
	if mlf < 0 || mlf > 1 {
		return errMinimumLoadFactor(mlf)
	}
	t.minimumLoadFactor.Store(math.Float64bits(mlf))
	return nil
}

// MaximumHashpower returns the expansion cap in slot-space hashpower,
// or NoMaximumHashpower.
func (t *RHTable[K, V]) MaximumHashpower() uint32 {
	return t.maximumHashpower.Load()
}

// SetMaximumHashpower caps expansion at 1<<mhp slots.
func (t *RHTable[K, V]) SetMaximumHashpower(mhp uint32) error {
	if hp := t.Hashpower(); mhp != NoMaximumHashpower && mhp < hp {
		return errMaximumHashpower(mhp, hp)
	}
	t.maximumHashpower.Store(mhp)
	return nil
}

// Reader path.

func noFurtherData(d *rhData, occupied bool, dist uint16) bool {
	return d.outOfWindow() || !occupied || dist+1 < d.dist
}

// collectEpochs probes forward for the key, recording the epoch of
// every bucket it enters. A locked epoch or a generation change aborts
// the attempt.
func (t *RHTable[K, V]) collectEpochs(key K, d *rhData, epochs *[]uint64) collectStatus {
	b := t.buckets.at(d.bucket)
	e := b.getEpoch()
	*epochs = append(*epochs, e)
	if epochLocked(e) || d.hp != t.slotHashpower() {
		return collectRetry
	}

	for {
		for ; d.slot < slotPerBucket; d.slot, d.dist = d.slot+1, d.dist+1 {
			var occ bool
			var dist uint16
			atomicLoadMemcpy(&occ, &b.occupied[d.slot])
			atomicLoadMemcpy(&dist, &b.dists[d.slot])
			if noFurtherData(d, occ, dist) {
				return collectNotFound
			}

			var k K
			atomicLoadMemcpy(&k, &b.keys[d.slot])
			if t.eqFn(k, key) {
				return collectFound
			}
		}
		if d.outOfWindow() {
			return collectNotFound
		}

		d.bucket++
		d.slot = 0
		b = t.buckets.at(d.bucket)
		e = b.getEpoch()
		*epochs = append(*epochs, e)
		if epochLocked(e) {
			return collectRetry
		}
	}
}

// checkEpochs revalidates, newest bucket first, every epoch the probe
// collected.
func (t *RHTable[K, V]) checkEpochs(d *rhData, epochs []uint64) bool {
	first := d.originalIndex >> slotPerBucketPow
	for i := len(epochs) - 1; i >= 0; i-- {
		if epochs[i] != t.buckets.at(first+uint64(i)).getEpoch() {
			return false
		}
	}
	return true
}

// Find returns the value stored for key and whether it was present,
// without locking.
func (t *RHTable[K, V]) Find(key K) (V, bool) {
	var zero V
	for {
		d := t.getRHData(key)
		epochs := make([]uint64, 0, int(d.window)/slotPerBucket+2)

		status := t.collectEpochs(key, &d, &epochs)
		if status == collectRetry {
			continue
		}

		var v V
		if status == collectFound {
			atomicLoadMemcpy(&v, &t.buckets.at(d.bucket).vals[d.slot])
		}

		// Go atomic loads order like acquire fences; re-reading the
		// epochs validates the snapshot.
		if !t.checkEpochs(&d, epochs) {
			continue
		}
		if status == collectFound {
			return v, true
		}
		return zero, false
	}
}

// Get returns the value for key or ErrOutOfRange.
func (t *RHTable[K, V]) Get(key K) (V, error) {
	v, ok := t.Find(key)
	if !ok {
		return v, ErrOutOfRange
	}
	return v, nil
}

// Contains reports whether key is in the table.
func (t *RHTable[K, V]) Contains(key K) bool {
	_, ok := t.Find(key)
	return ok
}

// Writer plumbing.

// lockFirst locks the probe's starting bucket and revalidates the
// generation.
func (t *RHTable[K, V]) lockFirst(d *rhData, locks *[]*rhBucket[K, V]) bool {
	b := t.buckets.at(d.bucket)
	b.lock()
	if t.slotHashpower() != d.hp {
		b.unlockNoModified()
		return false
	}
	*locks = append(*locks, b)
	return true
}

func unlockAllRH[K, V any](locks []*rhBucket[K, V], modified bool) {
	for _, b := range locks {
		if modified {
			b.unlock()
		} else {
			b.unlockNoModified()
		}
	}
}

// nextBucket moves the cursor into the following bucket, locking it
// first in unlocked (live-writer) mode. Lock order is strictly
// increasing bucket index, so concurrent writers cannot deadlock.
func (t *RHTable[K, V]) nextBucket(d *rhData, locks *[]*rhBucket[K, V], tableLocked bool) {
	d.bucket++
	d.slot = 0
	if !tableLocked {
		b := t.buckets.at(d.bucket)
		b.lock()
		*locks = append(*locks, b)
	}
}

// cycle walks the probe forward and classifies the first decisive slot:
// past the window, free, held by a richer occupant, or an exact match.
func (t *RHTable[K, V]) cycle(key K, d *rhData, locks *[]*rhBucket[K, V], tableLocked bool) cycleStatus {
	for {
		b := t.buckets.at(d.bucket)
		for ; d.slot < slotPerBucket; d.slot, d.dist = d.slot+1, d.dist+1 {
			if d.outOfWindow() {
				return cycleOutOfWindow
			}
			if !b.occupied[d.slot] {
				return cycleNotOccupied
			}
			if b.dists[d.slot] < d.dist {
				return cycleLessDist
			}
			if t.eqFn(b.keys[d.slot], key) {
				return cycleEqual
			}
		}
		if d.outOfWindow() {
			return cycleOutOfWindow
		}
		t.nextBucket(d, locks, tableLocked)
	}
}

func (t *RHTable[K, V]) addToBucket(b *rhBucket[K, V], slot int, dist uint16, key K, val V) {
	t.buckets.setKV(b, slot, dist, key, val)
	b.elemCounter++
}

func (t *RHTable[K, V]) delFromBucket(b *rhBucket[K, V], slot int) {
	t.buckets.deoccupy(b, slot)
	b.elemCounter--
}

// pathExists checks, locking forward as it goes, that the displacement
// chain started by a Robin-Hood steal terminates at a free slot inside
// the window.
func (t *RHTable[K, V]) pathExists(d *rhData, locks *[]*rhBucket[K, V], tableLocked bool) bool {
	bucket := d.bucket
	currentDist := t.buckets.at(d.bucket).dists[d.slot] + 1
	dist := d.dist + 1
	slot := d.slot + 1

	for {
		b := t.buckets.at(bucket)
		for ; slot < slotPerBucket; currentDist, dist, slot = currentDist+1, dist+1, slot+1 {
			if dist >= d.window {
				return false
			}
			if !b.occupied[slot] {
				return true
			}
			if b.dists[slot] < currentDist {
				currentDist = b.dists[slot]
			}
		}
		if dist >= d.window {
			return false
		}

		bucket++
		slot = 0
		if !tableLocked {
			nb := t.buckets.at(bucket)
			nb.lock()
			*locks = append(*locks, nb)
		}
	}
}

// movePath performs the Robin-Hood steal: the incoming pair takes the
// cursor slot and the chain of displaced occupants shifts forward until
// one lands in a free slot. Every touched bucket is already locked.
func (t *RHTable[K, V]) movePath(d *rhData, key K, val V) {
	b := t.buckets.at(d.bucket)
	carryK, carryV := b.keys[d.slot], b.vals[d.slot]
	carryDist := b.dists[d.slot]
	t.buckets.deoccupy(b, d.slot)
	t.buckets.setKV(b, d.slot, d.dist, key, val)

	d.slot++
	d.dist = carryDist + 1
	for {
		b = t.buckets.at(d.bucket)
		for ; d.slot < slotPerBucket; d.slot, d.dist = d.slot+1, d.dist+1 {
			if !b.occupied[d.slot] {
				t.addToBucket(b, d.slot, d.dist, carryK, carryV)
				return
			}
			if b.dists[d.slot] < d.dist {
				nextK, nextV := b.keys[d.slot], b.vals[d.slot]
				nextDist := b.dists[d.slot]
				t.buckets.deoccupy(b, d.slot)
				t.buckets.setKV(b, d.slot, d.dist, carryK, carryV)
				carryK, carryV = nextK, nextV
				d.dist = nextDist
			}
		}
		d.bucket++
		d.slot = 0
	}
}

type rhAttempt int

const (
	rhInserted rhAttempt = iota
	rhExists
	rhExpand
	rhRetry
)

// insertAttempt runs one locked insertion attempt; the guard releases
// the probe's lock list on every exit, including a panic out of a user
// callable.
func (t *RHTable[K, V]) insertAttempt(key K, val V, fn func(*V)) (rhAttempt, int32) {
	d := t.getRHData(key)
	var locks []*rhBucket[K, V]
	g := guard{release: func(m bool) { unlockAllRH(locks, m) }}
	defer g.unlock(true)

	if !t.lockFirst(&d, &locks) {
		return rhRetry, d.hp
	}
	g.held = true

	switch t.cycle(key, &d, &locks, false) {
	case cycleOutOfWindow:
		g.unlock(false)
		return rhExpand, d.hp
	case cycleNotOccupied:
		t.addToBucket(t.buckets.at(d.bucket), d.slot, d.dist, key, val)
		g.unlock(true)
		return rhInserted, d.hp
	case cycleLessDist:
		if !t.pathExists(&d, &locks, false) {
			g.unlock(false)
			return rhExpand, d.hp
		}
		t.movePath(&d, key, val)
		g.unlock(true)
		return rhInserted, d.hp
	default: // cycleEqual
		modified := fn != nil
		if modified {
			fn(&t.buckets.at(d.bucket).vals[d.slot])
		}
		g.unlock(modified)
		return rhExists, d.hp
	}
}

// insertFn is the common writer core; see CuckooTable.insertFn for the
// fn contract.
func (t *RHTable[K, V]) insertFn(key K, val V, fn func(*V)) bool {
	for {
		res, hp := t.insertAttempt(key, val, fn)
		switch res {
		case rhInserted:
			return true
		case rhExists:
			return false
		case rhExpand:
			t.rhFastDouble(hp)
		case rhRetry:
			// Another writer resized between hashing and locking.
		}
	}
}

// Insert adds the pair if the key is absent; false if it was present.
func (t *RHTable[K, V]) Insert(key K, val V) bool {
	return t.insertFn(key, val, nil)
}

// InsertOrAssign adds the pair, overwriting the value if the key is
// present. Returns true if it inserted.
func (t *RHTable[K, V]) InsertOrAssign(key K, val V) bool {
	return t.insertFn(key, val, func(v *V) {
		atomicStoreMemcpy(v, val)
	})
}

// Upsert inserts the pair if absent, otherwise runs fn on a copy of
// the value and stores the copy back. Returns true if it inserted.
func (t *RHTable[K, V]) Upsert(key K, fn func(*V), val V) bool {
	return t.insertFn(key, val, func(v *V) {
		updateSafely(true, v, fn)
	})
}

// UpsertUnsafe is Upsert with fn run on live storage.
func (t *RHTable[K, V]) UpsertUnsafe(key K, fn func(*V), val V) bool {
	return t.insertFn(key, val, func(v *V) {
		updateSafely(false, v, fn)
	})
}

func (t *RHTable[K, V]) updateAttempt(key K, fn func(*V)) (found, retry bool) {
	d := t.getRHData(key)
	var locks []*rhBucket[K, V]
	g := guard{release: func(m bool) { unlockAllRH(locks, m) }}
	defer g.unlock(true)

	if !t.lockFirst(&d, &locks) {
		return false, true
	}
	g.held = true

	if t.cycle(key, &d, &locks, false) == cycleEqual {
		fn(&t.buckets.at(d.bucket).vals[d.slot])
		g.unlock(true)
		return true, false
	}
	g.unlock(false)
	return false, false
}

// updateExisting applies fn to the value if the key is present.
func (t *RHTable[K, V]) updateExisting(key K, fn func(*V)) bool {
	for {
		found, retry := t.updateAttempt(key, fn)
		if !retry {
			return found
		}
	}
}

// Update overwrites the value for an existing key.
func (t *RHTable[K, V]) Update(key K, val V) bool {
	return t.updateExisting(key, func(v *V) {
		atomicStoreMemcpy(v, val)
	})
}

// UpdateFn runs fn on a copy of the value for an existing key and
// stores the copy back.
func (t *RHTable[K, V]) UpdateFn(key K, fn func(*V)) bool {
	return t.updateExisting(key, func(v *V) {
		updateSafely(true, v, fn)
	})
}

// UpdateFnUnsafe is UpdateFn with fn run on live storage.
func (t *RHTable[K, V]) UpdateFnUnsafe(key K, fn func(*V)) bool {
	return t.updateExisting(key, func(v *V) {
		updateSafely(false, v, fn)
	})
}

// setOnPrev moves the occupant of (bucket, slot) one slot backwards,
// decrementing its displacement, and frees the source slot. Element
// counters move with it across bucket boundaries.
func (t *RHTable[K, V]) setOnPrev(bucket uint64, slot int) {
	b := t.buckets.at(bucket)
	if slot == 0 {
		prev := t.buckets.at(bucket - 1)
		t.addToBucket(prev, slotPerBucket-1, b.dists[0]-1, b.keys[0], b.vals[0])
		b.elemCounter--
	} else {
		t.buckets.setKV(b, slot-1, b.dists[slot]-1, b.keys[slot], b.vals[slot])
	}
	t.buckets.deoccupy(b, slot)
}

func (t *RHTable[K, V]) eraseAttempt(key K) (erased, retry bool) {
	d := t.getRHData(key)
	var locks []*rhBucket[K, V]
	g := guard{release: func(m bool) { unlockAllRH(locks, m) }}
	defer g.unlock(true)

	if !t.lockFirst(&d, &locks) {
		return false, true
	}
	g.held = true

	if t.cycle(key, &d, &locks, false) != cycleEqual {
		g.unlock(false)
		return false, false
	}

	t.delFromBucket(t.buckets.at(d.bucket), d.slot)
	d.slot++
	for {
		b := t.buckets.at(d.bucket)
		for ; d.slot < slotPerBucket; d.slot++ {
			if !b.occupied[d.slot] || b.dists[d.slot] == 0 {
				g.unlock(true)
				return true, false
			}
			t.setOnPrev(d.bucket, d.slot)
		}
		t.nextBucket(&d, &locks, false)
	}
}

// Erase removes the key, then shifts every follower of the probe chain
// one slot back until a home slot or a free slot stops the run.
func (t *RHTable[K, V]) Erase(key K) bool {
	for {
		erased, retry := t.eraseAttempt(key)
		if !retry {
			return erased
		}
	}
}
