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

// altIndexMul spreads the partial byte over the index bits; the xor
// keeps alternate-index computation self-inverse.
const altIndexMul = 0xc6a4a7935bd1e995

// randomWalkCoefficient scales the step bound of the locked-mode greedy
// eviction walk. Best determined by benchmarks.
const randomWalkCoefficient = 4

// CuckooTable is a concurrent bucketized cuckoo hash table. Every key
// lives in one of two candidate buckets derived from its hash; writers
// take the two governing stripe locks in canonical order, readers
// validate stripe epochs around a word-wise snapshot and retry on any
// concurrent modification.
//
// Keys and values must be trivially copyable: no interior pointers that
// concurrent snapshot readers could observe torn. This is a documented
// contract, not one the type system enforces.
type CuckooTable[K, V any] struct {
	hashFn Hasher[K]
	eqFn   KeyEqual[K]

	buckets atomic.Pointer[cuckooBuckets[K, V]]
	locks   *lockContainer

	minimumLoadFactor atomic.Uint64 // float64 bits
	maximumHashpower  atomic.Uint32
}

// NewCuckooTable creates a table sized for at least n slots. The hasher
// and the equality predicate must agree: equal keys hash alike.
func NewCuckooTable[K, V any](n uint64, hash Hasher[K], eq KeyEqual[K]) *CuckooTable[K, V] {
	if n == 0 {
		n = 1
	}
	hp := int32(reserveCalcForSlots(n))
	lockHP := hp
	if lockHP > maxLockPower {
		lockHP = maxLockPower
	}

	t := &CuckooTable[K, V]{
		hashFn: hash,
		eqFn:   eq,
		locks:  newLockContainer(lockHP),
	}
	t.buckets.Store(newCuckooBuckets[K, V](hp))
	t.minimumLoadFactor.Store(math.Float64bits(defaultMinimumLoadFactor))
	t.maximumHashpower.Store(NoMaximumHashpower)
	return t
}

func partialKey(hv uint64) uint8 {
	h32 := uint32(hv) ^ uint32(hv>>32)
	h16 := uint16(h32) ^ uint16(h32>>16)
	return uint8(h16) ^ uint8(h16>>8)
}

func indexHash(hp int32, hv uint64) uint64 {
	return hv & (uint64(1)<<hp - 1)
}

// altIndex maps a bucket index to the key's other candidate; applying
// it twice with the same partial returns the original index.
func altIndex(hp int32, partial uint8, index uint64) uint64 {
	return (index ^ (uint64(partial)+1)*altIndexMul) & (uint64(1)<<hp - 1)
}

func (t *CuckooTable[K, V]) lockInd(bucket uint64) uint64 {
	return bucket & t.locks.mask()
}

// Capacity/info accessors.

// Hashpower returns log2 of the bucket count.
func (t *CuckooTable[K, V]) Hashpower() uint32 {
	return uint32(t.buckets.Load().hashpower())
}

// BucketCount returns the number of buckets.
func (t *CuckooTable[K, V]) BucketCount() uint64 {
	return t.buckets.Load().size()
}

// Capacity returns the total number of slots.
func (t *CuckooTable[K, V]) Capacity() uint64 {
	return t.BucketCount() * slotPerBucket
}

// Size returns the number of elements: the sum of per-stripe element
// counters. Concurrent writers make the value approximate; it is exact
// at quiescence.
func (t *CuckooTable[K, V]) Size() uint64 {
	var s int64
	t.locks.forEach(func(_ uint64, sl *seqlock) {
		s += sl.elemCounter
	})
	if s < 0 {
		return 0
	}
	return uint64(s)
}

// Empty reports whether the table holds no elements.
func (t *CuckooTable[K, V]) Empty() bool { return t.Size() == 0 }

// LoadFactor returns the ratio of occupied slots to capacity.
func (t *CuckooTable[K, V]) LoadFactor() float64 {
	return float64(t.Size()) / float64(t.Capacity())
}

// SlotPerBucket returns the number of slots per bucket.
func (t *CuckooTable[K, V]) SlotPerBucket() int { return slotPerBucket }

// HashFunction returns the table's hasher.
func (t *CuckooTable[K, V]) HashFunction() Hasher[K] { return t.hashFn }

// KeyEq returns the table's equality predicate.
func (t *CuckooTable[K, V]) KeyEq() KeyEqual[K] { return t.eqFn }

// MinimumLoadFactor returns the threshold below which an automatic
// expansion panics with LoadFactorTooLowError instead of growing.
func (t *CuckooTable[K, V]) MinimumLoadFactor() float64 {
	return math.Float64frombits(t.minimumLoadFactor.Load())
}

// SetMinimumLoadFactor sets the automatic-expansion threshold. mlf must
// be in [0, 1].
func (t *CuckooTable[K, V]) SetMinimumLoadFactor(mlf float64) error {
	if mlf < 0 || mlf > 1 {
		return errMinimumLoadFactor(mlf)
	}
	t.minimumLoadFactor.Store(math.Float64bits(mlf))
	return nil
}

// MaximumHashpower returns the expansion cap, or NoMaximumHashpower.
func (t *CuckooTable[K, V]) MaximumHashpower() uint32 {
	return t.maximumHashpower.Load()
}

// SetMaximumHashpower caps expansion at 1<<mhp buckets. mhp must not be
// below the current hashpower.
func (t *CuckooTable[K, V]) SetMaximumHashpower(mhp uint32) error {
	if hp := t.Hashpower(); mhp != NoMaximumHashpower && mhp < hp {
		return errMaximumHashpower(mhp, hp)
	}
	t.maximumHashpower.Store(mhp)
	return nil
}

// Reader path.

// Find returns the value stored for key and whether it was present.
// It never blocks: it snapshots stripe epochs, copies candidate slots
// word-atomically and retries until a validation passes.
func (t *CuckooTable[K, V]) Find(key K) (V, bool) {
	hv := t.hashFn(key)
	p := partialKey(hv)

	for {
		bkts := t.buckets.Load()
		hp := bkts.hashpower()
		i1 := indexHash(hp, hv)
		i2 := altIndex(hp, p, i1)
		sl1 := t.locks.at(t.lockInd(i1))
		sl2 := t.locks.at(t.lockInd(i2))

		e1 := sl1.getEpoch()
		e2 := sl2.getEpoch()
		if epochLocked(e1) || epochLocked(e2) {
			continue
		}
		if t.buckets.Load() != bkts || bkts.hashpower() != hp {
			continue
		}

		v, found := t.readFromBucket(bkts.at(i1), p, key)
		if !found {
			v, found = t.readFromBucket(bkts.at(i2), p, key)
		}

		// Go atomic loads order like acquire fences, so re-reading the
		// epochs here validates everything snapshotted above.
		if sl1.getEpoch() == e1 && sl2.getEpoch() == e2 {
			return v, found
		}
	}
}

// readFromBucket snapshots the slots of one candidate bucket. The
// partial byte is read first so mismatching slots never pay for a key
// compare.
func (t *CuckooTable[K, V]) readFromBucket(b *cuckooBucket[K, V], partial uint8, key K) (V, bool) {
	var zero V
	for slot := 0; slot < slotPerBucket; slot++ {
		var occ bool
		atomicLoadMemcpy(&occ, &b.occupied[slot])
		if !occ {
			continue
		}
		var p uint8
		atomicLoadMemcpy(&p, &b.partials[slot])
		if p != partial {
			continue
		}
		var k K
		atomicLoadMemcpy(&k, &b.keys[slot])
		if t.eqFn(k, key) {
			var v V
			atomicLoadMemcpy(&v, &b.vals[slot])
			return v, true
		}
	}
	return zero, false
}

// Get returns the value for key or ErrOutOfRange.
func (t *CuckooTable[K, V]) Get(key K) (V, error) {
	v, ok := t.Find(key)
	if !ok {
		return v, ErrOutOfRange
	}
	return v, nil
}

// Contains reports whether key is in the table.
func (t *CuckooTable[K, V]) Contains(key K) bool {
	_, ok := t.Find(key)
	return ok
}

// Writer plumbing.

// twoBuckets is the writer's view after taking the canonical lock pair:
// candidate indices and the stripes guarding them, valid while held.
type twoBuckets[K, V any] struct {
	bkts   *cuckooBuckets[K, V]
	hp     int32
	i1, i2 uint64
	l1, l2 uint64
}

// lockTwoForKey takes both stripe locks in canonical order and
// revalidates that no resize slipped in between hashing and locking.
func (t *CuckooTable[K, V]) lockTwoForKey(hv uint64, partial uint8) twoBuckets[K, V] {
	for {
		bkts := t.buckets.Load()
		hp := bkts.hashpower()
		i1 := indexHash(hp, hv)
		i2 := altIndex(hp, partial, i1)
		l1, l2 := t.lockInd(i1), t.lockInd(i2)
		if l2 < l1 {
			l1, l2 = l2, l1
		}
		t.locks.at(l1).lock()
		if l2 != l1 {
			t.locks.at(l2).lock()
		}
		if t.buckets.Load() == bkts && bkts.hashpower() == hp {
			return twoBuckets[K, V]{bkts: bkts, hp: hp, i1: i1, i2: i2, l1: l1, l2: l2}
		}
		t.unlockTwo(l1, l2, false)
	}
}

func (t *CuckooTable[K, V]) unlockTwo(l1, l2 uint64, modified bool) {
	if modified {
		t.locks.at(l1).unlock()
		if l2 != l1 {
			t.locks.at(l2).unlock()
		}
	} else {
		t.locks.at(l1).unlockNoModified()
		if l2 != l1 {
			t.locks.at(l2).unlockNoModified()
		}
	}
}

// findSlot scans a bucket for the key; it also reports the first free
// slot, -1 if the bucket is full.
func (t *CuckooTable[K, V]) findSlot(b *cuckooBucket[K, V], partial uint8, key K) (match, free int) {
	match, free = -1, -1
	for slot := 0; slot < slotPerBucket; slot++ {
		if !b.occupied[slot] {
			if free == -1 {
				free = slot
			}
			continue
		}
		if b.partials[slot] == partial && t.eqFn(b.keys[slot], key) {
			match = slot
		}
	}
	return match, free
}

func freeSlots[K, V any](b *cuckooBucket[K, V]) int {
	n := 0
	for slot := 0; slot < slotPerBucket; slot++ {
		if !b.occupied[slot] {
			n++
		}
	}
	return n
}

type attemptResult int

const (
	attemptInserted attemptResult = iota
	attemptExists
	attemptFull
	attemptRetry
)

// insertAttempt runs one locked insertion attempt. The guard makes
// every exit path, including a panic out of a user callable, release
// the stripe locks.
func (t *CuckooTable[K, V]) insertAttempt(key K, val V, hv uint64, p uint8, fn func(*V)) (attemptResult, int32) {
	tb := t.lockTwoForKey(hv, p)
	g := guard{release: func(m bool) { t.unlockTwo(tb.l1, tb.l2, m) }, held: true}
	defer g.unlock(true)

	applyExisting := func(b *cuckooBucket[K, V], slot int, pathModified bool) {
		modified := fn != nil
		if modified {
			fn(&b.vals[slot])
		}
		g.unlock(modified || pathModified)
	}

	b1 := tb.bkts.at(tb.i1)
	b2 := tb.bkts.at(tb.i2)
	if m, _ := t.findSlot(b1, p, key); m >= 0 {
		applyExisting(b1, m, false)
		return attemptExists, tb.hp
	}
	if m, _ := t.findSlot(b2, p, key); m >= 0 {
		applyExisting(b2, m, false)
		return attemptExists, tb.hp
	}

	// Prefer the candidate with more room; ties go to the first.
	f1, f2 := freeSlots(b1), freeSlots(b2)
	if f1 > 0 || f2 > 0 {
		target := b1
		if f2 > f1 {
			target = b2
		}
		_, free := t.findSlot(target, p, key)
		tb.bkts.setKV(target, free, p, key, val)
		t.locks.at(t.lockInd(tb.i1)).elemCounter++
		g.unlock(true)
		return attemptInserted, tb.hp
	}

	st, insBucket, insSlot := t.runCuckoo(&tb, hv, &g)
	switch st {
	case cuckooOK:
		// The table was unlocked during the search; the key may have
		// appeared meanwhile.
		if m, _ := t.findSlot(tb.bkts.at(tb.i1), p, key); m >= 0 {
			applyExisting(tb.bkts.at(tb.i1), m, true)
			return attemptExists, tb.hp
		}
		if m, _ := t.findSlot(tb.bkts.at(tb.i2), p, key); m >= 0 {
			applyExisting(tb.bkts.at(tb.i2), m, true)
			return attemptExists, tb.hp
		}
		tb.bkts.setKV(tb.bkts.at(insBucket), insSlot, p, key, val)
		t.locks.at(t.lockInd(tb.i1)).elemCounter++
		g.unlock(true)
		return attemptInserted, tb.hp
	case cuckooTableFull:
		return attemptFull, tb.hp
	default: // cuckooUnderExpansion
		return attemptRetry, tb.hp
	}
}

// insertFn is the common writer core. When the key exists, fn (if
// non-nil) runs on the live value under both locks and false is
// returned; otherwise the pair is inserted, evicting or expanding as
// needed, and true is returned.
func (t *CuckooTable[K, V]) insertFn(key K, val V, fn func(*V)) bool {
	hv := t.hashFn(key)
	p := partialKey(hv)

	for {
		res, hp := t.insertAttempt(key, val, hv, p, fn)
		switch res {
		case attemptInserted:
			return true
		case attemptExists:
			return false
		case attemptFull:
			if lf := t.LoadFactor(); lf < t.MinimumLoadFactor() {
				panic(&LoadFactorTooLowError{LoadFactor: lf})
			}
			t.cuckooFastDouble(hp)
		case attemptRetry:
			// Hashpower moved under the eviction search.
		}
	}
}

// Insert adds the pair if the key is absent. Returns false if the key
// was already present (the value is left unchanged).
func (t *CuckooTable[K, V]) Insert(key K, val V) bool {
	return t.insertFn(key, val, nil)
}

// InsertOrAssign adds the pair, overwriting the value if the key is
// present. Returns true if it inserted, false if it assigned.
func (t *CuckooTable[K, V]) InsertOrAssign(key K, val V) bool {
	return t.insertFn(key, val, func(v *V) {
		atomicStoreMemcpy(v, val)
	})
}

// Upsert inserts the pair if the key is absent, otherwise runs fn on a
// copy of the value and stores the copy back. Returns true if it
// inserted.
func (t *CuckooTable[K, V]) Upsert(key K, fn func(*V), val V) bool {
	return t.insertFn(key, val, func(v *V) {
		updateSafely(true, v, fn)
	})
}

// UpsertUnsafe is Upsert with fn run on live storage; only legal when
// no concurrent reader can snapshot this key.
func (t *CuckooTable[K, V]) UpsertUnsafe(key K, fn func(*V), val V) bool {
	return t.insertFn(key, val, func(v *V) {
		updateSafely(false, v, fn)
	})
}

// updateExisting applies fn to the value if the key is present.
func (t *CuckooTable[K, V]) updateExisting(key K, fn func(*V)) bool {
	hv := t.hashFn(key)
	p := partialKey(hv)

	tb := t.lockTwoForKey(hv, p)
	g := guard{release: func(m bool) { t.unlockTwo(tb.l1, tb.l2, m) }, held: true}
	defer g.unlock(true)

	if m, _ := t.findSlot(tb.bkts.at(tb.i1), p, key); m >= 0 {
		fn(&tb.bkts.at(tb.i1).vals[m])
		g.unlock(true)
		return true
	}
	if m, _ := t.findSlot(tb.bkts.at(tb.i2), p, key); m >= 0 {
		fn(&tb.bkts.at(tb.i2).vals[m])
		g.unlock(true)
		return true
	}
	g.unlock(false)
	return false
}

// Update overwrites the value for an existing key. Returns false if the
// key is absent.
func (t *CuckooTable[K, V]) Update(key K, val V) bool {
	return t.updateExisting(key, func(v *V) {
		atomicStoreMemcpy(v, val)
	})
}

// UpdateFn runs fn on a copy of the value for an existing key and
// stores the copy back. Returns false if the key is absent.
func (t *CuckooTable[K, V]) UpdateFn(key K, fn func(*V)) bool {
	return t.updateExisting(key, func(v *V) {
		updateSafely(true, v, fn)
	})
}

// UpdateFnUnsafe is UpdateFn with fn run on live storage.
func (t *CuckooTable[K, V]) UpdateFnUnsafe(key K, fn func(*V)) bool {
	return t.updateExisting(key, func(v *V) {
		updateSafely(false, v, fn)
	})
}

// Erase removes the key. Returns false if it was absent.
func (t *CuckooTable[K, V]) Erase(key K) bool {
	hv := t.hashFn(key)
	p := partialKey(hv)

	tb := t.lockTwoForKey(hv, p)
	g := guard{release: func(m bool) { t.unlockTwo(tb.l1, tb.l2, m) }, held: true}
	defer g.unlock(true)

	if m, _ := t.findSlot(tb.bkts.at(tb.i1), p, key); m >= 0 {
		tb.bkts.deoccupy(tb.bkts.at(tb.i1), m)
		t.locks.at(t.lockInd(tb.i1)).elemCounter--
		g.unlock(true)
		return true
	}
	if m, _ := t.findSlot(tb.bkts.at(tb.i2), p, key); m >= 0 {
		tb.bkts.deoccupy(tb.bkts.at(tb.i2), m)
		t.locks.at(t.lockInd(tb.i1)).elemCounter--
		g.unlock(true)
		return true
	}
	g.unlock(false)
	return false
}
