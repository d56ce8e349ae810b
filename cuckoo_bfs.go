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

// The BFS eviction search: when both candidate buckets are full, search
// breadth-first over "slots reachable by one displacement", starting
// from the two candidates, for a free slot at most maxBFSPathLen moves
// away. The search runs with no locks held; each examined bucket is
// locked for just the scan. The found path is then replayed backwards,
// relocking bucket pairs and revalidating that every edge still evicts
// the occupant the search saw; any mismatch aborts the replay and a
// fresh search begins.

type cuckooStatus int

const (
	cuckooOK cuckooStatus = iota
	cuckooTableFull
	cuckooUnderExpansion
)

// bfsSlot is one search-tree node: a bucket plus the base-slotPerBucket
// pathcode recording the root choice and every slot taken to get here.
type bfsSlot struct {
	bucket   uint64
	pathcode uint16
	depth    int8
}

// bfsQueueCap holds the full search tree: two roots, each expanding by
// slotPerBucket children per level up to maxBFSPathLen levels.
const bfsQueueCap = 2 * (1 + slotPerBucket + slotPerBucket*slotPerBucket +
	slotPerBucket*slotPerBucket*slotPerBucket +
	slotPerBucket*slotPerBucket*slotPerBucket*slotPerBucket)

type bfsQueue struct {
	slots [bfsQueueCap]bfsSlot
	head  int
	tail  int
}

func (q *bfsQueue) push(x bfsSlot) {
	q.slots[q.tail] = x
	q.tail++
}

func (q *bfsQueue) pop() bfsSlot {
	x := q.slots[q.head]
	q.head++
	return x
}

func (q *bfsQueue) empty() bool   { return q.head == q.tail }
func (q *bfsQueue) hasRoom() bool { return q.tail < bfsQueueCap }

// pathRecord pins one edge of the eviction path: the occupant the
// search observed at (bucket, slot), identified by key and partial for
// revalidation during the replay.
type pathRecord[K any] struct {
	bucket  uint64
	slot    int
	partial uint8
	key     K
}

// lockOne takes a single stripe lock and revalidates the table
// generation; on a generation change the lock is dropped and false
// returned.
func (t *CuckooTable[K, V]) lockOne(tb *twoBuckets[K, V], bucket uint64) (uint64, bool) {
	l := t.lockInd(bucket)
	t.locks.at(l).lock()
	if t.buckets.Load() != tb.bkts || tb.bkts.hashpower() != tb.hp {
		t.locks.at(l).unlockNoModified()
		return l, false
	}
	return l, true
}

// slotSearch finds a bucket with a free slot reachable from the two
// candidates. Returns a node whose pathcode ends with the free slot, or
// depth -1 when the search tree is exhausted.
func (t *CuckooTable[K, V]) slotSearch(tb *twoBuckets[K, V], hv uint64) (bfsSlot, cuckooStatus) {
	q := &bfsQueue{}
	q.push(bfsSlot{bucket: tb.i1, pathcode: 0, depth: 0})
	q.push(bfsSlot{bucket: tb.i2, pathcode: 1, depth: 0})
	r := fastrand{x: uint32(hv) | 1}

	for !q.empty() {
		x := q.pop()
		l, ok := t.lockOne(tb, x.bucket)
		if !ok {
			return bfsSlot{depth: -1}, cuckooUnderExpansion
		}
		b := tb.bkts.at(x.bucket)

		// Start each scan at a varied slot so repeated searches do not
		// all gang up on slot 0.
		start := int(r.next()) & slotMask
		for i := 0; i < slotPerBucket; i++ {
			slot := (start + i) & slotMask
			if !b.occupied[slot] {
				x.pathcode = x.pathcode*slotPerBucket + uint16(slot)
				t.locks.at(l).unlockNoModified()
				return x, cuckooOK
			}
			if x.depth < maxBFSPathLen-1 && q.hasRoom() {
				q.push(bfsSlot{
					bucket:   altIndex(tb.hp, b.partials[slot], x.bucket),
					pathcode: x.pathcode*slotPerBucket + uint16(slot),
					depth:    x.depth + 1,
				})
			}
		}
		t.locks.at(l).unlockNoModified()
	}
	return bfsSlot{depth: -1}, cuckooOK
}

// cuckooPathSearch turns a found bfsSlot into a concrete eviction path,
// reading each edge's occupant under its lock. Returns the path depth,
// or -1 when no path exists within bounds.
func (t *CuckooTable[K, V]) cuckooPathSearch(tb *twoBuckets[K, V], hv uint64, path *[maxBFSPathLen]pathRecord[K]) (int, cuckooStatus) {
	x, st := t.slotSearch(tb, hv)
	if st == cuckooUnderExpansion {
		return -1, st
	}
	if x.depth == -1 {
		return -1, cuckooOK
	}

	// Decode slot digits back-to-front; the leftover digit is the root.
	pc := x.pathcode
	for i := int(x.depth); i >= 0; i-- {
		path[i].slot = int(pc % slotPerBucket)
		pc /= slotPerBucket
	}
	if pc == 0 {
		path[0].bucket = tb.i1
	} else {
		path[0].bucket = tb.i2
	}

	for i := 0; i <= int(x.depth); i++ {
		l, ok := t.lockOne(tb, path[i].bucket)
		if !ok {
			return -1, cuckooUnderExpansion
		}
		b := tb.bkts.at(path[i].bucket)
		if !b.occupied[path[i].slot] {
			// The path shortened under us: this slot is already free.
			t.locks.at(l).unlockNoModified()
			return i, cuckooOK
		}
		path[i].partial = b.partials[path[i].slot]
		path[i].key = b.keys[path[i].slot]
		t.locks.at(l).unlockNoModified()

		if i < int(x.depth) {
			path[i+1].bucket = altIndex(tb.hp, path[i].partial, path[i].bucket)
		}
	}
	return int(x.depth), cuckooOK
}

// lockSorted locks up to three distinct stripe indices in ascending
// order.
func (t *CuckooTable[K, V]) lockSorted(ls []uint64) {
	for i := 1; i < len(ls); i++ {
		for j := i; j > 0 && ls[j] < ls[j-1]; j-- {
			ls[j], ls[j-1] = ls[j-1], ls[j]
		}
	}
	var last uint64
	for i, l := range ls {
		if i > 0 && l == last {
			continue
		}
		t.locks.at(l).lock()
		last = l
	}
}

func (t *CuckooTable[K, V]) unlockSorted(ls []uint64, modified bool) {
	var last uint64
	for i, l := range ls {
		if i > 0 && l == last {
			continue
		}
		if modified {
			t.locks.at(l).unlock()
		} else {
			t.locks.at(l).unlockNoModified()
		}
		last = l
	}
}

// generationChanged reports whether a resize invalidated tb. Caller
// holds locks in ls, which are released on a change.
func (t *CuckooTable[K, V]) generationChanged(tb *twoBuckets[K, V], ls []uint64) bool {
	if t.buckets.Load() != tb.bkts || tb.bkts.hashpower() != tb.hp {
		t.unlockSorted(ls, false)
		return true
	}
	return false
}

// cuckooPathMove replays the eviction path backwards, one displacement
// at a time, ending with a free slot in path[0] and both candidate
// stripe locks held. Returns false when a revalidation failed and the
// search must restart.
func (t *CuckooTable[K, V]) cuckooPathMove(tb *twoBuckets[K, V], path *[maxBFSPathLen]pathRecord[K], depth int) (bool, cuckooStatus) {
	if depth == 0 {
		ls := []uint64{tb.l1, tb.l2}
		t.lockSorted(ls)
		if t.generationChanged(tb, ls) {
			return false, cuckooUnderExpansion
		}
		if !tb.bkts.at(path[0].bucket).occupied[path[0].slot] {
			return true, cuckooOK // locks stay held for the insert
		}
		t.unlockSorted(ls, false)
		return false, cuckooOK
	}

	for depth > 0 {
		from := &path[depth-1]
		to := &path[depth]

		var ls []uint64
		if depth == 1 {
			// The final displacement frees a slot in one of the two
			// candidates; the insert needs both candidate locks held.
			ls = []uint64{tb.l1, tb.l2, t.lockInd(to.bucket)}
		} else {
			ls = []uint64{t.lockInd(from.bucket), t.lockInd(to.bucket)}
		}
		t.lockSorted(ls)

		moved, st, done := t.movePathEdge(tb, ls, from, to, depth == 1)
		if done {
			return moved, st
		}
		depth--
	}
	return false, cuckooOK
}

// movePathEdge performs one displacement under the locks in ls. The
// guard covers the equality callback run during revalidation. done
// reports that the replay is over (successfully or not); when it is
// false the caller moves to the previous edge.
func (t *CuckooTable[K, V]) movePathEdge(tb *twoBuckets[K, V], ls []uint64, from, to *pathRecord[K], last bool) (moved bool, st cuckooStatus, done bool) {
	lg := guard{release: func(m bool) { t.unlockSorted(ls, m) }, held: true}
	defer lg.unlock(true)

	if t.buckets.Load() != tb.bkts || tb.bkts.hashpower() != tb.hp {
		lg.unlock(false)
		return false, cuckooUnderExpansion, true
	}

	fb := tb.bkts.at(from.bucket)
	targ := tb.bkts.at(to.bucket)

	// The edge must still evict what the search assumed.
	if targ.occupied[to.slot] ||
		!fb.occupied[from.slot] ||
		fb.partials[from.slot] != from.partial ||
		!t.eqFn(fb.keys[from.slot], from.key) {
		lg.unlock(false)
		return false, cuckooOK, true
	}

	tb.bkts.setKV(targ, to.slot, fb.partials[from.slot], fb.keys[from.slot], fb.vals[from.slot])
	tb.bkts.deoccupy(fb, from.slot)

	if last {
		// Keep the candidate pair locked; release only the extra
		// stripe, if it is distinct.
		lg.held = false
		extra := t.lockInd(to.bucket)
		if extra != tb.l1 && extra != tb.l2 {
			t.locks.at(extra).unlock()
		}
		return true, cuckooOK, true
	}
	lg.unlock(true)
	return false, cuckooOK, false
}

// runCuckoo frees a slot in one of tb's candidate buckets by evicting
// along a BFS path. On cuckooOK it returns the freed (bucket, slot)
// with both candidate locks re-held and the caller's guard re-armed; on
// cuckooTableFull or cuckooUnderExpansion every lock is released.
func (t *CuckooTable[K, V]) runCuckoo(tb *twoBuckets[K, V], hv uint64, g *guard) (cuckooStatus, uint64, int) {
	g.unlock(false)

	var path [maxBFSPathLen]pathRecord[K]
	for {
		depth, st := t.cuckooPathSearch(tb, hv, &path)
		if st == cuckooUnderExpansion {
			return st, 0, 0
		}
		if depth < 0 {
			return cuckooTableFull, 0, 0
		}

		done, st := t.cuckooPathMove(tb, &path, depth)
		if st == cuckooUnderExpansion {
			return st, 0, 0
		}
		if done {
			g.held = true
			return cuckooOK, path[0].bucket, path[0].slot
		}
	}
}
