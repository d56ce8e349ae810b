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

// reserveCalcForSlots returns the smallest hashpower whose bucket count
// holds n slots.
func reserveCalcForSlots(n uint64) uint32 {
	buckets := (n + slotPerBucket - 1) / slotPerBucket
	var blog2 uint32
	for (uint64(1) << blog2) < buckets {
		blog2++
	}
	return blog2
}

type fastrand struct {
	x uint32
}

// fastrand implementation from the runtime package; used to vary the
// starting slot of the cuckoo eviction search.
func (r *fastrand) next() uint32 {
	x := r.x
	x += x
	if x&0x80000000 != 0 {
		x ^= 0x88888eef
	}
	r.x = x
	return x
}

// guard releases a set of held locks exactly once; armed scopes defer
// guard.unlock so a panicking user callable (hash, equality, update
// function) never leaves a seqlock held.
type guard struct {
	release func(modified bool)
	held    bool
}

func (g *guard) unlock(modified bool) {
	if g.held {
		g.held = false
		g.release(modified)
	}
}
