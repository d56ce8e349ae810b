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
	"math/bits"
	"sync/atomic"
)

// storage is a growable array of power-of-two-sized segments. Segment 0
// holds one entry and segment i holds 1<<(i-1), so hashpower h spans
// segments 0..h with 1<<h entries total. Growth allocates a new segment
// and never moves existing entries: pointers handed out before a resize
// stay valid across it, which is what lets snapshot readers survive a
// concurrent expansion.
//
// The hashpower is published with a release store and read with acquire
// loads, so a reader that observes hashpower h also observes segments
// 0..h allocated. hashpower -1 means no storage.
type storage[T any] struct {
	data [maxSegments][]T
	hp   atomic.Int32
}

func segmentSize(index int32) uint64 {
	if index == 0 {
		return 1
	}
	return uint64(1) << (index - 1)
}

func (s *storage[T]) initStorage(hp int32) {
	s.hp.Store(-1)
	s.changeSize(hp)
}

func (s *storage[T]) hashpower() int32 {
	return s.hp.Load()
}

// size returns the number of entries, 1<<hashpower.
func (s *storage[T]) size() uint64 {
	hp := s.hashpower()
	if hp < 0 {
		return 0
	}
	return uint64(1) << hp
}

// changeSize grows by allocating segments hp+1..newHP, or shrinks by
// releasing segments newHP+1..hp. The hashpower store is ordered so
// readers never observe a hashpower covering unallocated segments.
func (s *storage[T]) changeSize(newHP int32) {
	hp := s.hashpower()
	if hp == newHP {
		return
	}
	if hp < newHP {
		for i := hp + 1; i <= newHP; i++ {
			s.data[i] = make([]T, segmentSize(i))
		}
		s.hp.Store(newHP)
	} else {
		s.hp.Store(newHP)
		for i := hp; i > newHP; i-- {
			s.data[i] = nil
		}
	}
}

// doubleSize appends one segment, doubling capacity, and returns the
// new hashpower.
func (s *storage[T]) doubleSize() int32 {
	newHP := s.hashpower() + 1
	s.data[newHP] = make([]T, segmentSize(newHP))
	s.hp.Store(newHP)
	return newHP
}

// at indexes entry i in O(1): the owning segment is the bit length of i.
func (s *storage[T]) at(i uint64) *T {
	if i == 0 {
		return &s.data[0][0]
	}
	seg := bits.Len64(i)
	return &s.data[seg][i-(uint64(1)<<(seg-1))]
}

// forEach visits entries 0..size-1 in index order.
func (s *storage[T]) forEach(fn func(i uint64, v *T)) {
	hp := s.hashpower()
	if hp < 0 {
		return
	}
	var i uint64
	for seg := int32(0); seg <= hp; seg++ {
		for k := range s.data[seg] {
			fn(i, &s.data[seg][k])
			i++
		}
	}
}

// storageIter walks entries in index order with constant-time moves in
// either direction.
type storageIter[T any] struct {
	s   *storage[T]
	seg int32
	off uint64
}

func (s *storage[T]) iterAt(i uint64) storageIter[T] {
	if i == 0 {
		return storageIter[T]{s: s}
	}
	seg := int32(bits.Len64(i))
	return storageIter[T]{s: s, seg: seg, off: i - (uint64(1) << (seg - 1))}
}

func (s *storage[T]) begin() storageIter[T] {
	return storageIter[T]{s: s}
}

func (it *storageIter[T]) get() *T {
	return &it.s.data[it.seg][it.off]
}

func (it *storageIter[T]) index() uint64 {
	if it.seg == 0 {
		return 0
	}
	return (uint64(1) << (it.seg - 1)) + it.off
}

func (it *storageIter[T]) next() {
	it.off++
	if it.off == segmentSize(it.seg) {
		it.seg++
		it.off = 0
	}
}

func (it *storageIter[T]) prev() {
	if it.off == 0 {
		it.seg--
		it.off = segmentSize(it.seg) - 1
	} else {
		it.off--
	}
}
