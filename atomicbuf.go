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
	"sync/atomic"
	"unsafe"
)

// The helpers below copy a trivially-copyable value as a sequence of
// independent word accesses: 64-bit atomic words while both size and
// alignment allow, then 32-bit words, then plain bytes for the tail.
// They provide no ordering of their own; the seqlock epoch protocol
// around them is what makes the copies coherent. Per-word tearing is
// expected and tolerated: a reader whose epochs validate saw no
// concurrent writer, so the words it copied belong to one version.
//
// Go has no sub-32-bit atomics, so byte-sized fields (occupancy flags,
// partial bytes) degrade to plain loads and stores. That is the same
// per-word tearing contract, with a word size of one.

func atomicLoadMemcpy[T any](dst, src *T) {
	size := unsafe.Sizeof(*src)
	align := unsafe.Alignof(*src)
	d := unsafe.Pointer(dst)
	s := unsafe.Pointer(src)

	var off uintptr
	if align%8 == 0 {
		for ; off+8 <= size; off += 8 {
			w := atomic.LoadUint64((*uint64)(unsafe.Add(s, off)))
			*(*uint64)(unsafe.Add(d, off)) = w
		}
	} else if align%4 == 0 {
		for ; off+4 <= size; off += 4 {
			w := atomic.LoadUint32((*uint32)(unsafe.Add(s, off)))
			*(*uint32)(unsafe.Add(d, off)) = w
		}
	}
	for ; off < size; off++ {
		*(*byte)(unsafe.Add(d, off)) = *(*byte)(unsafe.Add(s, off))
	}
}

func atomicStoreMemcpy[T any](dst *T, src T) {
	size := unsafe.Sizeof(src)
	align := unsafe.Alignof(src)
	d := unsafe.Pointer(dst)
	s := unsafe.Pointer(&src)

	var off uintptr
	if align%8 == 0 {
		for ; off+8 <= size; off += 8 {
			atomic.StoreUint64((*uint64)(unsafe.Add(d, off)), *(*uint64)(unsafe.Add(s, off)))
		}
	} else if align%4 == 0 {
		for ; off+4 <= size; off += 4 {
			atomic.StoreUint32((*uint32)(unsafe.Add(d, off)), *(*uint32)(unsafe.Add(s, off)))
		}
	}
	for ; off < size; off++ {
		*(*byte)(unsafe.Add(d, off)) = *(*byte)(unsafe.Add(s, off))
	}
}

// updateSafely runs fn against the value at v. In safe mode fn sees a
// private copy which is stored back word-atomically afterwards, so
// concurrent snapshot readers never observe fn's intermediate states.
// In unsafe mode fn runs on live storage; the caller guarantees there
// are no concurrent readers of this slot.
func updateSafely[V any](safe bool, v *V, fn func(*V)) {
	if safe {
		var cp V
		atomicLoadMemcpy(&cp, v)
		fn(&cp)
		atomicStoreMemcpy(v, cp)
	} else {
		fn(v)
	}
}
