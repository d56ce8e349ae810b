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
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// epochMigratedBit is the MSB of the epoch word; the low bit is the lock
// parity: an odd epoch means a writer holds the lock.
const epochMigratedBit = uint64(1) << 63

// spinsBeforeYield bounds the busy-wait in lock before the goroutine
// yields its P. Go cannot emit a PAUSE hint without assembly, so the
// spin is kept short.
const spinsBeforeYield = 64

// seqlock is a versioned lock over a fixed payload whose fields are
// read and written with relaxed word accesses (see atomicbuf.go).
//
// Writers serialize on the flag word and advance the epoch once when
// locking and once when unlocking, so any epoch observed twice with the
// same even value brackets a quiescent payload. elemCounter counts the
// elements governed by this lock and may only be touched by the lock
// holder. curEpoch is the holder's plain copy of the epoch.
type seqlock struct {
	elemCounter int64
	curEpoch    uint64
	epoch       atomic.Uint64
	flag        atomic.Uint32
	_           cpu.CacheLinePad
}

func (sl *seqlock) init(locked, migrated bool) {
	sl.elemCounter = 0
	sl.curEpoch = 0
	if locked {
		sl.curEpoch = 1
		sl.flag.Store(1)
	} else {
		sl.flag.Store(0)
	}
	if migrated {
		sl.curEpoch |= epochMigratedBit
	}
	sl.epoch.Store(sl.curEpoch)
}

// lock spins until the flag is acquired, then publishes the next epoch
// with the lock parity set. Returns the published epoch.
func (sl *seqlock) lock() uint64 {
	spins := 0
	for !sl.flag.CompareAndSwap(0, 1) {
		spins++
		if spins >= spinsBeforeYield {
			spins = 0
			runtime.Gosched()
		}
	}
	sl.curEpoch++
	sl.epoch.Store(sl.curEpoch)
	return sl.curEpoch
}

func (sl *seqlock) tryLock() bool {
	if sl.flag.CompareAndSwap(0, 1) {
		sl.curEpoch++
		sl.epoch.Store(sl.curEpoch)
		return true
	}
	return false
}

// unlock publishes the next even epoch and releases the flag.
func (sl *seqlock) unlock() {
	sl.curEpoch++
	sl.unlockAtomics()
}

// unlockNoModified restores the pre-lock epoch, so readers that sampled
// it before the lock validate without a retry. Only legal when the
// holder made no visible change to the payload.
func (sl *seqlock) unlockNoModified() {
	sl.curEpoch--
	sl.unlockAtomics()
}

func (sl *seqlock) unlockAtomics() {
	sl.epoch.Store(sl.curEpoch)
	sl.flag.Store(0)
}

func (sl *seqlock) getEpoch() uint64 {
	return sl.epoch.Load()
}

func epochLocked(e uint64) bool {
	return e&1 != 0
}

func epochMigrated(e uint64) bool {
	return e&epochMigratedBit != 0
}

// setMigrated flips the migrated bit. Caller must hold the lock.
func (sl *seqlock) setMigrated(migrated bool) {
	if migrated {
		sl.curEpoch |= epochMigratedBit
	} else {
		sl.curEpoch &^= epochMigratedBit
	}
	sl.epoch.Store(sl.curEpoch)
}
