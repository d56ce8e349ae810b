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

// Package seqhash implements concurrent hash tables for small
// trivially-copyable keys and values, protected by per-bucket seqlocks.
// Readers never take a lock: they snapshot epochs, copy the fields they
// need with word-wise atomic loads, and retry if an epoch moved under
// them. Writers take fine-grained locks: one per bucket (Robin-Hood) or
// one per lock-array stripe (cuckoo).
//
// Two table variants share the infrastructure: CuckooTable, a two-choice
// bucketized cuckoo table with BFS eviction, and RHTable, a Robin-Hood
// linear-probing table with a bounded displacement window.
package seqhash

// configurable variables (for tuning the algorithm)
const (
	slotPerBucketPow = 2 // Number of slots in a bucket is 1<<slotPerBucketPow.
	slotPerBucket    = 1 << slotPerBucketPow
	slotMask         = slotPerBucket - 1

	// maxBFSPathLen bounds the cuckoo eviction search: a path visits at
	// most this many buckets (maxBFSPathLen-1 displacements); longer
	// paths are abandoned in favor of expansion.
	maxBFSPathLen = 5

	// maxLockPower caps the cuckoo lock array at 1<<maxLockPower locks;
	// past that point locks stripe over multiple buckets.
	maxLockPower = 13

	// maxWindowSize caps the Robin-Hood probe window: a key sits fewer
	// than this many slots past its original slot, and lookups never
	// probe further.
	maxWindowSize = 64

	// defaultMinimumLoadFactor guards cuckoo expansion against
	// pathological hash distributions.
	defaultMinimumLoadFactor = 0.05
)

// other configurable variables
const (
	// DefaultSize is a reasonable slot capacity for constructors when
	// the number of items to be inserted is not known ahead.
	DefaultSize = (1 << 16) * slotPerBucket

	// NoMaximumHashpower disables the expansion cap.
	NoMaximumHashpower = ^uint32(0)
)

const maxSegments = 64
