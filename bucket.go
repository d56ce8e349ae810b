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

// cuckooBucket holds slotPerBucket key-value pairs with their occupancy
// flags and partial-hash bytes. Slot data is live iff occupied is set;
// under the seqlock protocol the occupied flag is the last store of an
// insert and the first store of an erase.
type cuckooBucket[K, V any] struct {
	keys     [slotPerBucket]K
	vals     [slotPerBucket]V
	partials [slotPerBucket]uint8
	occupied [slotPerBucket]bool
}

// rhBucket is a Robin-Hood bucket: slotPerBucket key-value pairs, each
// with its displacement from the original slot, guarded by the
// embedded seqlock.
type rhBucket[K, V any] struct {
	seqlock
	keys     [slotPerBucket]K
	vals     [slotPerBucket]V
	dists    [slotPerBucket]uint16
	occupied [slotPerBucket]bool
}
