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
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned by Get when the key is not in the table.
	ErrOutOfRange = errors.New("key not found in table")
	// ErrInvalidArgument is wrapped by the setter errors below.
	ErrInvalidArgument = errors.New("invalid argument")
)

// LoadFactorTooLowError is the panic value raised when an automatic
// expansion is triggered while the load factor of the table is below the
// minimum threshold set by SetMinimumLoadFactor. This can happen if the
// hash function does not properly distribute keys, or for certain
// adversarial workloads.
type LoadFactorTooLowError struct {
	// LoadFactor is the load factor of the table at the time of the panic.
	LoadFactor float64
}

func (e *LoadFactorTooLowError) Error() string {
	return fmt.Sprintf("automatic expansion triggered when load factor (%g) was below minimum threshold", e.LoadFactor)
}

// MaximumHashpowerExceededError is the panic value raised when an
// expansion would grow the table beyond the maximum hashpower set by
// SetMaximumHashpower.
type MaximumHashpowerExceededError struct {
	// Hashpower is the hashpower the expansion was trying to reach.
	Hashpower uint32
}

func (e *MaximumHashpowerExceededError) Error() string {
	return fmt.Sprintf("expansion to hashpower %d beyond maximum", e.Hashpower)
}

func errMinimumLoadFactor(mlf float64) error {
	return fmt.Errorf("minimum load factor %g not in [0, 1]: %w", mlf, ErrInvalidArgument)
}

func errMaximumHashpower(mhp, hp uint32) error {
	return fmt.Errorf("maximum hashpower %d below current hashpower %d: %w", mhp, hp, ErrInvalidArgument)
}
