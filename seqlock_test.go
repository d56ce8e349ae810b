package seqhash

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeqlockLockAdvancesEpoch(t *testing.T) {
	var sl seqlock
	sl.init(false, true)

	e0 := sl.getEpoch()
	assert.False(t, epochLocked(e0))
	assert.True(t, epochMigrated(e0))

	e1 := sl.lock()
	assert.True(t, epochLocked(e1))
	assert.Greater(t, e1&^epochMigratedBit, e0&^epochMigratedBit)
	assert.Equal(t, e1, sl.getEpoch())

	sl.unlock()
	e2 := sl.getEpoch()
	assert.False(t, epochLocked(e2))
	assert.Greater(t, e2&^epochMigratedBit, e1&^epochMigratedBit)
}

func TestSeqlockUnlockNoModifiedRestoresEpoch(t *testing.T) {
	var sl seqlock
	sl.init(false, true)

	// A reader that sampled the epoch just before the lock must still
	// validate after a lock/unlockNoModified pair.
	before := sl.getEpoch()
	sl.lock()
	sl.unlockNoModified()
	assert.Equal(t, before, sl.getEpoch())
}

func TestSeqlockTryLock(t *testing.T) {
	var sl seqlock
	sl.init(false, true)

	require.True(t, sl.tryLock())
	assert.False(t, sl.tryLock())
	assert.True(t, epochLocked(sl.getEpoch()))
	sl.unlock()
	assert.True(t, sl.tryLock())
	sl.unlock()
}

func TestSeqlockMigratedBit(t *testing.T) {
	var sl seqlock
	sl.init(false, false)
	assert.False(t, epochMigrated(sl.getEpoch()))

	sl.lock()
	sl.setMigrated(true)
	assert.True(t, epochMigrated(sl.getEpoch()))
	sl.setMigrated(false)
	assert.False(t, epochMigrated(sl.getEpoch()))
	sl.unlock()
}

func TestSeqlockInitLocked(t *testing.T) {
	var sl seqlock
	sl.init(true, true)
	assert.True(t, epochLocked(sl.getEpoch()))
	assert.False(t, sl.tryLock())
	sl.unlock()
	assert.False(t, epochLocked(sl.getEpoch()))
}

func TestSeqlockMutualExclusion(t *testing.T) {
	var sl seqlock
	sl.init(false, true)

	const goroutines = 8
	const perG = 10000
	counter := 0

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				sl.lock()
				counter++
				sl.elemCounter++
				sl.unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*perG, counter)
	assert.Equal(t, int64(goroutines*perG), sl.elemCounter)
	assert.False(t, epochLocked(sl.getEpoch()))
}
