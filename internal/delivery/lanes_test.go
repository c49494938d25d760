package delivery

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLaneLocks_SerialisesSameLane(t *testing.T) {
	locks := newLaneLocks()
	lane := Lane{RecipientID: "r1", QueueName: "daily"}

	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(lane)
			defer unlock()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Zero(t, locks.size(), "released locks are removed")
}

func TestLaneLocks_IndependentLanes(t *testing.T) {
	locks := newLaneLocks()

	unlockA := locks.lock(Lane{RecipientID: "r1", QueueName: "daily"})
	unlockB := locks.lock(Lane{RecipientID: "r2", QueueName: "daily"})
	assert.Equal(t, 2, locks.size())

	unlockA()
	unlockB()
	assert.Zero(t, locks.size())
}
