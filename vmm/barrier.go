package vmm

import "sync"

// barrier blocks its parties until all of them have arrived. It can't be reused.
type barrier struct {
	wg sync.WaitGroup
}

func newBarrier(parties int) *barrier {
	b := new(barrier)
	b.wg.Add(parties)
	return b
}

// Wait blocks until every party has called Wait.
func (b *barrier) Wait() {
	b.wg.Done()
	b.wg.Wait()
}
