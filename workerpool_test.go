package storage

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsSubmittedJobs(t *testing.T) {
	p := newWorkerPool(2)
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		p.Submit(func() { n.Add(1) })
	}
	p.Close()
	assert.Equal(t, int32(5), n.Load())
}

func TestWorkerPool_RejectsSubmitAfterClose(t *testing.T) {
	p := newWorkerPool(1)
	p.Close()

	var ran atomic.Bool
	p.Submit(func() { ran.Store(true) })
	time.Sleep(10 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := newWorkerPool(1)
	var inFlight, maxSeen atomic.Int32
	block := make(chan struct{})

	p.Submit(func() {
		inFlight.Add(1)
		if inFlight.Load() > maxSeen.Load() {
			maxSeen.Store(inFlight.Load())
		}
		<-block
		inFlight.Add(-1)
	})
	p.Submit(func() {
		inFlight.Add(1)
		if inFlight.Load() > maxSeen.Load() {
			maxSeen.Store(inFlight.Load())
		}
		inFlight.Add(-1)
	})
	time.Sleep(10 * time.Millisecond)
	close(block)
	p.Close()

	assert.LessOrEqual(t, maxSeen.Load(), int32(1))
}
