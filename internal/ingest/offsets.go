package ingest

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker lets records of one partition finish out of order while
// keeping commits monotonic: an offset becomes committable only once every
// earlier fetched offset of the same partition is done.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	done    map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// Track registers a fetched record. Records must be tracked in fetch order.
func (t *offsetTracker) Track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.partitions[msg.Partition] = p
	}
	p.pending = append(p.pending, msg.Offset)
}

// Done marks msg finished and returns the highest record of its partition
// that can now be committed, if the contiguous done prefix grew.
func (t *offsetTracker) Done(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = msg

	var commit kafka.Message
	advanced := false
	for len(p.pending) > 0 {
		head := p.pending[0]
		m, finished := p.done[head]
		if !finished {
			break
		}
		delete(p.done, head)
		p.pending = p.pending[1:]
		commit = m
		advanced = true
	}
	return commit, advanced
}

// Pending returns how many tracked records are not yet committable.
func (t *offsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}
