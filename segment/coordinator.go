package segment

import (
	"log"
	"sync"
)

// Coordinator serializes background metadata and repair work for one store.
// Two FIFO queues (update, repair) are drained by a single worker so repair
// work for a segment always completes before its refreshed metadata is
// trusted; repair items are drained first whenever both queues are pending.
// Enqueue is idempotent by segment identity.
type Coordinator struct {
	logger *log.Logger

	// processUpdate refreshes and persists one segment's metadata.
	processUpdate func(seg *Segment) error
	// processRepair attempts one repair; the result only decides logging.
	processRepair func(seg *Segment) bool

	mu       sync.Mutex
	updateQ  []*Segment
	repairQ  []*Segment
	inUpdate map[*Segment]bool
	inRepair map[*Segment]bool
	draining bool
	idle     *sync.Cond
}

// NewCoordinator builds a coordinator around the two processing callbacks.
func NewCoordinator(logger *log.Logger, processUpdate func(*Segment) error, processRepair func(*Segment) bool) *Coordinator {
	c := &Coordinator{
		logger:        logger,
		processUpdate: processUpdate,
		processRepair: processRepair,
		inUpdate:      make(map[*Segment]bool),
		inRepair:      make(map[*Segment]bool),
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// EnqueueUpdate queues a segment for metadata refresh. Re-enqueuing a segment
// already waiting in the update queue is a no-op.
func (c *Coordinator) EnqueueUpdate(seg *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUpdate[seg] {
		return
	}
	c.inUpdate[seg] = true
	c.updateQ = append(c.updateQ, seg)
	c.ensureDrainLocked()
}

// EnqueueRepair queues a segment for repair. Re-enqueuing a segment already
// waiting in the repair queue is a no-op.
func (c *Coordinator) EnqueueRepair(seg *Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inRepair[seg] {
		return
	}
	c.inRepair[seg] = true
	c.repairQ = append(c.repairQ, seg)
	c.ensureDrainLocked()
}

// Pending reports how many items are waiting across both queues.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updateQ) + len(c.repairQ)
}

// Wait blocks until both queues have fully drained.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.draining || len(c.updateQ) > 0 || len(c.repairQ) > 0 {
		c.idle.Wait()
	}
}

func (c *Coordinator) ensureDrainLocked() {
	if c.draining {
		return
	}
	c.draining = true
	go c.drain()
}

// drain pops one item at a time, repair queue first, until both queues are
// empty. A failure on any step is logged and the loop moves on; one bad
// segment must not stall the queue.
func (c *Coordinator) drain() {
	for {
		seg, repair, ok := c.pop()
		if !ok {
			return
		}

		if repair {
			if c.processRepair(seg) {
				c.logger.Printf("repaired segment %s", seg.Path)
			} else {
				c.logger.Printf("repair attempt for segment %s did not succeed", seg.Path)
			}
			// Refresh metadata after every repair attempt so the index
			// never keeps pre-repair values.
			c.EnqueueUpdate(seg)
			continue
		}

		if err := c.processUpdate(seg); err != nil {
			c.logger.Printf("update of segment %s failed: %v", seg.Path, err)
		}
	}
}

func (c *Coordinator) pop() (seg *Segment, repair, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.repairQ) > 0 {
		seg = c.repairQ[0]
		c.repairQ = c.repairQ[1:]
		delete(c.inRepair, seg)
		return seg, true, true
	}
	if len(c.updateQ) > 0 {
		seg = c.updateQ[0]
		c.updateQ = c.updateQ[1:]
		delete(c.inUpdate, seg)
		return seg, false, true
	}

	c.draining = false
	c.idle.Broadcast()
	return nil, false, false
}
