package segment

import "sync"

// Listener receives asynchronous segment notifications. No return value is
// expected; listeners must not block.
type Listener func(camera string, seg *Segment)

// Publisher is a typed registration point for segment notifications. Each
// store owns one; nothing inherits broadcast behavior.
type Publisher struct {
	mu          sync.RWMutex
	added       []Listener
	updated     []Listener
	needsRepair []Listener
}

// OnAdded registers a callback for newly discovered segments.
func (p *Publisher) OnAdded(fn Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, fn)
}

// OnUpdated registers a callback for segments whose refreshed metadata was
// persisted.
func (p *Publisher) OnUpdated(fn Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = append(p.updated, fn)
}

// OnNeedsRepair registers a callback for segments queued for repair.
func (p *Publisher) OnNeedsRepair(fn Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.needsRepair = append(p.needsRepair, fn)
}

func (p *Publisher) publishAdded(camera string, seg *Segment) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, fn := range p.added {
		fn(camera, seg)
	}
}

func (p *Publisher) publishUpdated(camera string, seg *Segment) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, fn := range p.updated {
		fn(camera, seg)
	}
}

func (p *Publisher) publishNeedsRepair(camera string, seg *Segment) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, fn := range p.needsRepair {
		fn(camera, seg)
	}
}
