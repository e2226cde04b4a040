package encoder

import (
	"context"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"
)

// Completion resolves when the device has finished a submitted frame.
type Completion struct {
	index uint64
	done  chan struct{}
}

func newCompletion(index uint64) *Completion {
	return &Completion{index: index, done: make(chan struct{})}
}

// Index returns the queue submission index.
func (c *Completion) Index() uint64 { return c.index }

// Done returns a channel closed once the submission has completed.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Completed reports whether the submission has completed.
func (c *Completion) Completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the submission completes or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pending struct {
	completion *Completion
	buffer     hal.CommandBuffer
	encoder    hal.CommandEncoder
}

// poller resolves completions by polling the queue. Its goroutine runs only
// while submissions are outstanding.
type poller struct {
	device   hal.Device
	queue    hal.Queue
	interval time.Duration

	mu      sync.Mutex
	pending []pending
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func newPoller(device hal.Device, queue hal.Queue, interval time.Duration) *poller {
	return &poller{device: device, queue: queue, interval: interval, stop: make(chan struct{})}
}

func (p *poller) add(item pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, item)
	p.resolveLocked(p.queue.PollCompleted())
	if len(p.pending) == 0 || p.running || p.stop == nil {
		return
	}
	p.running = true
	p.wg.Add(1)
	go p.run(p.stop)
}

func (p *poller) run(stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		p.resolveLocked(p.queue.PollCompleted())
		if len(p.pending) == 0 {
			p.running = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// resolveLocked frees and resolves every submission at or below completed.
func (p *poller) resolveLocked(completed uint64) {
	kept := p.pending[:0]
	for _, item := range p.pending {
		if item.completion.index > completed {
			kept = append(kept, item)
			continue
		}
		p.release(item)
	}
	clear(p.pending[len(kept):])
	p.pending = kept
}

func (p *poller) release(item pending) {
	if item.buffer != nil {
		p.device.FreeCommandBuffer(item.buffer)
	}
	if item.encoder != nil {
		item.encoder.Destroy()
	}
	close(item.completion.done)
}

// outstanding returns the number of unresolved submissions.
func (p *poller) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// close stops polling and waits for the device to go idle before releasing
// whatever is still outstanding.
func (p *poller) close() {
	p.mu.Lock()
	if p.stop == nil {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	p.stop = nil
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		if err := p.device.WaitIdle(); err != nil {
			slogger().Warn("encoder: wait idle failed", "err", err)
		}
		for _, item := range p.pending {
			p.release(item)
		}
		p.pending = nil
	}
}
