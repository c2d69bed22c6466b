package tree

import (
	"sync"
)

// Notifier delivers tree changes to subscribers in publication order from a
// single dispatcher goroutine. Publishing never blocks; a subscriber whose
// buffer is full misses the change.
type Notifier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Change
	subs    map[chan Change]struct{}
	closed  bool
	stopped chan struct{}
}

// NewNotifier starts a notifier.
func NewNotifier() *Notifier {
	n := &Notifier{
		subs:    make(map[chan Change]struct{}),
		stopped: make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *Notifier) run() {
	defer close(n.stopped)
	for {
		n.mu.Lock()
		for len(n.pending) == 0 && !n.closed {
			n.cond.Wait()
		}
		if n.closed {
			for ch := range n.subs {
				close(ch)
			}
			n.subs = nil
			n.mu.Unlock()
			return
		}
		c := n.pending[0]
		n.pending[0] = Change{}
		n.pending = n.pending[1:]
		for ch := range n.subs {
			select {
			case ch <- c:
			default:
			}
		}
		n.mu.Unlock()
	}
}

func (n *Notifier) publish(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending = append(n.pending, c)
	n.cond.Signal()
}

// Subscribe returns a channel of changes and a function that cancels the
// subscription and closes the channel.
func (n *Notifier) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subs[ch]; ok {
				delete(n.subs, ch)
				close(ch)
			}
		})
	}
}

// Close stops the dispatcher and closes every subscriber channel. Changes not
// yet delivered are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.stopped
		return
	}
	n.closed = true
	n.cond.Signal()
	n.mu.Unlock()
	<-n.stopped
}
