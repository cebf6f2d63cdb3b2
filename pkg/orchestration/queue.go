package orchestration

import "sync"

// runQueue is a FIFO of instance IDs. An ID is scheduled from push until
// done, and pushing a scheduled ID is a no-op, so an instance is never
// queued or executed twice at the same time.
type runQueue struct {
	mu        sync.Mutex
	items     []string
	scheduled map[string]struct{}
	notify    chan struct{}
}

func newRunQueue() *runQueue {
	return &runQueue{
		scheduled: make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
	}
}

func (q *runQueue) push(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.scheduled[id]; ok {
		return false
	}
	q.scheduled[id] = struct{}{}
	q.items = append(q.items, id)
	q.signal()
	return true
}

// pop blocks until an ID is available or stop is closed.
func (q *runQueue) pop(stop <-chan struct{}) (string, bool) {
	for {
		select {
		case <-stop:
			return "", false
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return id, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-stop:
			return "", false
		}
	}
}

// done releases id after a worker has run it, queueing it again if requeue is set.
func (q *runQueue) done(id string, requeue bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !requeue {
		delete(q.scheduled, id)
		return
	}
	q.items = append(q.items, id)
	q.signal()
}

func (q *runQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *runQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
