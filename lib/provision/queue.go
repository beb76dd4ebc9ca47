package provision

import "sync"

// queuedBuild represents a build waiting in queue.
type queuedBuild struct {
	buildID string
	startFn func()
}

// buildQueue bounds concurrent builds and starts queued ones as slots free.
type buildQueue struct {
	maxConcurrent int
	active        map[string]bool
	pending       []queuedBuild
	mu            sync.Mutex
}

func newBuildQueue(maxConcurrent int) *buildQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &buildQueue{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
	}
}

// Enqueue adds a build and returns its queue position: 0 when it starts
// immediately, >0 when queued.
func (q *buildQueue) Enqueue(buildID string, startFn func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) < q.maxConcurrent {
		q.active[buildID] = true
		go startFn()
		return 0
	}

	q.pending = append(q.pending, queuedBuild{buildID: buildID, startFn: startFn})
	return len(q.pending)
}

// MarkComplete releases a slot and starts the next queued build, if any.
func (q *buildQueue) MarkComplete(buildID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, buildID)

	if len(q.pending) > 0 && len(q.active) < q.maxConcurrent {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.active[next.buildID] = true
		go next.startFn()
	}
}

// Position returns the queue position for a build, or nil if it is not
// waiting (building or complete).
func (q *buildQueue) Position(buildID string) *int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[buildID] {
		return nil
	}
	for i, b := range q.pending {
		if b.buildID == buildID {
			pos := i + 1
			return &pos
		}
	}
	return nil
}

// ActiveCount returns the number of running builds.
func (q *buildQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// PendingCount returns the number of queued builds.
func (q *buildQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
