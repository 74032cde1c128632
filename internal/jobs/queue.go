package jobs

// fifoQueue holds queued jobs in submission order. Not safe for concurrent
// use; the Manager guards it with its mutex.
type fifoQueue struct {
	items   []*Job
	maxSize int
}

func newFIFOQueue(maxSize int) *fifoQueue {
	return &fifoQueue{maxSize: maxSize}
}

// push appends job, failing with ErrQueueFull when at capacity.
func (q *fifoQueue) push(job *Job) error {
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, job)
	return nil
}

// pop removes and returns the earliest job, or nil when empty.
func (q *fifoQueue) pop() *Job {
	if len(q.items) == 0 {
		return nil
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return job
}

// remove drops the job with id, reporting whether it was queued.
func (q *fifoQueue) remove(id string) bool {
	for i, job := range q.items {
		if job.ID == id {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

func (q *fifoQueue) len() int { return len(q.items) }

// ids returns queued job ids in order.
func (q *fifoQueue) ids() []string {
	out := make([]string, len(q.items))
	for i, job := range q.items {
		out[i] = job.ID
	}
	return out
}
