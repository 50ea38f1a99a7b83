package scheduler

import (
	"container/heap"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull rejects a submit when the backlog is at capacity.
	ErrQueueFull = errors.New("job queue full")
	// ErrRateLimited rejects a submit that exceeds the per-client budget.
	ErrRateLimited = errors.New("client rate limit exceeded")
	// ErrUnknownJob marks a lookup for an id the scheduler is not tracking.
	ErrUnknownJob = errors.New("unknown job")
)

// jobQueue orders pending work by priority, then submission order. Cancelled
// jobs are removed lazily on pop.
type jobQueue struct {
	items []*Job
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	if q.items[i].Priority != q.items[j].Priority {
		return q.items[i].Priority > q.items[j].Priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *jobQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *jobQueue) Push(x any) { q.items = append(q.items, x.(*Job)) }

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

func (q *jobQueue) push(j *Job) { heap.Push(q, j) }

// pop returns the next runnable job, discarding entries that were cancelled
// while queued.
func (q *jobQueue) pop() *Job {
	for q.Len() > 0 {
		j := heap.Pop(q).(*Job)
		if j.State != StateQueued {
			continue
		}
		return j
	}
	return nil
}

// A bucket idle this long has fully refilled and carries no state worth
// keeping.
const limiterIdleTTL = 10 * time.Minute

// admission tracks per-client token buckets. A client's bucket refills at
// the configured per-minute rate and allows a burst of the full budget.
type admission struct {
	perMin   int
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newAdmission(perMin int) *admission {
	return &admission{perMin: perMin, limiters: make(map[string]*clientLimiter)}
}

func (a *admission) allow(clientID string, now time.Time) bool {
	cl, ok := a.limiters[clientID]
	if !ok {
		cl = &clientLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(a.perMin)), a.perMin)}
		a.limiters[clientID] = cl
	}
	cl.lastSeen = now
	return cl.lim.Allow()
}

// prune drops buckets for clients that have gone quiet so the map does not
// grow with every distinct client id ever seen.
func (a *admission) prune(now time.Time) {
	for id, cl := range a.limiters {
		if now.Sub(cl.lastSeen) > limiterIdleTTL {
			delete(a.limiters, id)
		}
	}
}
