package dispatch

import "golang.org/x/sync/semaphore"

// Concurrency caps per backend kind (spec §5): HTTP providers tolerate the
// most parallelism, CLI and async-poll backends spawn processes or occupy
// long-lived job slots and stay tighter.
const (
	maxConcurrentHTTP      = 8
	maxConcurrentCLI       = 4
	maxConcurrentAsyncPoll = 4
)

// Semaphores holds the three backend-scoped weighted semaphores shared
// across every dispatch made by a review, so a burst of requests to one
// backend can't starve the others.
type Semaphores struct {
	HTTP      *semaphore.Weighted
	CLI       *semaphore.Weighted
	AsyncPoll *semaphore.Weighted
}

func NewSemaphores() *Semaphores {
	return &Semaphores{
		HTTP:      semaphore.NewWeighted(maxConcurrentHTTP),
		CLI:       semaphore.NewWeighted(maxConcurrentCLI),
		AsyncPoll: semaphore.NewWeighted(maxConcurrentAsyncPoll),
	}
}
