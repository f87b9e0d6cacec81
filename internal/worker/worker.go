package worker

import "errors"

var (
	// ErrTurnInFlight rejects a different submission while a turn of the same
	// session is still running.
	ErrTurnInFlight = errors.New("a turn is already in progress for this session")
	// ErrDispatcherBusy is returned when the turn queue is full.
	ErrDispatcherBusy = errors.New("turn queue full")
	ErrStopped        = errors.New("dispatcher stopped")
)

// Job is one unit of work bound to a session.
type Job struct {
	SessionID string
	Run       func()

	stop bool
}

type worker struct {
	id   int
	pool *jobChannelPool
	jobs chan Job
}

func newWorker(id int, pool *jobChannelPool) *worker {
	return &worker{
		id:   id,
		pool: pool,
		jobs: make(chan Job),
	}
}

func (w *worker) start() {
	go func() {
		for {
			// offer ourselves to the pool, then wait for work
			if !w.pool.release(w.jobs) {
				w.pool.retire(w.jobs)
				return
			}
			job := <-w.jobs
			if job.stop {
				w.pool.retire(w.jobs)
				return
			}
			debugLog().Int("worker", w.id).Str("session", job.SessionID).Msg("run job")
			job.Run()
		}
	}()
}
