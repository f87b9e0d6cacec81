package worker

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"igniteme/internal/logger"
	"igniteme/internal/metrics"
)

type sessionQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands jobs to a bounded worker pool, taking one job per session
// in turn so a busy session cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	capacity int64
	pending  atomic.Int64

	mu        sync.Mutex
	queues    map[string]*sessionQueue
	ready     *list.List // round robin of session ids with queued jobs
	positions map[string]*list.Element

	quit     chan struct{}
	stopOnce sync.Once
}

// Config sizes the pool and the queue.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

func NewDispatcher(cfg Config) *Dispatcher {
	d := newDispatcher(cfg)
	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

func newDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout),
		JobQueue:  make(chan Job, cfg.QueueSize),
		capacity:  int64(cfg.QueueSize),
		queues:    make(map[string]*sessionQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
	}
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.quit:
		return ErrStopped
	default:
	}
	if d.pending.Add(1) > d.capacity {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	select {
	case d.JobQueue <- job:
		metrics.QueueDepth.Inc()
		return nil
	default:
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
}

// Done is closed once the dispatcher stops.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.quit
}

// Stop halts dispatching. Queued jobs are dropped; running jobs finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
	})
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
		}
		// pick up everything submitted meanwhile so round robin sees it
		for drained := false; !drained; {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			default:
				drained = true
			}
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.SessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[job.SessionID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.SessionID] = d.ready.PushBack(job.SessionID)
}

// next pops the head job of the session at the front of the round robin and
// moves that session to the back.
func (d *Dispatcher) next() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	sessionID := elem.Value.(string)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
		delete(d.queues, sessionID)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}

func (d *Dispatcher) dispatchOne() bool {
	job, ok := d.next()
	if !ok {
		return false
	}
	workerChan := d.pool.acquire()
	if workerChan == nil {
		return false
	}
	d.pending.Add(-1)
	metrics.QueueDepth.Dec()
	debugLog().Str("session", job.SessionID).Int("worker", d.pool.workerID(workerChan)).Msg("assign job")
	workerChan <- job
	return true
}

func debugLog() *zerolog.Event {
	l := logger.Component("worker")
	return l.Debug()
}
