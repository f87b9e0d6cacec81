package worker

import (
	"errors"
	"testing"
	"time"
)

func TestDispatcherRoundRobinAcrossSessions(t *testing.T) {
	d := newDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8})
	defer d.Stop()

	for _, j := range []Job{
		{SessionID: "a", Run: func() {}},
		{SessionID: "a", Run: func() {}},
		{SessionID: "a", Run: func() {}},
		{SessionID: "b", Run: func() {}},
	} {
		d.enqueueJob(j)
	}
	var order []string
	for {
		job, ok := d.next()
		if !ok {
			break
		}
		order = append(order, job.SessionID)
	}
	want := []string{"a", "b", "a", "a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatcherRunsJobs(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 3, QueueSize: 8})
	defer d.Stop()

	done := make(chan string, 3)
	for _, id := range []string{"a", "b", "c"} {
		id := id
		if err := d.Submit(Job{SessionID: id, Run: func() { done <- id }}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatalf("jobs not executed, seen %v", seen)
		}
	}
}

func TestDispatcherBusyWhenQueueFull(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer d.Stop()

	started := make(chan struct{})
	gate := make(chan struct{})
	if err := d.Submit(Job{SessionID: "a", Run: func() { close(started); <-gate }}); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	<-started
	if err := d.Submit(Job{SessionID: "b", Run: func() {}}); err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if err := d.Submit(Job{SessionID: "c", Run: func() {}}); !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
	close(gate)
}

func TestDispatcherStop(t *testing.T) {
	d := NewDispatcher(Config{MinWorkers: 2, MaxWorkers: 2, QueueSize: 2})
	d.Stop()
	if err := d.Submit(Job{SessionID: "a", Run: func() {}}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	select {
	case <-d.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

func TestPoolShutdownExpiredKeepsMinimum(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour)
	defer p.close()
	for i := 0; i < 3; i++ {
		p.spawnWorker()
	}
	deadline := time.Now().Add(time.Second)
	for {
		_, idle := p.size()
		if idle == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers never became idle")
		}
		time.Sleep(time.Millisecond)
	}
	p.shutdownExpired(time.Now().Add(2 * time.Hour))
	deadline = time.Now().Add(time.Second)
	for {
		running, _ := p.size()
		if running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("running = %d, want 1", running)
		}
		time.Sleep(time.Millisecond)
	}
}
