package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jupark12/ydl-server/extractor"
	"github.com/jupark12/ydl-server/models"
)

func newJob(name string) *models.Job {
	return models.NewJob("alice", "https://example.com/"+name, "normalmp4", extractor.Options{}, "/data/"+name+".mp4")
}

func TestJobQueueFIFO(t *testing.T) {
	q := NewJobQueue()

	j1, j2, j3 := newJob("one"), newJob("two"), newJob("three")
	q.Enqueue(j1)
	q.Enqueue(j2)
	q.Enqueue(j3)

	if q.Len() != 3 {
		t.Fatalf("Expected 3 pending jobs, got %d", q.Len())
	}

	for i, want := range []*models.Job{j1, j2, j3} {
		if got := q.Dequeue(); got != want {
			t.Errorf("Dequeue %d: expected %s, got %s", i, want.SourceURL, got.SourceURL)
		}
	}

	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
}

func TestJobQueueDequeueBlocks(t *testing.T) {
	q := NewJobQueue()

	got := make(chan *models.Job, 1)
	go func() {
		got <- q.Dequeue()
	}()

	select {
	case <-got:
		t.Fatal("Expected Dequeue to block on an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	job := newJob("late")
	q.Enqueue(job)

	select {
	case j := <-got:
		if j != job {
			t.Errorf("Expected %s, got %s", job.SourceURL, j.SourceURL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not return after Enqueue")
	}
}

func TestJobQueueConcurrentProducers(t *testing.T) {
	q := NewJobQueue()

	const producers, perProducer = 8, 50
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(newJob(fmt.Sprintf("p%d-%d", p, i)))
			}
		}(p)
	}

	seen := make(map[string]bool)
	lastIndex := make(map[int]int)
	for i := 0; i < producers*perProducer; i++ {
		job := q.Dequeue()
		if seen[job.ID] {
			t.Fatalf("Job %s dequeued twice", job.ID)
		}
		seen[job.ID] = true

		// per-producer order must be preserved
		var p, n int
		fmt.Sscanf(job.SourceURL, "https://example.com/p%d-%d", &p, &n)
		if last, ok := lastIndex[p]; ok && n <= last {
			t.Fatalf("Producer %d jobs out of order: %d after %d", p, n, last)
		}
		lastIndex[p] = n
	}
	wg.Wait()

	if len(seen) != producers*perProducer {
		t.Errorf("Expected %d jobs, got %d", producers*perProducer, len(seen))
	}
}

func TestJobQueueSnapshot(t *testing.T) {
	q := NewJobQueue()
	q.Enqueue(newJob("a"))
	q.Enqueue(newJob("b"))
	q.Enqueue(models.NewSentinel())

	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Expected 2 jobs in snapshot, got %d", len(snap))
	}
	if snap[0].Outfile != "a.mp4" || snap[1].Outfile != "b.mp4" {
		t.Errorf("Unexpected snapshot order: %+v", snap)
	}
	if q.Len() != 2 {
		t.Errorf("Expected sentinel to be excluded from Len, got %d", q.Len())
	}
}

func TestJobQueueDropPending(t *testing.T) {
	q := NewJobQueue()
	q.Enqueue(newJob("a"))
	q.Enqueue(newJob("b"))

	dropped := q.DropPending()
	if len(dropped) != 2 || dropped[0].Outfile() != "a.mp4" {
		t.Errorf("Expected two dropped jobs in order, got %d", len(dropped))
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue after drop, got %d", q.Len())
	}
}
