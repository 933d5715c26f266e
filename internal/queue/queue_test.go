package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSplitBatches(t *testing.T) {
	args := [][]string{{"1"}, {"2"}, {"3"}, {"4"}, {"5"}}

	tests := []struct {
		name      string
		batchSize int
		want      []int
	}{
		{"zero means one batch", 0, []int{5}},
		{"even split", 5, []int{5}},
		{"remainder batch", 2, []int{2, 2, 1}},
		{"oversized batch", 10, []int{5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := splitBatches(args, tt.batchSize)
			if len(batches) != len(tt.want) {
				t.Fatalf("Expected %d batches, got %d", len(tt.want), len(batches))
			}
			for i, n := range tt.want {
				if len(batches[i]) != n {
					t.Errorf("Batch %d: expected %d tuples, got %d", i, n, len(batches[i]))
				}
			}
		})
	}

	if batches := splitBatches(nil, 3); batches != nil {
		t.Errorf("Expected nil for empty args, got %v", batches)
	}
}

func TestTorqueBuildScript(t *testing.T) {
	q := NewTorqueQueue("gips-worker", "batch", nil)

	script := q.buildScript(OpFetch, [][]string{{"41"}, {"42"}}, SubmitOptions{NProc: 4})

	if !strings.HasPrefix(script, "#!/bin/bash\n") {
		t.Errorf("Expected bash shebang, got %q", script)
	}
	if !strings.Contains(script, "#PBS -l nodes=1:ppn=4\n") {
		t.Errorf("Expected ppn directive, got %q", script)
	}
	if !strings.Contains(script, "gips-worker fetch 41\n") ||
		!strings.Contains(script, "gips-worker fetch 42\n") {
		t.Errorf("Expected one worker line per tuple, got %q", script)
	}
}

func TestLocalQueueRunsHandlers(t *testing.T) {
	q := NewLocalQueue(2, nil)
	defer q.Stop()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	q.Register(OpFetch, func(ctx context.Context, args []string) error {
		mu.Lock()
		got = append(got, args[0])
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	results, err := q.Submit(context.Background(), OpFetch,
		[][]string{{"1"}, {"2"}, {"3"}}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 batch result, got %d", len(results))
	}
	if results[0].JobID == "" {
		t.Fatal("Expected a job id")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handlers did not run in time")
	}
}

func TestLocalQueueLiveness(t *testing.T) {
	q := NewLocalQueue(1, nil)
	defer q.Stop()

	release := make(chan struct{})
	q.Register(OpProcess, func(ctx context.Context, args []string) error {
		<-release
		return nil
	})

	results, err := q.Submit(context.Background(), OpProcess, [][]string{{"1"}}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	jobID := results[0].JobID

	alive, err := q.IsJobAlive(context.Background(), jobID)
	if err != nil {
		t.Fatalf("IsJobAlive failed: %v", err)
	}
	if !alive {
		t.Error("Expected job alive while handler blocks")
	}

	close(release)
	deadline := time.After(5 * time.Second)
	for {
		alive, err = q.IsJobAlive(context.Background(), jobID)
		if err != nil {
			t.Fatalf("IsJobAlive failed: %v", err)
		}
		if !alive {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Job never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}

	alive, err = q.IsJobAlive(context.Background(), "no-such-job")
	if err != nil {
		t.Fatalf("IsJobAlive failed: %v", err)
	}
	if alive {
		t.Error("Expected unknown job id to be not alive")
	}
}

func TestLocalQueueForgetsFinishedJobs(t *testing.T) {
	q := NewLocalQueue(1, nil)
	defer q.Stop()

	q.Register(OpFetch, func(ctx context.Context, args []string) error {
		return nil
	})
	results, err := q.Submit(context.Background(), OpFetch, [][]string{{"1"}, {"2"}, {"3"}}, SubmitOptions{BatchSize: 1})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for _, result := range results {
		for {
			alive, err := q.IsJobAlive(context.Background(), result.JobID)
			if err != nil {
				t.Fatalf("IsJobAlive failed: %v", err)
			}
			if !alive {
				break
			}
			select {
			case <-deadline:
				t.Fatal("Job never finished")
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	// Finished batches drop their tracking entries; a long-running daemon
	// must not hold one channel per batch it ever dispatched.
	q.mu.Lock()
	tracked := len(q.done)
	q.mu.Unlock()
	if tracked != 0 {
		t.Errorf("Expected no tracked jobs after completion, got %d", tracked)
	}
}

func TestLocalQueueChainOrdering(t *testing.T) {
	q := NewLocalQueue(4, nil)
	defer q.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	q.Register(OpFetch, func(ctx context.Context, args []string) error {
		// Slow down early tuples so an unchained run would interleave.
		if args[0] == "1" || args[0] == "2" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, args[0])
		if len(order) == 4 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	_, err := q.Submit(context.Background(), OpFetch,
		[][]string{{"1"}, {"2"}, {"3"}, {"4"}},
		SubmitOptions{BatchSize: 2, Chain: true})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handlers did not run in time")
	}

	mu.Lock()
	defer mu.Unlock()
	pos := make(map[string]int, 4)
	for i, id := range order {
		pos[id] = i
	}
	if pos["3"] < pos["1"] || pos["3"] < pos["2"] ||
		pos["4"] < pos["1"] || pos["4"] < pos["2"] {
		t.Errorf("Chained batch ran before its predecessor finished: %v", order)
	}
}

func TestLocalQueueUnregisteredOp(t *testing.T) {
	q := NewLocalQueue(1, nil)
	defer q.Stop()

	results, err := q.Submit(context.Background(), OpExport, [][]string{{"1"}}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if len(results) != 1 || results[0].JobID != "" {
		t.Fatalf("Expected a failed result with empty job id, got %+v", results)
	}
	if results[0].Stderr == "" {
		t.Error("Expected stderr to explain the missing handler")
	}
}
