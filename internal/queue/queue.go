// Package queue abstracts batch job submission backends. The scheduler only
// knows how to submit argument batches and ask whether a job is still alive;
// whether that means an HPC batch scheduler or an in-process worker pool is a
// construction-time choice.
package queue

import "context"

// Op names a worker operation a batch executes.
type Op string

const (
	OpFetch   Op = "fetch"
	OpProcess Op = "process"
	OpQuery   Op = "query"
	OpExport  Op = "export"
)

// SubmitOptions tunes one submission.
type SubmitOptions struct {
	// BatchSize splits the argument list into sub-batches of this size; zero
	// means a single batch.
	BatchSize int
	// NProc is a processor-count hint for backends that understand one.
	NProc int
	// Chain makes each batch start only after the previous one finished.
	Chain bool
}

// SubmitResult reports one batch submission. A failed submission carries an
// empty JobID and the captured stderr; Submit never aborts the remaining
// batches because of one failure.
type SubmitResult struct {
	JobID  string
	Args   [][]string
	Stdout string
	Stderr string
}

// TaskQueue is the backend contract.
type TaskQueue interface {
	// Submit batches args and submits each batch as one backend job.
	Submit(ctx context.Context, op Op, args [][]string, opts SubmitOptions) ([]SubmitResult, error)

	// IsJobAlive reports whether a previously submitted job is still queued
	// or running. Unknown and terminal jobs are both not alive.
	IsJobAlive(ctx context.Context, jobID string) (bool, error)
}

// splitBatches partitions args into groups of size batchSize (all in one
// group when batchSize is zero).
func splitBatches(args [][]string, batchSize int) [][][]string {
	if len(args) == 0 {
		return nil
	}
	if batchSize <= 0 || batchSize >= len(args) {
		return [][][]string{args}
	}
	var batches [][][]string
	for start := 0; start < len(args); start += batchSize {
		end := start + batchSize
		if end > len(args) {
			end = len(args)
		}
		batches = append(batches, args[start:end])
	}
	return batches
}
