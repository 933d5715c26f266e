package queue

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/appliedgeo/gips/internal/constants"
	"github.com/appliedgeo/gips/internal/logger"
)

// TorqueQueue submits batch scripts to a Torque/PBS scheduler with qsub and
// checks liveness with qstat.
type TorqueQueue struct {
	// WorkerCmd is the command each script line invokes, e.g. "gips-worker".
	WorkerCmd string
	// Queue is the destination queue name; empty uses the site default.
	Queue string
	Log   *logger.Logger
}

func NewTorqueQueue(workerCmd, queueName string, log *logger.Logger) *TorqueQueue {
	if log == nil {
		log = logger.Default()
	}
	return &TorqueQueue{
		WorkerCmd: workerCmd,
		Queue:     queueName,
		Log:       log.WithComponent("torque"),
	}
}

func (q *TorqueQueue) Submit(ctx context.Context, op Op, args [][]string, opts SubmitOptions) ([]SubmitResult, error) {
	batches := splitBatches(args, opts.BatchSize)
	results := make([]SubmitResult, 0, len(batches))

	prevJobID := ""
	for _, batch := range batches {
		script := q.buildScript(op, batch, opts)

		qsubArgs := []string{"-N", "gips-" + string(op)}
		if q.Queue != "" {
			qsubArgs = append(qsubArgs, "-q", q.Queue)
		}
		if opts.Chain && prevJobID != "" {
			qsubArgs = append(qsubArgs, "-W", "depend=afterany:"+prevJobID)
		}

		cmd := exec.CommandContext(ctx, constants.TorqueSubmitCmd, qsubArgs...)
		cmd.Stdin = strings.NewReader(script)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		result := SubmitResult{Args: batch}
		if err := cmd.Run(); err != nil {
			// Submission failure is the caller's call to retry; report it
			// with an empty job id instead of aborting the remaining batches.
			result.Stderr = strings.TrimSpace(stderr.String())
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
			q.Log.Error("qsub failed", "op", op, "error", err, "stderr", result.Stderr)
			results = append(results, result)
			continue
		}

		result.JobID = strings.TrimSpace(stdout.String())
		result.Stdout = result.JobID
		prevJobID = result.JobID
		results = append(results, result)
	}
	return results, nil
}

// buildScript renders one batch script, one worker invocation per tuple.
func (q *TorqueQueue) buildScript(op Op, batch [][]string, opts SubmitOptions) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	if opts.NProc > 0 {
		fmt.Fprintf(&b, "#PBS -l nodes=1:ppn=%d\n", opts.NProc)
	}
	b.WriteString("#PBS -j oe\n")
	for _, tuple := range batch {
		fmt.Fprintf(&b, "%s %s %s\n", q.WorkerCmd, op, strings.Join(tuple, " "))
	}
	return b.String()
}

// IsJobAlive asks qstat for the job state. A job is alive unless qstat does
// not know it or reports it completed.
func (q *TorqueQueue) IsJobAlive(ctx context.Context, jobID string) (bool, error) {
	if jobID == "" {
		return false, nil
	}

	cmd := exec.CommandContext(ctx, constants.TorqueStatusCmd, "-f", jobID)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// qstat exits nonzero for unknown (already purged) jobs.
		return false, nil
	}

	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "job_state") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		state := strings.TrimSpace(parts[1])
		return state != "C" && state != "E", nil
	}
	return false, nil
}
