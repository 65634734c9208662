// Package batch holds the scheduler profiles: how resource requests become
// script directives, and how each scheduler's submit, accounting, queue and
// cancel commands are phrased and parsed.
package batch

import (
	"fmt"
	"strings"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
)

// Request is the resource request rendered into directives. Zero fields
// are omitted.
type Request struct {
	Cores     int
	Walltime  string
	Mem       string
	Partition string
	Project   string
	GPU       bool
	ArraySize int
	Nodes     int
	Email     string
}

// Status is a job's accounting record.
type Status struct {
	State    models.State
	ExitCode string
	Elapsed  string
	// Found is false when accounting has no record of the job yet.
	Found bool
}

// QueueEntry is one line of the live queue.
type QueueEntry struct {
	JobID   string
	State   string
	Elapsed string
}

type Profile interface {
	Name() string
	Directives(req Request) []string
	SubmitCommand(script string) string
	ParseJobID(lines []string) (string, error)
	StatusCommand(jobID string) string
	ParseStatus(jobID string, lines []string) (Status, error)
	QueueCommand(username string) string
	ParseQueue(lines []string) ([]QueueEntry, error)
	CancelCommand(jobID string) string
	// OutputFiles names the scheduler's stdout and stderr files for a job.
	OutputFiles(jobID string) (stdout, stderr string)
}

// For returns the profile of a scheduled executor.
func For(executor models.Executor) (Profile, error) {
	switch executor {
	case models.ExecutorSlurm:
		return Slurm{}, nil
	case models.ExecutorPBS:
		return PBS{}, nil
	}
	return nil, fmt.Errorf("no scheduler profile for executor %q", executor)
}

// Find returns the queue entry for jobID, matching the job-id column
// exactly. Array elements (id_N, id[N]) belong to their parent job.
func Find(entries []QueueEntry, jobID string) (QueueEntry, bool) {
	for _, e := range entries {
		if sameJob(e.JobID, jobID) {
			return e, true
		}
	}
	return QueueEntry{}, false
}

func sameJob(candidate, jobID string) bool {
	if candidate == jobID {
		return true
	}
	if rest, ok := strings.CutPrefix(candidate, jobID); ok {
		return strings.HasPrefix(rest, "_") || strings.HasPrefix(rest, "[")
	}
	return false
}

// ParseError reports scheduler output that does not have the expected
// shape. It is never retried.
type ParseError struct {
	What  string
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s from %q", e.What, e.Input)
}

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
