package batch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
)

// Slurm drives sbatch, sacct, squeue and scancel.
type Slurm struct{}

func (Slurm) Name() string { return "slurm" }

func (Slurm) Directives(req Request) []string {
	var d []string
	add := func(format string, args ...any) {
		d = append(d, "#SBATCH "+fmt.Sprintf(format, args...))
	}
	if req.Cores > 0 {
		add("--cpus-per-task=%d", req.Cores)
	}
	if req.Walltime != "" {
		add("--time=%s", req.Walltime)
	}
	if req.Mem != "" {
		add("--mem=%s", req.Mem)
	}
	if req.Partition != "" {
		add("--partition=%s", req.Partition)
	}
	if req.Project != "" {
		add("-A %s", req.Project)
	}
	if req.GPU {
		add("--gres=gpu:1")
	}
	if req.ArraySize > 0 {
		add("--array=1-%d", req.ArraySize)
	}
	if req.Nodes > 0 {
		add("-N %d", req.Nodes)
		add("--ntasks=%d", req.Nodes)
	}
	if req.Email != "" {
		add("--mail-type=END,FAIL")
		add("--mail-user=%s", req.Email)
	}
	add("--output=plantit.%%j.out")
	add("--error=plantit.%%j.err")
	return d
}

func (Slurm) SubmitCommand(script string) string {
	return "sbatch " + script
}

var submittedPattern = regexp.MustCompile(`^Submitted batch job (\d+)`)

func (Slurm) ParseJobID(lines []string) (string, error) {
	last := lastLine(lines)
	m := submittedPattern.FindStringSubmatch(last)
	if m == nil {
		return "", &ParseError{What: "job id", Input: last}
	}
	return m[1], nil
}

func (Slurm) StatusCommand(jobID string) string {
	return fmt.Sprintf("sacct -j %s -o JobID,State,ExitCode -n -P", jobID)
}

func (Slurm) ParseStatus(jobID string, lines []string) (Status, error) {
	var (
		states []models.State
		exit   string
	)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			return Status{}, &ParseError{What: "sacct record", Input: line}
		}
		// job steps (id.batch, id.extern) repeat the allocation's state
		if !sameJob(fields[0], jobID) {
			continue
		}
		state, err := slurmState(fields[1])
		if err != nil {
			return Status{}, err
		}
		states = append(states, state)
		if fields[0] == jobID || exit == "" {
			exit = fields[2]
		}
	}
	if len(states) == 0 {
		return Status{}, nil
	}
	return Status{State: aggregate(states), ExitCode: exit, Found: true}, nil
}

func slurmState(raw string) (models.State, error) {
	// "CANCELLED by 1000"
	word, _, _ := strings.Cut(strings.TrimSpace(raw), " ")
	switch strings.TrimSuffix(word, "+") {
	case "PENDING", "RUNNING", "CONFIGURING", "COMPLETING", "REQUEUED", "RESIZING", "SUSPENDED":
		return models.StateRunning, nil
	case "COMPLETED":
		return models.StateCompleted, nil
	case "CANCELLED":
		return models.StateCancelled, nil
	case "TIMEOUT":
		return models.StateTimeout, nil
	case "FAILED", "NODE_FAIL", "OUT_OF_MEMORY", "BOOT_FAIL", "DEADLINE", "PREEMPTED":
		return models.StateFailed, nil
	}
	return "", &ParseError{What: "job state", Input: raw}
}

// aggregate folds array element states: anything still running keeps the
// job running, otherwise the worst outcome wins.
func aggregate(states []models.State) models.State {
	rank := map[models.State]int{
		models.StateCompleted: 0,
		models.StateCancelled: 1,
		models.StateTimeout:   2,
		models.StateFailed:    3,
	}
	out := models.StateCompleted
	for _, s := range states {
		if !s.Terminal() {
			return models.StateRunning
		}
		if rank[s] > rank[out] {
			out = s
		}
	}
	return out
}

func (Slurm) QueueCommand(username string) string {
	return fmt.Sprintf(`squeue --user=%s --noheader -o "%%i|%%T|%%M"`, username)
}

func (Slurm) ParseQueue(lines []string) ([]QueueEntry, error) {
	var entries []QueueEntry
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != 3 {
			return nil, &ParseError{What: "squeue record", Input: line}
		}
		entries = append(entries, QueueEntry{JobID: fields[0], State: fields[1], Elapsed: fields[2]})
	}
	return entries, nil
}

func (Slurm) CancelCommand(jobID string) string {
	return "scancel " + jobID
}

func (Slurm) OutputFiles(jobID string) (string, string) {
	return "plantit." + jobID + ".out", "plantit." + jobID + ".err"
}
