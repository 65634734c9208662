package batch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
)

// PBS drives qsub, qstat, qselect and qdel (PBS Pro semantics).
type PBS struct{}

func (PBS) Name() string { return "pbs" }

func (PBS) Directives(req Request) []string {
	var d []string
	add := func(format string, args ...any) {
		d = append(d, "#PBS "+fmt.Sprintf(format, args...))
	}

	nodes := req.Nodes
	if nodes < 1 {
		nodes = 1
	}
	chunk := fmt.Sprintf("select=%d", nodes)
	if req.Cores > 0 {
		chunk += fmt.Sprintf(":ncpus=%d", req.Cores)
	}
	if req.Mem != "" {
		chunk += ":mem=" + req.Mem
	}
	if req.GPU {
		chunk += ":ngpus=1"
	}
	add("-N plantit")
	add("-l %s", chunk)
	if req.Walltime != "" {
		add("-l walltime=%s", req.Walltime)
	}
	if req.Partition != "" {
		add("-q %s", req.Partition)
	}
	if req.Project != "" {
		add("-A %s", req.Project)
	}
	if req.ArraySize > 0 {
		add("-J 1-%d", req.ArraySize)
	}
	if req.Email != "" {
		add("-m ae")
		add("-M %s", req.Email)
	}
	return d
}

func (PBS) SubmitCommand(script string) string {
	return "qsub " + script
}

var pbsJobPattern = regexp.MustCompile(`^(\d+)(\[\d*\])?(\.[\w.-]+)?$`)

func (PBS) ParseJobID(lines []string) (string, error) {
	last := lastLine(lines)
	if !pbsJobPattern.MatchString(last) {
		return "", &ParseError{What: "job id", Input: last}
	}
	return last, nil
}

func (PBS) StatusCommand(jobID string) string {
	return "qstat -x -f " + jobID
}

func (PBS) ParseStatus(jobID string, lines []string) (Status, error) {
	attrs := map[string]string{}
	found := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "Job Id:"); ok {
			found = sameJob(strings.TrimSpace(rest), jobID)
			continue
		}
		if !found {
			continue
		}
		if k, v, ok := strings.Cut(line, " = "); ok {
			attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	raw, ok := attrs["job_state"]
	if !ok {
		return Status{}, nil
	}

	status := Status{ExitCode: attrs["Exit_status"], Elapsed: attrs["resources_used.walltime"], Found: true}
	switch raw {
	case "Q", "H", "W", "T", "S", "E", "R", "B", "U", "M":
		status.State = models.StateRunning
	case "F", "X":
		status.State = pbsExitState(status.ExitCode)
	default:
		return Status{}, &ParseError{What: "job state", Input: raw}
	}
	return status, nil
}

// pbsExitState maps a finished job's Exit_status. 271 is SIGTERM from qdel;
// -29 is the walltime kill.
func pbsExitState(code string) models.State {
	switch code {
	case "0":
		return models.StateCompleted
	case "271":
		return models.StateCancelled
	case "-29":
		return models.StateTimeout
	}
	return models.StateFailed
}

func (PBS) QueueCommand(username string) string {
	return "qselect -u " + username
}

func (PBS) ParseQueue(lines []string) ([]QueueEntry, error) {
	var entries []QueueEntry
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !pbsJobPattern.MatchString(line) {
			return nil, &ParseError{What: "qselect record", Input: line}
		}
		entries = append(entries, QueueEntry{JobID: line})
	}
	return entries, nil
}

func (PBS) CancelCommand(jobID string) string {
	return "qdel " + jobID
}

func (PBS) OutputFiles(jobID string) (string, string) {
	seq, _, _ := strings.Cut(jobID, ".")
	seq, _, _ = strings.Cut(seq, "[")
	return "plantit.o" + seq, "plantit.e" + seq
}
