package runs

import (
	"fmt"
	"strings"
	"time"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
)

// Callback is the body a remote agent posts to report progress.
type Callback struct {
	State       int    `json:"state" doc:"1 completed, 2 failed, 3 running, 4 created"`
	Description string `json:"description,omitempty" doc:"Status lines separated by <br> or newlines"`
}

// CallbackState maps the numeric codes the remote CLI sends.
func CallbackState(code int) (models.State, error) {
	switch code {
	case 1:
		return models.StateCompleted, nil
	case 2:
		return models.StateFailed, nil
	case 3:
		return models.StateRunning, nil
	case 4:
		return models.StateCreated, nil
	}
	return "", perr.Newf(perr.CodeValidation, "invalid value for state '%d' (expected 1 - 4)", code)
}

var noise = []string{"old time stamp", "image path", "Cache folder"}

// CallbackLines splits a reported description into status lines, dropping
// blank lines and container runtime chatter.
func CallbackLines(description string) []string {
	var lines []string
	for _, chunk := range strings.Split(description, "<br>") {
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" || containsAny(line, noise) {
				continue
			}
			lines = append(lines, line)
		}
	}
	return lines
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Delay postpones a submission.
type Delay struct {
	Value int    `json:"value"`
	Units string `json:"units" enum:"Seconds,Minutes,Hours,Days"`
}

// ParseDelay converts a delay to a duration.
func ParseDelay(d Delay) (time.Duration, error) {
	if d.Value < 0 {
		return 0, perr.Newf(perr.CodeValidation, "delay must not be negative")
	}
	var unit time.Duration
	switch d.Units {
	case "Seconds":
		unit = time.Second
	case "Minutes":
		unit = time.Minute
	case "Hours":
		unit = time.Hour
	case "Days":
		unit = 24 * time.Hour
	default:
		return 0, perr.New(perr.CodeValidation,
			fmt.Errorf("unsupported delay units %q (expected: Seconds, Minutes, Hours, or Days)", d.Units))
	}
	return time.Duration(d.Value) * unit, nil
}
