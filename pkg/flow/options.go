// Package flow turns a raw workflow configuration (the decoded plantit.yaml
// a workflow repository ships) into validated RunOptions, and renders the
// flow.yaml handed to the remote CLI.
package flow

import (
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// InputKind selects how input is staged from external storage.
type InputKind string

const (
	InputFile      InputKind = "file"
	InputFiles     InputKind = "files"
	InputDirectory InputKind = "directory"
)

type Input struct {
	Kind     InputKind `yaml:"kind"`
	Path     string    `yaml:"path"`
	Patterns []string  `yaml:"patterns,omitempty"`
}

// Filter is an include or exclude section of an output declaration.
type Filter struct {
	Names    []string `yaml:"names,omitempty"`
	Patterns []string `yaml:"patterns,omitempty"`
}

type Output struct {
	Path    string `yaml:"path"`
	Include Filter `yaml:"include"`
	Exclude Filter `yaml:"exclude"`
}

// Parameter is substituted for $KEY in the command template.
type Parameter struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// BindMount maps a host path into the container. An empty Host means the
// mount lives under the run's working directory.
type BindMount struct {
	Host      string
	Container string
}

// ParseBindMount reads "host:container" or a bare container path.
func ParseBindMount(s string) BindMount {
	if host, container, ok := strings.Cut(s, ":"); ok {
		return BindMount{Host: host, Container: container}
	}
	return BindMount{Container: s}
}

// Format renders the mount for singularity's --bind flag.
func (b BindMount) Format(workdir string) string {
	host := b.Host
	if host == "" {
		host = path.Join(workdir, b.Container)
	}
	return host + ":" + b.Container
}

func (b BindMount) MarshalYAML() (any, error) {
	if b.Host == "" {
		return b.Container, nil
	}
	return b.Host + ":" + b.Container, nil
}

// Resources is the per-task resource request.
type Resources struct {
	Cores     int    `yaml:"cores,omitempty"`
	Processes int    `yaml:"processes,omitempty"`
	Time      string `yaml:"time,omitempty"`
	Mem       string `yaml:"mem,omitempty"`
}

// JobQueue names the scheduler a workflow targets and carries its
// scheduler-specific fields verbatim.
type JobQueue struct {
	Kind   string
	Fields map[string]any
}

func (q JobQueue) MarshalYAML() (any, error) {
	fields := q.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{q.Kind: fields}, nil
}

// Walltime returns the scheduler section's walltime, if any.
func (q *JobQueue) Walltime() string {
	if q == nil {
		return ""
	}
	s, _ := q.Fields["walltime"].(string)
	return s
}

// RunOptions is the validated projection of a workflow configuration.
type RunOptions struct {
	Image      string      `yaml:"image"`
	WorkDir    string      `yaml:"workdir"`
	Command    string      `yaml:"command"`
	Input      *Input      `yaml:"input,omitempty"`
	Output     *Output     `yaml:"output,omitempty"`
	Parameters []Parameter `yaml:"parameters,omitempty"`
	BindMounts []BindMount `yaml:"bind_mounts,omitempty"`
	LogFile    string      `yaml:"log_file,omitempty"`
	Resources  *Resources  `yaml:"resources,omitempty"`
	JobQueue   *JobQueue   `yaml:"jobqueue,omitempty"`
	NoCache    bool        `yaml:"no_cache,omitempty"`
	GPU        bool        `yaml:"gpu,omitempty"`
	JobArray   bool        `yaml:"job_array,omitempty"`
	Tags       []string    `yaml:"tags,omitempty"`
}

// FlowFile renders the flow.yaml uploaded next to the job script. The
// workdir and log file are absolute on the agent. Launcher mode drops the
// jobqueue section since the launcher owns scheduling.
func FlowFile(opts *RunOptions, workdir, logFile string, launcher bool) ([]byte, error) {
	out := *opts
	out.WorkDir = workdir
	out.LogFile = logFile
	if launcher {
		out.JobQueue = nil
	}
	return yaml.Marshal(&out)
}
