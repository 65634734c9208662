package models

import (
	"path"
	"strings"

	"github.com/uptrace/bun"
)

// Executor is the kind of compute an Agent exposes.
type Executor string

const (
	ExecutorLocal Executor = "local"
	ExecutorSlurm Executor = "slurm"
	ExecutorPBS   Executor = "pbs"
)

type Agent struct {
	bun.BaseModel `bun:"table:agents,alias:a"`

	Name        string   `bun:"name,pk" mapstructure:"name" yaml:"name"`
	Description string   `bun:",nullzero" mapstructure:"description" yaml:"description"`
	Owner       string   `bun:",nullzero" mapstructure:"owner" yaml:"owner"`
	Hostname    string   `bun:",notnull" mapstructure:"hostname" yaml:"hostname"`
	Port        int      `bun:",notnull,default:22" mapstructure:"port" yaml:"port"`
	Username    string   `bun:",notnull" mapstructure:"username" yaml:"username"`
	WorkDir     string   `bun:",notnull" mapstructure:"workdir" yaml:"workdir"`
	PreCommands string   `bun:",nullzero" mapstructure:"pre_commands" yaml:"pre_commands"`
	Executor    Executor `bun:",notnull" mapstructure:"executor" yaml:"executor"`

	MaxTime      int      `bun:",nullzero" mapstructure:"max_time" yaml:"max_time"`
	MaxWalltime  int      `bun:",nullzero" mapstructure:"max_walltime" yaml:"max_walltime"`
	MaxMem       int      `bun:",nullzero" mapstructure:"max_mem" yaml:"max_mem"`
	MaxCores     int      `bun:",nullzero" mapstructure:"max_cores" yaml:"max_cores"`
	MaxProcesses int      `bun:",nullzero" mapstructure:"max_processes" yaml:"max_processes"`
	MaxNodes     int      `bun:",nullzero" mapstructure:"max_nodes" yaml:"max_nodes"`
	Queue        string   `bun:",nullzero" mapstructure:"queue" yaml:"queue"`
	GPUQueue     string   `bun:"gpu_queue,nullzero" mapstructure:"gpu_queue" yaml:"gpu_queue"`
	Project      string   `bun:",nullzero" mapstructure:"project" yaml:"project"`
	HeaderSkip   []string `bun:"header_skip" mapstructure:"header_skip" yaml:"header_skip"`

	GPU       bool `bun:"gpu,notnull,default:false" mapstructure:"gpu" yaml:"gpu"`
	Disabled  bool `bun:",notnull,default:false" mapstructure:"disabled" yaml:"disabled"`
	Public    bool `bun:",notnull,default:false" mapstructure:"public" yaml:"public"`
	Callbacks bool `bun:",notnull,default:false" mapstructure:"callbacks" yaml:"callbacks"`
	JobArray  bool `bun:",notnull,default:false" mapstructure:"job_array" yaml:"job_array"`
	Launcher  bool `bun:",notnull,default:false" mapstructure:"launcher" yaml:"launcher"`
}

// Sandbox reports whether scripts run immediately instead of through a
// scheduler.
func (a *Agent) Sandbox() bool {
	return a.Executor == ExecutorLocal
}

// RunDir is the absolute remote working directory of a run on this agent.
func (a *Agent) RunDir(run *Run) string {
	return path.Join(a.WorkDir, run.WorkDir)
}

// LogName is the container log file a workflow writes on this agent.
func (a *Agent) LogName(guid string) string {
	return guid + "." + strings.ToLower(a.Name) + ".log"
}

// ContainerLogName is the file holding the container output of a run:
// the scheduler's stdout in launcher mode, the workflow log otherwise.
func (a *Agent) ContainerLogName(run *Run) string {
	if a.Launcher {
		return "plantit." + run.JobID + ".out"
	}
	return a.LogName(run.GUID)
}

// PreCommand joins the configured pre-commands into a single shell prefix.
func (a *Agent) PreCommand() string {
	var parts []string
	for _, line := range strings.Split(a.PreCommands, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	if len(parts) == 0 {
		return ":"
	}
	return strings.Join(parts, "; ")
}

// Role is a user's relationship to an Agent.
type Role string

const (
	RoleOwn  Role = "own"
	RoleUse  Role = "use"
	RoleNone Role = "none"
)

type AgentAccessPolicy struct {
	bun.BaseModel `bun:"table:agent_access_policies,alias:p"`

	ID        int64  `bun:"id,pk,autoincrement"`
	AgentName string `bun:",notnull"`
	Username  string `bun:",notnull"`
	Role      Role   `bun:",notnull"`
}

// CanSubmit reports whether username may submit runs to the agent.
func (a *Agent) CanSubmit(username string, policies []*AgentAccessPolicy) bool {
	if a.Owner == username || a.Public {
		return true
	}
	for _, p := range policies {
		if p.Username == username && (p.Role == RoleOwn || p.Role == RoleUse) {
			return true
		}
	}
	return false
}
