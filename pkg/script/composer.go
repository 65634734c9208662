// Package script composes the job script, the launcher task list and the
// flow file uploaded for a run. Composition is a pure function of its
// inputs: no network or remote filesystem access happens here.
package script

import (
	"embed"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/batch"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/flow"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
)

//go:embed templates/*.sh
var templates embed.FS

const (
	SandboxTemplate   = "template_local_run.sh"
	SchedulerTemplate = "template_slurm_run.sh"
	FlowFileName      = "flow.yaml"
	LaunchFileName    = "launch"
	InputDir          = "input"
)

// ErrNoNodes is returned when a scheduled agent declares no nodes.
var ErrNoNodes = errors.New("agent max_nodes must be at least 1")

// Config is injected by the caller. Empty template paths use the embedded
// defaults.
type Config struct {
	SandboxTemplatePath   string `mapstructure:"sandbox_template"`
	SchedulerTemplatePath string `mapstructure:"scheduler_template"`
	DockerUsername        string `mapstructure:"docker_username"`
	DockerPassword        string `mapstructure:"docker_password"`
}

type template struct {
	name  string
	lines []string
}

type Composer struct {
	sandbox   template
	scheduler template
	username  string
	password  string
}

// New reads both templates once.
func New(cfg Config) (*Composer, error) {
	sandbox, err := loadTemplate(cfg.SandboxTemplatePath, SandboxTemplate)
	if err != nil {
		return nil, err
	}
	scheduler, err := loadTemplate(cfg.SchedulerTemplatePath, SchedulerTemplate)
	if err != nil {
		return nil, err
	}
	return &Composer{
		sandbox:   sandbox,
		scheduler: scheduler,
		username:  cfg.DockerUsername,
		password:  cfg.DockerPassword,
	}, nil
}

func loadTemplate(p, fallback string) (template, error) {
	var (
		data []byte
		err  error
		name = fallback
	)
	if p == "" {
		data, err = templates.ReadFile("templates/" + fallback)
	} else {
		data, err = os.ReadFile(p)
		name = filepath.Base(p)
	}
	if err != nil {
		return template{}, fmt.Errorf("failed to read script template: %w", err)
	}
	return template{name: name, lines: strings.Split(strings.TrimRight(string(data), "\n"), "\n")}, nil
}

// TemplateNames are the script file names, never packaged with results.
func (c *Composer) TemplateNames() []string {
	return []string{c.sandbox.name, c.scheduler.name}
}

// ScriptName is the file the script for agent is uploaded as.
func (c *Composer) ScriptName(agent *models.Agent) string {
	if agent.Sandbox() {
		return c.sandbox.name
	}
	return c.scheduler.name
}

func (c *Composer) hasCredentials() bool {
	return c.username != "" && c.password != ""
}

// SubmitEnv is the transient environment the script is executed or
// submitted with. It carries the secrets the script only references.
func (c *Composer) SubmitEnv(storageToken string) remote.Env {
	env := remote.Env{}
	if c.hasCredentials() {
		env["DOCKER_USERNAME"] = c.username
		env["DOCKER_PASSWORD"] = c.password
	}
	if storageToken != "" {
		env["TERRAIN_TOKEN"] = storageToken
	}
	return env
}

// Secrets lists values to mask in logs and downloaded output.
func (c *Composer) Secrets() []string {
	return []string{c.username, c.password}
}

// Request is everything a script depends on.
type Request struct {
	Options     *flow.RunOptions
	Run         *models.Run
	Agent       *models.Agent
	InputFiles  []string
	CallbackURL string
	Email       string
}

// Script is a composed submission.
type Script struct {
	Name  string
	Lines []Line
	// Launch is the launcher task list, empty outside launcher mode.
	Launch   []Line
	FlowFile []byte
	// AdjustedWalltime is set when the scheduler was asked for a walltime.
	AdjustedWalltime string
	Nodes            int
	JobArray         bool
}

func (s *Script) Bytes() []byte {
	return render(s.Lines)
}

func (s *Script) LaunchBytes() []byte {
	if len(s.Launch) == 0 {
		return nil
	}
	return render(s.Launch)
}

// Compose renders the script for req.
func (c *Composer) Compose(req Request) (*Script, error) {
	opts, run, agent := req.Options, req.Run, req.Agent
	workdir := agent.RunDir(run)
	files := len(req.InputFiles)

	s := &Script{Nodes: 1}
	s.JobArray = !agent.Sandbox() && opts.JobArray && files > 1

	var b builder
	if agent.Sandbox() {
		s.Name = c.sandbox.name
		b.emitAll(LineTemplate, c.sandbox.lines)
	} else {
		s.Name = c.scheduler.name
		b.emitAll(LineTemplate, c.scheduler.lines)

		profile, err := batch.For(agent.Executor)
		if err != nil {
			return nil, perr.New(perr.CodeValidation, err)
		}
		if agent.MaxNodes < 1 {
			return nil, perr.New(perr.CodeValidation, fmt.Errorf("agent %s: %w", agent.Name, ErrNoNodes))
		}
		if files > 1 && !s.JobArray {
			s.Nodes = min(files, agent.MaxNodes)
		}

		breq := batch.Request{Nodes: s.Nodes, GPU: opts.GPU, Project: agent.Project, Email: req.Email}
		if s.JobArray {
			breq.ArraySize = files
		}
		if agent.Queue != "" {
			breq.Partition = agent.Queue
			if opts.GPU && agent.GPUQueue != "" {
				breq.Partition = agent.GPUQueue
			}
		}
		if res := opts.Resources; res != nil {
			breq.Cores = res.Cores
			if res.Mem != "" && !skipsMem(agent.HeaderSkip) {
				breq.Mem = res.Mem
			}
			if res.Time != "" {
				adjusted, err := AdjustWalltime(res.Time, files, s.Nodes, agent.MaxNodes)
				if err != nil {
					return nil, perr.New(perr.CodeValidation, err)
				}
				s.AdjustedWalltime = adjusted
				breq.Walltime = adjusted
			}
		}
		b.emitAll(LineDirective, profile.Directives(breq))
	}

	for _, line := range strings.Split(agent.PreCommands, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			b.emit(LinePreCommand, line)
		}
	}

	if opts.Input != nil {
		b.emit(LinePull, c.pullCommand(req, workdir))
	}

	if agent.Launcher {
		s.Launch = c.launchLines(req, workdir)
		b.emit(LineLauncher, "export LAUNCHER_WORKDIR="+workdir)
		b.emit(LineLauncher, "export LAUNCHER_JOB_FILE="+LaunchFileName)
		b.emit(LineLauncher, "$LAUNCHER_DIR/paramrun")
	} else {
		b.emit(LineRun, c.runCommand(req, s.JobArray))
	}

	exclude := c.excludeNames(opts)
	b.emit(LineZip, c.zipCommand(req, workdir, exclude))
	s.Lines = b.finalize()

	flowOpts := *opts
	output := flow.Output{}
	if opts.Output != nil {
		output = *opts.Output
		if output.Path != "" && !path.IsAbs(output.Path) {
			output.Path = path.Join(workdir, output.Path)
		}
	}
	output.Exclude.Names = exclude
	flowOpts.Output = &output
	flowOpts.JobArray = s.JobArray
	flowFile, err := flow.FlowFile(&flowOpts, workdir, agent.LogName(run.GUID), agent.Launcher)
	if err != nil {
		return nil, fmt.Errorf("failed to render flow file: %w", err)
	}
	s.FlowFile = flowFile
	return s, nil
}

// AdjustWalltime scales the per-task walltime by files per node, rounds up
// to whole hours and caps the result at maxNodes hours.
//
// NOTE: the cap compares hours against a node count. The units disagree but
// deployed agents are configured around this behavior, so it is kept.
func AdjustWalltime(requested string, files, nodes, maxNodes int) (string, error) {
	d, err := flow.ParseWalltime(requested)
	if err != nil {
		return "", err
	}
	factor := 1.0
	if files > 0 && nodes > 0 {
		factor = float64(files) / float64(nodes)
	}
	hours := int(math.Ceil(d.Seconds() * factor / 3600))
	hours = min(hours, maxNodes)
	return fmt.Sprintf("%02d:00:00", hours), nil
}

func skipsMem(headerSkip []string) bool {
	for _, h := range headerSkip {
		if strings.Contains(h, "--mem") {
			return true
		}
	}
	return false
}

// Patterns lowercases patterns and treats jpg and jpeg as synonyms.
func Patterns(patterns []string) []string {
	out := make([]string, 0, len(patterns)+1)
	for _, p := range patterns {
		p = strings.ToLower(p)
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	hasJPG, hasJPEG := slices.Contains(out, "jpg"), slices.Contains(out, "jpeg")
	switch {
	case hasJPG && !hasJPEG:
		out = append(out, "jpeg")
	case hasJPEG && !hasJPG:
		out = append(out, "jpg")
	}
	return out
}

func (c *Composer) callbackFlags(req Request) string {
	if !req.Agent.Callbacks || req.CallbackURL == "" {
		return ""
	}
	return fmt.Sprintf(" --plantit_url '%s' --plantit_token '%s'", req.CallbackURL, req.Run.Token)
}

func (c *Composer) pullCommand(req Request, workdir string) string {
	in := req.Options.Input
	var sb strings.Builder
	fmt.Fprintf(&sb, `plantit terrain pull "%s" -p "%s"`, in.Path, path.Join(workdir, InputDir))
	for _, p := range Patterns(in.Patterns) {
		sb.WriteString(" --pattern " + p)
	}
	sb.WriteString(` --terrain_token "$TERRAIN_TOKEN"`)
	sb.WriteString(c.callbackFlags(req))
	return sb.String()
}

// Invocation is the container command line with parameters substituted.
// Credentials appear only as references to the submission environment.
func (c *Composer) Invocation(opts *flow.RunOptions, workdir string, extra ...flow.Parameter) string {
	var sb strings.Builder
	if c.hasCredentials() {
		sb.WriteString(`SINGULARITY_DOCKER_USERNAME="$DOCKER_USERNAME" SINGULARITY_DOCKER_PASSWORD="$DOCKER_PASSWORD" `)
	}
	sb.WriteString("singularity exec --home " + workdir)
	if len(opts.BindMounts) > 0 {
		mounts := make([]string, 0, len(opts.BindMounts))
		for _, m := range opts.BindMounts {
			mounts = append(mounts, m.Format(workdir))
		}
		sb.WriteString(" --bind " + strings.Join(mounts, ","))
	}
	if opts.NoCache {
		sb.WriteString(" --disable-cache")
	}
	if opts.GPU {
		sb.WriteString(" --nv")
	}

	command := opts.Command
	params := slices.Concat(opts.Parameters, extra, []flow.Parameter{{Key: "WORKDIR", Value: workdir}})
	for _, p := range params {
		command = strings.ReplaceAll(command, "$"+strings.ToUpper(p.Key), p.Value)
	}
	sb.WriteString(" " + opts.Image + " " + command)
	return sb.String()
}

func (c *Composer) launchLines(req Request, workdir string) []Line {
	var b builder
	opts := req.Options
	inputDir := path.Join(workdir, InputDir)
	switch {
	case opts.Input == nil:
		b.emit(LineInvocation, c.Invocation(opts, workdir))
	case opts.Input.Kind == flow.InputFiles && len(req.InputFiles) > 0:
		for _, f := range req.InputFiles {
			input := flow.Parameter{Key: "INPUT", Value: path.Join(inputDir, path.Base(f))}
			b.emit(LineInvocation, c.Invocation(opts, workdir, input))
		}
	case opts.Input.Kind == flow.InputFile:
		input := flow.Parameter{Key: "INPUT", Value: path.Join(inputDir, path.Base(opts.Input.Path))}
		b.emit(LineInvocation, c.Invocation(opts, workdir, input))
	default:
		b.emit(LineInvocation, c.Invocation(opts, workdir, flow.Parameter{Key: "INPUT", Value: inputDir}))
	}
	return b.finalize()
}

func (c *Composer) runCommand(req Request, jobArray bool) string {
	cmd := "plantit run " + FlowFileName
	if jobArray {
		cmd += " --slurm_job_array"
	}
	if c.hasCredentials() {
		cmd += ` --docker_username "$DOCKER_USERNAME" --docker_password "$DOCKER_PASSWORD"`
	}
	return cmd + c.callbackFlags(req)
}

func (c *Composer) excludeNames(opts *flow.RunOptions) []string {
	names := []string{FlowFileName}
	for _, n := range c.TemplateNames() {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	if opts.Output != nil {
		for _, n := range opts.Output.Exclude.Names {
			if !slices.Contains(names, n) {
				names = append(names, n)
			}
		}
	}
	return names
}

func (c *Composer) zipCommand(req Request, workdir string, exclude []string) string {
	from := "."
	var out flow.Output
	if req.Options.Output != nil {
		out = *req.Options.Output
		if out.Path != "" {
			from = out.Path
			if !path.IsAbs(from) {
				from = path.Join(workdir, from)
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "plantit zip %s -o . -n %s", from, req.Run.GUID)
	sb.WriteString(" --include_name " + req.Agent.LogName(req.Run.GUID))
	for _, n := range out.Include.Names {
		sb.WriteString(" --include_name " + n)
	}
	for _, p := range out.Include.Patterns {
		sb.WriteString(" --include_pattern " + p)
	}
	for _, n := range exclude {
		sb.WriteString(" --exclude_name " + n)
	}
	for _, p := range out.Exclude.Patterns {
		sb.WriteString(" --exclude_pattern " + p)
	}
	return sb.String()
}
