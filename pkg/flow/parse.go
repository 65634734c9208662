package flow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/registry"
)

// ImageChecker reports whether a registry-hosted image exists.
type ImageChecker interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// Schedulers lists the jobqueue kinds a configuration may name.
var Schedulers = []string{"slurm", "yarn", "pbs", "moab", "sge", "lsf", "oar", "kube"}

// Parse validates raw against the target agent. Every field is checked and
// all problems are returned together as a *ValidationError; no RunOptions
// is produced unless the configuration is clean. A nil checker skips image
// existence checks.
func Parse(ctx context.Context, raw map[string]any, agent *models.Agent, checker ImageChecker) (*RunOptions, error) {
	verr := &ValidationError{}
	opts := &RunOptions{JobArray: true}

	for _, legacy := range []string{"from", "to", "patterns"} {
		if _, ok := raw[legacy]; ok {
			verr.Add(fmt.Sprintf("Attribute '%s' is deprecated; use an 'input' or 'output' section instead", legacy))
		}
	}

	if image, ok := requiredString(raw, "image", verr); ok {
		opts.Image = image
		if checker != nil && strings.HasPrefix(image, registry.DockerPrefix) {
			exists, err := checker.Exists(ctx, image)
			switch {
			case err != nil:
				verr.Add(fmt.Sprintf("Image '%s' could not be checked: %v", image, err))
			case !exists:
				verr.Add(fmt.Sprintf("Image '%s' not found on Docker Hub", image))
			}
		}
	}
	if workdir, ok := requiredString(raw, "workdir", verr); ok {
		opts.WorkDir = workdir
	}
	if command, ok := requiredString(raw, "command", verr); ok {
		opts.Command = command
	}

	opts.Parameters = parseParameters(raw, verr)
	opts.BindMounts = parseBindMounts(raw, verr)
	opts.Input = parseInput(raw, verr)
	opts.Output = parseOutput(raw, verr)

	if v, ok := raw["log_file"]; ok {
		if s, isStr := v.(string); isStr {
			opts.LogFile = s
		} else {
			verr.Add("Attribute 'log_file' must be a str")
		}
	}
	opts.NoCache = optionalBool(raw, "no_cache", false, verr)
	gpu := optionalBool(raw, "gpu", false, verr)
	jobArray := optionalBool(raw, "job_array", true, verr)
	opts.Tags = optionalStrings(raw, "tags", "Attribute 'tags'", verr)

	opts.Resources = parseResources(raw, agent, verr)

	queue, err := parseJobQueue(raw, agent, verr)
	if err != nil {
		return nil, err
	}
	opts.JobQueue = queue

	if agent != nil {
		opts.GPU = gpu && agent.GPU
		opts.JobArray = jobArray && agent.JobArray
	} else {
		opts.GPU = gpu
		opts.JobArray = jobArray
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return opts, nil
}

func requiredString(raw map[string]any, key string, verr *ValidationError) (string, bool) {
	v, ok := raw[key]
	if !ok || v == nil {
		verr.Add(fmt.Sprintf("Missing attribute '%s'", key))
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		verr.Add(fmt.Sprintf("Attribute '%s' must be a str", key))
		return "", false
	}
	if s == "" {
		verr.Add(fmt.Sprintf("Attribute '%s' must not be empty", key))
		return "", false
	}
	return s, true
}

func optionalBool(raw map[string]any, key string, def bool, verr *ValidationError) bool {
	v, ok := raw[key]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		verr.Add(fmt.Sprintf("Attribute '%s' must be a bool", key))
		return def
	}
	return b
}

func optionalStrings(m map[string]any, key, label string, verr *ValidationError) []string {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	out, ok := stringList(v)
	if !ok {
		verr.Add(label + " must be a list of str")
		return nil
	}
	return out
}

func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// asInt accepts the integer shapes produced by YAML and JSON decoders.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == math.Trunc(n) {
			return int(n), true
		}
	}
	return 0, false
}

// scalarString renders parameter values, which YAML may decode as numbers.
func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func parseParameters(raw map[string]any, verr *ValidationError) []Parameter {
	v, ok := raw["parameters"]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		verr.Add("Attribute 'parameters' must be a list")
		return nil
	}
	params := make([]Parameter, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			verr.Add("Every parameter must have a non-empty 'key' and 'value'")
			return nil
		}
		p := Parameter{Key: scalarString(m["key"]), Value: scalarString(m["value"])}
		if p.Key == "" || p.Value == "" {
			verr.Add("Every parameter must have a non-empty 'key' and 'value'")
			return nil
		}
		params = append(params, p)
	}
	return params
}

func parseBindMounts(raw map[string]any, verr *ValidationError) []BindMount {
	v, ok := raw["bind_mounts"]
	if !ok || v == nil {
		return nil
	}
	list, ok := stringList(v)
	if !ok {
		verr.Add("Attribute 'bind_mounts' must be a list of str")
		return nil
	}
	mounts := make([]BindMount, 0, len(list))
	for _, s := range list {
		if s == "" {
			verr.Add("Every mount point must be non-empty")
			return nil
		}
		mounts = append(mounts, ParseBindMount(s))
	}
	return mounts
}

func parseInput(raw map[string]any, verr *ValidationError) *Input {
	v, ok := raw["input"]
	if !ok || v == nil {
		return nil
	}
	section, ok := v.(map[string]any)
	if !ok {
		verr.Add("Section 'input' must be a mapping")
		return nil
	}

	// flat form: {kind, path, patterns}
	if k, ok := section["kind"]; ok {
		kind, _ := k.(string)
		switch InputKind(kind) {
		case InputFile, InputFiles, InputDirectory:
		default:
			verr.Add("Attribute 'input.kind' must be one of 'file', 'files', or 'directory'")
			return nil
		}
		return inputSection(InputKind(kind), section, "input", verr)
	}

	// nested form: {file|files|directory: {path, patterns}}
	var found []InputKind
	for _, kind := range []InputKind{InputFile, InputFiles, InputDirectory} {
		if _, ok := section[string(kind)]; ok {
			found = append(found, kind)
		}
	}
	switch len(found) {
	case 0:
		verr.Add("Section 'input' must include a 'file', 'files', or 'directory' section")
		return nil
	case 1:
	default:
		verr.Add("Section 'input' must include exactly one of 'file', 'files', or 'directory'")
		return nil
	}
	kind := found[0]
	inner, ok := section[string(kind)].(map[string]any)
	if !ok {
		verr.Add(fmt.Sprintf("Section '%s' must include attribute 'path'", kind))
		return nil
	}
	return inputSection(kind, inner, string(kind), verr)
}

func inputSection(kind InputKind, m map[string]any, label string, verr *ValidationError) *Input {
	p, ok := m["path"].(string)
	if !ok || p == "" {
		verr.Add(fmt.Sprintf("Section '%s' must include attribute 'path'", label))
		return nil
	}
	in := &Input{Kind: kind, Path: p}
	in.Patterns = optionalStrings(m, "patterns", fmt.Sprintf("Attribute '%s.patterns'", label), verr)
	return in
}

func parseOutput(raw map[string]any, verr *ValidationError) *Output {
	v, ok := raw["output"]
	if !ok || v == nil {
		return nil
	}
	section, ok := v.(map[string]any)
	if !ok {
		verr.Add("Section 'output' must be a mapping")
		return nil
	}
	out := &Output{}
	for _, key := range []string{"path", "from"} {
		if pv, ok := section[key]; ok && pv != nil {
			s, isStr := pv.(string)
			if !isStr {
				verr.Add(fmt.Sprintf("Attribute 'output.%s' must be a str", key))
				continue
			}
			out.Path = s
			break
		}
	}
	out.Include = parseFilter(section, "include", verr)
	out.Exclude = parseFilter(section, "exclude", verr)
	return out
}

func parseFilter(section map[string]any, key string, verr *ValidationError) Filter {
	v, ok := section[key]
	if !ok || v == nil {
		return Filter{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		verr.Add(fmt.Sprintf("Section 'output.%s' must be a mapping", key))
		return Filter{}
	}
	return Filter{
		Names:    optionalStrings(m, "names", fmt.Sprintf("Attribute 'output.%s.names'", key), verr),
		Patterns: optionalStrings(m, "patterns", fmt.Sprintf("Attribute 'output.%s.patterns'", key), verr),
	}
}

func parseResources(raw map[string]any, agent *models.Agent, verr *ValidationError) *Resources {
	v, ok := raw["resources"]
	if !ok || v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		verr.Add("Section 'resources' must be a mapping")
		return nil
	}
	res := &Resources{}
	if c, ok := m["cores"]; ok {
		if n, isInt := asInt(c); !isInt {
			verr.Add("Attribute 'resources.cores' must be an int")
		} else {
			res.Cores = n
			if agent != nil && agent.MaxCores > 0 && n > agent.MaxCores {
				verr.Add(fmt.Sprintf("Attribute 'resources.cores' must not exceed %d", agent.MaxCores))
			}
		}
	}
	if p, ok := m["processes"]; ok {
		if n, isInt := asInt(p); !isInt {
			verr.Add("Attribute 'resources.processes' must be an int")
		} else {
			res.Processes = n
			if agent != nil && agent.MaxProcesses > 0 && n > agent.MaxProcesses {
				verr.Add(fmt.Sprintf("Attribute 'resources.processes' must not exceed %d", agent.MaxProcesses))
			}
		}
	}
	if t, ok := m["time"]; ok {
		s, isStr := t.(string)
		if !isStr {
			verr.Add("Attribute 'resources.time' must be a str")
		} else if checkWalltime(s, "resources.time", agent, verr) {
			res.Time = s
		}
	}
	if mem, ok := m["mem"]; ok {
		res.Mem = scalarString(mem)
		if res.Mem == "" {
			verr.Add("Attribute 'resources.mem' must not be empty")
		}
	}
	return res
}

func checkWalltime(s, label string, agent *models.Agent, verr *ValidationError) bool {
	if !ValidWalltime(s) {
		verr.Add(fmt.Sprintf("Attribute '%s' must have format XX:XX:XX", label))
		return false
	}
	if agent != nil && agent.MaxWalltime > 0 {
		d, _ := ParseWalltime(s)
		if int(d.Minutes()) > agent.MaxWalltime {
			verr.Add(fmt.Sprintf("Attribute '%s' must not exceed %d minutes", label, agent.MaxWalltime))
		}
	}
	return true
}

func parseJobQueue(raw map[string]any, agent *models.Agent, verr *ValidationError) (*JobQueue, error) {
	v, ok := raw["jobqueue"]
	if !ok || v == nil {
		return nil, nil
	}
	section, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScheduler, v)
	}

	var kinds []string
	for _, kind := range Schedulers {
		if _, ok := section[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 {
		keys := make([]string, 0, len(section))
		for k := range section {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheduler, strings.Join(keys, ", "))
	}
	if len(kinds) > 1 {
		verr.Add(fmt.Sprintf("Section 'jobqueue' must name exactly one scheduler, found %s", strings.Join(kinds, ", ")))
		return nil, nil
	}

	kind := kinds[0]
	fields := map[string]any{}
	switch inner := section[kind].(type) {
	case map[string]any:
		fields = inner
	case nil:
	default:
		verr.Add(fmt.Sprintf("Section 'jobqueue'.'%s' must be a mapping", kind))
		return nil, nil
	}

	for _, key := range []string{"queue", "project", "walltime", "memory"} {
		if fv, ok := fields[key]; ok {
			if _, isStr := fv.(string); !isStr {
				verr.Add(fmt.Sprintf("Section 'jobqueue'.'%s' must be a str", key))
			}
		}
	}
	for _, key := range []string{"cores", "processes"} {
		if fv, ok := fields[key]; ok {
			if _, isInt := asInt(fv); !isInt {
				verr.Add(fmt.Sprintf("Section 'jobqueue'.'%s' must be a int", key))
			}
		}
	}
	for _, key := range []string{"extra", "header_skip"} {
		if fv, ok := fields[key]; ok {
			if _, isList := stringList(fv); !isList {
				verr.Add(fmt.Sprintf("Section 'jobqueue'.'%s' must be a list of str", key))
			}
		}
	}
	if w, ok := fields["walltime"].(string); ok {
		checkWalltime(w, "jobqueue."+kind+".walltime", agent, verr)
	}
	return &JobQueue{Kind: kind, Fields: fields}, nil
}
