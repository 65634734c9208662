// Package remote runs shell commands and moves files on compute agents over
// SSH and SFTP.
package remote

import (
	"fmt"
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Redacted replaces secrets in anything shown to users or written to logs.
const Redacted = "*******"

// Env holds transient environment assignments prefixed to a command. They
// reach the remote shell for one invocation only and are never logged.
type Env map[string]string

func (e Env) prefix(redact bool) string {
	if len(e) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := shellescape.Quote(e[k])
		if redact {
			v = Redacted
		}
		fmt.Fprintf(&b, "%s=%s ", k, v)
	}
	return b.String()
}

// Command is one remote invocation: Pre && cd Dir && Env Cmd.
type Command struct {
	Pre string
	Dir string
	Env Env
	Cmd string
	// AllowStderr tolerates a non-zero exit, for commands like mkdir on an
	// existing directory.
	AllowStderr bool
}

func (c Command) render(redact bool) string {
	var parts []string
	if c.Pre != "" {
		parts = append(parts, c.Pre)
	}
	if c.Dir != "" {
		parts = append(parts, "cd "+c.Dir)
	}
	parts = append(parts, c.Env.prefix(redact)+c.Cmd)
	return strings.Join(parts, " && ")
}

// String is the exact line sent to the remote shell.
func (c Command) String() string {
	return c.render(false)
}

// Redacted is String with every environment value masked.
func (c Command) Redacted() string {
	return c.render(true)
}

// RemoteExecutionError reports a remote command that exited non-zero or
// whose session broke before reporting an exit status (ExitStatus -1).
type RemoteExecutionError struct {
	Command    string
	ExitStatus int
	Stderr     []string
}

func (e *RemoteExecutionError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitStatus)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, "\n")
	}
	return msg
}

// Redactor masks known secret values in output lines.
type Redactor struct {
	secrets []string
}

func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

func (r *Redactor) Redact(line string) string {
	if r == nil {
		return line
	}
	for _, s := range r.secrets {
		line = strings.ReplaceAll(line, s, Redacted)
	}
	return line
}
