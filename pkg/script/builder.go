package script

import "strings"

// LineKind tags what a script line does.
type LineKind int

const (
	LineTemplate LineKind = iota
	LineDirective
	LinePreCommand
	LinePull
	LineInvocation
	LineLauncher
	LineRun
	LineZip
)

func (k LineKind) String() string {
	switch k {
	case LineTemplate:
		return "template"
	case LineDirective:
		return "directive"
	case LinePreCommand:
		return "pre_command"
	case LinePull:
		return "pull"
	case LineInvocation:
		return "invocation"
	case LineLauncher:
		return "launcher"
	case LineRun:
		return "run"
	case LineZip:
		return "zip"
	}
	return "unknown"
}

// Line is one immutable line of a generated file.
type Line struct {
	Kind LineKind
	Text string
}

// builder accumulates lines and hands them out exactly once.
type builder struct {
	lines []Line
	done  bool
}

func (b *builder) emit(kind LineKind, text string) {
	if b.done {
		panic("script: emit after finalize")
	}
	b.lines = append(b.lines, Line{Kind: kind, Text: text})
}

func (b *builder) emitAll(kind LineKind, texts []string) {
	for _, t := range texts {
		b.emit(kind, t)
	}
}

func (b *builder) finalize() []Line {
	if b.done {
		panic("script: finalized twice")
	}
	b.done = true
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

func render(lines []Line) []byte {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.Text)
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}
