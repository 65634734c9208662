package runs

import "time"

// Kind tags a Task variant.
type Kind string

const (
	KindSubmit  Kind = "submit"
	KindPoll    Kind = "poll"
	KindCancel  Kind = "cancel"
	KindCollect Kind = "collect"
	KindCleanup Kind = "cleanup"
	KindSweep   Kind = "sweep"
)

// Task is a unit of background work. The set of variants is closed.
type Task interface {
	Kind() Kind
	// Run is the guid the task is scoped to, empty for sweeps.
	Run() string
}

type SubmitTask struct{ GUID string }
type PollTask struct{ GUID string }
type CancelTask struct{ GUID string }
type CollectTask struct{ GUID string }
type CleanupTask struct{ GUID string }

// SweepTask deletes runs created before Before.
type SweepTask struct{ Before time.Time }

func (SubmitTask) Kind() Kind  { return KindSubmit }
func (PollTask) Kind() Kind    { return KindPoll }
func (CancelTask) Kind() Kind  { return KindCancel }
func (CollectTask) Kind() Kind { return KindCollect }
func (CleanupTask) Kind() Kind { return KindCleanup }
func (SweepTask) Kind() Kind   { return KindSweep }

func (t SubmitTask) Run() string  { return t.GUID }
func (t PollTask) Run() string    { return t.GUID }
func (t CancelTask) Run() string  { return t.GUID }
func (t CollectTask) Run() string { return t.GUID }
func (t CleanupTask) Run() string { return t.GUID }
func (SweepTask) Run() string     { return "" }
