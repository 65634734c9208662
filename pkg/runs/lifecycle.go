package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/batch"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/db/models"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/perr"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/remote"
	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/script"
)

func (m *Manager) submit(ctx context.Context, run *models.Run, agent *models.Agent) ([]Task, error) {
	if run.JobStatus != models.StateCreated {
		m.logger.Debug("run already submitted", "run", run.GUID, "state", string(run.JobStatus))
		return nil, nil
	}
	opts, err := m.options(ctx, run, agent)
	if err != nil {
		return nil, err
	}
	user, err := m.store.GetUser(ctx, run.Username)
	if err != nil {
		return nil, err
	}

	s, err := m.composer.Compose(script.Request{
		Options:     opts,
		Run:         run,
		Agent:       agent,
		InputFiles:  run.InputFiles,
		CallbackURL: m.statusURL(run.GUID),
		Email:       user.Email,
	})
	if err != nil {
		return nil, err
	}
	if s.AdjustedWalltime != "" {
		run.JobRequestedWalltime = s.AdjustedWalltime
		desc := "Using adjusted walltime " + s.AdjustedWalltime
		if err := m.note(ctx, run, desc, "job_requested_walltime"); err != nil {
			return nil, err
		}
	}

	sess, err := m.connector.Connect(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", agent.Name, err)
	}
	defer sess.Close()

	dir := agent.RunDir(run)
	if _, err := sess.Execute(ctx, remote.Command{Cmd: "mkdir " + dir, AllowStderr: true}); err != nil {
		return nil, err
	}
	if err := upload(sess, dir, s); err != nil {
		return nil, fmt.Errorf("failed to upload run files: %w", err)
	}
	if err := m.note(ctx, run, fmt.Sprintf("Uploaded %s to %s", s.Name, agent.Name)); err != nil {
		return nil, err
	}

	env := m.composer.SubmitEnv(user.StorageToken)
	pre := agent.PreCommand()

	if agent.Sandbox() {
		if err := m.transition(ctx, run, models.StateRunning, "Invoking "+s.Name); err != nil {
			return nil, err
		}
		if _, err := sess.Execute(ctx, remote.Command{Pre: pre, Dir: dir, Cmd: "chmod +x " + s.Name}); err != nil {
			return nil, err
		}
		if _, err := sess.Execute(ctx, remote.Command{Pre: pre, Dir: dir, Env: env, Cmd: "./" + s.Name}); err != nil {
			return nil, err
		}
		m.fetchContainerLog(sess, run, agent)
		if err := m.transition(ctx, run, models.StateCompleted, "Completed"); err != nil {
			return nil, err
		}
		return []Task{CollectTask{GUID: run.GUID}}, nil
	}

	profile, err := batch.For(agent.Executor)
	if err != nil {
		return nil, perr.New(perr.CodeValidation, err)
	}
	lines, err := sess.Execute(ctx, remote.Command{Pre: pre, Dir: dir, Env: env, Cmd: profile.SubmitCommand(s.Name)})
	if err != nil {
		return nil, err
	}
	jobID, err := profile.ParseJobID(lines)
	if err != nil {
		return nil, perr.New(perr.CodeParse, err)
	}
	if run.JobID != "" {
		return nil, perr.Newf(perr.CodeConflict, "run %s already has job %s", run.GUID, run.JobID)
	}
	run.JobID = jobID
	desc := fmt.Sprintf("Submitted job %s to %s", jobID, agent.Name)
	if err := m.transition(ctx, run, models.StateRunning, desc, "job_id"); err != nil {
		return nil, err
	}
	m.pollObserved(run.GUID, models.StateRunning)
	return nil, nil
}

func upload(sess remote.Session, dir string, s *script.Script) error {
	if err := sess.WriteFile(path.Join(dir, script.FlowFileName), s.FlowFile, 0o644); err != nil {
		return err
	}
	if err := sess.WriteFile(path.Join(dir, s.Name), s.Bytes(), 0o755); err != nil {
		return err
	}
	if launch := s.LaunchBytes(); launch != nil {
		if err := sess.WriteFile(path.Join(dir, script.LaunchFileName), launch, 0o644); err != nil {
			return err
		}
	}
	return sess.Mkdir(path.Join(dir, script.InputDir))
}

// fetchContainerLog copies the workflow's log next to the submission log
// with registry credentials masked. A missing log is not an error.
func (m *Manager) fetchContainerLog(sess remote.Session, run *models.Run, agent *models.Agent) {
	name := agent.ContainerLogName(run)
	r, err := sess.Open(path.Join(agent.RunDir(run), name))
	if err != nil {
		m.logger.Debug("no container log", "run", run.GUID, "file", name, "error", err)
		return
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		m.logger.Warn("failed to read container log", "run", run.GUID, "error", err)
		return
	}
	redactor := remote.NewRedactor(m.composer.Secrets()...)
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = redactor.Redact(line)
	}
	if err := m.bridge.WriteContainerLog(run.GUID, agent.Name, []byte(strings.Join(lines, "\n"))); err != nil {
		m.logger.Warn("failed to store container log", "run", run.GUID, "error", err)
	}
}

func (m *Manager) poll(ctx context.Context, run *models.Run, agent *models.Agent) ([]Task, error) {
	if run.JobStatus.Terminal() || run.JobID == "" || agent.Sandbox() {
		m.forgetPoll(run.GUID)
		return nil, nil
	}
	profile, err := batch.For(agent.Executor)
	if err != nil {
		return nil, perr.New(perr.CodeValidation, err)
	}

	sess, err := m.connector.Connect(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", agent.Name, err)
	}
	defer sess.Close()

	dir := agent.RunDir(run)
	lines, err := sess.Execute(ctx, remote.Command{Dir: dir, Cmd: profile.StatusCommand(run.JobID), AllowStderr: true})
	if err != nil {
		return nil, err
	}
	status, err := profile.ParseStatus(run.JobID, lines)
	if err != nil {
		return nil, perr.New(perr.CodeParse, err)
	}

	queue, err := sess.Execute(ctx, remote.Command{Dir: dir, Cmd: profile.QueueCommand(agent.Username), AllowStderr: true})
	if err != nil {
		return nil, err
	}
	entries, err := profile.ParseQueue(queue)
	if err != nil {
		return nil, perr.New(perr.CodeParse, err)
	}
	elapsed := status.Elapsed
	if entry, ok := batch.Find(entries, run.JobID); ok && entry.Elapsed != "" {
		elapsed = entry.Elapsed
	}
	var columns []string
	if elapsed != "" && elapsed != run.JobElapsedWalltime {
		run.JobElapsedWalltime = elapsed
		columns = append(columns, "job_elapsed_walltime")
	}

	if !status.Found || !status.State.Terminal() {
		if len(columns) > 0 {
			run.Updated = m.now()
			if err := m.store.UpdateRun(ctx, run, append(columns, "updated")...); err != nil {
				return nil, err
			}
		}
		m.pollObserved(run.GUID, models.StateRunning)
		return nil, nil
	}

	desc := fmt.Sprintf("Job %s %s", run.JobID, strings.ToLower(string(status.State)))
	if status.ExitCode != "" {
		desc += " (exit code " + status.ExitCode + ")"
	}
	if err := m.transition(ctx, run, status.State, desc, columns...); err != nil {
		return nil, err
	}
	m.forgetPoll(run.GUID)
	if status.State == models.StateCompleted {
		return []Task{CollectTask{GUID: run.GUID}}, nil
	}
	return nil, nil
}

func (m *Manager) cancel(ctx context.Context, run *models.Run, agent *models.Agent) error {
	if run.JobStatus.Terminal() {
		return nil
	}
	if agent.Sandbox() || run.JobID == "" {
		return m.transition(ctx, run, models.StateCancelled, "Cancelled")
	}
	profile, err := batch.For(agent.Executor)
	if err != nil {
		return perr.New(perr.CodeValidation, err)
	}

	sess, err := m.connector.Connect(ctx, agent)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", agent.Name, err)
	}
	defer sess.Close()

	dir := agent.RunDir(run)
	lines, err := sess.Execute(ctx, remote.Command{Dir: dir, Cmd: profile.QueueCommand(agent.Username), AllowStderr: true})
	if err != nil {
		return err
	}
	entries, err := profile.ParseQueue(lines)
	if err != nil {
		return perr.New(perr.CodeParse, err)
	}
	if _, ok := batch.Find(entries, run.JobID); !ok {
		m.logger.Info("job not in queue, nothing to cancel", "run", run.GUID, "job", run.JobID)
		return nil
	}
	if _, err := sess.Execute(ctx, remote.Command{Dir: dir, Cmd: profile.CancelCommand(run.JobID)}); err != nil {
		return err
	}
	m.forgetPoll(run.GUID)
	return m.transition(ctx, run, models.StateCancelled, fmt.Sprintf("Cancelled job %s", run.JobID))
}

func (m *Manager) collect(ctx context.Context, run *models.Run, agent *models.Agent) error {
	opts, err := m.options(ctx, run, agent)
	if err != nil {
		return err
	}

	sess, err := m.connector.Connect(ctx, agent)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", agent.Name, err)
	}
	defer sess.Close()

	outputs, err := m.collector.Collect(ctx, sess, run, agent, opts.Output)
	if err != nil {
		return err
	}
	m.fetchContainerLog(sess, run, agent)
	archiveErr := m.collector.Archive(ctx, sess, run.GUID, outputs)

	run.Results = outputs
	if err := m.store.UpdateRun(ctx, run, "results"); err != nil {
		return err
	}
	if err := m.collector.Store(ctx, run.GUID, outputs); err != nil {
		m.logger.Warn("failed to cache manifest", "run", run.GUID, "error", err)
	}
	if archiveErr != nil {
		return archiveErr
	}

	found := 0
	for _, o := range outputs {
		if o.Exists {
			found++
		}
	}
	return m.note(ctx, run, fmt.Sprintf("Collected %d of %d outputs", found, len(outputs)))
}

func (m *Manager) cleanup(ctx context.Context, run *models.Run, agent *models.Agent) error {
	if run.CleanedUp {
		return nil
	}
	if !run.JobStatus.Terminal() {
		return perr.Newf(perr.CodeConflict, "run %s is still active", run.GUID)
	}
	sess, err := m.connector.Connect(ctx, agent)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", agent.Name, err)
	}
	defer sess.Close()

	dir := agent.RunDir(run)
	if _, err := sess.Execute(ctx, remote.Command{Cmd: "rm -rf " + dir}); err != nil {
		return err
	}
	run.CleanedUp = true
	return m.note(ctx, run, "Cleaned up "+dir, "cleaned_up")
}

func (m *Manager) sweep(ctx context.Context, before time.Time) error {
	expired, err := m.store.ListRuns(ctx, models.RunFilter{CreatedBefore: before})
	if err != nil {
		return err
	}
	var errs []error
	for _, run := range expired {
		if err := m.remove(ctx, run.GUID); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.GUID, err))
		}
	}
	if len(expired) > 0 {
		m.logger.Info("swept expired runs", "count", len(expired), "before", before.Format(time.RFC3339))
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(ctx context.Context, guid string) error {
	unlock := m.locks.Lock(guid)
	defer unlock()
	m.forgetPoll(guid)
	return errors.Join(
		m.collector.Forget(ctx, guid),
		m.bridge.RemoveLogs(guid),
		m.store.DeleteRun(ctx, guid),
	)
}
