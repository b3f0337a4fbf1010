package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/config"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/inventory"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/metrics"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const queueSize = 1024

var errNotRunnable = errors.New("task is not in created state")

// Config holds runner settings
type Config struct {
	RunRoot         string
	Workers         int
	AnsiblePlaybook string
	Python          string
	// TokenTTL bounds the lifetime of task tokens; zero never expires
	TokenTTL time.Duration
}

// ConfigFrom derives runner settings from the daemon configuration
func ConfigFrom(cfg *manager.Config) Config {
	return Config{
		RunRoot:         cfg.RunRoot,
		Workers:         cfg.Workers,
		AnsiblePlaybook: cfg.AnsiblePlaybook,
		Python:          cfg.Python,
		TokenTTL:        24 * time.Hour,
	}
}

// Runner executes queued tasks job by job
type Runner struct {
	mgr       *manager.Manager
	cfg       Config
	executors map[types.ScriptType]JobExecutor
	internal  *internalExecutor
	queue     chan int64
	logger    zerolog.Logger

	mu      sync.Mutex
	active  map[int64]*execution
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	stopped bool
}

// execution tracks the child of the job a task is running
type execution struct {
	mu        sync.Mutex
	jobID     int64
	child     Child
	terminate bool
}

func (e *execution) attach(jobID int64, child Child) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobID = jobID
	e.child = child
	if e.terminate {
		_ = child.Terminate()
	}
}

func (e *execution) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobID = 0
	e.child = nil
}

func (e *execution) terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminate
}

// stop terminates the child of jobID, or of any job when all is set; all
// also keeps the task from starting further jobs
func (e *execution) stop(jobID int64, all bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if all {
		e.terminate = true
	} else if e.jobID != jobID {
		return adcmerr.New(adcmerr.TaskError, "job %d is not running", jobID)
	}
	if e.child == nil {
		return nil
	}
	return e.child.Terminate()
}

// New creates a runner spawning children with spawner
func New(mgr *manager.Manager, cfg Config, spawner Spawner) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if spawner == nil {
		spawner = ProcessSpawner{}
	}
	internal := &internalExecutor{mgr: mgr}
	return &Runner{
		mgr: mgr,
		cfg: cfg,
		executors: map[types.ScriptType]JobExecutor{
			types.ScriptAnsible:  &ansibleExecutor{spawner: spawner, playbook: cfg.AnsiblePlaybook},
			types.ScriptPython:   &pythonExecutor{spawner: spawner, python: cfg.Python},
			types.ScriptInternal: internal,
		},
		internal: internal,
		queue:    make(chan int64, queueSize),
		logger:   log.WithComponent("runner"),
		active:   make(map[int64]*execution),
	}
}

// SetSwitcher installs the handler of bundle_switch and bundle_revert
func (r *Runner) SetSwitcher(s Switcher) {
	r.internal.switcher = s
}

// Start launches the worker pool
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			r.worker(gctx)
			return nil
		})
	}
	r.group = g
	r.started = true
	r.logger.Info().Int("workers", r.cfg.Workers).Msg("Runner started")
}

// Stop terminates running jobs and waits for the workers to finish their
// tasks
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for id, e := range r.active {
		if err := e.stop(0, true); err != nil {
			r.logger.Warn().Err(err).Int64("task_id", id).Msg("Failed to terminate task")
		}
	}
	r.cancel()
	g := r.group
	r.mu.Unlock()

	_ = g.Wait()
	r.logger.Info().Msg("Runner stopped")
}

// Enqueue schedules a created task
func (r *Runner) Enqueue(taskID int64) error {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return fmt.Errorf("runner is stopped")
	}
	select {
	case r.queue <- taskID:
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (r *Runner) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.runTask(ctx, id)
		}
	}
}

func (r *Runner) register(taskID int64) *execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &execution{}
	r.active[taskID] = e
	return e
}

func (r *Runner) unregister(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, taskID)
}

func (r *Runner) lookup(taskID int64) *execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[taskID]
}

func (r *Runner) runTask(ctx context.Context, taskID int64) {
	logger := log.WithTaskID(taskID)
	exec := r.register(taskID)
	defer r.unregister(taskID)

	task, action, jobs, err := r.start(taskID)
	if errors.Is(err, errNotRunnable) {
		logger.Debug().Msg("Skipping task that is not runnable")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start task")
		r.breakTask(taskID, err)
		return
	}
	logger.Info().Str("action", action.Name).Int("jobs", len(jobs)).Msg("Task started")

	timer := metrics.NewTimer()
	metrics.TasksRunning.Inc()
	defer metrics.TasksRunning.Dec()

	token, err := r.mgr.Tokens().GenerateToken(taskID, r.cfg.TokenTTL)
	if err != nil {
		r.breakTask(taskID, err)
		return
	}
	defer r.mgr.Tokens().RevokeTask(taskID)

	var (
		executed  []types.TaskStatus
		failedJob *types.Job
	)
	for _, job := range jobs {
		if exec.terminated() {
			break
		}
		status, err := r.runJob(ctx, exec, task, action, job, token.Token)
		if err != nil {
			logger.Error().Err(err).Int64("job_id", job.ID).Msg("Job bookkeeping failed")
			r.breakTask(taskID, err)
			return
		}
		executed = append(executed, status)
		if status == types.StatusFailed {
			failedJob = job
			break
		}
	}

	status := aggregate(executed, failedJob != nil, len(executed) < len(jobs))
	if err := r.finish(taskID, status, failedJob); err != nil {
		logger.Error().Err(err).Msg("Failed to complete task")
		r.breakTask(taskID, err)
		return
	}
	timer.ObserveDuration(metrics.TaskDuration)
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	logger.Info().Str("status", string(status)).Dur("duration", timer.Duration()).Msg("Task finished")
}

// aggregate derives the task status from the statuses of the jobs that
// ran. A failure wins; otherwise an aborted last job or a task stopped
// before its last job ends aborted.
func aggregate(executed []types.TaskStatus, failed, incomplete bool) types.TaskStatus {
	switch {
	case failed:
		return types.StatusFailed
	case len(executed) == 0:
		return types.StatusAborted
	case executed[len(executed)-1] == types.StatusAborted, incomplete:
		return types.StatusAborted
	}
	return types.StatusSuccess
}

// start moves a created task to running
func (r *Runner) start(taskID int64) (*types.Task, *types.Action, []*types.Job, error) {
	var (
		task   *types.Task
		action *types.Action
		jobs   []*types.Job
	)
	err := r.mgr.Update(context.Background(), "start_task", func(tx storage.Tx, batch *events.Batch) error {
		var err error
		if task, err = tx.GetTask(taskID); err != nil {
			return err
		}
		if task.Status != types.StatusCreated {
			return errNotRunnable
		}
		if action, err = tx.GetAction(task.ActionID); err != nil {
			return err
		}
		if jobs, err = tx.ListJobs(taskID); err != nil {
			return err
		}
		slices.SortFunc(jobs, func(a, b *types.Job) int { return a.Index - b.Index })

		task.Status = types.StatusRunning
		task.StartAt = time.Now().UTC()
		task.FinishAt = time.Time{}
		task.PID = os.Getpid()
		if err := tx.UpdateTask(task); err != nil {
			return err
		}
		batch.Add(events.EventTaskStatus, types.Ref(types.ObjectTask, task.ID), map[string]any{"status": string(task.Status)})
		return nil
	})
	return task, action, jobs, err
}

// JobDir returns the run directory of a job
func (r *Runner) JobDir(taskID, jobID int64) string {
	return filepath.Join(r.cfg.RunRoot, strconv.FormatInt(taskID, 10), strconv.FormatInt(jobID, 10))
}

func (r *Runner) runJob(ctx context.Context, exec *execution, task *types.Task, action *types.Action, job *types.Job, token string) (types.TaskStatus, error) {
	logger := log.WithJobID(job.TaskID, job.ID)
	executor, ok := r.executors[job.ScriptType]
	if !ok {
		return "", fmt.Errorf("no executor for script type %q", job.ScriptType)
	}

	dir := r.JobDir(task.ID, job.ID)
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	env, err := r.jobEnv(task, action, job, token, dir)
	if err != nil {
		return "", err
	}

	var child Child
	err = executor.Prepare(env)
	if err == nil {
		child, err = executor.Spawn(ctx, env)
	}
	if err != nil {
		// the job cannot run; it fails like a script would
		logger.Error().Err(err).Msg("Failed to launch job")
		_ = os.WriteFile(env.LogPath("stderr"), []byte(err.Error()+"\n"), 0644)
		if err := r.setJobStatus(job, types.StatusRunning, 0); err != nil {
			return "", err
		}
		return types.StatusFailed, r.endJob(job, types.StatusFailed)
	}

	exec.attach(job.ID, child)
	if err := r.setJobStatus(job, types.StatusRunning, child.PID()); err != nil {
		_ = child.Terminate()
		child.Wait()
		exec.detach()
		return "", err
	}
	logger.Info().Int("pid", child.PID()).Str("script", job.Script).Msg("Job started")

	code := child.Wait()
	exec.detach()
	status := executor.Classify(code)
	logger.Info().Int("exit_code", code).Str("status", string(status)).Msg("Job finished")
	return status, r.endJob(job, status)
}

// jobEnv reads everything a job needs from one consistent snapshot
func (r *Runner) jobEnv(task *types.Task, action *types.Action, job *types.Job, token, dir string) (*JobEnv, error) {
	env := &JobEnv{Task: task, Job: job, Action: action, Dir: dir, Token: token}
	err := r.mgr.View(context.Background(), func(tx storage.Tx) error {
		proto, err := tx.GetPrototype(action.PrototypeID)
		if err != nil {
			return err
		}
		if env.Bundle, err = tx.GetBundle(proto.BundleID); err != nil {
			return err
		}
		env.Config, err = config.NewSchema(action.Config).Decrypt(r.mgr.Secrets(), task.Config)
		if err != nil {
			return err
		}
		if job.ScriptType == types.ScriptInternal {
			return nil
		}
		env.Inventory, err = inventory.NewBuilder(tx, r.mgr.Secrets()).Build(task, action)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare job %d: %w", job.ID, err)
	}
	return env, nil
}

func (r *Runner) setJobStatus(job *types.Job, status types.TaskStatus, pid int) error {
	return r.mgr.Update(context.Background(), "job_status", func(tx storage.Tx, batch *events.Batch) error {
		job.Status = status
		job.PID = pid
		job.StartAt = time.Now().UTC()
		job.FinishAt = time.Time{}
		if err := tx.UpdateJob(job); err != nil {
			return err
		}
		ref := types.Ref(types.ObjectJob, job.ID)
		batch.Add(events.EventJobStatus, ref, map[string]any{"status": string(status), "task_id": job.TaskID})
		for _, stream := range []string{"stdout", "stderr"} {
			batch.Add(events.EventAddJobLog, ref, map[string]any{"name": string(job.ScriptType), "type": stream})
		}
		return nil
	})
}

func (r *Runner) endJob(job *types.Job, status types.TaskStatus) error {
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()
	return r.mgr.Update(context.Background(), "job_status", func(tx storage.Tx, batch *events.Batch) error {
		job.Status = status
		job.FinishAt = time.Now().UTC()
		if err := tx.UpdateJob(job); err != nil {
			return err
		}
		batch.Add(events.EventJobStatus, types.Ref(types.ObjectJob, job.ID), map[string]any{"status": string(status), "task_id": job.TaskID})
		return nil
	})
}

// CancelJob terminates a running job. The task then continues or stops
// according to the status the job ends with.
func (r *Runner) CancelJob(ctx context.Context, jobID int64) error {
	job, err := r.mgr.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.StatusRunning {
		return adcmerr.New(adcmerr.TaskError, "job %d is %s, only running jobs can be cancelled", jobID, job.Status)
	}
	if !job.AllowToTerminate {
		return adcmerr.New(adcmerr.ActionError, "job %d does not allow termination", jobID)
	}
	e := r.lookup(job.TaskID)
	if e == nil {
		return adcmerr.New(adcmerr.TaskError, "task %d is not running", job.TaskID)
	}
	logger := log.WithJobID(job.TaskID, jobID)
	logger.Info().Msg("Cancelling job")
	return e.stop(jobID, false)
}

// CancelTask terminates the running job of a task and keeps it from
// starting further jobs
func (r *Runner) CancelTask(ctx context.Context, taskID int64) error {
	task, err := r.mgr.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.StatusRunning {
		return adcmerr.New(adcmerr.TaskError, "task %d is %s, only running tasks can be cancelled", taskID, task.Status)
	}
	e := r.lookup(taskID)
	if e == nil {
		return adcmerr.New(adcmerr.TaskError, "task %d is not running", taskID)
	}
	logger := log.WithTaskID(taskID)
	logger.Info().Msg("Cancelling task")
	return e.stop(0, true)
}

// RestartTask runs a finished task again from its first job. The task
// locks its objects again and keeps the host-component snapshot taken at
// launch.
func (r *Runner) RestartTask(ctx context.Context, taskID int64) error {
	err := r.mgr.Update(ctx, "restart_task", func(tx storage.Tx, batch *events.Batch) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		switch task.Status {
		case types.StatusSuccess, types.StatusFailed, types.StatusAborted:
		default:
			return adcmerr.New(adcmerr.TaskError, "task %d is %s and cannot be restarted", taskID, task.Status)
		}
		action, err := tx.GetAction(task.ActionID)
		if err != nil {
			return err
		}
		var extra []types.ObjectRef
		for _, e := range append(slices.Clone(task.HCDelta.Add), task.HCDelta.Remove...) {
			extra = append(extra, types.Ref(types.ObjectHost, e.HostID))
		}
		lock, err := r.mgr.Engine().Lock(tx, batch, task, action, extra...)
		if err != nil {
			return err
		}

		jobs, err := tx.ListJobs(taskID)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			j.Status = types.StatusCreated
			j.PID = 0
			j.StartAt = time.Time{}
			j.FinishAt = time.Time{}
			if err := tx.UpdateJob(j); err != nil {
				return err
			}
		}
		task.Status = types.StatusCreated
		task.LockID = lock.ID
		task.PID = 0
		task.StartAt = time.Time{}
		task.FinishAt = time.Time{}
		if err := tx.UpdateTask(task); err != nil {
			return err
		}
		batch.Add(events.EventTaskStatus, types.Ref(types.ObjectTask, task.ID), map[string]any{"status": string(task.Status), "restart": true})
		return nil
	})
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(r.cfg.RunRoot, strconv.FormatInt(taskID, 10))); err != nil {
		r.logger.Warn().Err(err).Int64("task_id", taskID).Msg("Failed to clear task run directory")
	}
	return r.Enqueue(taskID)
}

// Recover marks tasks a previous process left unfinished as broken and
// releases their locks. It must run before Start.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	tasks, err := r.mgr.ListTasks(ctx, storage.TaskFilter{Statuses: []types.TaskStatus{types.StatusCreated, types.StatusRunning}})
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		r.breakTask(t.ID, errors.New("runner restarted"))
	}
	if len(tasks) > 0 {
		r.logger.Warn().Int("tasks", len(tasks)).Msg("Recovered unfinished tasks as broken")
	}
	return len(tasks), nil
}

// JobLog is one output file of a job
type JobLog struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// JobLogs lists the stdout and stderr files of a job
func (r *Runner) JobLogs(ctx context.Context, jobID int64) ([]JobLog, error) {
	job, err := r.mgr.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	dir := r.JobDir(job.TaskID, job.ID)
	var out []JobLog
	for _, stream := range []string{"stdout", "stderr"} {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.txt", job.ScriptType, stream))
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, JobLog{Name: string(job.ScriptType), Type: stream, Path: path, Size: info.Size()})
	}
	return out, nil
}
