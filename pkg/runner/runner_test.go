package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/launcher"
	"github.com/cuemby/adcm/pkg/manager/managertest"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type fakeChild struct {
	cmd  Command
	exit chan int
	once sync.Once
	code int
}

func (c *fakeChild) PID() int { return 4242 }

func (c *fakeChild) Wait() int {
	c.once.Do(func() { c.code = <-c.exit })
	return c.code
}

func (c *fakeChild) Terminate() error {
	select {
	case c.exit <- ExitShellSIGTERM:
	default:
	}
	return nil
}

func (c *fakeChild) finish(code int) {
	c.exit <- code
}

func (c *fakeChild) env(key string) string {
	for _, kv := range c.cmd.Env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			return v
		}
	}
	return ""
}

// fakeSpawner hands out children that run until the test finishes or
// terminates them
type fakeSpawner struct {
	spawned chan *fakeChild
}

func (s *fakeSpawner) Spawn(_ context.Context, cmd Command) (Child, error) {
	if err := os.WriteFile(cmd.Stdout, []byte("ok\n"), 0644); err != nil {
		return nil, err
	}
	c := &fakeChild{cmd: cmd, exit: make(chan int, 1)}
	s.spawned <- c
	return c, nil
}

type harness struct {
	e     *managertest.Env
	r     *Runner
	l     *launcher.Launcher
	fs    *fakeSpawner
	ready *managertest.Ready
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	e := managertest.NewEnv(t)
	fs := &fakeSpawner{spawned: make(chan *fakeChild, 16)}
	r := New(e.M, ConfigFrom(e.M.Config()), fs)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return &harness{
		e:     e,
		r:     r,
		l:     launcher.New(e.M, r),
		fs:    fs,
		ready: e.ReadyCluster(t, "c1"),
	}
}

// deploy launches the three-job deploy action adding a datanode on h1
func (h *harness) deploy(t *testing.T, restoreOnFail bool) (*types.Task, []*types.Job) {
	t.Helper()
	r := h.ready
	action := h.e.Action(t, r.Cluster.Ref(), "deploy")
	hc := r.Mapped(managertest.Map(r.HDFS.ID, r.DataNode.ID, r.H1.ID))
	task, err := h.l.Run(h.e.Ctx, r.Cluster.Ref(), action.ID, launcher.RunRequest{HostComponent: hc, RestoreOnFail: restoreOnFail})
	require.NoError(t, err)
	jobs, err := h.e.M.ListJobs(h.e.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	return task, jobs
}

func (h *harness) next(t *testing.T) *fakeChild {
	t.Helper()
	select {
	case c := <-h.fs.spawned:
		return c
	case <-time.After(waitFor):
		require.FailNow(t, "no job was spawned")
		return nil
	}
}

func (h *harness) waitJob(t *testing.T, jobID int64, status types.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := h.e.M.GetJob(h.e.Ctx, jobID)
		return err == nil && j.Status == status
	}, waitFor, 10*time.Millisecond)
}

func (h *harness) waitTask(t *testing.T, taskID int64) *types.Task {
	t.Helper()
	var task *types.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = h.e.M.GetTask(h.e.Ctx, taskID)
		return err == nil && task.Status.IsTerminal()
	}, waitFor, 10*time.Millisecond)
	return task
}

func (h *harness) jobStatuses(t *testing.T, taskID int64) []types.TaskStatus {
	t.Helper()
	jobs, err := h.e.M.ListJobs(h.e.Ctx, taskID)
	require.NoError(t, err)
	out := make([]types.TaskStatus, len(jobs))
	for i, j := range jobs {
		out[i] = j.Status
	}
	return out
}

func (h *harness) assertUnlocked(t *testing.T, ref types.ObjectRef) {
	t.Helper()
	concerns, err := h.e.M.ObjectConcerns(h.e.Ctx, ref)
	require.NoError(t, err)
	for _, c := range concerns {
		assert.NotEqual(t, types.ConcernLock, c.Type, "%s still locked", ref)
	}
}

func TestCancelMiddleJob(t *testing.T) {
	h := newHarness(t)
	task, jobs := h.deploy(t, false)

	h.next(t).finish(0)
	h.next(t)
	h.waitJob(t, jobs[1].ID, types.StatusRunning)
	require.NoError(t, h.r.CancelJob(h.e.Ctx, jobs[1].ID))
	h.next(t).finish(0)

	final := h.waitTask(t, task.ID)
	assert.Equal(t, types.StatusSuccess, final.Status)
	assert.Equal(t, []types.TaskStatus{types.StatusSuccess, types.StatusAborted, types.StatusSuccess}, h.jobStatuses(t, task.ID))

	cluster, err := h.e.M.GetCluster(h.e.Ctx, h.ready.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "installed", cluster.State)
	assert.Contains(t, cluster.MultiState, "deployed")
	h.assertUnlocked(t, cluster.Ref())
	h.assertUnlocked(t, h.ready.H1.Ref())
}

func TestCancelLastJob(t *testing.T) {
	h := newHarness(t)
	task, jobs := h.deploy(t, false)

	h.next(t).finish(0)
	h.next(t).finish(0)
	h.next(t)
	h.waitJob(t, jobs[2].ID, types.StatusRunning)
	require.NoError(t, h.r.CancelJob(h.e.Ctx, jobs[2].ID))

	final := h.waitTask(t, task.ID)
	assert.Equal(t, types.StatusAborted, final.Status)
	assert.Equal(t, []types.TaskStatus{types.StatusSuccess, types.StatusSuccess, types.StatusAborted}, h.jobStatuses(t, task.ID))

	cluster, err := h.e.M.GetCluster(h.e.Ctx, h.ready.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCreated, cluster.State)
	assert.Empty(t, cluster.MultiState)
	h.assertUnlocked(t, cluster.Ref())
}

func TestRestoreOnFail(t *testing.T) {
	h := newHarness(t)
	task, jobs := h.deploy(t, true)

	current, err := h.e.M.GetHostComponent(h.e.Ctx, h.ready.Cluster.ID)
	require.NoError(t, err)
	require.Len(t, current, 2)

	err = h.r.CancelJob(h.e.Ctx, jobs[2].ID)
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))
	assert.Equal(t, 409, adcmerr.CodeOf(err).HTTPStatus())

	h.next(t).finish(1)
	final := h.waitTask(t, task.ID)
	assert.Equal(t, types.StatusFailed, final.Status)
	assert.Equal(t, []types.TaskStatus{types.StatusFailed, types.StatusCreated, types.StatusCreated}, h.jobStatuses(t, task.ID))

	restored, err := h.e.M.GetHostComponent(h.e.Ctx, h.ready.Cluster.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, task.HCSnapshot, restored)

	cluster, err := h.e.M.GetCluster(h.e.Ctx, h.ready.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", cluster.State)
	h.assertUnlocked(t, cluster.Ref())
}

func TestRestartTask(t *testing.T) {
	h := newHarness(t)
	task, _ := h.deploy(t, false)

	first := h.next(t)
	err := h.r.RestartTask(h.e.Ctx, task.ID)
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))

	first.finish(1)
	assert.Equal(t, types.StatusFailed, h.waitTask(t, task.ID).Status)

	require.NoError(t, h.r.RestartTask(h.e.Ctx, task.ID))
	for range 3 {
		h.next(t).finish(0)
	}
	final := h.waitTask(t, task.ID)
	assert.Equal(t, types.StatusSuccess, final.Status)
	assert.Equal(t, []types.TaskStatus{types.StatusSuccess, types.StatusSuccess, types.StatusSuccess}, h.jobStatuses(t, task.ID))
}

// heldQueue accepts tasks without running them
type heldQueue struct{}

func (heldQueue) Enqueue(int64) error { return nil }

func TestRestartCreatedTask(t *testing.T) {
	h := newHarness(t)
	r := h.ready
	action := h.e.Action(t, r.Cluster.Ref(), "deploy")
	hc := r.Mapped(managertest.Map(r.HDFS.ID, r.DataNode.ID, r.H1.ID))
	task, err := launcher.New(h.e.M, heldQueue{}).Run(h.e.Ctx, r.Cluster.Ref(), action.ID, launcher.RunRequest{HostComponent: hc})
	require.NoError(t, err)
	require.Equal(t, types.StatusCreated, task.Status)

	err = h.r.RestartTask(h.e.Ctx, task.ID)
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))
	assert.Equal(t, 409, adcmerr.CodeOf(err).HTTPStatus())

	stored, err := h.e.M.GetTask(h.e.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreated, stored.Status)
	assert.Equal(t, []types.TaskStatus{types.StatusCreated, types.StatusCreated, types.StatusCreated}, h.jobStatuses(t, task.ID))
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t)
	task, jobs := h.deploy(t, false)

	h.next(t)
	h.waitJob(t, jobs[0].ID, types.StatusRunning)
	require.NoError(t, h.r.CancelTask(h.e.Ctx, task.ID))

	final := h.waitTask(t, task.ID)
	assert.Equal(t, types.StatusAborted, final.Status)
	assert.Equal(t, []types.TaskStatus{types.StatusAborted, types.StatusCreated, types.StatusCreated}, h.jobStatuses(t, task.ID))

	err := h.r.CancelTask(h.e.Ctx, task.ID)
	assert.Equal(t, adcmerr.TaskError, adcmerr.CodeOf(err))
}

func TestJobFiles(t *testing.T) {
	h := newHarness(t)
	task, jobs := h.deploy(t, false)

	c := h.next(t)
	h.waitJob(t, jobs[0].ID, types.StatusRunning)

	dir := h.r.JobDir(task.ID, jobs[0].ID)
	for _, name := range []string{ConfigFile, InventoryFile, AnsibleCfg} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.Equal(t, "ansible-playbook", c.cmd.Path)
	assert.Contains(t, c.cmd.Args, filepath.Join(dir, InventoryFile))

	taskID, err := h.e.M.Tokens().ValidateToken(c.env("ADCM_TOKEN"))
	require.NoError(t, err)
	assert.Equal(t, task.ID, taskID)

	logs, err := h.r.JobLogs(h.e.Ctx, jobs[0].ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "stdout", logs[0].Type)
	assert.EqualValues(t, 3, logs[0].Size)

	c.finish(0)
	h.next(t).finish(0)
	h.next(t).finish(0)
	h.waitTask(t, task.ID)
	assert.Eventually(t, func() bool {
		_, err := h.e.M.Tokens().ValidateToken(c.env("ADCM_TOKEN"))
		return err != nil
	}, waitFor, 10*time.Millisecond)
}

func TestRecover(t *testing.T) {
	e := managertest.NewEnv(t)
	ready := e.ReadyCluster(t, "c1")
	r := New(e.M, ConfigFrom(e.M.Config()), &fakeSpawner{spawned: make(chan *fakeChild, 1)})
	l := launcher.New(e.M, r)

	action := e.Action(t, ready.HDFS.Ref(), "restart")
	task, err := l.Run(e.Ctx, ready.HDFS.Ref(), action.ID, launcher.RunRequest{})
	require.NoError(t, err)

	n, err := r.Recover(e.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.M.GetTask(e.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBroken, got.Status)
	jobs, err := e.M.ListJobs(e.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.StatusBroken, jobs[0].Status)

	concerns, err := e.M.ObjectConcerns(e.Ctx, ready.HDFS.Ref())
	require.NoError(t, err)
	for _, c := range concerns {
		assert.NotEqual(t, types.ConcernLock, c.Type)
	}
}

func TestAggregate(t *testing.T) {
	s, a, f := types.StatusSuccess, types.StatusAborted, types.StatusFailed
	tests := []struct {
		name       string
		executed   []types.TaskStatus
		failed     bool
		incomplete bool
		want       types.TaskStatus
	}{
		{"all success", []types.TaskStatus{s, s, s}, false, false, s},
		{"aborted middle", []types.TaskStatus{s, a, s}, false, false, s},
		{"aborted last", []types.TaskStatus{s, s, a}, false, false, a},
		{"failed", []types.TaskStatus{s, f}, true, true, f},
		{"failed before aborted", []types.TaskStatus{a, f}, true, true, f},
		{"stopped early", []types.TaskStatus{s}, false, true, a},
		{"nothing ran", nil, false, true, a},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregate(tt.executed, tt.failed, tt.incomplete))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want types.TaskStatus
	}{
		{0, types.StatusSuccess},
		{ExitSIGTERM, types.StatusAborted},
		{143, types.StatusAborted},
		{1, types.StatusFailed},
		{-9, types.StatusFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.code), "exit code %d", tt.code)
	}
}

func TestProcessSpawner(t *testing.T) {
	dir := t.TempDir()
	cmd := func(args ...string) Command {
		return Command{
			Path:   "/bin/sh",
			Args:   append([]string{"-c"}, args...),
			Dir:    dir,
			Stdout: filepath.Join(dir, "stdout.txt"),
			Stderr: filepath.Join(dir, "stderr.txt"),
		}
	}

	child, err := ProcessSpawner{}.Spawn(context.Background(), cmd("echo hello; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, child.Wait())
	out, err := os.ReadFile(filepath.Join(dir, "stdout.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	child, err = ProcessSpawner{}.Spawn(context.Background(), cmd("exec sleep 30"))
	require.NoError(t, err)
	assert.NotZero(t, child.PID())
	require.NoError(t, child.Terminate())
	assert.Equal(t, types.StatusAborted, Classify(child.Wait()))
}
