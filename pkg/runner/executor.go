package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/inventory"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// Files of a job directory
const (
	ConfigFile    = "config.json"
	InventoryFile = "inventory.json"
	AnsibleCfg    = "ansible.cfg"
)

// JobEnv is everything an executor needs to run one job
type JobEnv struct {
	Task      *types.Task
	Job       *types.Job
	Action    *types.Action
	Bundle    *types.Bundle
	Dir       string
	Token     string
	Config    map[string]any
	Inventory *inventory.Inventory
}

// LogPath returns the stdout or stderr file of the job
func (e *JobEnv) LogPath(stream string) string {
	return filepath.Join(e.Dir, fmt.Sprintf("%s-%s.txt", e.Job.ScriptType, stream))
}

func (e *JobEnv) path(name string) string {
	return filepath.Join(e.Dir, name)
}

func (e *JobEnv) script() string {
	if filepath.IsAbs(e.Job.Script) {
		return e.Job.Script
	}
	return filepath.Join(e.Bundle.Path, e.Job.Script)
}

func (e *JobEnv) environ() []string {
	return []string{
		"ADCM_TOKEN=" + e.Token,
		"ADCM_TASK_ID=" + strconv.FormatInt(e.Task.ID, 10),
		"ADCM_JOB_ID=" + strconv.FormatInt(e.Job.ID, 10),
		"ADCM_RUN_DIR=" + e.Dir,
		"ADCM_CONFIG=" + e.path(ConfigFile),
		"ADCM_INVENTORY=" + e.path(InventoryFile),
	}
}

// JobExecutor prepares, spawns and classifies the child of one job
type JobExecutor interface {
	Prepare(env *JobEnv) error
	Spawn(ctx context.Context, env *JobEnv) (Child, error)
	Classify(code int) types.TaskStatus
}

// Classify translates an exit code into a job status
func Classify(code int) types.TaskStatus {
	switch code {
	case 0:
		return types.StatusSuccess
	case ExitSIGTERM, ExitShellSIGTERM:
		return types.StatusAborted
	}
	return types.StatusFailed
}

type exitClassifier struct{}

func (exitClassifier) Classify(code int) types.TaskStatus { return Classify(code) }

// writeJobFiles materializes config.json and inventory.json
func writeJobFiles(env *JobEnv) error {
	cfg := map[string]any{
		"adcm": map[string]any{"token_env": "ADCM_TOKEN"},
		"context": map[string]any{
			"type":    env.Task.Owner.Type,
			"id":      env.Task.Owner.ID,
			"task_id": env.Task.ID,
			"target":  env.Task.Target.String(),
		},
		"env": map[string]any{
			"run_dir":   env.Dir,
			"stack_dir": env.Bundle.Path,
			"tmp_dir":   env.path("tmp"),
		},
		"job": map[string]any{
			"id":          env.Job.ID,
			"action":      env.Action.Name,
			"job_name":    env.Job.Name,
			"script":      env.Job.Script,
			"script_type": env.Job.ScriptType,
			"params":      env.Job.Params,
			"verbose":     env.Task.Verbose,
			"config":      env.Config,
		},
	}
	if err := writeJSON(env.path(ConfigFile), cfg); err != nil {
		return err
	}
	if env.Inventory == nil {
		return nil
	}
	data, err := env.Inventory.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render inventory: %w", err)
	}
	return os.WriteFile(env.path(InventoryFile), data, 0600)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0600)
}

// ansibleExecutor runs ansible-playbook against the job inventory
type ansibleExecutor struct {
	exitClassifier
	spawner  Spawner
	playbook string
}

const ansibleConfig = `[defaults]
deprecation_warnings = False
callback_whitelist = profile_tasks
stdout_callback = yaml
host_key_checking = False

[ssh_connection]
retries = 3
pipelining = True
`

func (a *ansibleExecutor) Prepare(env *JobEnv) error {
	if err := writeJobFiles(env); err != nil {
		return err
	}
	return os.WriteFile(env.path(AnsibleCfg), []byte(ansibleConfig), 0644)
}

func (a *ansibleExecutor) Spawn(ctx context.Context, env *JobEnv) (Child, error) {
	args := []string{
		"-i", env.path(InventoryFile),
		"-e", "@" + env.path(ConfigFile),
		env.script(),
	}
	if env.Task.Verbose {
		args = append([]string{"-vvvv"}, args...)
	}
	return a.spawner.Spawn(ctx, Command{
		Path:   a.playbook,
		Args:   args,
		Dir:    env.Bundle.Path,
		Env:    append(env.environ(), "ANSIBLE_CONFIG="+env.path(AnsibleCfg)),
		Stdout: env.LogPath("stdout"),
		Stderr: env.LogPath("stderr"),
	})
}

// pythonExecutor runs a python script with the job config path
type pythonExecutor struct {
	exitClassifier
	spawner Spawner
	python  string
}

func (p *pythonExecutor) Prepare(env *JobEnv) error {
	return writeJobFiles(env)
}

func (p *pythonExecutor) Spawn(ctx context.Context, env *JobEnv) (Child, error) {
	return p.spawner.Spawn(ctx, Command{
		Path:   p.python,
		Args:   []string{env.script(), env.path(ConfigFile)},
		Dir:    env.Bundle.Path,
		Env:    env.environ(),
		Stdout: env.LogPath("stdout"),
		Stderr: env.LogPath("stderr"),
	})
}

// Switcher performs the internal steps of upgrade tasks
type Switcher interface {
	Switch(tx storage.Tx, batch *events.Batch, task *types.Task) error
	Revert(tx storage.Tx, batch *events.Batch, task *types.Task) error
}

// internalExecutor runs bundle_switch and bundle_revert in process
type internalExecutor struct {
	exitClassifier
	mgr      *manager.Manager
	switcher Switcher
}

func (i *internalExecutor) Prepare(env *JobEnv) error {
	if i.switcher == nil {
		return fmt.Errorf("no handler for internal script %q", env.Job.Script)
	}
	switch env.Job.Script {
	case types.ScriptBundleSwitch, types.ScriptBundleRevert:
		return nil
	}
	return fmt.Errorf("unknown internal script %q", env.Job.Script)
}

func (i *internalExecutor) Spawn(ctx context.Context, env *JobEnv) (Child, error) {
	op := env.Job.Script
	return runFunc(func() int {
		err := i.mgr.Update(manager.WithTask(ctx, env.Task.ID), op, func(tx storage.Tx, batch *events.Batch) error {
			task, err := tx.GetTask(env.Task.ID)
			if err != nil {
				return err
			}
			if op == types.ScriptBundleRevert {
				return i.switcher.Revert(tx, batch, task)
			}
			return i.switcher.Switch(tx, batch, task)
		})
		if err != nil {
			_ = os.WriteFile(env.LogPath("stderr"), []byte(err.Error()+"\n"), 0644)
			return 1
		}
		_ = os.WriteFile(env.LogPath("stdout"), []byte(op+" done\n"), 0644)
		return 0
	}), nil
}
