package integrity

import (
	"testing"

	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/manager/managertest"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func check(t *testing.T, e *managertest.Env) *Report {
	t.Helper()
	var r *Report
	require.NoError(t, e.M.Store().View(func(tx storage.Tx) error {
		var err error
		r, err = Check(tx)
		return err
	}))
	return r
}

func rules(vs []Violation) []Rule {
	var out []Rule
	for _, v := range vs {
		out = append(out, v.Rule)
	}
	return out
}

func TestCleanStore(t *testing.T) {
	e := managertest.NewEnv(t)
	e.ReadyCluster(t, "c1")
	e.AddHost(t, "free.example.com", 0)

	r := check(t, e)
	assert.True(t, r.OK(), "%v", r.Violations)
	assert.Equal(t, 7, r.Objects)
}

func TestViolations(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, e *managertest.Env, r *managertest.Ready)
		rule    Rule
	}{
		{
			name: "detached host keeps mappings",
			corrupt: func(t *testing.T, e *managertest.Env, r *managertest.Ready) {
				require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
					r.H1.ClusterID = 0
					return tx.UpdateHost(r.H1)
				}))
			},
			rule: RuleDetachedHC,
		},
		{
			name: "host of another cluster",
			corrupt: func(t *testing.T, e *managertest.Env, r *managertest.Ready) {
				other := e.AddCluster(t, "other")
				require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
					r.H1.ClusterID = other.ID
					return tx.UpdateHost(r.H1)
				}))
			},
			rule: RuleForeignHC,
		},
		{
			name: "config owned by another object",
			corrupt: func(t *testing.T, e *managertest.Env, r *managertest.Ready) {
				require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
					r.Cluster.ConfigID = r.HDFS.ConfigID
					return tx.UpdateCluster(r.Cluster)
				}))
			},
			rule: RuleConfigOwner,
		},
		{
			name: "lock of finished task",
			corrupt: func(t *testing.T, e *managertest.Env, r *managertest.Ready) {
				require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
					task := &types.Task{Owner: r.Cluster.Ref(), Target: r.Cluster.Ref(), Status: types.StatusRunning}
					if err := tx.CreateTask(task); err != nil {
						return err
					}
					if _, err := e.M.Engine().Lock(tx, nil, task, nil); err != nil {
						return err
					}
					task.Status = types.StatusSuccess
					return tx.UpdateTask(task)
				}))
			},
			rule: RuleFinishedLock,
		},
		{
			name: "concern without owner",
			corrupt: func(t *testing.T, e *managertest.Env, r *managertest.Ready) {
				require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
					ref := types.Ref(types.ObjectCluster, 999)
					return tx.CreateConcern(&types.Concern{
						Type:    types.ConcernIssue,
						Cause:   types.CauseConfig,
						Owner:   ref,
						Related: []types.ObjectRef{ref},
					})
				}))
			},
			rule: RuleOrphanConcern,
		},
		{
			name: "running task on a blocked target",
			corrupt: func(t *testing.T, e *managertest.Env, r *managertest.Ready) {
				require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
					if err := tx.CreateTask(&types.Task{Owner: r.Cluster.Ref(), Target: r.Cluster.Ref(), Status: types.StatusRunning}); err != nil {
						return err
					}
					return tx.CreateConcern(&types.Concern{
						Type:     types.ConcernIssue,
						Cause:    types.CauseHostComponent,
						Owner:    r.Cluster.Ref(),
						Blocking: true,
						Related:  []types.ObjectRef{r.Cluster.Ref()},
					})
				}))
			},
			rule: RuleLockedTarget,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := managertest.NewEnv(t)
			r := e.ReadyCluster(t, "c1")
			tt.corrupt(t, e, r)

			report := check(t, e)
			assert.False(t, report.OK())
			assert.Contains(t, rules(report.Violations), tt.rule)
		})
	}
}

func TestRepair(t *testing.T) {
	e := managertest.NewEnv(t)
	r := e.ReadyCluster(t, "c1")

	require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
		r.H1.ClusterID = 0
		if err := tx.UpdateHost(r.H1); err != nil {
			return err
		}
		task := &types.Task{Owner: r.Cluster.Ref(), Target: r.Cluster.Ref(), Status: types.StatusRunning}
		if err := tx.CreateTask(task); err != nil {
			return err
		}
		if _, err := e.M.Engine().Lock(tx, nil, task, nil); err != nil {
			return err
		}
		task.Status = types.StatusFailed
		return tx.UpdateTask(task)
	}))

	batch := &events.Batch{}
	var fixed []Violation
	require.NoError(t, e.M.Store().Update(func(tx storage.Tx) error {
		var err error
		fixed, err = Repair(tx, batch)
		return err
	}))
	assert.ElementsMatch(t, []Rule{RuleDetachedHC, RuleFinishedLock}, rules(fixed))
	assert.Len(t, batch.Events(), 2)

	report := check(t, e)
	assert.Empty(t, report.Of(RuleDetachedHC))
	assert.Empty(t, report.Of(RuleFinishedLock))

	hc, err := e.M.GetHostComponent(e.Ctx, r.Cluster.ID)
	require.NoError(t, err)
	assert.Empty(t, hc)
}
