package concern

import (
	"fmt"
	"slices"

	"github.com/cuemby/adcm/pkg/catalog"
	"github.com/cuemby/adcm/pkg/config"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/imports"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/mapping"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/rs/zerolog"
)

// causes lists the checks evaluated per object type
var causes = map[types.ObjectType][]types.ConcernCause{
	types.ObjectCluster:   {types.CauseConfig, types.CauseImport, types.CauseService, types.CauseHostComponent},
	types.ObjectService:   {types.CauseConfig, types.CauseImport, types.CauseRequirement},
	types.ObjectComponent: {types.CauseConfig},
	types.ObjectHost:      {types.CauseConfig},
	types.ObjectProvider:  {types.CauseConfig},
}

// Engine keeps concerns coherent with the topology. All methods work inside
// the caller's transaction so that a mutation and its concerns commit together.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine creates a concern engine
func NewEngine() *Engine {
	return &Engine{logger: log.WithComponent("concern")}
}

// run caches what one recomputation reads more than once
type run struct {
	tx    storage.Tx
	batch *events.Batch
	cat   *catalog.Catalog
	topo  map[int64]*mapping.Topology
}

func (r *run) topology(clusterID int64) (*mapping.Topology, error) {
	if t, ok := r.topo[clusterID]; ok {
		return t, nil
	}
	t, err := mapping.Load(r.tx, clusterID)
	if err != nil {
		return nil, err
	}
	r.topo[clusterID] = t
	return t, nil
}

// Recompute re-evaluates every cause of the objects affected by a change of
// refs, creates or removes issues so that each (owner, cause) has at most
// one, and refreshes the objects each issue and flag is attached to.
func (e *Engine) Recompute(tx storage.Tx, batch *events.Batch, refs ...types.ObjectRef) error {
	area, err := expand(tx, refs)
	if err != nil {
		return fmt.Errorf("failed to expand concern area: %w", err)
	}
	r := &run{tx: tx, batch: batch, cat: catalog.New(tx), topo: make(map[int64]*mapping.Topology)}

	for _, ref := range area {
		ent, err := storage.GetObject(tx, ref)
		if err != nil {
			return err
		}
		proto, err := r.cat.Prototype(ent.Base().PrototypeID)
		if err != nil {
			return err
		}
		for _, cause := range causes[ref.Type] {
			problems, err := r.evaluate(ent, proto, cause)
			if err != nil {
				// keep the object blocked rather than silently clearing the issue
				e.logger.Error().Err(err).Str("object", ref.String()).Str("cause", string(cause)).Msg("Concern check failed")
				problems = []string{fmt.Sprintf("%s check failed: %v", cause, err)}
			}
			if err := r.reconcile(ent, cause, problems); err != nil {
				return err
			}
		}
		if err := r.refreshFlags(ref); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) evaluate(ent types.Entity, proto *types.Prototype, cause types.ConcernCause) ([]string, error) {
	switch cause {
	case types.CauseConfig:
		return checkConfig(r.tx, ent, proto)
	case types.CauseImport:
		return imports.Check(r.tx, ent.Ref())
	case types.CauseService:
		return r.checkRequiredServices(ent.(*types.Cluster), proto)
	case types.CauseHostComponent:
		t, err := r.topology(ent.Base().ID)
		if err != nil {
			return nil, err
		}
		return mapping.Violations(t, t.HC), nil
	case types.CauseRequirement:
		return r.checkRequirement(ent.(*types.Service), proto)
	}
	return nil, nil
}

func checkConfig(tx storage.Tx, ent types.Entity, proto *types.Prototype) ([]string, error) {
	obj := ent.Base()
	if obj.ConfigID == 0 || len(proto.Config) == 0 {
		return nil, nil
	}
	oc, err := tx.GetObjectConfig(obj.ConfigID)
	if err != nil {
		return nil, err
	}
	cl, err := tx.GetConfigLog(oc.Current)
	if err != nil {
		return nil, err
	}
	return config.NewSchema(proto.Config).Check(cl.Config, cl.Attr), nil
}

func (r *run) checkRequiredServices(cluster *types.Cluster, proto *types.Prototype) ([]string, error) {
	services, err := r.cat.OfType(proto.BundleID, types.ObjectService)
	if err != nil {
		return nil, err
	}
	t, err := r.topology(cluster.ID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range services {
		if s.Required && t.ServiceByName(s.Name) == nil {
			out = append(out, fmt.Sprintf("required service %s is not added", s.Name))
		}
	}
	return out, nil
}

// checkRequirement reports services a present service or its components
// require but the cluster lacks, and services left behind by an upgrade
func (r *run) checkRequirement(svc *types.Service, proto *types.Prototype) ([]string, error) {
	t, err := r.topology(svc.ClusterID)
	if err != nil {
		return nil, err
	}
	var out []string
	missing := func(who string, reqs []types.ServiceComponentRef) {
		for _, req := range reqs {
			if t.ServiceByName(req.Service) == nil {
				out = append(out, fmt.Sprintf("%s requires service %s", who, req.Service))
			}
		}
	}
	missing(proto.Name, proto.Requires)
	for _, c := range t.Components {
		if c.ServiceID != svc.ID {
			continue
		}
		if cp := t.Prototypes[c.PrototypeID]; cp != nil {
			missing(t.ComponentName(c), cp.Requires)
		}
	}
	slices.Sort(out)

	clusterProto, err := r.cat.Prototype(t.Cluster.PrototypeID)
	if err != nil {
		return nil, err
	}
	if proto.BundleID != clusterProto.BundleID && !proto.Shared {
		out = append(out, fmt.Sprintf("service %s %s is not part of the cluster bundle", proto.Name, proto.Version))
	}
	return out, nil
}

// reconcile makes the stored issue of (owner, cause) match problems
func (r *run) reconcile(ent types.Entity, cause types.ConcernCause, problems []string) error {
	owner := ent.Ref()
	existing, err := r.tx.ListConcerns(storage.ConcernFilter{Owner: &owner, Type: types.ConcernIssue, Cause: cause})
	if err != nil {
		return err
	}

	if len(problems) == 0 {
		for _, c := range existing {
			if err := r.tx.DeleteConcern(c.ID); err != nil {
				return err
			}
			r.emit(c, "delete")
		}
		return nil
	}

	related, err := Related(r.tx, owner)
	if err != nil {
		return err
	}
	reason := issueMessage(r.tx, cause, owner, problems)

	if len(existing) == 0 {
		c := &types.Concern{
			Type:     types.ConcernIssue,
			Cause:    cause,
			Owner:    owner,
			Blocking: true,
			Reason:   reason,
			Related:  related,
		}
		if err := r.tx.CreateConcern(c); err != nil {
			return err
		}
		r.emit(c, "add")
		return nil
	}

	c := existing[0]
	if c.Reason.Text == reason.Text && slices.Equal(c.Related, related) {
		return nil
	}
	c.Reason, c.Related = reason, related
	if err := r.tx.UpdateConcern(c); err != nil {
		return err
	}
	r.emit(c, "update")
	return nil
}

func (r *run) refreshFlags(owner types.ObjectRef) error {
	flags, err := r.tx.ListConcerns(storage.ConcernFilter{Owner: &owner, Type: types.ConcernFlag})
	if err != nil || len(flags) == 0 {
		return err
	}
	related, err := Related(r.tx, owner)
	if err != nil {
		return err
	}
	for _, c := range flags {
		if slices.Equal(c.Related, related) {
			continue
		}
		c.Related = related
		if err := r.tx.UpdateConcern(c); err != nil {
			return err
		}
		r.emit(c, "update")
	}
	return nil
}

func (r *run) emit(c *types.Concern, action string) {
	emit(r.batch, c, action)
}

func emit(batch *events.Batch, c *types.Concern, action string) {
	batch.Add(events.EventConcern, c.Owner, map[string]any{
		"action":     action,
		"concern_id": c.ID,
		"type":       string(c.Type),
		"cause":      string(c.Cause),
	})
}
