// Package integrity verifies the consistency rules of a store and repairs
// the violations that have a safe fix.
package integrity

import (
	"fmt"
	"slices"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// Rule names a consistency property of the store
type Rule string

const (
	RuleDetachedHC     Rule = "detached_hc"
	RuleForeignHC      Rule = "foreign_hc"
	RuleLockedTarget   Rule = "locked_target"
	RuleConfigOwner    Rule = "config_owner"
	RuleFinishedLock   Rule = "finished_lock"
	RuleOrphanConcern  Rule = "orphan_concern"
	RuleDanglingObject Rule = "dangling_object"
)

// Violation is one broken property
type Violation struct {
	Rule    Rule            `json:"rule"`
	Ref     types.ObjectRef `json:"ref"`
	Message string          `json:"message"`
	// Repairable is true when Repair can fix the violation
	Repairable bool `json:"repairable"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s: %s", v.Rule, v.Ref, v.Message)
}

// Report is the result of a check
type Report struct {
	Violations []Violation `json:"violations"`
	Objects    int         `json:"objects"`
	Concerns   int         `json:"concerns"`
	Tasks      int         `json:"tasks"`
}

// OK reports whether no violation was found
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

// Of returns the violations of one rule
func (r *Report) Of(rule Rule) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Rule == rule {
			out = append(out, v)
		}
	}
	return out
}

func (r *Report) add(rule Rule, ref types.ObjectRef, repairable bool, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{
		Rule:       rule,
		Ref:        ref,
		Message:    fmt.Sprintf(format, args...),
		Repairable: repairable,
	})
}

// snapshot holds every object of the store keyed by id
type snapshot struct {
	clusters   map[int64]*types.Cluster
	services   map[int64]*types.Service
	components map[int64]*types.Component
	providers  map[int64]*types.Provider
	hosts      map[int64]*types.Host
	groups     map[int64]*types.ConfigHostGroup
	tasks      map[int64]*types.Task
}

func load(tx storage.Tx) (*snapshot, error) {
	s := &snapshot{
		clusters:   map[int64]*types.Cluster{},
		services:   map[int64]*types.Service{},
		components: map[int64]*types.Component{},
		providers:  map[int64]*types.Provider{},
		hosts:      map[int64]*types.Host{},
		groups:     map[int64]*types.ConfigHostGroup{},
		tasks:      map[int64]*types.Task{},
	}
	clusters, err := tx.ListClusters()
	if err != nil {
		return nil, err
	}
	for _, c := range clusters {
		s.clusters[c.ID] = c
		services, err := tx.ListServices(c.ID)
		if err != nil {
			return nil, err
		}
		for _, svc := range services {
			s.services[svc.ID] = svc
		}
		comps, err := tx.ListClusterComponents(c.ID)
		if err != nil {
			return nil, err
		}
		for _, comp := range comps {
			s.components[comp.ID] = comp
		}
	}
	providers, err := tx.ListProviders()
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		s.providers[p.ID] = p
	}
	hosts, err := tx.ListHosts(storage.HostFilter{})
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		s.hosts[h.ID] = h
	}
	groups, err := tx.ListGroups(nil)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		s.groups[g.ID] = g
	}
	tasks, err := tx.ListTasks(storage.TaskFilter{})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s, nil
}

func (s *snapshot) exists(ref types.ObjectRef) bool {
	var ok bool
	switch ref.Type {
	case types.ObjectCluster:
		_, ok = s.clusters[ref.ID]
	case types.ObjectService:
		_, ok = s.services[ref.ID]
	case types.ObjectComponent:
		_, ok = s.components[ref.ID]
	case types.ObjectProvider:
		_, ok = s.providers[ref.ID]
	case types.ObjectHost:
		_, ok = s.hosts[ref.ID]
	case types.ObjectGroup:
		_, ok = s.groups[ref.ID]
	case types.ObjectTask:
		_, ok = s.tasks[ref.ID]
	case types.ObjectADCM:
		ok = true
	}
	return ok
}

func (s *snapshot) entities() []types.Entity {
	var out []types.Entity
	for _, id := range sortedKeys(s.clusters) {
		out = append(out, s.clusters[id])
	}
	for _, id := range sortedKeys(s.services) {
		out = append(out, s.services[id])
	}
	for _, id := range sortedKeys(s.components) {
		out = append(out, s.components[id])
	}
	for _, id := range sortedKeys(s.providers) {
		out = append(out, s.providers[id])
	}
	for _, id := range sortedKeys(s.hosts) {
		out = append(out, s.hosts[id])
	}
	return out
}

// Check verifies the store inside tx and returns every violation found
func Check(tx storage.Tx) (*Report, error) {
	s, err := load(tx)
	if err != nil {
		return nil, err
	}
	r := &Report{Tasks: len(s.tasks)}
	ents := s.entities()
	r.Objects = len(ents)

	if err := checkHC(tx, s, r); err != nil {
		return nil, err
	}
	if err := checkConfigs(tx, ents, r); err != nil {
		return nil, err
	}
	if err := checkConcerns(tx, s, r); err != nil {
		return nil, err
	}
	return r, nil
}

// badEntry explains why an HC row breaks the mapping rules, or returns ""
func (s *snapshot) badEntry(clusterID int64, e types.HostComponent) (Rule, string) {
	host, ok := s.hosts[e.HostID]
	if !ok {
		return RuleDanglingObject, fmt.Sprintf("host %d does not exist", e.HostID)
	}
	if host.ClusterID == 0 {
		return RuleDetachedHC, fmt.Sprintf("host %s is not in a cluster but maps component %d", host.FQDN, e.ComponentID)
	}
	if host.ClusterID != clusterID || e.ClusterID != clusterID {
		return RuleForeignHC, fmt.Sprintf("host %s belongs to cluster %d", host.FQDN, host.ClusterID)
	}
	comp, ok := s.components[e.ComponentID]
	if !ok {
		return RuleDanglingObject, fmt.Sprintf("component %d does not exist", e.ComponentID)
	}
	if comp.ServiceID != e.ServiceID {
		return RuleForeignHC, fmt.Sprintf("component %d belongs to service %d, not %d", comp.ID, comp.ServiceID, e.ServiceID)
	}
	svc, ok := s.services[e.ServiceID]
	if !ok {
		return RuleDanglingObject, fmt.Sprintf("service %d does not exist", e.ServiceID)
	}
	if svc.ClusterID != clusterID {
		return RuleForeignHC, fmt.Sprintf("service %d belongs to cluster %d", svc.ID, svc.ClusterID)
	}
	return "", ""
}

func checkHC(tx storage.Tx, s *snapshot, r *Report) error {
	for _, id := range sortedKeys(s.clusters) {
		entries, err := tx.ListHostComponents(id)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if rule, msg := s.badEntry(id, e); rule != "" {
				r.add(rule, types.Ref(types.ObjectCluster, id), true, "%s", msg)
			}
		}
	}
	return nil
}

func checkConfigs(tx storage.Tx, ents []types.Entity, r *Report) error {
	for _, ent := range ents {
		ref := ent.Ref()
		configID := ent.Base().ConfigID
		if configID == 0 {
			continue
		}
		oc, err := tx.GetObjectConfig(configID)
		if adcmerr.IsNotFound(err) {
			r.add(RuleConfigOwner, ref, false, "config %d does not exist", configID)
			continue
		}
		if err != nil {
			return err
		}
		if oc.Owner != ref {
			r.add(RuleConfigOwner, ref, false, "config %d is owned by %s", configID, oc.Owner)
			continue
		}
		cl, err := tx.GetConfigLog(oc.Current)
		if adcmerr.IsNotFound(err) {
			r.add(RuleConfigOwner, ref, false, "current config version %d does not exist", oc.Current)
			continue
		}
		if err != nil {
			return err
		}
		if cl.ObjConfID != oc.ID {
			r.add(RuleConfigOwner, ref, false, "current config version %d belongs to config %d", cl.ID, cl.ObjConfID)
		}
	}
	return nil
}

func checkConcerns(tx storage.Tx, s *snapshot, r *Report) error {
	concerns, err := tx.ListConcerns(storage.ConcernFilter{})
	if err != nil {
		return err
	}
	r.Concerns = len(concerns)

	for _, c := range concerns {
		if c.Type == types.ConcernLock {
			task, ok := s.tasks[c.TaskID]
			switch {
			case !ok:
				r.add(RuleFinishedLock, c.Owner, true, "lock %d is held by missing task %d", c.ID, c.TaskID)
			case task.Status.IsTerminal():
				r.add(RuleFinishedLock, c.Owner, true, "lock %d is held by %s task %d", c.ID, task.Status, c.TaskID)
			}
			continue
		}
		if !s.exists(c.Owner) {
			r.add(RuleOrphanConcern, c.Owner, false, "%s concern %d (%s) has no owner", c.Type, c.ID, c.Cause)
		}
	}

	for _, id := range sortedKeys(s.tasks) {
		task := s.tasks[id]
		if task.Status != types.StatusRunning {
			continue
		}
		for _, c := range concerns {
			if !c.Blocking || !c.Covers(task.Target) {
				continue
			}
			if c.Type == types.ConcernLock && c.TaskID == task.ID {
				continue
			}
			r.add(RuleLockedTarget, task.Target, false, "running task %d has blocking %s concern %d on its target", task.ID, c.Type, c.ID)
		}
	}
	return nil
}

// Repair fixes the repairable violations: locks of finished or missing
// tasks are released and host-component rows that break the mapping rules
// are dropped. It returns the violations it fixed.
func Repair(tx storage.Tx, batch *events.Batch) ([]Violation, error) {
	s, err := load(tx)
	if err != nil {
		return nil, err
	}
	var fixed Report

	for _, id := range sortedKeys(s.clusters) {
		entries, err := tx.ListHostComponents(id)
		if err != nil {
			return nil, err
		}
		kept := entries[:0:0]
		for _, e := range entries {
			if rule, msg := s.badEntry(id, e); rule != "" {
				fixed.add(rule, types.Ref(types.ObjectCluster, id), true, "dropped: %s", msg)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == len(entries) {
			continue
		}
		if err := tx.ReplaceHostComponents(id, kept); err != nil {
			return nil, err
		}
		batch.Add(events.EventChangeHC, types.Ref(types.ObjectCluster, id), map[string]any{"count": len(kept)})
	}

	locks, err := tx.ListConcerns(storage.ConcernFilter{Type: types.ConcernLock})
	if err != nil {
		return nil, err
	}
	for _, c := range locks {
		if task, ok := s.tasks[c.TaskID]; ok && !task.Status.IsTerminal() {
			continue
		}
		if err := tx.DeleteConcern(c.ID); err != nil {
			return nil, err
		}
		fixed.add(RuleFinishedLock, c.Owner, true, "released lock %d of task %d", c.ID, c.TaskID)
		batch.Add(events.EventConcern, c.Owner, map[string]any{
			"action":     "delete",
			"concern_id": c.ID,
			"type":       string(c.Type),
			"cause":      string(c.Cause),
		})
	}
	return fixed.Violations, nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
