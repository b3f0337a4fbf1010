package mapping

import (
	"fmt"
	"maps"
	"slices"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// Topology is a consistent snapshot of one cluster read inside a transaction
type Topology struct {
	Cluster    *types.Cluster
	Services   map[int64]*types.Service
	Components map[int64]*types.Component
	Hosts      map[int64]*types.Host
	Prototypes map[int64]*types.Prototype
	HC         []types.HostComponent
}

// Load reads the topology of a cluster
func Load(tx storage.Tx, clusterID int64) (*Topology, error) {
	cluster, err := tx.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	t := &Topology{
		Cluster:    cluster,
		Services:   make(map[int64]*types.Service),
		Components: make(map[int64]*types.Component),
		Hosts:      make(map[int64]*types.Host),
		Prototypes: make(map[int64]*types.Prototype),
	}

	services, err := tx.ListServices(clusterID)
	if err != nil {
		return nil, err
	}
	for _, s := range services {
		t.Services[s.ID] = s
		if err := t.addPrototype(tx, s.PrototypeID); err != nil {
			return nil, err
		}
	}
	components, err := tx.ListClusterComponents(clusterID)
	if err != nil {
		return nil, err
	}
	for _, c := range components {
		t.Components[c.ID] = c
		if err := t.addPrototype(tx, c.PrototypeID); err != nil {
			return nil, err
		}
	}
	hosts, err := tx.ListHosts(storage.HostFilter{ClusterID: clusterID})
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		t.Hosts[h.ID] = h
	}
	t.HC, err = tx.ListHostComponents(clusterID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Topology) addPrototype(tx storage.Tx, id int64) error {
	if _, ok := t.Prototypes[id]; ok {
		return nil
	}
	p, err := tx.GetPrototype(id)
	if err != nil {
		return err
	}
	t.Prototypes[id] = p
	return nil
}

// ServiceByName finds a cluster service by prototype name
func (t *Topology) ServiceByName(name string) *types.Service {
	for _, id := range slices.Sorted(maps.Keys(t.Services)) {
		s := t.Services[id]
		if p := t.Prototypes[s.PrototypeID]; p != nil && p.Name == name {
			return s
		}
	}
	return nil
}

// ComponentByName finds a component of a service by prototype name
func (t *Topology) ComponentByName(serviceID int64, name string) *types.Component {
	for _, id := range slices.Sorted(maps.Keys(t.Components)) {
		c := t.Components[id]
		if c.ServiceID != serviceID {
			continue
		}
		if p := t.Prototypes[c.PrototypeID]; p != nil && p.Name == name {
			return c
		}
	}
	return nil
}

// ComponentName returns "service.component" for messages and inventory groups
func (t *Topology) ComponentName(c *types.Component) string {
	svc := t.Services[c.ServiceID]
	var sname, cname string
	if svc != nil {
		if p := t.Prototypes[svc.PrototypeID]; p != nil {
			sname = p.Name
		}
	}
	if p := t.Prototypes[c.PrototypeID]; p != nil {
		cname = p.Name
	}
	return sname + "." + cname
}

// ServiceName returns the prototype name of a service
func (t *Topology) ServiceName(s *types.Service) string {
	if p := t.Prototypes[s.PrototypeID]; p != nil {
		return p.Name
	}
	return ""
}

// Check validates a proposed host-component map of the cluster. It performs,
// in order, reference validity, duplicate detection, cardinality, bound_to
// and requires checks, and reports every violation at once.
func Check(tx storage.Tx, t *Topology, entries []types.HostComponent) error {
	var errs adcmerr.List
	checkReferences(tx, t, entries, &errs)
	checkDuplicates(entries, &errs)
	if errs.Len() > 0 {
		return errs.Err()
	}
	for _, msg := range Violations(t, entries) {
		errs.Add(adcmerr.ComponentConstraintError, "%s", msg)
	}
	return errs.Err()
}

// Violations returns the constraint, bound_to and requires violations of a
// map whose references are already known to be valid. The HOSTCOMPONENT
// concern is raised from the same messages.
func Violations(t *Topology, entries []types.HostComponent) []string {
	var out []string
	out = append(out, checkCardinality(t, entries)...)
	out = append(out, checkBoundTo(t, entries)...)
	out = append(out, checkRequires(t, entries)...)
	return out
}

func checkReferences(tx storage.Tx, t *Topology, entries []types.HostComponent, errs *adcmerr.List) {
	for _, e := range entries {
		if _, ok := t.Hosts[e.HostID]; !ok {
			if _, err := tx.GetHost(e.HostID); err != nil {
				errs.Add(adcmerr.HostNotFound, "host %d does not exist", e.HostID)
			} else {
				errs.Add(adcmerr.ForeignHost, "host %d is not attached to cluster %q", e.HostID, t.Cluster.Name)
			}
		}
		if _, ok := t.Services[e.ServiceID]; !ok {
			errs.Add(adcmerr.ServiceNotFound, "service %d does not exist in cluster %q", e.ServiceID, t.Cluster.Name)
			continue
		}
		comp, ok := t.Components[e.ComponentID]
		if !ok || comp.ServiceID != e.ServiceID {
			errs.Add(adcmerr.ComponentNotFound, "component %d does not exist in service %d", e.ComponentID, e.ServiceID)
		}
	}
}

func checkDuplicates(entries []types.HostComponent, errs *adcmerr.List) {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		key := fmt.Sprintf("%d.%d.%d", e.ServiceID, e.ComponentID, e.HostID)
		if seen[key] {
			errs.Add(adcmerr.InvalidInput, "duplicate host-component entry (service %d, component %d, host %d)", e.ServiceID, e.ComponentID, e.HostID)
		}
		seen[key] = true
	}
}

// hostsOf groups mapped hosts per component
func hostsOf(entries []types.HostComponent) map[int64]map[int64]bool {
	out := make(map[int64]map[int64]bool)
	for _, e := range entries {
		if out[e.ComponentID] == nil {
			out[e.ComponentID] = make(map[int64]bool)
		}
		out[e.ComponentID][e.HostID] = true
	}
	return out
}

func (t *Topology) sortedComponents() []*types.Component {
	ids := slices.Sorted(maps.Keys(t.Components))
	out := make([]*types.Component, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Components[id])
	}
	return out
}

func checkCardinality(t *Topology, entries []types.HostComponent) []string {
	var out []string
	mapped := hostsOf(entries)
	for _, c := range t.sortedComponents() {
		proto := t.Prototypes[c.PrototypeID]
		if proto == nil {
			continue
		}
		constraint, err := ParseConstraint(proto.Constraint)
		if err != nil {
			out = append(out, fmt.Sprintf("%s has invalid constraint: %v", t.ComponentName(c), err))
			continue
		}
		if !constraint.Satisfied(len(mapped[c.ID]), len(t.Hosts)) {
			out = append(out, fmt.Sprintf("%s requires %s", t.ComponentName(c), constraint))
		}
	}
	return out
}

func checkBoundTo(t *Topology, entries []types.HostComponent) []string {
	var out []string
	mapped := hostsOf(entries)
	for _, c := range t.sortedComponents() {
		proto := t.Prototypes[c.PrototypeID]
		if proto == nil || proto.BoundTo == nil || len(mapped[c.ID]) == 0 {
			continue
		}
		svc := t.ServiceByName(proto.BoundTo.Service)
		var bound *types.Component
		if svc != nil {
			bound = t.ComponentByName(svc.ID, proto.BoundTo.Component)
		}
		if bound == nil {
			out = append(out, fmt.Sprintf("%s is bound to %s which is not in the cluster", t.ComponentName(c), proto.BoundTo))
			continue
		}
		for _, hostID := range slices.Sorted(maps.Keys(mapped[c.ID])) {
			if !mapped[bound.ID][hostID] {
				out = append(out, fmt.Sprintf("%s is bound to %s, which is not mapped on host %s", t.ComponentName(c), proto.BoundTo, t.hostName(hostID)))
			}
		}
	}
	return out
}

func (t *Topology) hostName(id int64) string {
	if h, ok := t.Hosts[id]; ok {
		return h.FQDN
	}
	return fmt.Sprintf("#%d", id)
}

func checkRequires(t *Topology, entries []types.HostComponent) []string {
	var out []string
	mapped := hostsOf(entries)
	for _, c := range t.sortedComponents() {
		proto := t.Prototypes[c.PrototypeID]
		if proto == nil || len(mapped[c.ID]) == 0 {
			continue
		}
		for _, req := range proto.Requires {
			if msg := requireMapped(t, mapped, req); msg != "" {
				out = append(out, fmt.Sprintf("%s requires %s", t.ComponentName(c), msg))
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(t.Services)) {
		s := t.Services[id]
		proto := t.Prototypes[s.PrototypeID]
		if proto == nil || !serviceMapped(t, mapped, s.ID) {
			continue
		}
		for _, req := range proto.Requires {
			if req.Component == "" {
				continue
			}
			if msg := requireMapped(t, mapped, req); msg != "" {
				out = append(out, fmt.Sprintf("%s requires %s", proto.Name, msg))
			}
		}
	}
	return out
}

func serviceMapped(t *Topology, mapped map[int64]map[int64]bool, serviceID int64) bool {
	for compID, hosts := range mapped {
		if c, ok := t.Components[compID]; ok && c.ServiceID == serviceID && len(hosts) > 0 {
			return true
		}
	}
	return false
}

func requireMapped(t *Topology, mapped map[int64]map[int64]bool, req types.ServiceComponentRef) string {
	svc := t.ServiceByName(req.Service)
	if svc == nil {
		return fmt.Sprintf("service %s", req.Service)
	}
	if req.Component == "" {
		return ""
	}
	comp := t.ComponentByName(svc.ID, req.Component)
	if comp == nil || len(mapped[comp.ID]) == 0 {
		return fmt.Sprintf("component %s mapped on at least one host", req)
	}
	return ""
}

// Diff splits the change from old to next into added and removed entries
func Diff(old, next []types.HostComponent) (added, removed []types.HostComponent) {
	oldSet := make(map[string]bool, len(old))
	for _, e := range old {
		oldSet[e.Key()] = true
	}
	newSet := make(map[string]bool, len(next))
	for _, e := range next {
		newSet[e.Key()] = true
		if !oldSet[e.Key()] {
			added = append(added, e)
		}
	}
	for _, e := range old {
		if !newSet[e.Key()] {
			removed = append(removed, e)
		}
	}
	return added, removed
}

// CheckMaintenance refuses changes that add or remove mappings of hosts in
// maintenance mode. Hosts that keep the same roles may stay in MM.
func CheckMaintenance(t *Topology, added, removed []types.HostComponent) error {
	var errs adcmerr.List
	seen := make(map[int64]bool)
	for _, e := range append(slices.Clone(added), removed...) {
		h, ok := t.Hosts[e.HostID]
		if !ok || seen[h.ID] || h.MaintenanceMode != types.MaintenanceOn {
			continue
		}
		seen[h.ID] = true
		errs.Add(adcmerr.InvalidHCHostInMM, "host %s is in maintenance mode and its mapping cannot change", h.FQDN)
	}
	return errs.Err()
}

// CheckACL verifies that every change of the map is allowed by an action's
// hc_acl rules
func CheckACL(t *Topology, rules []types.HCRule, added, removed []types.HostComponent) error {
	var errs adcmerr.List
	allowed := func(e types.HostComponent, action types.HCAction) bool {
		comp, ok := t.Components[e.ComponentID]
		if !ok {
			return false
		}
		svc, ok := t.Services[comp.ServiceID]
		if !ok {
			return false
		}
		sname := t.ServiceName(svc)
		cname := ""
		if p := t.Prototypes[comp.PrototypeID]; p != nil {
			cname = p.Name
		}
		for _, r := range rules {
			if r.Service == sname && r.Component == cname && r.Action == action {
				return true
			}
		}
		return false
	}
	for _, e := range added {
		if !allowed(e, types.HCAdd) {
			errs.Add(adcmerr.WrongActionHC, "action does not allow to add %s to host %s", t.componentLabel(e.ComponentID), t.hostName(e.HostID))
		}
	}
	for _, e := range removed {
		if !allowed(e, types.HCRemove) {
			errs.Add(adcmerr.WrongActionHC, "action does not allow to remove %s from host %s", t.componentLabel(e.ComponentID), t.hostName(e.HostID))
		}
	}
	return errs.Err()
}

func (t *Topology) componentLabel(id int64) string {
	if c, ok := t.Components[id]; ok {
		return t.ComponentName(c)
	}
	return fmt.Sprintf("component #%d", id)
}
