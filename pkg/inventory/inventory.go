// Package inventory assembles the ansible inventory of a task from the
// topology, configs and host groups of the objects it runs against.
package inventory

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/cuemby/adcm/pkg/config"
	"github.com/cuemby/adcm/pkg/manager"
	"github.com/cuemby/adcm/pkg/security"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

// Group names with a fixed meaning
const (
	GroupCluster  = "CLUSTER"
	GroupHost     = "HOST"
	GroupProvider = "PROVIDER"

	maintenanceSuffix = ".maintenance_mode"
)

// Inventory is the tree handed to ansible as inventory.json
type Inventory struct {
	All *Group `json:"all"`
}

// Group is one inventory group
type Group struct {
	Hosts    map[string]map[string]any `json:"hosts,omitempty"`
	Children map[string]*Group         `json:"children,omitempty"`
	Vars     map[string]any            `json:"vars,omitempty"`
}

func (g *Group) addHost(fqdn string, vars map[string]any) {
	if g.Hosts == nil {
		g.Hosts = make(map[string]map[string]any)
	}
	g.Hosts[fqdn] = vars
}

func (g *Group) child(name string) *Group {
	if g.Children == nil {
		g.Children = make(map[string]*Group)
	}
	c, ok := g.Children[name]
	if !ok {
		c = &Group{}
		g.Children[name] = c
	}
	return c
}

// Marshal renders the inventory file content
func (inv *Inventory) Marshal() ([]byte, error) {
	return json.MarshalIndent(inv, "", "    ")
}

// Builder assembles inventories from the store within one transaction
type Builder struct {
	tx     storage.Tx
	sm     *security.SecretsManager
	protos map[int64]*types.Prototype
	hosts  map[int64]map[string]any
}

// NewBuilder returns a builder reading through tx and decrypting secrets
// with sm
func NewBuilder(tx storage.Tx, sm *security.SecretsManager) *Builder {
	return &Builder{
		tx:     tx,
		sm:     sm,
		protos: make(map[int64]*types.Prototype),
		hosts:  make(map[int64]map[string]any),
	}
}

// Build assembles the inventory of a task
func (b *Builder) Build(task *types.Task, action *types.Action) (*Inventory, error) {
	inv := &Inventory{All: &Group{Vars: make(map[string]any)}}

	switch task.Owner.Type {
	case types.ObjectCluster, types.ObjectService, types.ObjectComponent:
		owner, err := storage.GetObject(b.tx, task.Owner)
		if err != nil {
			return nil, err
		}
		if err := b.clusterGroups(inv, storage.ClusterOf(owner), task, action); err != nil {
			return nil, err
		}
		if task.Target.Type == types.ObjectHost {
			if err := b.hostGroup(inv, task.Target.ID); err != nil {
				return nil, err
			}
		}

	case types.ObjectHost:
		host, err := b.tx.GetHost(task.Owner.ID)
		if err != nil {
			return nil, err
		}
		if err := b.hostGroup(inv, host.ID); err != nil {
			return nil, err
		}
		if err := b.providerVars(inv, host.ProviderID); err != nil {
			return nil, err
		}
		if host.ClusterID != 0 {
			if err := b.clusterVars(inv, host.ClusterID); err != nil {
				return nil, err
			}
		}

	case types.ObjectProvider:
		if err := b.providerGroup(inv, task.Owner.ID); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("no inventory for %s", task.Owner)
	}
	return inv, nil
}

// clusterGroups fills the CLUSTER, service, component and hc_acl groups
func (b *Builder) clusterGroups(inv *Inventory, clusterID int64, task *types.Task, action *types.Action) error {
	hosts, err := b.tx.ListHosts(storage.HostFilter{ClusterID: clusterID})
	if err != nil {
		return err
	}
	byID := make(map[int64]*types.Host, len(hosts))
	for _, h := range hosts {
		byID[h.ID] = h
		if err := b.place(inv, GroupCluster, h); err != nil {
			return err
		}
	}
	if err := b.clusterVars(inv, clusterID); err != nil {
		return err
	}

	hc, err := b.tx.ListHostComponents(clusterID)
	if err != nil {
		return err
	}
	names, err := b.componentNames(clusterID)
	if err != nil {
		return err
	}
	for _, e := range hc {
		h, ok := byID[e.HostID]
		if !ok {
			continue
		}
		n := names[e.ComponentID]
		if err := b.place(inv, n.service, h); err != nil {
			return err
		}
		if err := b.place(inv, n.service+"."+n.component, h); err != nil {
			return err
		}
	}

	if action == nil || len(action.HCACL) == 0 {
		return nil
	}
	delta := []struct {
		suffix  string
		entries []types.HostComponent
	}{
		{".add", task.HCDelta.Add},
		{".remove", task.HCDelta.Remove},
	}
	for _, d := range delta {
		for _, e := range d.entries {
			h, ok := byID[e.HostID]
			if !ok {
				if h, err = b.tx.GetHost(e.HostID); err != nil {
					return err
				}
			}
			n := names[e.ComponentID]
			if err := b.place(inv, n.service+"."+n.component+d.suffix, h); err != nil {
				return err
			}
		}
	}
	return nil
}

// place adds a host to a group, or to its maintenance_mode subgroup when
// the host is in maintenance mode
func (b *Builder) place(inv *Inventory, group string, h *types.Host) error {
	vars, err := b.hostVars(h)
	if err != nil {
		return err
	}
	if h.MaintenanceMode == types.MaintenanceOn {
		group += maintenanceSuffix
	}
	inv.All.child(group).addHost(h.FQDN, vars)
	return nil
}

func (b *Builder) hostGroup(inv *Inventory, hostID int64) error {
	h, err := b.tx.GetHost(hostID)
	if err != nil {
		return err
	}
	vars, err := b.hostVars(h)
	if err != nil {
		return err
	}
	inv.All.child(GroupHost).addHost(h.FQDN, vars)
	return nil
}

func (b *Builder) providerGroup(inv *Inventory, providerID int64) error {
	hosts, err := b.tx.ListHosts(storage.HostFilter{ProviderID: providerID})
	if err != nil {
		return err
	}
	g := inv.All.child(GroupProvider)
	for _, h := range hosts {
		vars, err := b.hostVars(h)
		if err != nil {
			return err
		}
		g.addHost(h.FQDN, vars)
	}
	return b.providerVars(inv, providerID)
}

type componentName struct {
	service   string
	component string
}

func (b *Builder) componentNames(clusterID int64) (map[int64]componentName, error) {
	comps, err := b.tx.ListClusterComponents(clusterID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]componentName, len(comps))
	for _, c := range comps {
		svc, err := b.tx.GetService(c.ServiceID)
		if err != nil {
			return nil, err
		}
		sp, err := b.prototype(svc.PrototypeID)
		if err != nil {
			return nil, err
		}
		cp, err := b.prototype(c.PrototypeID)
		if err != nil {
			return nil, err
		}
		out[c.ID] = componentName{service: sp.Name, component: cp.Name}
	}
	return out, nil
}

// hostVars returns the variables of a host entry: its own config, its
// identity and the config a host group overrides for it
func (b *Builder) hostVars(h *types.Host) (map[string]any, error) {
	if vars, ok := b.hosts[h.ID]; ok {
		return vars, nil
	}
	vars := make(map[string]any)
	cfg, err := b.config(h)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg {
		vars[k] = v
	}
	vars["adcm_hostid"] = h.ID
	vars["state"] = h.State
	vars["multi_state"] = multiState(h.Base())

	if h.ClusterID != 0 {
		if err := b.groupOverrides(h, vars); err != nil {
			return nil, err
		}
	}
	b.hosts[h.ID] = vars
	return vars, nil
}

// groupOverrides adds cluster and services vars for every host group the
// host belongs to
func (b *Builder) groupOverrides(h *types.Host, vars map[string]any) error {
	groups, err := b.tx.ListGroups(nil)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if !slices.Contains(g.HostIDs, h.ID) {
			continue
		}
		ent, err := storage.GetObject(b.tx, g.Owner)
		if err != nil {
			return err
		}
		if storage.ClusterOf(ent) != h.ClusterID {
			continue
		}
		merged, err := b.groupConfig(ent, g)
		if err != nil {
			return err
		}
		switch o := ent.(type) {
		case *types.Cluster:
			vars["cluster"] = map[string]any{"config": merged}
		case *types.Service:
			p, err := b.prototype(o.PrototypeID)
			if err != nil {
				return err
			}
			section(section(vars, "services"), p.Name)["config"] = merged
		case *types.Component:
			svc, err := b.tx.GetService(o.ServiceID)
			if err != nil {
				return err
			}
			sp, err := b.prototype(svc.PrototypeID)
			if err != nil {
				return err
			}
			cp, err := b.prototype(o.PrototypeID)
			if err != nil {
				return err
			}
			section(section(section(vars, "services"), sp.Name), cp.Name)["config"] = merged
		}
	}
	return nil
}

func (b *Builder) groupConfig(ent types.Entity, g *types.ConfigHostGroup) (map[string]any, error) {
	p, err := b.prototype(ent.Base().PrototypeID)
	if err != nil {
		return nil, err
	}
	schema := config.NewSchema(p.Config)
	_, base, err := manager.CurrentConfig(b.tx, ent.Base().ConfigID)
	if err != nil {
		return nil, err
	}
	_, override, err := manager.CurrentConfig(b.tx, g.ConfigID)
	if err != nil {
		return nil, err
	}
	return schema.Decrypt(b.sm, schema.Merge(base.Config, override.Config, override.Attr))
}

func section(m map[string]any, key string) map[string]any {
	if s, ok := m[key].(map[string]any); ok {
		return s
	}
	s := make(map[string]any)
	m[key] = s
	return s
}

// clusterVars sets all.vars.cluster and all.vars.services
func (b *Builder) clusterVars(inv *Inventory, clusterID int64) error {
	c, err := b.tx.GetCluster(clusterID)
	if err != nil {
		return err
	}
	p, err := b.prototype(c.PrototypeID)
	if err != nil {
		return err
	}
	cfg, err := b.config(c)
	if err != nil {
		return err
	}
	cluster := map[string]any{
		"id":          c.ID,
		"name":        c.Name,
		"state":       c.State,
		"multi_state": multiState(c.Base()),
		"version":     p.Version,
		"config":      cfg,
	}
	if c.BeforeUpgrade != nil {
		cluster["before_upgrade"] = map[string]any{"state": c.BeforeUpgrade.State}
	}
	inv.All.Vars["cluster"] = cluster

	services, err := b.tx.ListServices(clusterID)
	if err != nil {
		return err
	}
	out := make(map[string]any, len(services))
	for _, s := range services {
		sp, err := b.prototype(s.PrototypeID)
		if err != nil {
			return err
		}
		scfg, err := b.config(s)
		if err != nil {
			return err
		}
		sv := map[string]any{
			"id":               s.ID,
			"state":            s.State,
			"multi_state":      multiState(s.Base()),
			"version":          sp.Version,
			"maintenance_mode": s.MaintenanceMode == types.MaintenanceOn,
			"config":           scfg,
		}
		comps, err := b.tx.ListComponents(s.ID)
		if err != nil {
			return err
		}
		for _, comp := range comps {
			cp, err := b.prototype(comp.PrototypeID)
			if err != nil {
				return err
			}
			ccfg, err := b.config(comp)
			if err != nil {
				return err
			}
			sv[cp.Name] = map[string]any{
				"component_id":     comp.ID,
				"state":            comp.State,
				"multi_state":      multiState(comp.Base()),
				"maintenance_mode": comp.MaintenanceMode == types.MaintenanceOn,
				"config":           ccfg,
			}
		}
		out[sp.Name] = sv
	}
	inv.All.Vars["services"] = out
	return nil
}

// providerVars sets all.vars.provider
func (b *Builder) providerVars(inv *Inventory, providerID int64) error {
	p, err := b.tx.GetProvider(providerID)
	if err != nil {
		return err
	}
	cfg, err := b.config(p)
	if err != nil {
		return err
	}
	inv.All.Vars["provider"] = map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"state":       p.State,
		"multi_state": multiState(p.Base()),
		"config":      cfg,
	}
	return nil
}

// config returns the current config of an object with secrets decrypted
func (b *Builder) config(ent types.Entity) (map[string]any, error) {
	obj := ent.Base()
	if obj.ConfigID == 0 {
		return map[string]any{}, nil
	}
	p, err := b.prototype(obj.PrototypeID)
	if err != nil {
		return nil, err
	}
	_, cl, err := manager.CurrentConfig(b.tx, obj.ConfigID)
	if err != nil {
		return nil, err
	}
	out, err := config.NewSchema(p.Config).Decrypt(b.sm, cl.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt config of %s: %w", ent.Ref(), err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (b *Builder) prototype(id int64) (*types.Prototype, error) {
	if p, ok := b.protos[id]; ok {
		return p, nil
	}
	p, err := b.tx.GetPrototype(id)
	if err != nil {
		return nil, err
	}
	b.protos[id] = p
	return p, nil
}

func multiState(o *types.Object) []string {
	if o.MultiState == nil {
		return []string{}
	}
	return o.MultiState
}
