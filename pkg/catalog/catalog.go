// Package catalog is the read-only view of bundle-defined prototypes.
package catalog

import (
	"fmt"
	"sort"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
)

type protoKey struct {
	kind types.ObjectType
	name string
}

// Catalog resolves prototypes inside one transaction. Name lookups go to the
// store indexes; listing a bundle caches its prototypes.
type Catalog struct {
	tx      storage.Tx
	byID    map[int64]*types.Prototype
	bundles map[int64]map[protoKey]*types.Prototype
}

// New creates a catalog bound to tx
func New(tx storage.Tx) *Catalog {
	return &Catalog{
		tx:      tx,
		byID:    make(map[int64]*types.Prototype),
		bundles: make(map[int64]map[protoKey]*types.Prototype),
	}
}

func (c *Catalog) index(bundleID int64) (map[protoKey]*types.Prototype, error) {
	if idx, ok := c.bundles[bundleID]; ok {
		return idx, nil
	}
	protos, err := c.tx.ListPrototypes(bundleID)
	if err != nil {
		return nil, err
	}
	idx := make(map[protoKey]*types.Prototype, len(protos))
	for _, p := range protos {
		p = c.remember(p)
		if p.Type == types.ObjectComponent {
			// components are unique per parent, not per bundle
			continue
		}
		idx[protoKey{p.Type, p.Name}] = p
	}
	c.bundles[bundleID] = idx
	return idx, nil
}

// Bundle returns a bundle
func (c *Catalog) Bundle(id int64) (*types.Bundle, error) {
	return c.tx.GetBundle(id)
}

// Prototype returns a prototype by id
func (c *Catalog) Prototype(id int64) (*types.Prototype, error) {
	if p, ok := c.byID[id]; ok {
		return p, nil
	}
	p, err := c.tx.GetPrototype(id)
	if err != nil {
		return nil, err
	}
	c.byID[id] = p
	return p, nil
}

// Lookup finds the cluster, service, provider or host prototype of a bundle by name
func (c *Catalog) Lookup(bundleID int64, kind types.ObjectType, name string) (*types.Prototype, error) {
	p, err := c.tx.FindPrototype(bundleID, kind, name)
	if err != nil {
		return nil, err
	}
	return c.remember(p), nil
}

func (c *Catalog) remember(p *types.Prototype) *types.Prototype {
	if cached, ok := c.byID[p.ID]; ok {
		return cached
	}
	c.byID[p.ID] = p
	return p
}

// Main returns the cluster or provider prototype of a bundle
func (c *Catalog) Main(bundleID int64) (*types.Prototype, error) {
	idx, err := c.index(bundleID)
	if err != nil {
		return nil, err
	}
	for k, p := range idx {
		if k.kind == types.ObjectCluster || k.kind == types.ObjectProvider {
			return p, nil
		}
	}
	return nil, adcmerr.New(adcmerr.PrototypeNotFound, "bundle %d has neither cluster nor provider prototype", bundleID)
}

// OfType lists the prototypes of a bundle with the given type
func (c *Catalog) OfType(bundleID int64, kind types.ObjectType) ([]*types.Prototype, error) {
	if _, err := c.index(bundleID); err != nil {
		return nil, err
	}
	var out []*types.Prototype
	for _, p := range c.byID {
		if p.BundleID == bundleID && p.Type == kind {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Components lists the component prototypes of a service prototype
func (c *Catalog) Components(service *types.Prototype) ([]*types.Prototype, error) {
	comps, err := c.OfType(service.BundleID, types.ObjectComponent)
	if err != nil {
		return nil, err
	}
	var out []*types.Prototype
	for _, p := range comps {
		if p.ParentID == service.ID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Component finds a component prototype of a service prototype by name
func (c *Catalog) Component(service *types.Prototype, name string) (*types.Prototype, error) {
	p, err := c.tx.FindComponentPrototype(service, name)
	if err != nil {
		return nil, err
	}
	return c.remember(p), nil
}

// Requires resolves the direct requirements of a prototype to service or
// component prototypes of the same bundle
func (c *Catalog) Requires(p *types.Prototype) ([]*types.Prototype, error) {
	var out []*types.Prototype
	for _, req := range p.Requires {
		svc, err := c.Lookup(p.BundleID, types.ObjectService, req.Service)
		if err != nil {
			return nil, fmt.Errorf("%s %q requires %s: %w", p.Type, p.Name, req, err)
		}
		if req.Component == "" {
			out = append(out, svc)
			continue
		}
		comp, err := c.Component(svc, req.Component)
		if err != nil {
			return nil, fmt.Errorf("%s %q requires %s: %w", p.Type, p.Name, req, err)
		}
		out = append(out, comp)
	}
	return out, nil
}

// RequiresClosure returns every prototype p depends on, directly or
// transitively, in discovery order. A component requirement also pulls in
// its service. Cycles terminate.
func (c *Catalog) RequiresClosure(p *types.Prototype) ([]*types.Prototype, error) {
	seen := map[int64]bool{p.ID: true}
	var out []*types.Prototype
	queue := []*types.Prototype{p}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		deps, err := c.Requires(cur)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if d.Type == types.ObjectComponent && d.ParentID != 0 && !seen[d.ParentID] {
				parent, err := c.Prototype(d.ParentID)
				if err != nil {
					return nil, err
				}
				seen[parent.ID] = true
				out = append(out, parent)
				queue = append(queue, parent)
			}
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
			queue = append(queue, d)
		}
	}
	return out, nil
}

// Actions lists the actions of a prototype
func (c *Catalog) Actions(p *types.Prototype) ([]*types.Action, error) {
	return c.tx.ListActions(p.ID)
}

// Action finds an action of a prototype by name
func (c *Catalog) Action(p *types.Prototype, name string) (*types.Action, error) {
	actions, err := c.Actions(p)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if a.Name == name && a.UpgradeID == 0 {
			return a, nil
		}
	}
	return nil, adcmerr.New(adcmerr.ActionNotFound, "action %q not found in %s %q", name, p.Type, p.Name)
}

// Upgrades lists the upgrades a bundle offers
func (c *Catalog) Upgrades(bundleID int64) ([]*types.Upgrade, error) {
	return c.tx.ListUpgrades(bundleID)
}
