// Package imports resolves cluster and service imports against exports of
// other clusters.
//
// An importer (cluster or service) declares import definitions naming an
// exporter prototype and an acceptable version range. A ClusterBind realizes
// one definition by pointing at a concrete exporting cluster or service.
package imports

import (
	"fmt"
	"slices"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/catalog"
	"github.com/cuemby/adcm/pkg/config"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/cuemby/adcm/pkg/version"
)

// Exporter is a cluster or service that can satisfy an import
type Exporter struct {
	Ref       types.ObjectRef `json:"ref"`
	ClusterID int64           `json:"cluster_id"`
	ServiceID int64           `json:"service_id,omitempty"`
	Name      string          `json:"name"`
	Prototype string          `json:"prototype"`
	Version   string          `json:"version"`
	Bound     bool            `json:"bound"`
}

// Import is one import definition with its candidate exporters
type Import struct {
	Def        types.ImportDef `json:"def"`
	Candidates []Exporter      `json:"candidates"`
}

// Source identifies the exporter of a requested bind
type Source struct {
	ClusterID int64 `json:"cluster_id"`
	ServiceID int64 `json:"service_id,omitempty"`
}

// Importer is a resolved importing object
type Importer struct {
	Ref       types.ObjectRef
	ClusterID int64
	ServiceID int64
	Prototype *types.Prototype
	ConfigID  int64
}

// ResolveImporter loads the prototype of a cluster or service importer
func ResolveImporter(tx storage.Tx, ref types.ObjectRef) (*Importer, error) {
	imp := &Importer{Ref: ref}
	var protoID int64
	switch ref.Type {
	case types.ObjectCluster:
		c, err := tx.GetCluster(ref.ID)
		if err != nil {
			return nil, err
		}
		imp.ClusterID, protoID, imp.ConfigID = c.ID, c.PrototypeID, c.ConfigID
	case types.ObjectService:
		s, err := tx.GetService(ref.ID)
		if err != nil {
			return nil, err
		}
		imp.ClusterID, imp.ServiceID, protoID, imp.ConfigID = s.ClusterID, s.ID, s.PrototypeID, s.ConfigID
	default:
		return nil, adcmerr.New(adcmerr.BindError, "%s cannot import", ref.Type)
	}
	p, err := tx.GetPrototype(protoID)
	if err != nil {
		return nil, err
	}
	imp.Prototype = p
	return imp, nil
}

func (i *Importer) binds(tx storage.Tx) ([]*types.ClusterBind, error) {
	return tx.ListBinds(storage.BindFilter{ClusterID: i.ClusterID, ServiceID: i.ServiceID, ClusterOnly: i.ServiceID == 0})
}

// resolveSource loads the exporter of a bind source
func resolveSource(tx storage.Tx, src Source) (*Exporter, *types.Prototype, error) {
	cluster, err := tx.GetCluster(src.ClusterID)
	if err != nil {
		return nil, nil, err
	}
	exp := &Exporter{ClusterID: cluster.ID, Name: cluster.Name, Ref: types.Ref(types.ObjectCluster, cluster.ID)}
	protoID := cluster.PrototypeID
	if src.ServiceID != 0 {
		svc, err := tx.GetService(src.ServiceID)
		if err != nil {
			return nil, nil, err
		}
		if svc.ClusterID != cluster.ID {
			return nil, nil, adcmerr.New(adcmerr.BindError, "service %d does not belong to cluster %q", svc.ID, cluster.Name)
		}
		exp.ServiceID = svc.ID
		exp.Ref = types.Ref(types.ObjectService, svc.ID)
		protoID = svc.PrototypeID
	}
	p, err := tx.GetPrototype(protoID)
	if err != nil {
		return nil, nil, err
	}
	exp.Prototype, exp.Version = p.Name, p.Version
	if exp.ServiceID != 0 {
		exp.Name = cluster.Name + "/" + p.Name
	}
	return exp, p, nil
}

// exporters lists every cluster and service whose prototype exports something
func exporters(tx storage.Tx, excludeCluster int64) ([]*Exporter, error) {
	clusters, err := tx.ListClusters()
	if err != nil {
		return nil, err
	}
	var out []*Exporter
	for _, c := range clusters {
		if c.ID == excludeCluster {
			continue
		}
		exp, p, err := resolveSource(tx, Source{ClusterID: c.ID})
		if err != nil {
			return nil, err
		}
		if len(p.Exports) > 0 {
			out = append(out, exp)
		}
		services, err := tx.ListServices(c.ID)
		if err != nil {
			return nil, err
		}
		for _, s := range services {
			exp, p, err := resolveSource(tx, Source{ClusterID: c.ID, ServiceID: s.ID})
			if err != nil {
				return nil, err
			}
			if len(p.Exports) > 0 {
				out = append(out, exp)
			}
		}
	}
	return out, nil
}

// GetImports enumerates the import definitions of a cluster or service and
// the exporters whose version satisfies each range
func GetImports(tx storage.Tx, ref types.ObjectRef) ([]Import, error) {
	imp, err := ResolveImporter(tx, ref)
	if err != nil {
		return nil, err
	}
	if len(imp.Prototype.Imports) == 0 {
		return nil, nil
	}
	all, err := exporters(tx, imp.ClusterID)
	if err != nil {
		return nil, err
	}
	binds, err := imp.binds(tx)
	if err != nil {
		return nil, err
	}

	var out []Import
	for _, def := range imp.Prototype.Imports {
		entry := Import{Def: def}
		for _, exp := range all {
			if exp.Prototype != def.Name || !version.InRange(exp.Version, def.Versions) {
				continue
			}
			e := *exp
			e.Bound = slices.ContainsFunc(binds, func(b *types.ClusterBind) bool {
				return b.SourceClusterID == e.ClusterID && b.SourceServiceID == e.ServiceID
			})
			entry.Candidates = append(entry.Candidates, e)
		}
		out = append(out, entry)
	}
	return out, nil
}

func findDef(p *types.Prototype, name string) *types.ImportDef {
	for i := range p.Imports {
		if p.Imports[i].Name == name {
			return &p.Imports[i]
		}
	}
	return nil
}

// ValidateBinds checks a full replacement bind list of an importer and returns
// the binds to store
func ValidateBinds(tx storage.Tx, ref types.ObjectRef, sources []Source) ([]*types.ClusterBind, error) {
	imp, err := ResolveImporter(tx, ref)
	if err != nil {
		return nil, err
	}

	var errs adcmerr.List
	perImport := make(map[string]int)
	seen := make(map[Source]bool)
	var out []*types.ClusterBind

	for _, src := range sources {
		if seen[src] {
			errs.Add(adcmerr.BindError, "duplicate bind to cluster %d service %d", src.ClusterID, src.ServiceID)
			continue
		}
		seen[src] = true
		if src.ClusterID == imp.ClusterID {
			errs.Add(adcmerr.BindError, "%s cannot import from its own cluster", ref)
			continue
		}
		exp, _, err := resolveSource(tx, src)
		if err != nil {
			errs.Append(err)
			continue
		}
		def := findDef(imp.Prototype, exp.Prototype)
		if def == nil {
			errs.Add(adcmerr.BindError, "%s %q has no import of %q", imp.Prototype.Type, imp.Prototype.Name, exp.Prototype)
			continue
		}
		if !version.InRange(exp.Version, def.Versions) {
			errs.Add(adcmerr.BindError, "%s version %s is out of import range %s", exp.Name, exp.Version, version.Describe(def.Versions))
			continue
		}
		perImport[def.Name]++
		if !def.Multibind && perImport[def.Name] > 1 {
			errs.Add(adcmerr.BindError, "import %q accepts a single bind", def.Name)
			continue
		}
		out = append(out, &types.ClusterBind{
			ClusterID:       imp.ClusterID,
			ServiceID:       imp.ServiceID,
			SourceClusterID: exp.ClusterID,
			SourceServiceID: exp.ServiceID,
		})
	}

	if err := checkDefaultRemoval(tx, imp, perImport); err != nil {
		errs.Append(err)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// checkDefaultRemoval refuses to drop the last bind of an import whose
// default config group is active
func checkDefaultRemoval(tx storage.Tx, imp *Importer, perImport map[string]int) error {
	current, err := imp.binds(tx)
	if err != nil {
		return err
	}
	attr, err := currentAttr(tx, imp.ConfigID)
	if err != nil {
		return err
	}
	for _, def := range imp.Prototype.Imports {
		if len(def.Default) == 0 || perImport[def.Name] > 0 {
			continue
		}
		hadBind := false
		for _, b := range current {
			exp, _, err := resolveSource(tx, Source{ClusterID: b.SourceClusterID, ServiceID: b.SourceServiceID})
			if err == nil && exp.Prototype == def.Name {
				hadBind = true
				break
			}
		}
		if !hadBind {
			continue
		}
		for _, group := range def.Default {
			if config.GroupActive(attr, group) {
				return adcmerr.New(adcmerr.BindError, "bind of import %q cannot be removed while default group %q is active", def.Name, group)
			}
		}
	}
	return nil
}

func currentAttr(tx storage.Tx, configID int64) (map[string]any, error) {
	if configID == 0 {
		return nil, nil
	}
	oc, err := tx.GetObjectConfig(configID)
	if err != nil {
		return nil, err
	}
	if oc.Current == 0 {
		return nil, nil
	}
	cl, err := tx.GetConfigLog(oc.Current)
	if err != nil {
		return nil, err
	}
	return cl.Attr, nil
}

// Check returns the unmet imports of an importer: required imports without
// bind, and binds whose exporter left the accepted range
func Check(tx storage.Tx, ref types.ObjectRef) ([]string, error) {
	imp, err := ResolveImporter(tx, ref)
	if err != nil {
		return nil, err
	}
	if len(imp.Prototype.Imports) == 0 {
		return nil, nil
	}
	binds, err := imp.binds(tx)
	if err != nil {
		return nil, err
	}
	attr, err := currentAttr(tx, imp.ConfigID)
	if err != nil {
		return nil, err
	}

	bound := make(map[string]bool)
	var problems []string
	for _, b := range binds {
		exp, _, err := resolveSource(tx, Source{ClusterID: b.SourceClusterID, ServiceID: b.SourceServiceID})
		if err != nil {
			problems = append(problems, fmt.Sprintf("bind to cluster %d is dangling", b.SourceClusterID))
			continue
		}
		def := findDef(imp.Prototype, exp.Prototype)
		if def == nil {
			problems = append(problems, fmt.Sprintf("bind to %s matches no import", exp.Name))
			continue
		}
		if !version.InRange(exp.Version, def.Versions) {
			problems = append(problems, fmt.Sprintf("%s version %s is out of import range %s", exp.Name, exp.Version, version.Describe(def.Versions)))
			continue
		}
		bound[def.Name] = true
	}
	for _, def := range imp.Prototype.Imports {
		if !def.Required || bound[def.Name] {
			continue
		}
		if slices.ContainsFunc(def.Default, func(g string) bool { return config.GroupActive(attr, g) }) {
			continue
		}
		problems = append(problems, fmt.Sprintf("required import %q is not bound", def.Name))
	}
	return problems, nil
}

// CheckUpgrade verifies that switching a cluster to the prototypes of
// target keeps every existing bind valid in both directions
func CheckUpgrade(tx storage.Tx, cluster *types.Cluster, target *types.Prototype) error {
	cat := catalog.New(tx)
	var errs adcmerr.List

	newProto := func(ref types.ObjectRef) (*types.Prototype, error) {
		if ref.Type == types.ObjectCluster {
			return target, nil
		}
		svc, err := tx.GetService(ref.ID)
		if err != nil {
			return nil, err
		}
		old, err := tx.GetPrototype(svc.PrototypeID)
		if err != nil {
			return nil, err
		}
		p, err := cat.Lookup(target.BundleID, types.ObjectService, old.Name)
		if adcmerr.Is(err, adcmerr.PrototypeNotFound) {
			return nil, nil
		}
		return p, err
	}

	// imports of the upgraded cluster and its services
	own, err := tx.ListBinds(storage.BindFilter{ClusterID: cluster.ID})
	if err != nil {
		return err
	}
	for _, b := range own {
		exp, _, err := resolveSource(tx, Source{ClusterID: b.SourceClusterID, ServiceID: b.SourceServiceID})
		if err != nil {
			return err
		}
		p, err := newProto(b.Importer())
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		def := findDef(p, exp.Prototype)
		if def == nil {
			errs.Add(adcmerr.UpgradeError, "%s %q of the new bundle does not import %q, which is bound to %s", p.Type, p.Name, exp.Prototype, exp.Name)
			continue
		}
		if !version.InRange(exp.Version, def.Versions) {
			errs.Add(adcmerr.UpgradeError, "%s %q of the new bundle accepts %s %s, bound exporter %s has version %s",
				p.Type, p.Name, exp.Prototype, version.Describe(def.Versions), exp.Name, exp.Version)
		}
	}

	// exports of the upgraded cluster consumed by others
	consumers, err := tx.ListBinds(storage.BindFilter{SourceClusterID: cluster.ID})
	if err != nil {
		return err
	}
	for _, b := range consumers {
		src := types.Ref(types.ObjectCluster, b.SourceClusterID)
		if b.SourceServiceID != 0 {
			src = types.Ref(types.ObjectService, b.SourceServiceID)
		}
		exp, _, err := resolveSource(tx, Source{ClusterID: b.SourceClusterID, ServiceID: b.SourceServiceID})
		if err != nil {
			return err
		}
		p, err := newProto(src)
		if err != nil {
			return err
		}
		if p == nil {
			errs.Add(adcmerr.UpgradeError, "exporter %s is not part of the new bundle but is imported by cluster %d", exp.Name, b.ClusterID)
			continue
		}
		imp, err := ResolveImporter(tx, b.Importer())
		if err != nil {
			return err
		}
		def := findDef(imp.Prototype, exp.Prototype)
		if def == nil {
			continue
		}
		if !version.InRange(p.Version, def.Versions) {
			errs.Add(adcmerr.UpgradeError, "exporter %s would move to version %s, outside the range %s imported by %s %q",
				exp.Name, p.Version, version.Describe(def.Versions), imp.Prototype.Type, importerName(tx, imp))
		}
	}
	return errs.Err()
}

func importerName(tx storage.Tx, imp *Importer) string {
	c, err := tx.GetCluster(imp.ClusterID)
	if err != nil {
		return imp.Ref.String()
	}
	if imp.ServiceID != 0 {
		return c.Name + "/" + imp.Prototype.Name
	}
	return c.Name
}
