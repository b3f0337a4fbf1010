package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/config"
	"github.com/cuemby/adcm/pkg/mapping"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFile is the bundle definition file at the bundle root
	ConfigFile = "config.yaml"
	// DefaultEdition is assumed when a bundle does not name one
	DefaultEdition = "community"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Bundle is a parsed and validated bundle directory
type Bundle struct {
	Dir         string
	Hash        string
	Definitions []Definition
}

// Main returns the cluster or provider definition
func (b *Bundle) Main() *Definition {
	for i := range b.Definitions {
		switch b.Definitions[i].Type {
		case string(types.ObjectCluster), string(types.ObjectProvider):
			return &b.Definitions[i]
		}
	}
	return nil
}

// Edition returns the edition of the main definition
func (b *Bundle) Edition() string {
	if m := b.Main(); m != nil && m.Edition != "" {
		return m.Edition
	}
	return DefaultEdition
}

// Read parses config.yaml of a bundle directory, validates every definition
// and computes the content hash
func Read(dir string) (*Bundle, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, adcmerr.New(adcmerr.BundleError, "cannot read %s: %v", ConfigFile, err)
	}
	defs, err := decode(data)
	if err != nil {
		return nil, err
	}

	b := &Bundle{Dir: dir, Definitions: defs}
	if err := b.check(); err != nil {
		return nil, err
	}
	b.Hash, err = Hash(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to hash bundle: %w", err)
	}
	return b, nil
}

// decode accepts either a list of definitions or a single one
func decode(data []byte) ([]Definition, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, adcmerr.New(adcmerr.BundleError, "invalid %s: %v", ConfigFile, err)
	}
	if len(root.Content) == 0 {
		return nil, adcmerr.New(adcmerr.BundleError, "%s is empty", ConfigFile)
	}
	doc := root.Content[0]

	var defs []Definition
	var err error
	switch doc.Kind {
	case yaml.SequenceNode:
		err = doc.Decode(&defs)
	case yaml.MappingNode:
		var d Definition
		err = doc.Decode(&d)
		defs = []Definition{d}
	default:
		err = fmt.Errorf("line %d: expected a list of definitions", doc.Line)
	}
	if err != nil {
		return nil, adcmerr.New(adcmerr.BundleError, "invalid %s: %v", ConfigFile, err)
	}
	return defs, nil
}

func validationErrors(prefix string, err error, errs *adcmerr.List) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			errs.Add(adcmerr.BundleError, "%s: %s fails %q", prefix, fe.Namespace(), fe.Tag())
		}
		return
	}
	errs.Add(adcmerr.BundleError, "%s: %v", prefix, err)
}

// check runs struct validation then the cross-definition rules
func (b *Bundle) check() error {
	var errs adcmerr.List
	for i := range b.Definitions {
		d := &b.Definitions[i]
		if err := validate.Struct(d); err != nil {
			validationErrors(fmt.Sprintf("%s %q", d.Type, d.Name), err, &errs)
		}
	}
	if errs.Len() > 0 {
		return errs.Err()
	}

	mains := 0
	kinds := make(map[string]int)
	seen := make(map[string]bool)
	services := make(map[string]*Definition)
	for i := range b.Definitions {
		d := &b.Definitions[i]
		key := d.Type + "/" + d.Name
		if seen[key] {
			errs.Add(adcmerr.BundleError, "duplicate %s %q", d.Type, d.Name)
		}
		seen[key] = true
		kinds[d.Type]++
		switch types.ObjectType(d.Type) {
		case types.ObjectCluster, types.ObjectProvider:
			mains++
		case types.ObjectService:
			services[d.Name] = d
		}
	}
	switch {
	case mains == 0:
		errs.Add(adcmerr.BundleError, "bundle defines neither a cluster nor a provider")
	case mains > 1:
		errs.Add(adcmerr.BundleError, "bundle defines %d clusters or providers, expected one", mains)
	}
	if kinds[string(types.ObjectProvider)] > 0 {
		if kinds[string(types.ObjectService)] > 0 {
			errs.Add(adcmerr.BundleError, "provider bundle cannot define services")
		}
		if kinds[string(types.ObjectHost)] != 1 {
			errs.Add(adcmerr.BundleError, "provider bundle must define exactly one host")
		}
	}
	if kinds[string(types.ObjectCluster)] > 0 && kinds[string(types.ObjectHost)] > 0 {
		errs.Add(adcmerr.BundleError, "cluster bundle cannot define hosts")
	}

	for i := range b.Definitions {
		b.checkDefinition(&b.Definitions[i], services, &errs)
	}
	return errs.Err()
}

func (b *Bundle) checkDefinition(d *Definition, services map[string]*Definition, errs *adcmerr.List) {
	where := fmt.Sprintf("%s %q", d.Type, d.Name)

	if d.License != "" {
		if _, err := os.Stat(filepath.Join(b.Dir, d.License)); err != nil {
			errs.Add(adcmerr.BundleError, "%s: license file %q not found", where, d.License)
		}
	}
	if d.Type != string(types.ObjectService) && len(d.Components) > 0 {
		errs.Add(adcmerr.BundleError, "%s: only services have components", where)
	}
	checkRefs(where, "requires", d.Requires, services, errs)

	groups := checkConfig(where, d.Config, errs)
	for _, exp := range d.Export {
		if !groups[exp] {
			errs.Add(adcmerr.BundleError, "%s: exported %q is not a config group", where, exp)
		}
	}
	for name, imp := range d.Import {
		if _, err := imp.Versions.Range(); err != nil {
			errs.Add(adcmerr.BundleError, "%s: import %q: %v", where, name, err)
		}
		for _, g := range imp.Default {
			if !groups[g] {
				errs.Add(adcmerr.BundleError, "%s: import %q default %q is not a config group", where, name, g)
			}
		}
	}
	for name, a := range d.Actions {
		checkAction(fmt.Sprintf("%s action %q", where, name), a, services, errs)
	}
	for name, c := range d.Components {
		cwhere := fmt.Sprintf("component %s.%s", d.Name, name)
		if _, err := mapping.ParseConstraint(c.Constraint); err != nil {
			errs.Add(adcmerr.BundleError, "%s: %v", cwhere, err)
		}
		checkRefs(cwhere, "requires", c.Requires, services, errs)
		if c.BoundTo != nil {
			checkRefs(cwhere, "bound_to", []types.ServiceComponentRef{*c.BoundTo}, services, errs)
			if c.BoundTo.Component == "" {
				errs.Add(adcmerr.BundleError, "%s: bound_to needs a component", cwhere)
			}
		}
		checkConfig(cwhere, c.Config, errs)
		for aname, a := range c.Actions {
			checkAction(fmt.Sprintf("%s action %q", cwhere, aname), a, services, errs)
		}
	}
	for _, u := range d.Upgrade {
		uwhere := fmt.Sprintf("%s upgrade %q", where, u.Name)
		if _, err := u.Versions.Range(); err != nil {
			errs.Add(adcmerr.BundleError, "%s: %v", uwhere, err)
		}
		switches := 0
		for _, s := range u.Scripts {
			if s.ScriptType == string(types.ScriptInternal) && s.Script == types.ScriptBundleSwitch {
				switches++
			}
		}
		if len(u.Scripts) > 0 && switches != 1 {
			errs.Add(adcmerr.BundleError, "%s: scripts must contain exactly one %s step", uwhere, types.ScriptBundleSwitch)
		}
		checkScripts(uwhere, u.Scripts, errs)
		checkACL(uwhere, u.HCACL, services, errs)
		checkConfig(uwhere, u.Config, errs)
	}
}

func checkRefs(where, what string, refs []types.ServiceComponentRef, services map[string]*Definition, errs *adcmerr.List) {
	for _, r := range refs {
		svc, ok := services[r.Service]
		if !ok {
			errs.Add(adcmerr.BundleError, "%s: %s unknown service %q", where, what, r.Service)
			continue
		}
		if r.Component != "" {
			if _, ok := svc.Components[r.Component]; !ok {
				errs.Add(adcmerr.BundleError, "%s: %s unknown component %s", where, what, r)
			}
		}
	}
}

func checkACL(where string, rules []HCRuleDef, services map[string]*Definition, errs *adcmerr.List) {
	for _, r := range rules {
		checkRefs(where, "hc_acl", []types.ServiceComponentRef{{Service: r.Service, Component: r.Component}}, services, errs)
	}
}

func checkScripts(where string, scripts []ScriptDef, errs *adcmerr.List) {
	for _, s := range scripts {
		checkScript(fmt.Sprintf("%s script %q", where, s.Name), s.Script, s.ScriptType, errs)
	}
}

func checkScript(where, script, scriptType string, errs *adcmerr.List) {
	if scriptType != string(types.ScriptInternal) {
		return
	}
	if script != types.ScriptBundleSwitch && script != types.ScriptBundleRevert {
		errs.Add(adcmerr.BundleError, "%s: unknown internal script %q", where, script)
	}
}

func checkAction(where string, a ActionDef, services map[string]*Definition, errs *adcmerr.List) {
	switch types.ActionType(a.Type) {
	case types.ActionJob:
		if a.ScriptType == "" {
			errs.Add(adcmerr.BundleError, "%s: job action needs script_type", where)
		}
		checkScript(where, a.Script, a.ScriptType, errs)
	case types.ActionTask:
		if len(a.Scripts) == 0 {
			errs.Add(adcmerr.BundleError, "%s: task action needs scripts", where)
		}
		checkScripts(where, a.Scripts, errs)
	}
	checkACL(where, a.HCACL, services, errs)
	checkConfig(where, a.Config, errs)
}

// checkConfig validates field definitions and returns the group names
func checkConfig(where string, defs []ConfigDef, errs *adcmerr.List) map[string]bool {
	groups := make(map[string]bool)
	keys := make(map[string]bool)
	var walk func(prefix string, defs []ConfigDef, nested bool)
	walk = func(prefix string, defs []ConfigDef, nested bool) {
		for _, f := range defs {
			key := prefix + f.Name
			if keys[key] {
				errs.Add(adcmerr.BundleError, "%s: duplicate config key %q", where, key)
			}
			keys[key] = true
			if !config.KnownType(f.Type) {
				errs.Add(adcmerr.BundleError, "%s: config key %q has unknown type %q", where, key, f.Type)
				continue
			}
			switch {
			case f.Type == config.TypeGroup && nested:
				errs.Add(adcmerr.BundleError, "%s: config group %q cannot be nested", where, key)
			case f.Type == config.TypeGroup:
				groups[f.Name] = true
				walk(f.Name+"/", f.Subs, true)
			case len(f.Subs) > 0:
				errs.Add(adcmerr.BundleError, "%s: config key %q is not a group and cannot have subs", where, key)
			case f.Type == config.TypeOption && len(f.Limits.Option) == 0:
				errs.Add(adcmerr.BundleError, "%s: option key %q has no options", where, key)
			}
		}
	}
	walk("", defs, false)
	return groups
}

// Hash returns the sha256 of every file path and content below dir
func Hash(dir string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		io.WriteString(h, filepath.ToSlash(rel))
		h.Write([]byte{0})
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Copy places the bundle under root/<hash> and returns the path. An already
// present copy is reused.
func Copy(b *Bundle, root string) (string, error) {
	dest := filepath.Join(root, b.Hash)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create bundle root: %w", err)
	}
	tmp, err := os.MkdirTemp(root, ".bundle-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	if err := copyTree(b.Dir, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to copy bundle: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("failed to move bundle into place: %w", err)
	}
	return dest, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// Install persists the bundle, its prototypes, actions and upgrades.
// path is where the bundle files live after Copy.
func Install(tx storage.Tx, b *Bundle, path string) (*types.Bundle, error) {
	main := b.Main()
	if main == nil {
		return nil, adcmerr.New(adcmerr.BundleError, "bundle defines neither a cluster nor a provider")
	}
	existing, err := tx.ListBundles()
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.Name == main.Name && e.Version == main.Version && e.Edition == b.Edition() {
			return nil, adcmerr.New(adcmerr.BundleConflict, "bundle %s %s (%s) is already loaded", e.Name, e.Version, e.Edition)
		}
	}

	bundle := &types.Bundle{
		Name:        main.Name,
		Version:     main.Version,
		Edition:     b.Edition(),
		Hash:        b.Hash,
		LicensePath: main.License,
		Path:        path,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.CreateBundle(bundle); err != nil {
		return nil, err
	}

	var mainProto *types.Prototype
	for i := range b.Definitions {
		d := &b.Definitions[i]
		p, err := installDefinition(tx, bundle.ID, d)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", d.Type, d.Name, err)
		}
		if d == main {
			mainProto = p
		}
	}
	for _, u := range main.Upgrade {
		if err := installUpgrade(tx, bundle.ID, mainProto, u); err != nil {
			return nil, fmt.Errorf("upgrade %q: %w", u.Name, err)
		}
	}
	return bundle, nil
}

func installDefinition(tx storage.Tx, bundleID int64, d *Definition) (*types.Prototype, error) {
	fields, err := convertConfig(d.Config)
	if err != nil {
		return nil, err
	}
	p := &types.Prototype{
		BundleID:       bundleID,
		Type:           types.ObjectType(d.Type),
		Name:           d.Name,
		DisplayName:    displayName(d.DisplayName, d.Name),
		Version:        d.Version,
		Required:       d.Required,
		Shared:         d.Shared,
		Monitoring:     monitoring(d.Monitoring),
		License:        types.LicenseAbsent,
		ADCMMinVersion: d.ADCMMinVersion,
		Requires:       d.Requires,
		Exports:        d.Export,
		Config:         fields,
	}
	if d.License != "" {
		p.License, p.LicensePath = types.LicenseUnaccepted, d.License
	}
	for _, name := range slices.Sorted(maps.Keys(d.Import)) {
		imp := d.Import[name]
		r, err := imp.Versions.Range()
		if err != nil {
			return nil, adcmerr.New(adcmerr.BundleError, "import %q: %v", name, err)
		}
		p.Imports = append(p.Imports, types.ImportDef{
			Name:      name,
			Versions:  r,
			Required:  imp.Required,
			Multibind: imp.Multibind,
			Default:   imp.Default,
		})
	}
	if err := tx.CreatePrototype(p); err != nil {
		return nil, err
	}
	if err := installActions(tx, p.ID, d.Actions); err != nil {
		return nil, err
	}

	for _, name := range slices.Sorted(maps.Keys(d.Components)) {
		c := d.Components[name]
		fields, err := convertConfig(c.Config)
		if err != nil {
			return nil, err
		}
		cp := &types.Prototype{
			BundleID:    bundleID,
			Type:        types.ObjectComponent,
			Name:        name,
			DisplayName: displayName(c.DisplayName, name),
			Version:     d.Version,
			ParentID:    p.ID,
			Monitoring:  monitoring(c.Monitoring),
			License:     types.LicenseAbsent,
			Constraint:  c.Constraint,
			Requires:    c.Requires,
			BoundTo:     c.BoundTo,
			Config:      fields,
		}
		if err := tx.CreatePrototype(cp); err != nil {
			return nil, err
		}
		if err := installActions(tx, cp.ID, c.Actions); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func installActions(tx storage.Tx, protoID int64, defs map[string]ActionDef) error {
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		a, err := convertAction(protoID, name, defs[name])
		if err != nil {
			return fmt.Errorf("action %q: %w", name, err)
		}
		if err := tx.CreateAction(a); err != nil {
			return err
		}
	}
	return nil
}

func installUpgrade(tx storage.Tx, bundleID int64, main *types.Prototype, d UpgradeDef) error {
	r, err := d.Versions.Range()
	if err != nil {
		return adcmerr.New(adcmerr.BundleError, "%v", err)
	}
	fromEdition := []string(d.FromEdition)
	if len(fromEdition) == 0 {
		fromEdition = []string{DefaultEdition}
	}
	u := &types.Upgrade{
		BundleID:       bundleID,
		Name:           d.Name,
		DisplayName:    displayName(d.DisplayName, d.Name),
		Versions:       r,
		FromEdition:    fromEdition,
		StateAvailable: availability(d.States.Available, types.Availability{Any: true}),
		StateOnSuccess: d.States.OnSuccess,
	}
	if err := tx.CreateUpgrade(u); err != nil {
		return err
	}
	if len(d.Scripts) == 0 {
		return nil
	}

	a, err := convertAction(main.ID, d.Name, ActionDef{
		DisplayName: d.DisplayName,
		Type:        string(types.ActionTask),
		Scripts:     d.Scripts,
		HCACL:       d.HCACL,
		OnFail:      d.OnFail,
		Config:      d.Config,
	})
	if err != nil {
		return err
	}
	a.StateAvailable = u.StateAvailable
	a.UpgradeID = u.ID
	if err := tx.CreateAction(a); err != nil {
		return err
	}
	u.ActionID = a.ID
	return tx.UpdateUpgrade(u)
}

func convertAction(protoID int64, name string, d ActionDef) (*types.Action, error) {
	params, err := normalizeMap(d.Params)
	if err != nil {
		return nil, err
	}
	fields, err := convertConfig(d.Config)
	if err != nil {
		return nil, err
	}
	a := &types.Action{
		PrototypeID:            protoID,
		Name:                   name,
		DisplayName:            displayName(d.DisplayName, name),
		Type:                   types.ActionType(d.Type),
		Script:                 d.Script,
		ScriptType:             types.ScriptType(d.ScriptType),
		Params:                 params,
		StateAvailable:         types.Availability{Any: true},
		MultiStateAvailable:    types.Availability{Any: true},
		OnSuccess:              d.OnSuccess.change(),
		OnFail:                 d.OnFail.change(),
		AllowInMaintenanceMode: d.AllowInMaintenanceMode,
		AllowToTerminate:       d.AllowToTerminate,
		HostAction:             d.HostAction,
		Venv:                   d.Venv,
		Config:                 fields,
	}
	if a.Venv == "" {
		a.Venv = "default"
	}
	if m := d.Masking; m != nil {
		a.StateAvailable = availability(m.State.Available, a.StateAvailable)
		a.StateUnavailable = availability(m.State.Unavailable, types.Availability{})
		a.MultiStateAvailable = availability(m.MultiState.Available, a.MultiStateAvailable)
		a.MultiStateUnavailable = availability(m.MultiState.Unavailable, types.Availability{})
	}
	for _, r := range d.HCACL {
		a.HCACL = append(a.HCACL, types.HCRule{Service: r.Service, Component: r.Component, Action: types.HCAction(r.Action)})
	}
	for _, s := range d.Scripts {
		params, err := normalizeMap(s.Params)
		if err != nil {
			return nil, err
		}
		a.SubActions = append(a.SubActions, types.SubAction{
			Name:             s.Name,
			DisplayName:      displayName(s.DisplayName, s.Name),
			Script:           s.Script,
			ScriptType:       types.ScriptType(s.ScriptType),
			Params:           params,
			OnFail:           s.OnFail.change(),
			AllowToTerminate: s.AllowToTerminate,
		})
	}
	return a, nil
}

// convertConfig flattens group members into "group/sub" fields
func convertConfig(defs []ConfigDef) ([]types.ConfigField, error) {
	var out []types.ConfigField
	for _, d := range defs {
		f, err := field(d)
		if err != nil {
			return nil, err
		}
		if d.Type != config.TypeGroup {
			out = append(out, f)
			continue
		}
		f.Limits.Activatable, f.Limits.Active = d.Activatable, d.Active
		out = append(out, f)
		for _, sub := range d.Subs {
			sf, err := field(sub)
			if err != nil {
				return nil, err
			}
			sf.Name, sf.SubName = d.Name, sub.Name
			sf.GroupCustom = sf.GroupCustom || d.GroupCustomization
			out = append(out, sf)
		}
	}
	return out, nil
}

func field(d ConfigDef) (types.ConfigField, error) {
	def, err := normalize(d.Default)
	if err != nil {
		return types.ConfigField{}, adcmerr.New(adcmerr.BundleError, "config key %q default: %v", d.Name, err)
	}
	limits := d.Limits
	if limits.Option != nil {
		if limits.Option, err = normalizeMap(limits.Option); err != nil {
			return types.ConfigField{}, adcmerr.New(adcmerr.BundleError, "config key %q options: %v", d.Name, err)
		}
	}
	return types.ConfigField{
		Name:        d.Name,
		Type:        d.Type,
		Required:    d.Required,
		Default:     def,
		ReadOnly:    d.ReadOnly,
		Limits:      limits,
		Description: d.Description,
		GroupCustom: d.GroupCustomization,
	}, nil
}

// normalize converts YAML values to their JSON form so that stored defaults
// compare equal to values received over the API
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	return types.Clone(v)
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	return types.Clone(m)
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func monitoring(m string) string {
	if m == "" {
		return "active"
	}
	return m
}
