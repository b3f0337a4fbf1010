package config

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/security"
	"github.com/cuemby/adcm/pkg/types"
)

// Field types understood by the schema engine
const (
	TypeString     = "string"
	TypeText       = "text"
	TypePassword   = "password"
	TypeSecretText = "secrettext"
	TypeSecretMap  = "secretmap"
	TypeSecretFile = "secretfile"
	TypeInteger    = "integer"
	TypeFloat      = "float"
	TypeBoolean    = "boolean"
	TypeOption     = "option"
	TypeList       = "list"
	TypeMap        = "map"
	TypeJSON       = "json"
	TypeFile       = "file"
	TypeGroup      = "group"
)

// AttrGroupKeys is the attr entry listing the keys a host group overrides
const AttrGroupKeys = "group_keys"

// KnownType reports whether t is a supported field type
func KnownType(t string) bool {
	switch t {
	case TypeString, TypeText, TypePassword, TypeSecretText, TypeSecretMap, TypeSecretFile,
		TypeInteger, TypeFloat, TypeBoolean, TypeOption, TypeList, TypeMap, TypeJSON, TypeFile, TypeGroup:
		return true
	}
	return false
}

// IsSecret reports whether values of the type are encrypted at rest
func IsSecret(t string) bool {
	return t == TypePassword || t == TypeSecretText || t == TypeSecretMap || t == TypeSecretFile
}

// Schema is a flattened config schema indexed by key
type Schema struct {
	fields []types.ConfigField
	byKey  map[string]types.ConfigField
}

// NewSchema indexes the fields of a prototype or action
func NewSchema(fields []types.ConfigField) *Schema {
	s := &Schema{fields: fields, byKey: make(map[string]types.ConfigField, len(fields))}
	for _, f := range fields {
		s.byKey[f.Key()] = f
	}
	return s
}

// Empty reports whether the schema declares no fields
func (s *Schema) Empty() bool {
	return len(s.fields) == 0
}

// Field returns the field with the given "name" or "name/subname" key
func (s *Schema) Field(key string) (types.ConfigField, bool) {
	f, ok := s.byKey[key]
	return f, ok
}

// Fields returns all fields in declaration order
func (s *Schema) Fields() []types.ConfigField {
	return s.fields
}

func (s *Schema) isGroup(name string) bool {
	f, ok := s.byKey[name]
	return ok && f.Type == TypeGroup
}

// Defaults builds the initial config and attr of a new object
func (s *Schema) Defaults() (map[string]any, map[string]any) {
	config := make(map[string]any)
	attr := make(map[string]any)
	for _, f := range s.fields {
		switch {
		case f.Type == TypeGroup:
			if _, ok := config[f.Name]; !ok {
				config[f.Name] = make(map[string]any)
			}
			if f.Limits.Activatable {
				attr[f.Name] = map[string]any{"active": f.Limits.Active}
			}
		case f.SubName != "":
			group, ok := config[f.Name].(map[string]any)
			if !ok {
				group = make(map[string]any)
				config[f.Name] = group
			}
			group[f.SubName] = cloneValue(f.Default)
		default:
			config[f.Name] = cloneValue(f.Default)
		}
	}
	return config, attr
}

// GroupActive reports whether an activatable group is switched on
func GroupActive(attr map[string]any, group string) bool {
	entry, ok := attr[group].(map[string]any)
	if !ok {
		return false
	}
	active, _ := entry["active"].(bool)
	return active
}

func (s *Schema) inactive(f types.ConfigField, attr map[string]any) bool {
	g, ok := s.byKey[f.Name]
	if !ok || g.Type != TypeGroup || !g.Limits.Activatable {
		return false
	}
	return !GroupActive(attr, f.Name)
}

// lookup returns the value of a field inside a nested config
func lookup(config map[string]any, f types.ConfigField) (any, bool) {
	if f.SubName == "" {
		v, ok := config[f.Name]
		return v, ok
	}
	group, ok := config[f.Name].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := group[f.SubName]
	return v, ok
}

func store(config map[string]any, f types.ConfigField, v any) {
	if f.SubName == "" {
		config[f.Name] = v
		return
	}
	group, ok := config[f.Name].(map[string]any)
	if !ok {
		group = make(map[string]any)
		config[f.Name] = group
	}
	group[f.SubName] = v
}

// Update describes a config change submitted by a user or a plugin
type Update struct {
	Config map[string]any
	Attr   map[string]any
	// Previous is the current log the update replaces; nil for a new object
	Previous *types.ConfigLog
	// FromPlugin allows read-only fields to change
	FromPlugin bool
}

// Prepare validates an update and returns the config and attr to store.
// Values are coerced to their declared types, secrets are encrypted and
// violations are reported together.
func (s *Schema) Prepare(sm *security.SecretsManager, u Update) (map[string]any, map[string]any, error) {
	var errs adcmerr.List

	config, err := types.Clone(u.Config)
	if err != nil {
		return nil, nil, adcmerr.New(adcmerr.InvalidConfigUpdate, "config is not serializable: %v", err)
	}
	if config == nil {
		config = make(map[string]any)
	}
	attr, err := types.Clone(u.Attr)
	if err != nil {
		return nil, nil, adcmerr.New(adcmerr.InvalidConfigUpdate, "attr is not serializable: %v", err)
	}
	if attr == nil {
		attr = make(map[string]any)
	}

	s.checkUnknown(config, &errs)
	s.checkAttr(attr, &errs)

	var previous map[string]any
	if u.Previous != nil {
		previous = u.Previous.Config
	}

	for _, f := range s.fields {
		if f.Type == TypeGroup {
			if _, ok := config[f.Name]; !ok {
				config[f.Name] = make(map[string]any)
			}
			continue
		}
		v, present := lookup(config, f)
		if !present {
			if previous != nil {
				if pv, ok := lookup(previous, f); ok {
					store(config, f, cloneValue(pv))
					continue
				}
			}
			store(config, f, cloneValue(f.Default))
			continue
		}

		if f.ReadOnly && !u.FromPlugin && previous != nil {
			if pv, _ := lookup(previous, f); !equalValues(pv, v) {
				errs.Add(adcmerr.InvalidConfigUpdate, "config key %q is read only", f.Key())
				continue
			}
		}

		if v == nil || s.inactive(f, attr) {
			continue
		}
		coerced, err := coerce(f, v)
		if err != nil {
			errs.Append(err)
			continue
		}
		if IsSecret(f.Type) && sm != nil {
			coerced, err = encrypt(sm, f, coerced)
			if err != nil {
				errs.Append(err)
				continue
			}
		}
		store(config, f, coerced)
	}

	if err := errs.Err(); err != nil {
		return nil, nil, err
	}
	return config, attr, nil
}

func (s *Schema) checkUnknown(config map[string]any, errs *adcmerr.List) {
	keys := slices.Sorted(maps.Keys(config))
	for _, name := range keys {
		if _, ok := s.byKey[name]; !ok {
			errs.Add(adcmerr.InvalidConfigUpdate, "unknown config key %q", name)
			continue
		}
		if !s.isGroup(name) {
			continue
		}
		group, ok := config[name].(map[string]any)
		if !ok {
			if config[name] != nil {
				errs.Add(adcmerr.ConfigValueError, "config key %q should be a group", name)
			}
			continue
		}
		for _, sub := range slices.Sorted(maps.Keys(group)) {
			if _, ok := s.byKey[name+"/"+sub]; !ok {
				errs.Add(adcmerr.InvalidConfigUpdate, "unknown config key %q", name+"/"+sub)
			}
		}
	}
}

func (s *Schema) checkAttr(attr map[string]any, errs *adcmerr.List) {
	for _, key := range slices.Sorted(maps.Keys(attr)) {
		if key == AttrGroupKeys {
			continue
		}
		f, ok := s.byKey[key]
		if !ok || f.Type != TypeGroup || !f.Limits.Activatable {
			errs.Add(adcmerr.InvalidConfigUpdate, "attr %q does not refer to an activatable group", key)
			continue
		}
		entry, ok := attr[key].(map[string]any)
		if !ok {
			errs.Add(adcmerr.InvalidConfigUpdate, "attr %q should be an object with an \"active\" flag", key)
			continue
		}
		if _, ok := entry["active"].(bool); !ok {
			errs.Add(adcmerr.InvalidConfigUpdate, "attr %q should carry a boolean \"active\" flag", key)
		}
	}
}

// Check validates a stored config without modifying it. It is used by the
// CONFIG concern: required keys without value and invalid values are issues.
func (s *Schema) Check(config, attr map[string]any) []string {
	var problems []string
	for _, f := range s.fields {
		if f.Type == TypeGroup || s.inactive(f, attr) {
			continue
		}
		v, _ := lookup(config, f)
		if isEmpty(v) {
			if f.Required {
				problems = append(problems, fmt.Sprintf("required config key %q has no value", f.Key()))
			}
			continue
		}
		if IsSecret(f.Type) {
			continue
		}
		if _, err := coerce(f, v); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func coerce(f types.ConfigField, v any) (any, error) {
	bad := func(want string) error {
		return adcmerr.New(adcmerr.ConfigValueError, "config key %q should be %s, got %T", f.Key(), want, v)
	}

	switch f.Type {
	case TypeString, TypeText, TypePassword, TypeSecretText, TypeFile, TypeSecretFile:
		s, ok := v.(string)
		if !ok {
			return nil, bad("a string")
		}
		return s, nil

	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, bad("a boolean")
		}
		return b, nil

	case TypeInteger:
		n, ok := toFloat(v)
		if !ok || n != math.Trunc(n) {
			return nil, bad("an integer")
		}
		if err := checkRange(f, n); err != nil {
			return nil, err
		}
		return int64(n), nil

	case TypeFloat:
		n, ok := toFloat(v)
		if !ok {
			return nil, bad("a number")
		}
		if err := checkRange(f, n); err != nil {
			return nil, err
		}
		return n, nil

	case TypeOption:
		for _, opt := range f.Limits.Option {
			if equalValues(opt, v) {
				return v, nil
			}
		}
		return nil, adcmerr.New(adcmerr.ConfigValueError, "config key %q value %v is not one of the options", f.Key(), v)

	case TypeList:
		list, ok := v.([]any)
		if !ok {
			return nil, bad("a list")
		}
		return list, nil

	case TypeMap, TypeSecretMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, bad("a map")
		}
		return m, nil

	case TypeJSON:
		return v, nil
	}
	return nil, adcmerr.New(adcmerr.ConfigValueError, "config key %q has unsupported type %q", f.Key(), f.Type)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func checkRange(f types.ConfigField, n float64) error {
	if f.Limits.Min != nil && n < *f.Limits.Min {
		return adcmerr.New(adcmerr.ConfigValueError, "config key %q value %v is less than %v", f.Key(), n, *f.Limits.Min)
	}
	if f.Limits.Max != nil && n > *f.Limits.Max {
		return adcmerr.New(adcmerr.ConfigValueError, "config key %q value %v is greater than %v", f.Key(), n, *f.Limits.Max)
	}
	return nil
}

func encrypt(sm *security.SecretsManager, f types.ConfigField, v any) (any, error) {
	switch t := v.(type) {
	case string:
		return sm.EncryptValue(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, adcmerr.New(adcmerr.ConfigValueError, "config key %q should map to strings", f.Key())
			}
			enc, err := sm.EncryptValue(s)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	}
	return v, nil
}

// Decrypt returns a copy of config with every secret value in plaintext
func (s *Schema) Decrypt(sm *security.SecretsManager, config map[string]any) (map[string]any, error) {
	out, err := types.Clone(config)
	if err != nil {
		return nil, err
	}
	if sm == nil || out == nil {
		return out, nil
	}
	for _, f := range s.fields {
		if !IsSecret(f.Type) {
			continue
		}
		v, ok := lookup(out, f)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			plain, err := sm.DecryptValue(t)
			if err != nil {
				return nil, fmt.Errorf("config key %q: %w", f.Key(), err)
			}
			store(out, f, plain)
		case map[string]any:
			for k, item := range t {
				str, ok := item.(string)
				if !ok {
					continue
				}
				plain, err := sm.DecryptValue(str)
				if err != nil {
					return nil, fmt.Errorf("config key %q: %w", f.Key(), err)
				}
				t[k] = plain
			}
		}
	}
	return out, nil
}

// GroupKeys extracts the overridden keys recorded in a host group attr
func GroupKeys(attr map[string]any) map[string]bool {
	out := make(map[string]bool)
	raw, ok := attr[AttrGroupKeys].(map[string]any)
	if !ok {
		return out
	}
	for k, v := range raw {
		switch t := v.(type) {
		case bool:
			out[k] = t
		case map[string]any:
			for sub, sv := range t {
				if b, ok := sv.(bool); ok {
					out[k+"/"+sub] = b
				}
			}
		}
	}
	return out
}

// CheckGroupKeys verifies that a host group overrides only customizable keys
func (s *Schema) CheckGroupKeys(attr map[string]any) error {
	var errs adcmerr.List
	keys := GroupKeys(attr)
	for _, key := range slices.Sorted(maps.Keys(keys)) {
		if !keys[key] {
			continue
		}
		f, ok := s.byKey[key]
		if !ok {
			errs.Add(adcmerr.GroupConfigError, "unknown group key %q", key)
			continue
		}
		if !f.GroupCustom {
			errs.Add(adcmerr.GroupConfigError, "config key %q cannot be customized in a host group", key)
		}
	}
	return errs.Err()
}

// Merge overlays the keys a host group overrides onto the object config
func (s *Schema) Merge(base, override, groupAttr map[string]any) map[string]any {
	out, err := types.Clone(base)
	if err != nil || out == nil {
		out = make(map[string]any)
	}
	keys := GroupKeys(groupAttr)
	for _, f := range s.fields {
		if f.Type == TypeGroup || !keys[f.Key()] {
			continue
		}
		if v, ok := lookup(override, f); ok {
			store(out, f, cloneValue(v))
		}
	}
	return out
}

// Diff lists the keys whose values differ between two configs
func (s *Schema) Diff(a, b map[string]any) []string {
	var keys []string
	for _, f := range s.fields {
		if f.Type == TypeGroup {
			continue
		}
		av, _ := lookup(a, f)
		bv, _ := lookup(b, f)
		if !equalValues(av, bv) {
			keys = append(keys, f.Key())
		}
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v any) any {
	out, err := types.Clone(v)
	if err != nil {
		return v
	}
	return out
}

// equalValues compares values after normalizing numbers through JSON
func equalValues(a, b any) bool {
	ca, errA := types.Clone(a)
	cb, errB := types.Clone(b)
	if errA != nil || errB != nil {
		return false
	}
	return fmt.Sprint(ca) == fmt.Sprint(cb)
}

// Migrate carries a config over to this schema after a prototype switch.
// Keys both schemas share keep their stored values, new keys get their
// defaults and keys this schema lacks are dropped.
func (s *Schema) Migrate(sm *security.SecretsManager, old, oldAttr map[string]any) (map[string]any, map[string]any, error) {
	config, attr := s.Defaults()
	for _, f := range s.fields {
		if f.Type == TypeGroup {
			if a, ok := oldAttr[f.Name]; ok && f.Limits.Activatable {
				attr[f.Name] = cloneValue(a)
			}
			continue
		}
		if v, ok := lookup(old, f); ok {
			store(config, f, cloneValue(v))
			continue
		}
		if v, _ := lookup(config, f); v != nil && IsSecret(f.Type) && sm != nil {
			enc, err := encrypt(sm, f, v)
			if err != nil {
				return nil, nil, err
			}
			store(config, f, enc)
		}
	}
	return config, attr, nil
}
