package bundle

import (
	"fmt"

	"github.com/cuemby/adcm/pkg/types"
	"gopkg.in/yaml.v3"
)

// Definition is one top-level entry of config.yaml
type Definition struct {
	Type           string                      `yaml:"type" validate:"required,oneof=cluster service provider host"`
	Name           string                      `yaml:"name" validate:"required"`
	DisplayName    string                      `yaml:"display_name"`
	Description    string                      `yaml:"description"`
	Version        string                      `yaml:"version" validate:"required"`
	Edition        string                      `yaml:"edition"`
	License        string                      `yaml:"license"`
	Required       bool                        `yaml:"required"`
	Shared         bool                        `yaml:"shared"`
	Monitoring     string                      `yaml:"monitoring" validate:"omitempty,oneof=active passive"`
	ADCMMinVersion string                      `yaml:"adcm_min_version"`
	Requires       []types.ServiceComponentRef `yaml:"requires"`
	Import         map[string]ImportDef        `yaml:"import" validate:"dive"`
	Export         StringList                  `yaml:"export"`
	Config         []ConfigDef                 `yaml:"config" validate:"dive"`
	Actions        map[string]ActionDef        `yaml:"actions" validate:"dive"`
	Components     map[string]ComponentDef     `yaml:"components" validate:"dive"`
	Upgrade        []UpgradeDef                `yaml:"upgrade" validate:"dive"`
}

// ComponentDef describes a component of a service
type ComponentDef struct {
	DisplayName string                      `yaml:"display_name"`
	Description string                      `yaml:"description"`
	Monitoring  string                      `yaml:"monitoring" validate:"omitempty,oneof=active passive"`
	Constraint  Constraint                  `yaml:"constraint"`
	Requires    []types.ServiceComponentRef `yaml:"requires"`
	BoundTo     *types.ServiceComponentRef  `yaml:"bound_to"`
	Config      []ConfigDef                 `yaml:"config" validate:"dive"`
	Actions     map[string]ActionDef        `yaml:"actions" validate:"dive"`
}

// ImportDef is the body of one import entry; the key is the exporter name
type ImportDef struct {
	Versions  Versions `yaml:"versions"`
	Required  bool     `yaml:"required"`
	Multibind bool     `yaml:"multibind"`
	Default   []string `yaml:"default"`
}

// Versions accepts min/max with either plain or strict bounds:
//
//	versions: {min: 1.0, max_strict: 2.0}
type Versions struct {
	Min       string `yaml:"min"`
	Max       string `yaml:"max"`
	MinStrict string `yaml:"min_strict"`
	MaxStrict string `yaml:"max_strict"`
}

// Range converts the bounds; conflicting plain and strict bounds are an error
func (v Versions) Range() (types.VersionRange, error) {
	if v.Min != "" && v.MinStrict != "" {
		return types.VersionRange{}, fmt.Errorf("min and min_strict are mutually exclusive")
	}
	if v.Max != "" && v.MaxStrict != "" {
		return types.VersionRange{}, fmt.Errorf("max and max_strict are mutually exclusive")
	}
	r := types.VersionRange{Min: v.Min, Max: v.Max}
	if v.MinStrict != "" {
		r.Min, r.MinStrict = v.MinStrict, true
	}
	if v.MaxStrict != "" {
		r.Max, r.MaxStrict = v.MaxStrict, true
	}
	return r, nil
}

// ConfigDef is a config field; groups carry their members in Subs
type ConfigDef struct {
	Name               string             `yaml:"name" validate:"required"`
	Type               string             `yaml:"type" validate:"required"`
	Description        string             `yaml:"description"`
	Default            any                `yaml:"default"`
	Required           bool               `yaml:"required"`
	ReadOnly           bool               `yaml:"read_only"`
	Limits             types.ConfigLimits `yaml:"limits"`
	Activatable        bool               `yaml:"activatable"`
	Active             bool               `yaml:"active"`
	GroupCustomization bool               `yaml:"group_customization"`
	Subs               []ConfigDef        `yaml:"subs" validate:"dive"`
}

// StateDef is an on_success or on_fail block
type StateDef struct {
	State      string `yaml:"state"`
	MultiState struct {
		Set   []string `yaml:"set"`
		Unset []string `yaml:"unset"`
	} `yaml:"multi_state"`
}

func (s *StateDef) change() *types.StateChange {
	if s == nil {
		return nil
	}
	return &types.StateChange{
		State:           s.State,
		MultiStateSet:   s.MultiState.Set,
		MultiStateUnset: s.MultiState.Unset,
	}
}

// Masking restricts the states an action is available in
type Masking struct {
	State struct {
		Available   *Availability `yaml:"available"`
		Unavailable *Availability `yaml:"unavailable"`
	} `yaml:"state"`
	MultiState struct {
		Available   *Availability `yaml:"available"`
		Unavailable *Availability `yaml:"unavailable"`
	} `yaml:"multi_state"`
}

// HCRuleDef is one hc_acl entry
type HCRuleDef struct {
	Service   string `yaml:"service" validate:"required"`
	Component string `yaml:"component" validate:"required"`
	Action    string `yaml:"action" validate:"required,oneof=add remove"`
}

// ScriptDef is one step of a task-type action
type ScriptDef struct {
	Name             string         `yaml:"name" validate:"required"`
	DisplayName      string         `yaml:"display_name"`
	Script           string         `yaml:"script" validate:"required"`
	ScriptType       string         `yaml:"script_type" validate:"required,oneof=ansible python internal"`
	Params           map[string]any `yaml:"params"`
	OnFail           *StateDef      `yaml:"on_fail"`
	AllowToTerminate bool           `yaml:"allow_to_terminate"`
}

// ActionDef describes an action; the key in the actions map is its name
type ActionDef struct {
	DisplayName            string         `yaml:"display_name"`
	Type                   string         `yaml:"type" validate:"required,oneof=job task"`
	Script                 string         `yaml:"script" validate:"required_if=Type job"`
	ScriptType             string         `yaml:"script_type" validate:"omitempty,oneof=ansible python internal"`
	Params                 map[string]any `yaml:"params"`
	Scripts                []ScriptDef    `yaml:"scripts" validate:"dive"`
	HCACL                  []HCRuleDef    `yaml:"hc_acl" validate:"dive"`
	Masking                *Masking       `yaml:"masking"`
	OnSuccess              *StateDef      `yaml:"on_success"`
	OnFail                 *StateDef      `yaml:"on_fail"`
	AllowInMaintenanceMode bool           `yaml:"allow_in_maintenance_mode"`
	AllowToTerminate       bool           `yaml:"allow_to_terminate"`
	HostAction             bool           `yaml:"host_action"`
	Venv                   string         `yaml:"venv"`
	Config                 []ConfigDef    `yaml:"config" validate:"dive"`
}

// UpgradeDef describes a transition from older versions to this bundle
type UpgradeDef struct {
	Name        string     `yaml:"name" validate:"required"`
	DisplayName string     `yaml:"display_name"`
	Versions    Versions   `yaml:"versions"`
	FromEdition StringList `yaml:"from_edition"`
	States      struct {
		Available *Availability `yaml:"available"`
		OnSuccess string        `yaml:"on_success"`
	} `yaml:"states"`
	Scripts []ScriptDef `yaml:"scripts" validate:"dive"`
	HCACL   []HCRuleDef `yaml:"hc_acl" validate:"dive"`
	OnFail  *StateDef   `yaml:"on_fail"`
	Config  []ConfigDef `yaml:"config" validate:"dive"`
}

// Availability decodes either the scalar "any" or a list of states
type Availability types.Availability

func (a *Availability) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value != "any" {
			return fmt.Errorf("line %d: availability should be \"any\" or a list, got %q", node.Line, node.Value)
		}
		*a = Availability{Any: true}
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*a = Availability{Values: values}
		return nil
	}
	return fmt.Errorf("line %d: availability should be \"any\" or a list", node.Line)
}

func availability(a *Availability, def types.Availability) types.Availability {
	if a == nil {
		return def
	}
	return types.Availability(*a)
}

// Constraint keeps the YAML constraint list as strings: [0,+], [odd], [1]
type Constraint []string

func (c *Constraint) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = Constraint{node.Value}
		return nil
	case yaml.SequenceNode:
		out := make(Constraint, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: constraint items should be scalars", item.Line)
			}
			out = append(out, item.Value)
		}
		*c = out
		return nil
	}
	return fmt.Errorf("line %d: constraint should be a list", node.Line)
}

// StringList accepts a single string or a list of strings
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*l = StringList{node.Value}
		return nil
	}
	var values []string
	if err := node.Decode(&values); err != nil {
		return err
	}
	*l = values
	return nil
}
