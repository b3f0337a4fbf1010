package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ObjectType names a kind of object in the topology
type ObjectType string

const (
	ObjectADCM      ObjectType = "adcm"
	ObjectCluster   ObjectType = "cluster"
	ObjectService   ObjectType = "service"
	ObjectComponent ObjectType = "component"
	ObjectProvider  ObjectType = "provider"
	ObjectHost      ObjectType = "host"
	ObjectGroup     ObjectType = "group"
	ObjectTask      ObjectType = "task"
	ObjectJob       ObjectType = "job"
)

// ObjectRef is a typed reference to one object of the topology
type ObjectRef struct {
	Type ObjectType `json:"type"`
	ID   int64      `json:"id"`
}

// Ref builds an ObjectRef
func Ref(t ObjectType, id int64) ObjectRef {
	return ObjectRef{Type: t, ID: id}
}

func (r ObjectRef) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// IsZero reports whether the reference is unset
func (r ObjectRef) IsZero() bool {
	return r.Type == "" && r.ID == 0
}

// ParseRef parses the "type/id" form produced by String
func ParseRef(s string) (ObjectRef, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok {
		return ObjectRef{}, fmt.Errorf("invalid object reference %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("invalid object id in %q: %w", s, err)
	}
	return ObjectRef{Type: ObjectType(kind), ID: n}, nil
}

// SortRefs orders references by type then id
func SortRefs(refs []ObjectRef) {
	slices.SortFunc(refs, func(a, b ObjectRef) int {
		if c := strings.Compare(string(a.Type), string(b.Type)); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// LicenseState tracks acceptance of a bundle license
type LicenseState string

const (
	LicenseAbsent     LicenseState = "absent"
	LicenseUnaccepted LicenseState = "unaccepted"
	LicenseAccepted   LicenseState = "accepted"
)

// Bundle is an uploaded package of prototypes
type Bundle struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Edition     string    `json:"edition"`
	Hash        string    `json:"hash"`
	LicensePath string    `json:"license_path,omitempty"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServiceComponentRef names a service and optionally one of its components
type ServiceComponentRef struct {
	Service   string `json:"service" yaml:"service"`
	Component string `json:"component,omitempty" yaml:"component,omitempty"`
}

func (r ServiceComponentRef) String() string {
	if r.Component == "" {
		return r.Service
	}
	return r.Service + "." + r.Component
}

// VersionRange bounds acceptable versions of an exporter
type VersionRange struct {
	Min       string `json:"min,omitempty" yaml:"min,omitempty"`
	Max       string `json:"max,omitempty" yaml:"max,omitempty"`
	MinStrict bool   `json:"min_strict,omitempty" yaml:"min_strict,omitempty"`
	MaxStrict bool   `json:"max_strict,omitempty" yaml:"max_strict,omitempty"`
}

// ImportDef declares that a cluster or service consumes an export
type ImportDef struct {
	Name      string       `json:"name"`
	Versions  VersionRange `json:"versions"`
	Required  bool         `json:"required"`
	Multibind bool         `json:"multibind"`
	Default   []string     `json:"default,omitempty"`
}

// Prototype is a typed template defined by a bundle
type Prototype struct {
	ID             int64                 `json:"id"`
	BundleID       int64                 `json:"bundle_id"`
	Type           ObjectType            `json:"type"`
	Name           string                `json:"name"`
	DisplayName    string                `json:"display_name,omitempty"`
	Version        string                `json:"version"`
	ParentID       int64                 `json:"parent_id,omitempty"`
	Required       bool                  `json:"required"`
	Shared         bool                  `json:"shared"`
	Monitoring     string                `json:"monitoring"`
	License        LicenseState          `json:"license"`
	LicensePath    string                `json:"license_path,omitempty"`
	ADCMMinVersion string                `json:"adcm_min_version,omitempty"`
	Constraint     []string              `json:"constraint,omitempty"`
	Requires       []ServiceComponentRef `json:"requires,omitempty"`
	BoundTo        *ServiceComponentRef  `json:"bound_to,omitempty"`
	Imports        []ImportDef           `json:"imports,omitempty"`
	Exports        []string              `json:"exports,omitempty"`
	Config         []ConfigField         `json:"config,omitempty"`
}

// ConfigLimits restricts the values a config field accepts
type ConfigLimits struct {
	Min         *float64       `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64       `json:"max,omitempty" yaml:"max,omitempty"`
	Option      map[string]any `json:"option,omitempty" yaml:"option,omitempty"`
	Activatable bool           `json:"activatable,omitempty" yaml:"activatable,omitempty"`
	Active      bool           `json:"active,omitempty" yaml:"active,omitempty"`
}

// ConfigField is one entry of a flattened config schema. Group members carry SubName.
type ConfigField struct {
	Name        string       `json:"name" yaml:"name"`
	SubName     string       `json:"subname,omitempty" yaml:"subname,omitempty"`
	Type        string       `json:"type" yaml:"type"`
	Required    bool         `json:"required" yaml:"required"`
	Default     any          `json:"default,omitempty" yaml:"default,omitempty"`
	ReadOnly    bool         `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Limits      ConfigLimits `json:"limits,omitempty" yaml:"limits,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	GroupCustom bool         `json:"group_customization,omitempty" yaml:"group_customization,omitempty"`
}

// Key returns "name" or "name/subname"
func (f ConfigField) Key() string {
	if f.SubName == "" {
		return f.Name
	}
	return f.Name + "/" + f.SubName
}

// Availability is either "any" or an explicit list of states
type Availability struct {
	Any    bool     `json:"any,omitempty"`
	Values []string `json:"values,omitempty"`
}

// Allows reports whether the state is acceptable
func (a Availability) Allows(state string) bool {
	return a.Any || slices.Contains(a.Values, state)
}

// Intersects reports whether any of the states is listed
func (a Availability) Intersects(states []string) bool {
	if a.Any {
		return len(states) > 0
	}
	for _, s := range states {
		if slices.Contains(a.Values, s) {
			return true
		}
	}
	return false
}

// StateChange is applied to the action target on success or failure
type StateChange struct {
	State           string   `json:"state,omitempty"`
	MultiStateSet   []string `json:"multi_state_set,omitempty"`
	MultiStateUnset []string `json:"multi_state_unset,omitempty"`
}

// IsEmpty reports whether applying the change would do nothing
func (s *StateChange) IsEmpty() bool {
	return s == nil || (s.State == "" && len(s.MultiStateSet) == 0 && len(s.MultiStateUnset) == 0)
}

// HCAction classifies one change of the host-component map
type HCAction string

const (
	HCAdd    HCAction = "add"
	HCRemove HCAction = "remove"
)

// HCRule allows an action to add or remove a service.component mapping
type HCRule struct {
	Service   string   `json:"service"`
	Component string   `json:"component"`
	Action    HCAction `json:"action"`
}

// ActionType distinguishes single-script and multi-script actions
type ActionType string

const (
	ActionJob  ActionType = "job"
	ActionTask ActionType = "task"
)

// ScriptType selects the job executor
type ScriptType string

const (
	ScriptAnsible  ScriptType = "ansible"
	ScriptPython   ScriptType = "python"
	ScriptInternal ScriptType = "internal"
)

// Internal scripts understood by the runner
const (
	ScriptBundleSwitch = "bundle_switch"
	ScriptBundleRevert = "bundle_revert"
)

// SubAction is one script step of an action
type SubAction struct {
	Name             string         `json:"name"`
	DisplayName      string         `json:"display_name,omitempty"`
	Script           string         `json:"script"`
	ScriptType       ScriptType     `json:"script_type"`
	Params           map[string]any `json:"params,omitempty"`
	OnFail           *StateChange   `json:"on_fail,omitempty"`
	AllowToTerminate bool           `json:"allow_to_terminate"`
}

// Action is a named unit of automation attached to a prototype
type Action struct {
	ID                     int64          `json:"id"`
	PrototypeID            int64          `json:"prototype_id"`
	Name                   string         `json:"name"`
	DisplayName            string         `json:"display_name,omitempty"`
	Type                   ActionType     `json:"type"`
	Script                 string         `json:"script,omitempty"`
	ScriptType             ScriptType     `json:"script_type,omitempty"`
	Params                 map[string]any `json:"params,omitempty"`
	SubActions             []SubAction    `json:"sub_actions,omitempty"`
	HCACL                  []HCRule       `json:"hc_acl,omitempty"`
	StateAvailable         Availability   `json:"state_available"`
	StateUnavailable       Availability   `json:"state_unavailable"`
	MultiStateAvailable    Availability   `json:"multi_state_available"`
	MultiStateUnavailable  Availability   `json:"multi_state_unavailable"`
	OnSuccess              *StateChange   `json:"on_success,omitempty"`
	OnFail                 *StateChange   `json:"on_fail,omitempty"`
	AllowInMaintenanceMode bool           `json:"allow_in_maintenance_mode"`
	AllowToTerminate       bool           `json:"allow_to_terminate"`
	HostAction             bool           `json:"host_action"`
	Venv                   string         `json:"venv,omitempty"`
	Config                 []ConfigField  `json:"config,omitempty"`
	UpgradeID              int64          `json:"upgrade_id,omitempty"`
}

// Steps returns the script steps the action runs, one per job
func (a *Action) Steps() []SubAction {
	if a.Type == ActionTask && len(a.SubActions) > 0 {
		return a.SubActions
	}
	return []SubAction{{
		Name:             a.Name,
		DisplayName:      a.DisplayName,
		Script:           a.Script,
		ScriptType:       a.ScriptType,
		Params:           a.Params,
		AllowToTerminate: a.AllowToTerminate,
	}}
}

// Upgrade describes a transition of a cluster or provider to another bundle
type Upgrade struct {
	ID             int64        `json:"id"`
	BundleID       int64        `json:"bundle_id"`
	Name           string       `json:"name"`
	DisplayName    string       `json:"display_name,omitempty"`
	Versions       VersionRange `json:"versions"`
	FromEdition    []string     `json:"from_edition"`
	StateAvailable Availability `json:"state_available"`
	StateOnSuccess string       `json:"state_on_success,omitempty"`
	ActionID       int64        `json:"action_id,omitempty"`
}

// MaintenanceMode is the per-object maintenance flag
type MaintenanceMode string

const (
	MaintenanceOff      MaintenanceMode = "off"
	MaintenanceOn       MaintenanceMode = "on"
	MaintenanceChanging MaintenanceMode = "changing"
)

// StateCreated is the initial state of every object
const StateCreated = "created"

// Object carries the attributes every stateful topology object shares
type Object struct {
	ID          int64    `json:"id"`
	PrototypeID int64    `json:"prototype_id"`
	State       string   `json:"state"`
	MultiState  []string `json:"multi_state"`
	ConfigID    int64    `json:"config_id"`
}

// BeforeUpgrade remembers what a bundle_switch replaced so it can be reverted
type BeforeUpgrade struct {
	BundleID    int64           `json:"bundle_id"`
	PrototypeID int64           `json:"prototype_id"`
	State       string          `json:"state"`
	Services    map[int64]int64 `json:"services,omitempty"`
	Components  map[int64]int64 `json:"components,omitempty"`
	Hosts       map[int64]int64 `json:"hosts,omitempty"`
	HC          []HostComponent `json:"hc,omitempty"`
}

// Cluster is a user-created cluster
type Cluster struct {
	Object
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	BeforeUpgrade *BeforeUpgrade `json:"before_upgrade,omitempty"`
}

// Service is a service added to a cluster
type Service struct {
	Object
	ClusterID       int64           `json:"cluster_id"`
	MaintenanceMode MaintenanceMode `json:"maintenance_mode"`
}

// Component is a component of a cluster service
type Component struct {
	Object
	ClusterID       int64           `json:"cluster_id"`
	ServiceID       int64           `json:"service_id"`
	MaintenanceMode MaintenanceMode `json:"maintenance_mode"`
}

// Provider is a hostprovider
type Provider struct {
	Object
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	BeforeUpgrade *BeforeUpgrade `json:"before_upgrade,omitempty"`
}

// Host is a host created under a provider, optionally attached to a cluster
type Host struct {
	Object
	ProviderID      int64           `json:"provider_id"`
	ClusterID       int64           `json:"cluster_id,omitempty"`
	FQDN            string          `json:"fqdn"`
	Description     string          `json:"description"`
	MaintenanceMode MaintenanceMode `json:"maintenance_mode"`
}

// Entity is implemented by every stateful topology object
type Entity interface {
	Base() *Object
	Ref() ObjectRef
}

func (c *Cluster) Base() *Object   { return &c.Object }
func (s *Service) Base() *Object   { return &s.Object }
func (c *Component) Base() *Object { return &c.Object }
func (p *Provider) Base() *Object  { return &p.Object }
func (h *Host) Base() *Object      { return &h.Object }

func (c *Cluster) Ref() ObjectRef   { return Ref(ObjectCluster, c.ID) }
func (s *Service) Ref() ObjectRef   { return Ref(ObjectService, s.ID) }
func (c *Component) Ref() ObjectRef { return Ref(ObjectComponent, c.ID) }
func (p *Provider) Ref() ObjectRef  { return Ref(ObjectProvider, p.ID) }
func (h *Host) Ref() ObjectRef      { return Ref(ObjectHost, h.ID) }

// HasMultiState reports whether the multi-state set contains s
func (o *Object) HasMultiState(s string) bool {
	return slices.Contains(o.MultiState, s)
}

// ApplyStateChange sets the state and updates the multi-state set.
// It reports whether anything changed.
func (o *Object) ApplyStateChange(c *StateChange) bool {
	if c.IsEmpty() {
		return false
	}
	changed := false
	if c.State != "" && c.State != o.State {
		o.State = c.State
		changed = true
	}
	for _, s := range c.MultiStateSet {
		if !o.HasMultiState(s) {
			o.MultiState = append(o.MultiState, s)
			changed = true
		}
	}
	for _, s := range c.MultiStateUnset {
		if i := slices.Index(o.MultiState, s); i >= 0 {
			o.MultiState = slices.Delete(o.MultiState, i, i+1)
			changed = true
		}
	}
	return changed
}

// HostComponent is one entry of a cluster's host-component map
type HostComponent struct {
	ClusterID   int64 `json:"cluster_id"`
	ServiceID   int64 `json:"service_id"`
	ComponentID int64 `json:"component_id"`
	HostID      int64 `json:"host_id"`
}

// Key identifies the entry within a cluster
func (hc HostComponent) Key() string {
	return fmt.Sprintf("%d.%d.%d", hc.ServiceID, hc.ComponentID, hc.HostID)
}

// ObjectConfig holds the current and previous config versions of one owner
type ObjectConfig struct {
	ID       int64     `json:"id"`
	Owner    ObjectRef `json:"owner"`
	Current  int64     `json:"current"`
	Previous int64     `json:"previous"`
}

// ConfigLog is one immutable config version
type ConfigLog struct {
	ID          int64          `json:"id"`
	ObjConfID   int64          `json:"obj_conf_id"`
	Config      map[string]any `json:"config"`
	Attr        map[string]any `json:"attr"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ConfigHostGroup is a set of hosts sharing an overriding config
type ConfigHostGroup struct {
	ID          int64     `json:"id"`
	Owner       ObjectRef `json:"owner"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	HostIDs     []int64   `json:"host_ids"`
	ConfigID    int64     `json:"config_id"`
}

// ClusterBind is a directed import edge from a source cluster or service
type ClusterBind struct {
	ID              int64 `json:"id"`
	ClusterID       int64 `json:"cluster_id"`
	ServiceID       int64 `json:"service_id,omitempty"`
	SourceClusterID int64 `json:"source_cluster_id"`
	SourceServiceID int64 `json:"source_service_id,omitempty"`
}

// Importer returns the object that owns the bind
func (b ClusterBind) Importer() ObjectRef {
	if b.ServiceID != 0 {
		return Ref(ObjectService, b.ServiceID)
	}
	return Ref(ObjectCluster, b.ClusterID)
}

// Source returns the exporting object
func (b ClusterBind) Source() ObjectRef {
	if b.SourceServiceID != 0 {
		return Ref(ObjectService, b.SourceServiceID)
	}
	return Ref(ObjectCluster, b.SourceClusterID)
}

// TaskStatus is the lifecycle status of tasks and jobs
type TaskStatus string

const (
	StatusCreated TaskStatus = "created"
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
	StatusAborted TaskStatus = "aborted"
	StatusBroken  TaskStatus = "broken"
)

// IsTerminal reports whether the status ends a run
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusAborted, StatusBroken:
		return true
	}
	return false
}

// HCDelta lists the entries a task adds and removes
type HCDelta struct {
	Add    []HostComponent `json:"add,omitempty"`
	Remove []HostComponent `json:"remove,omitempty"`
}

// Task is a runtime invocation of an action
type Task struct {
	ID            int64           `json:"id"`
	ActionID      int64           `json:"action_id"`
	Owner         ObjectRef       `json:"owner"`
	Target        ObjectRef       `json:"target"`
	Status        TaskStatus      `json:"status"`
	Config        map[string]any  `json:"config,omitempty"`
	Attr          map[string]any  `json:"attr,omitempty"`
	Verbose       bool            `json:"verbose"`
	HCSnapshot    []HostComponent `json:"hostcomponent_snapshot,omitempty"`
	HCDelta       HCDelta         `json:"hc_delta"`
	PostUpgradeHC []HostComponent `json:"post_upgrade_hc,omitempty"`
	RestoreOnFail bool            `json:"restore_on_fail"`
	UpgradeID     int64           `json:"upgrade_id,omitempty"`
	LockID        int64           `json:"lock_id,omitempty"`
	PID           int             `json:"pid"`
	StartAt       time.Time       `json:"start_at"`
	FinishAt      time.Time       `json:"finish_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Job is one script step of a task
type Job struct {
	ID               int64          `json:"id"`
	TaskID           int64          `json:"task_id"`
	Index            int            `json:"index"`
	Name             string         `json:"name"`
	DisplayName      string         `json:"display_name"`
	Script           string         `json:"script"`
	ScriptType       ScriptType     `json:"script_type"`
	Params           map[string]any `json:"params,omitempty"`
	Status           TaskStatus     `json:"status"`
	OnFail           *StateChange   `json:"on_fail,omitempty"`
	AllowToTerminate bool           `json:"allow_to_terminate"`
	PID              int            `json:"pid"`
	StartAt          time.Time      `json:"start_at"`
	FinishAt         time.Time      `json:"finish_at"`
}

// ConcernType separates locks, issues and flags
type ConcernType string

const (
	ConcernLock  ConcernType = "lock"
	ConcernIssue ConcernType = "issue"
	ConcernFlag  ConcernType = "flag"
)

// ConcernCause names the check that produced a concern
type ConcernCause string

const (
	CauseConfig        ConcernCause = "config"
	CauseImport        ConcernCause = "import"
	CauseService       ConcernCause = "service"
	CauseHostComponent ConcernCause = "hostcomponent"
	CauseRequirement   ConcernCause = "requirement"
	CauseJob           ConcernCause = "job"
)

// Placeholder points a message template slot at an object
type Placeholder struct {
	Type ObjectType `json:"type"`
	ID   int64      `json:"id"`
	Name string     `json:"name"`
}

// Message is a renderable concern reason
type Message struct {
	Template     string                 `json:"template"`
	Placeholders map[string]Placeholder `json:"placeholders,omitempty"`
	Text         string                 `json:"text"`
}

// Concern is a reason an object is not ready, is mutating, or needs attention
type Concern struct {
	ID       int64        `json:"id"`
	Type     ConcernType  `json:"type"`
	Cause    ConcernCause `json:"cause"`
	Owner    ObjectRef    `json:"owner"`
	Blocking bool         `json:"blocking"`
	Reason   Message      `json:"reason"`
	Related  []ObjectRef  `json:"related"`
	TaskID   int64        `json:"task_id,omitempty"`
}

// Covers reports whether the concern is attached to ref
func (c *Concern) Covers(ref ObjectRef) bool {
	return slices.Contains(c.Related, ref)
}

// Clone returns a deep copy of the value via JSON; used for snapshots
func Clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
