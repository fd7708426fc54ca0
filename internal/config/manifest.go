package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// PhasePreStageLoad marks tasks that run before the application's stage is
// loaded. Tasks without a phase run in the regular phase.
const PhasePreStageLoad = "preAbilityStageLoad"

// MatchRules select a task for a launch request even when it is excluded from
// auto start. Any single matching entry is enough.
type MatchRules struct {
	URIs           []string `json:"uris,omitempty"`
	Actions        []string `json:"actions,omitempty"`
	InsightIntents []string `json:"insightIntents,omitempty"`
	Customization  []string `json:"customization,omitempty"`
}

// Empty reports whether no rule is set.
func (r MatchRules) Empty() bool {
	return len(r.URIs) == 0 && len(r.Actions) == 0 && len(r.InsightIntents) == 0 && len(r.Customization) == 0
}

// TaskSpec declares one startup task. SrcEntry names the body in the
// bootstrap registry that implements it.
type TaskSpec struct {
	Name                 string     `json:"name"`
	SrcEntry             string     `json:"srcEntry"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	ExcludeFromAutoStart bool       `json:"excludeFromAutoStart,omitempty"`
	Timeout              Duration   `json:"timeout,omitempty"`
	Resources            []string   `json:"resources,omitempty"`
	MatchRules           MatchRules `json:"matchRules,omitempty"`
	SchedulerPhase       string     `json:"schedulerPhase,omitempty"`
}

// PreStageLoad reports whether the task belongs to the pre-stage-load phase.
func (t TaskSpec) PreStageLoad() bool { return t.SchedulerPhase == PhasePreStageLoad }

// Manifest is the declarative task list of an application. ConfigEntry names
// the application config in the bootstrap registry; it supplies the default
// task timeout, the customization matched by match rules, and a completion
// callback.
type Manifest struct {
	ConfigEntry string     `json:"configEntry,omitempty"`
	Tasks       []TaskSpec `json:"startupTasks"`
}

// hclManifestFile is the decode target for .hcl manifests:
//
//	config_entry = "app.config"
//
//	task "database" {
//	  src_entry    = "exec:./migrate up"
//	  dependencies = ["config"]
//	  timeout      = "5s"
//	  match_rules {
//	    actions = ["open.settings"]
//	  }
//	}
type hclManifestFile struct {
	ConfigEntry string     `hcl:"config_entry,optional"`
	Tasks       []*hclTask `hcl:"task,block"`
}

type hclTask struct {
	Name                 string         `hcl:"name,label"`
	SrcEntry             string         `hcl:"src_entry"`
	Dependencies         []string       `hcl:"dependencies,optional"`
	ExcludeFromAutoStart bool           `hcl:"exclude_from_auto_start,optional"`
	Timeout              string         `hcl:"timeout,optional"`
	Resources            []string       `hcl:"resources,optional"`
	SchedulerPhase       string         `hcl:"scheduler_phase,optional"`
	MatchRules           *hclMatchRules `hcl:"match_rules,block"`
}

type hclMatchRules struct {
	URIs           []string `hcl:"uris,optional"`
	Actions        []string `hcl:"actions,optional"`
	InsightIntents []string `hcl:"insight_intents,optional"`
	Customization  []string `hcl:"customization,optional"`
}

// LoadManifest reads a manifest, choosing the format from the file extension
// (.json or .hcl).
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseManifestJSON(data, path)
	case ".hcl":
		return ParseManifestHCL(data, path)
	default:
		return nil, fmt.Errorf("manifest %s: unsupported format %q (want .json or .hcl)", path, filepath.Ext(path))
	}
}

// ParseManifestJSON decodes and validates a JSON manifest. filename is only
// used in error messages.
func ParseManifestJSON(data []byte, filename string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", filename, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", filename, err)
	}
	return &m, nil
}

// ParseManifestHCL decodes and validates an HCL manifest.
func ParseManifestHCL(data []byte, filename string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing manifest %s: %w", filename, diags)
	}

	var parsed hclManifestFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decoding manifest %s: %w", filename, diags)
	}

	m := &Manifest{ConfigEntry: parsed.ConfigEntry}
	for _, t := range parsed.Tasks {
		timeout, err := parseDuration(t.Timeout)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: task %q: %w", filename, t.Name, err)
		}
		spec := TaskSpec{
			Name:                 t.Name,
			SrcEntry:             t.SrcEntry,
			Dependencies:         t.Dependencies,
			ExcludeFromAutoStart: t.ExcludeFromAutoStart,
			Timeout:              timeout,
			Resources:            t.Resources,
			SchedulerPhase:       t.SchedulerPhase,
		}
		if mr := t.MatchRules; mr != nil {
			spec.MatchRules = MatchRules{
				URIs:           mr.URIs,
				Actions:        mr.Actions,
				InsightIntents: mr.InsightIntents,
				Customization:  mr.Customization,
			}
		}
		m.Tasks = append(m.Tasks, spec)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", filename, err)
	}
	return m, nil
}

// Validate checks per-entry fields. Graph-level problems (unknown
// dependencies, cycles) are left to the scheduler.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Tasks))
	for i, t := range m.Tasks {
		if t.Name == "" {
			return fmt.Errorf("startup task %d: name is empty", i)
		}
		if t.SrcEntry == "" {
			return fmt.Errorf("startup task %q: srcEntry is empty", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("startup task %q declared twice", t.Name)
		}
		if t.Timeout < 0 {
			return fmt.Errorf("startup task %q: negative timeout", t.Name)
		}
		if t.SchedulerPhase != "" && t.SchedulerPhase != PhasePreStageLoad {
			return fmt.Errorf("startup task %q: unknown schedulerPhase %q", t.Name, t.SchedulerPhase)
		}
		seen[t.Name] = true
	}
	return nil
}

// Names returns the task names in declaration order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Tasks))
	for i, t := range m.Tasks {
		names[i] = t.Name
	}
	return names
}
