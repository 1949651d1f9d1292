package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// catalogFile is the YAML authoring shape for one catalog file. A file
// carries any mix of modules (with nested submodules) and rules.
type catalogFile struct {
	Modules []moduleDoc `yaml:"modules"`
	Rules   []ruleDoc   `yaml:"rules"`
}

type moduleDoc struct {
	ID                    int64          `yaml:"id"`
	Name                  string         `yaml:"name"`
	Description           string         `yaml:"description"`
	SequenceOrder         int            `yaml:"sequence_order"`
	RequiresAllSubmodules bool           `yaml:"requires_all_submodules"`
	AllowsBranching       bool           `yaml:"allows_branching"`
	IsActive              *bool          `yaml:"is_active"`
	Submodules            []submoduleDoc `yaml:"submodules"`
}

type submoduleDoc struct {
	ID                int64  `yaml:"id"`
	ParentSubmoduleID *int64 `yaml:"parent_submodule_id"`
	BranchName        string `yaml:"branch_name"`
	Name              string `yaml:"name"`
	Description       string `yaml:"description"`
	SequenceOrder     int    `yaml:"sequence_order"`
	IsActive          *bool  `yaml:"is_active"`
}

type ruleDoc struct {
	ID                int64          `yaml:"id"`
	SourceModuleID    int64          `yaml:"source_module_id"`
	SourceSubmoduleID *int64         `yaml:"source_submodule_id"`
	TargetSubmoduleID int64          `yaml:"target_submodule_id"`
	TargetBranch      string         `yaml:"target_branch"`
	ConditionType     string         `yaml:"condition_type"`
	Condition         map[string]any `yaml:"condition"`
	Priority          int            `yaml:"priority"`
	IsActive          *bool          `yaml:"is_active"`
}

// LoadDir walks rootDir for *.yaml/*.yml catalog files and builds a memory
// store. Files that fail to parse are skipped with a warning; rules whose
// condition payload fails schema validation are dropped the same way. A
// missing or empty directory is not an error.
func LoadDir(rootDir string) (*MemoryStore, error) {
	store := NewMemoryStore()
	modules, submodules, rules := 0, 0, 0

	if _, err := os.Stat(rootDir); os.IsNotExist(err) {
		slog.Warn("catalog directory missing", "path", rootDir)
		return store, nil
	}

	err := filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			slog.Warn("skipping invalid catalog YAML", "path", path, "error", err)
			return nil
		}

		m, s, r := loadFile(store, file, path)
		modules += m
		submodules += s
		rules += r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}

	slog.Info("catalog loaded",
		"modules", modules,
		"submodules", submodules,
		"rules", rules,
	)
	return store, nil
}

func loadFile(store *MemoryStore, file catalogFile, path string) (modules, submodules, rules int) {
	for _, md := range file.Modules {
		if md.ID == 0 {
			slog.Warn("skipping module without id", "path", path, "name", md.Name)
			continue
		}
		store.PutModule(Module{
			ID:                    md.ID,
			Name:                  md.Name,
			Description:           md.Description,
			SequenceOrder:         md.SequenceOrder,
			RequiresAllSubmodules: md.RequiresAllSubmodules,
			AllowsBranching:       md.AllowsBranching,
			IsActive:              activeDefault(md.IsActive),
		})
		modules++

		for _, sd := range md.Submodules {
			if sd.ID == 0 {
				slog.Warn("skipping submodule without id", "path", path, "module_id", md.ID, "name", sd.Name)
				continue
			}
			store.PutSubmodule(Submodule{
				ID:                sd.ID,
				ModuleID:          md.ID,
				ParentSubmoduleID: sd.ParentSubmoduleID,
				BranchName:        sd.BranchName,
				Name:              sd.Name,
				Description:       sd.Description,
				SequenceOrder:     sd.SequenceOrder,
				IsActive:          activeDefault(sd.IsActive),
			})
			submodules++
		}
	}

	for _, rd := range file.Rules {
		rule, err := admitRule(rd)
		if err != nil {
			slog.Warn("skipping invalid rule", "path", path, "rule_id", rd.ID, "error", err)
			continue
		}
		store.PutRule(rule)
		rules++
	}
	return modules, submodules, rules
}

// admitRule converts a YAML rule doc, validating its condition payload
// against the schema for its declared type.
func admitRule(rd ruleDoc) (Rule, error) {
	if rd.ID == 0 {
		return Rule{}, fmt.Errorf("rule id is required")
	}

	raw, err := json.Marshal(normalizeYAML(rd.Condition))
	if err != nil {
		return Rule{}, fmt.Errorf("encoding condition: %w", err)
	}

	rule := Rule{
		ID:                rd.ID,
		SourceModuleID:    rd.SourceModuleID,
		SourceSubmoduleID: rd.SourceSubmoduleID,
		TargetSubmoduleID: rd.TargetSubmoduleID,
		TargetBranch:      rd.TargetBranch,
		ConditionType:     ConditionType(rd.ConditionType),
		Priority:          rd.Priority,
		IsActive:          activeDefault(rd.IsActive),
	}
	if err := ValidateRule(rule, raw); err != nil {
		return Rule{}, err
	}

	cond, err := DecodeCondition(rule.ConditionType, raw)
	if err != nil {
		return Rule{}, err
	}
	rule.Condition = cond
	return rule, nil
}

// normalizeYAML converts yaml.v3 decoding artifacts (map[any]any keys) into
// JSON-encodable values.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}

func activeDefault(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}
