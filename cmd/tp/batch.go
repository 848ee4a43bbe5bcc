package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"taskpilot/internal/domain"
)

// batchFile is the YAML accepted by `tp run --file`.
type batchFile struct {
	Tasks []batchTask `yaml:"tasks"`
}

type batchTask struct {
	ID          string         `yaml:"id"`
	Description string         `yaml:"description"`
	Goal        string         `yaml:"goal"`
	Priority    string         `yaml:"priority"`
	DependsOn   []string       `yaml:"depends_on"`
	Metadata    map[string]any `yaml:"metadata"`
}

func loadBatch(path string) ([]domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseBatch(data)
}

// parseBatch turns a batch document into tasks in file order. Ids are
// optional. Dependencies are kept as written; one naming an unknown id leaves
// its task waiting.
func parseBatch(data []byte) ([]domain.Task, error) {
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid task file: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("task file declares no tasks")
	}
	seen := map[string]bool{}
	out := make([]domain.Task, 0, len(f.Tasks))
	for i, bt := range f.Tasks {
		if strings.TrimSpace(bt.Description) == "" {
			return nil, fmt.Errorf("tasks[%d].description is required", i)
		}
		priority, err := domain.ParsePriority(bt.Priority)
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		goal := bt.Goal
		if goal == "" {
			goal = bt.Description
		}
		t := domain.NewTask(bt.Description, goal, priority).WithDependencies(bt.DependsOn...)
		if bt.ID != "" {
			if seen[bt.ID] {
				return nil, fmt.Errorf("tasks[%d].id %q is declared twice", i, bt.ID)
			}
			t.ID = bt.ID
		}
		seen[t.ID] = true
		for k, v := range bt.Metadata {
			t.Metadata[k] = v
		}
		out = append(out, t)
	}
	return out, nil
}
