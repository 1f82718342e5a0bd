// Package definition turns a stored pipeline configuration document into the
// ordered stage list an execution runs.
//
// Parsing is deliberately lenient: an absent, empty, malformed, or structurally
// invalid document resolves to the default Build, Test, Deploy sequence and the
// fault is never reported to the caller. Use Parse when the error matters, for
// example to warn a user at save time.
package definition

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/splax/pipelines/api/internal/domain"
)

// ErrNoStages indicates a document without a usable stages list.
var ErrNoStages = errors.New("definition: no stages defined")

// Default returns the fallback stage sequence.
func Default() []domain.StageSpec {
	return []domain.StageSpec{
		{Name: "Build", Type: domain.StageBuild},
		{Name: "Test", Type: domain.StageTest},
		{Name: "Deploy", Type: domain.StageDeploy},
	}
}

type document struct {
	Stages []stageDocument   `yaml:"stages"`
	Env    map[string]string `yaml:"environment_variables"`
}

type stageDocument struct {
	Name  string         `yaml:"name"`
	Type  string         `yaml:"type"`
	Image string         `yaml:"image"`
	Steps []stepDocument `yaml:"steps"`
}

type stepDocument struct {
	Name    string `yaml:"name"`
	Action  string `yaml:"action"`
	Command string `yaml:"command"`
}

// Resolve returns the stages described by raw, or Default when raw is empty or
// cannot be parsed.
func Resolve(raw string) []domain.StageSpec {
	specs, err := Parse(raw)
	if err != nil {
		return Default()
	}
	return specs
}

// Parse strictly decodes raw. Every stage must supply a name and a type.
func Parse(raw string) ([]domain.StageSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNoStages
	}
	var doc document
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("definition: decode: %w", err)
	}
	if len(doc.Stages) == 0 {
		return nil, ErrNoStages
	}
	specs := make([]domain.StageSpec, 0, len(doc.Stages))
	for i, st := range doc.Stages {
		name := strings.TrimSpace(st.Name)
		typ := strings.ToLower(strings.TrimSpace(st.Type))
		if name == "" {
			return nil, fmt.Errorf("definition: stage %d is missing a name", i)
		}
		if typ == "" {
			return nil, fmt.Errorf("definition: stage %q is missing a type", name)
		}
		spec := domain.StageSpec{
			Name:  name,
			Type:  domain.StageType(typ),
			Image: strings.TrimSpace(st.Image),
		}
		for _, step := range st.Steps {
			spec.Steps = append(spec.Steps, domain.StageStep{
				Name:    step.Name,
				Action:  step.Action,
				Command: step.Command,
			})
		}
		if len(doc.Env) > 0 {
			spec.Env = make(map[string]string, len(doc.Env))
			for k, v := range doc.Env {
				spec.Env[k] = v
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
