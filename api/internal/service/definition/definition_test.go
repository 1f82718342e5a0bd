package definition

import (
	"errors"
	"reflect"
	"testing"

	"github.com/splax/pipelines/api/internal/domain"
)

func TestResolveFallsBackToDefault(t *testing.T) {
	inputs := map[string]string{
		"empty":          "",
		"whitespace":     "   \n\t",
		"malformed yaml": "stages: [\n  - name: Build",
		"not a list":     "stages: build",
		"no stages key":  "name: nothing here",
		"empty list":     "stages: []",
		"missing type":   "stages:\n  - name: Build\n",
		"missing name":   "stages:\n  - type: build\n",
		"scalar doc":     "42",
	}
	want := Default()
	for name, raw := range inputs {
		got := Resolve(raw)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: expected default stages, got %+v", name, got)
		}
	}
}

func TestDefaultOrder(t *testing.T) {
	got := Default()
	if len(got) != 3 {
		t.Fatalf("expected 3 default stages, got %d", len(got))
	}
	names := []string{got[0].Name, got[1].Name, got[2].Name}
	types := []domain.StageType{got[0].Type, got[1].Type, got[2].Type}
	if !reflect.DeepEqual(names, []string{"Build", "Test", "Deploy"}) {
		t.Fatalf("unexpected default names %v", names)
	}
	if !reflect.DeepEqual(types, []domain.StageType{domain.StageBuild, domain.StageTest, domain.StageDeploy}) {
		t.Fatalf("unexpected default types %v", types)
	}
}

func TestResolveSingleStage(t *testing.T) {
	got := Resolve("stages:\n  - name: \"Lint\"\n    type: \"test\"\n")
	if len(got) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(got))
	}
	if got[0].Name != "Lint" || got[0].Type != domain.StageTest {
		t.Fatalf("unexpected stage %+v", got[0])
	}
}

func TestResolveKeepsStepsAndEnvironment(t *testing.T) {
	raw := `stages:
  - name: "Build"
    type: "build"
    image: "node:20"
    steps:
      - name: "Install Dependencies"
        action: "shell"
        command: "npm install"
  - name: "Approve"
    type: "approval"
environment_variables:
  NODE_ENV: "production"
`
	got := Resolve(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(got))
	}
	if got[0].Image != "node:20" {
		t.Fatalf("expected image node:20, got %q", got[0].Image)
	}
	if len(got[0].Steps) != 1 || got[0].Steps[0].Command != "npm install" {
		t.Fatalf("unexpected steps %+v", got[0].Steps)
	}
	if got[1].Type != domain.StageApproval {
		t.Fatalf("expected approval stage, got %q", got[1].Type)
	}
	if got[1].Env["NODE_ENV"] != "production" {
		t.Fatalf("expected environment variables on every stage, got %v", got[1].Env)
	}
	got[0].Env["NODE_ENV"] = "changed"
	if got[1].Env["NODE_ENV"] != "production" {
		t.Fatal("expected stage environments to be independent copies")
	}
}

func TestParseReportsFaults(t *testing.T) {
	if _, err := Parse(""); !errors.Is(err, ErrNoStages) {
		t.Fatalf("expected ErrNoStages, got %v", err)
	}
	if _, err := Parse("stages:\n  - name: Build\n"); err == nil {
		t.Fatal("expected error for stage without type")
	}
}
