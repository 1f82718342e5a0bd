package domain

import "time"

// StageType names the kind of work a stage performs. The set is open-ended;
// these are the types pipelines use in practice.
type StageType string

// Known stage types.
const (
	StageBuild    StageType = "build"
	StageTest     StageType = "test"
	StageDeploy   StageType = "deploy"
	StageApproval StageType = "approval"
)

// Pipeline is the stored definition owned by the pipeline collaborator.
// Config is the raw, human-authored YAML document.
type Pipeline struct {
	ID        string
	Name      string
	Config    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageSpec is one entry of a resolved pipeline definition.
type StageSpec struct {
	Name  string
	Type  StageType
	Image string
	Steps []StageStep
	Env   map[string]string
}

// StageStep is a single command inside a stage, used by container executors.
type StageStep struct {
	Name    string
	Action  string
	Command string
}
