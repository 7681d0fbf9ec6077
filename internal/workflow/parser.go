package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// definitionFile is the YAML envelope for a workflow definition:
//
//	workflow:
//	  name: "data-processing-pipeline"
//	  jobs:
//	    - id: "validate-input"
//	      type: "validation"
//	      parameters:
//	        schema: "user-data"
//	      on_success: "process-data"
//	      on_failure: "notify"
//	    - id: "process-data"
//	      type: "processing"
//	      max_retries: 5
//	    - id: "notify"
//	      type: "cleanup"
//	      always_run: true
//
// on_success and on_failure accept a single id or a list of ids.
type definitionFile struct {
	Workflow *definition `yaml:"workflow"`
}

type definition struct {
	Name string          `yaml:"name"`
	Jobs []jobDefinition `yaml:"jobs"`
}

type jobDefinition struct {
	ID         string         `yaml:"id"`
	Type       string         `yaml:"type"`
	Parameters map[string]any `yaml:"parameters"`
	OnSuccess  stringList     `yaml:"on_success"`
	OnFailure  stringList     `yaml:"on_failure"`
	AlwaysRun  bool           `yaml:"always_run"`
	MaxRetries *int           `yaml:"max_retries"`
}

// stringList unmarshals either a single YAML string or a sequence of
// strings into a slice.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*l = []string{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := node.Decode(&ss); err != nil {
			return err
		}
		*l = ss
		return nil
	default:
		return fmt.Errorf("must be a string or list of strings")
	}
}

// Parse parses a YAML workflow definition into a pending Workflow.
// Validation failures return *DefinitionError. Beyond field-level
// checks, the graph is built once to reject dangling references and
// cycles before the workflow is handed to the caller.
func Parse(yamlContent []byte) (*Workflow, error) {
	var file definitionFile
	if err := yaml.Unmarshal(yamlContent, &file); err != nil {
		return nil, NewDefinitionError("invalid YAML: %v", err)
	}
	if file.Workflow == nil {
		return nil, NewDefinitionError("definition must contain a 'workflow' key")
	}

	def := file.Workflow
	if def.Name == "" {
		return nil, NewDefinitionError("workflow must have a 'name'")
	}
	if len(def.Jobs) == 0 {
		return nil, NewDefinitionError("workflow must have at least one job")
	}

	jobs := make([]*Job, 0, len(def.Jobs))
	seen := make(map[string]bool, len(def.Jobs))
	for idx, jd := range def.Jobs {
		job, err := parseJob(jd, idx)
		if err != nil {
			return nil, err
		}
		if seen[job.ID] {
			return nil, NewDefinitionError("duplicate job id: %s", job.ID)
		}
		seen[job.ID] = true
		jobs = append(jobs, job)
	}

	// Graph construction validates references, always_run successors,
	// and acyclicity.
	if _, err := BuildGraph(jobs); err != nil {
		return nil, err
	}

	return New(def.Name, jobs), nil
}

func parseJob(jd jobDefinition, index int) (*Job, error) {
	if jd.ID == "" {
		return nil, NewDefinitionError("job at index %d must have an 'id'", index)
	}
	if jd.Type == "" {
		return nil, NewDefinitionError("job %q must have a 'type'", jd.ID)
	}
	jobType := JobType(jd.Type)
	if !jobType.IsValid() {
		return nil, NewDefinitionError("job %q has invalid type %q, valid types: %v", jd.ID, jd.Type, JobTypes())
	}

	params := jd.Parameters
	if params == nil {
		params = map[string]any{}
	}

	job := NewJob(jd.ID, jobType, params)
	job.OnSuccess = jd.OnSuccess
	job.OnFailure = jd.OnFailure
	job.AlwaysRun = jd.AlwaysRun
	if jd.MaxRetries != nil {
		if *jd.MaxRetries < 0 {
			return nil, NewDefinitionError("job %q max_retries must be non-negative", jd.ID)
		}
		job.MaxRetries = *jd.MaxRetries
	}
	return job, nil
}

// ToYAML renders a workflow back into the definition format. Defaults
// (empty parameters, always_run false, max_retries 3) are omitted.
func ToYAML(w *Workflow) ([]byte, error) {
	def := definition{Name: w.Name}
	for _, j := range w.Jobs {
		jd := jobDefinition{
			ID:         j.ID,
			Type:       string(j.Type),
			Parameters: j.Parameters,
			OnSuccess:  stringList(j.OnSuccess),
			OnFailure:  stringList(j.OnFailure),
			AlwaysRun:  j.AlwaysRun,
		}
		if j.MaxRetries != DefaultMaxRetries {
			retries := j.MaxRetries
			jd.MaxRetries = &retries
		}
		def.Jobs = append(def.Jobs, jd)
	}
	return yaml.Marshal(definitionFile{Workflow: &def})
}
