package stages

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// StageDef describes one display stage of a job type. Stages are matched
// against the job's free-text message, which is the only sub-stage channel
// the job store exposes.
type StageDef struct {
	Name  string `yaml:"name" validate:"required"`
	Label string `yaml:"label" validate:"required"`
	Match string `yaml:"match" validate:"required"` // "|"-separated case-insensitive substrings
}

// stageFile is the YAML file layout: an ordered stage list per job type.
//
//	job_types:
//	  incident_extract:
//	    - name: fetch
//	      label: Fetching source
//	      match: "step 1|fetch"
type stageFile struct {
	JobTypes map[string][]StageDef `yaml:"job_types"`
}

// LoadDefinitions reads per-job-type stage definitions from a YAML file.
func LoadDefinitions(path string) (map[string][]StageDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage definitions %s: %w", path, err)
	}
	defs, err := ParseDefinitions(data)
	if err != nil {
		return nil, fmt.Errorf("invalid stage definitions %s: %w", path, err)
	}
	return defs, nil
}

// ParseDefinitions parses YAML stage definitions and validates them.
func ParseDefinitions(content []byte) (map[string][]StageDef, error) {
	var file stageFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("invalid YAML syntax: %w", err)
	}

	validate := validator.New()
	for jobType, stages := range file.JobTypes {
		if jobType == "" {
			return nil, fmt.Errorf("job type name cannot be empty")
		}
		if len(stages) == 0 {
			return nil, fmt.Errorf("job type '%s': at least one stage is required", jobType)
		}
		for i, stage := range stages {
			if err := validate.Struct(stage); err != nil {
				return nil, fmt.Errorf("job type '%s' stage %d: %w", jobType, i+1, err)
			}
			// An empty alternative would substring-match every message
			for _, alt := range strings.Split(stage.Match, "|") {
				if strings.TrimSpace(alt) == "" {
					return nil, fmt.Errorf("job type '%s' stage '%s': match pattern %q contains an empty alternative", jobType, stage.Name, stage.Match)
				}
			}
		}
	}

	if file.JobTypes == nil {
		file.JobTypes = map[string][]StageDef{}
	}
	return file.JobTypes, nil
}
