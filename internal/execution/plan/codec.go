package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
)

// File is a batch of run requests, each written as the same selector tokens
// the command line accepts.
//
//	runs:
//	  - args: [cnn, classify, nested-cross-val, all]
//	    gpu: 0
//	  - args: [gan, train, "1000"]
//	    seed: 3
type File struct {
	Runs []FileRun `yaml:"runs"`
}

type FileRun struct {
	Args []string `yaml:"args"`
	Seed *int     `yaml:"seed,omitempty"`
	GPU  *int     `yaml:"gpu,omitempty"`
}

func (f File) Validate() error {
	if len(f.Runs) == 0 {
		return errors.New("plan file: runs must be non-empty")
	}
	for i, run := range f.Runs {
		if len(run.Args) == 0 {
			return fmt.Errorf("plan file: runs[%d].args is required", i)
		}
		for j, a := range run.Args {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("plan file: runs[%d].args[%d] must not be empty", i, j)
			}
		}
	}
	return nil
}

// UnmarshalFile parses and validates a plan file.
func UnmarshalFile(raw []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return File{}, fmt.Errorf("parse plan file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read plan file: %w", err)
	}
	return UnmarshalFile(raw)
}

// MarshalInvocations renders invocations as YAML with stable field names, for
// dry runs.
func MarshalInvocations(invs []domain.Invocation) ([]byte, error) {
	payload := make([]invocationPayload, 0, len(invs))
	for _, inv := range invs {
		payload = append(payload, invocationPayloadFromDomain(inv))
	}
	return yaml.Marshal(map[string]any{"invocations": payload})
}

type invocationPayload struct {
	Name      string              `yaml:"name"`
	Program   string              `yaml:"program"`
	Args      []string            `yaml:"args,flow"`
	Env       map[string]string   `yaml:"env,omitempty"`
	Dir       string              `yaml:"dir,omitempty"`
	Log       string              `yaml:"log"`
	Outputs   []string            `yaml:"outputs,omitempty"`
	Expects   string              `yaml:"expects,omitempty"`
	Followups []invocationPayload `yaml:"followups,omitempty"`
}

func invocationPayloadFromDomain(inv domain.Invocation) invocationPayload {
	out := invocationPayload{
		Name:    inv.Name,
		Program: inv.Program,
		Args:    inv.Args,
		Env:     inv.Env,
		Dir:     inv.Dir,
		Log:     inv.LogPath,
		Outputs: inv.Outputs,
		Expects: inv.Expects,
	}
	for _, f := range inv.Followups {
		out.Followups = append(out.Followups, invocationPayloadFromDomain(f))
	}
	return out
}
