package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
)

// Fingerprint hashes what determines an invocation's behavior: program, args,
// env overrides and working dir. Two runs with equal fingerprints differ only
// in inherited host state.
func Fingerprint(inv domain.Invocation) (string, error) {
	type fingerprintInput struct {
		Program string            `json:"program"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env"`
		Dir     string            `json:"dir,omitempty"`
	}

	in := fingerprintInput{
		Program: inv.Program,
		Args:    inv.Args,
		Env:     inv.Env,
		Dir:     inv.Dir,
	}
	if in.Args == nil {
		in.Args = []string{}
	}
	if in.Env == nil {
		in.Env = map[string]string{}
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
