package domain

import (
	"sort"
	"time"
)

// DeviceEnvKey is the device selector passed to each child process.
const DeviceEnvKey = "CUDA_VISIBLE_DEVICES"

// Invocation is a fully resolved external-process call. Treat values as
// immutable; the With* helpers return modified copies.
type Invocation struct {
	Name    string
	Program string
	Args    []string
	Env     map[string]string
	Dir     string

	// LogPath receives combined stdout and stderr.
	LogPath string
	// Outputs are compressed in place after the process exits.
	Outputs []string
	// Expects is the resume marker; its presence (plain or compressed) at
	// the start of a run means the invocation already completed.
	Expects string
	// Dirs are created before the process starts.
	Dirs []string
	// Followups run only after this invocation succeeds.
	Followups []Invocation
}

// WithEnv returns a copy of inv with key set in its own environment.
func (inv Invocation) WithEnv(key, value string) Invocation {
	out := inv.clone()
	if out.Env == nil {
		out.Env = map[string]string{}
	}
	out.Env[key] = value
	for i := range out.Followups {
		out.Followups[i] = out.Followups[i].WithEnv(key, value)
	}
	return out
}

// WithFollowup returns a copy of inv with next appended to its follow-ups.
func (inv Invocation) WithFollowup(next Invocation) Invocation {
	out := inv.clone()
	out.Followups = append(out.Followups, next)
	return out
}

// EnvKeys returns the override keys in sorted order.
func (inv Invocation) EnvKeys() []string {
	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (inv Invocation) clone() Invocation {
	out := inv
	out.Args = append([]string(nil), inv.Args...)
	out.Outputs = append([]string(nil), inv.Outputs...)
	out.Dirs = append([]string(nil), inv.Dirs...)
	if inv.Env != nil {
		out.Env = make(map[string]string, len(inv.Env))
		for k, v := range inv.Env {
			out.Env[k] = v
		}
	}
	if inv.Followups != nil {
		out.Followups = make([]Invocation, len(inv.Followups))
		for i, f := range inv.Followups {
			out.Followups[i] = f.clone()
		}
	}
	return out
}

type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusSkipped   Status = "Skipped"
)

// Outcome reports how one invocation ended.
type Outcome struct {
	Name       string
	Status     Status
	ExitCode   int
	Reason     string
	Err        error
	LogPath    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// OK reports whether the outcome counts toward batch success. Skips under the
// resume policy count as success; skips caused by a failed dependency do not.
func (o Outcome) OK() bool {
	switch o.Status {
	case StatusSucceeded:
		return true
	case StatusSkipped:
		return o.Reason == ReasonAlreadyDone
	default:
		return false
	}
}

const (
	ReasonAlreadyDone      = "output_exists"
	ReasonDependencyFailed = "dependency_failed"
	ReasonExitStatus       = "exit_status"
	ReasonEnvironment      = "environment"
	ReasonCanceled         = "canceled"
)

// Summary aggregates the outcomes of one batch. Blocked counts invocations
// skipped because an earlier link of their chain failed.
type Summary struct {
	BatchID   string
	Outcomes  []Outcome
	Succeeded int
	Failed    int
	Blocked   int
	Skipped   int
}

func (s *Summary) Add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
	switch {
	case o.Status == StatusSucceeded:
		s.Succeeded++
	case o.Status == StatusSkipped && o.OK():
		s.Skipped++
	case o.Status == StatusSkipped:
		s.Blocked++
	default:
		s.Failed++
	}
}

// OK is the conjunction of every outcome.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.Blocked == 0
}

// Failures returns the outcomes that ran, or tried to, and did not succeed.
func (s Summary) Failures() []Outcome {
	return s.filter(s.Failed, func(o Outcome) bool { return o.Status == StatusFailed })
}

func (s Summary) BlockedOutcomes() []Outcome {
	return s.filter(s.Blocked, func(o Outcome) bool { return o.Status == StatusSkipped && !o.OK() })
}

func (s Summary) filter(n int, keep func(Outcome) bool) []Outcome {
	out := make([]Outcome, 0, n)
	for _, o := range s.Outcomes {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}
