// Package planner compiles a job into the step graph handed to the execution
// engine.
package planner

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/example/wfcore/internal/state"
)

type Step struct {
	StepID       string            `json:"step_id"`
	Type         string            `json:"type"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	TimeoutSec   int               `json:"timeout_sec"`
	MaxRetries   int               `json:"max_retries"`
	// Skip marks a step already completed by an earlier attempt.
	Skip bool `json:"skip,omitempty"`
}

type DAG struct {
	DAGID           string     `json:"dag_id"`
	JobID           string     `json:"job_id"`
	Tier            state.Tier `json:"tier"`
	PipelineVersion string     `json:"pipeline_version"`
	Steps           []Step     `json:"steps"`
}

// Pending returns the steps the engine still has to run.
func (d DAG) Pending() []Step {
	out := make([]Step, 0, len(d.Steps))
	for _, s := range d.Steps {
		if !s.Skip {
			out = append(out, s)
		}
	}
	return out
}

type stage struct {
	id      string
	typ     string
	minTier state.Tier
	timeout int
}

var pipeline = []stage{
	{"ingest", "io", state.TierLow, 120},
	{"normalize", "preprocess", state.TierLow, 300},
	{"segment", "vision", state.TierLow, 600},
	{"reconstruct", "geometry", state.TierLow, 1800},
	{"refine", "geometry", state.TierMedium, 1800},
	{"texture", "vision", state.TierHigh, 1800},
	{"upscale", "vision", state.TierHigh, 1200},
	{"package", "io", state.TierLow, 300},
}

type Compiler struct {
	stepRetries int
}

func NewCompiler(stepRetries int) *Compiler {
	if stepRetries < 0 {
		stepRetries = 0
	}
	return &Compiler{stepRetries: stepRetries}
}

// Compile builds the chain of stages enabled at the job's executed tier.
// Steps named in the job's checkpoint are marked Skip.
func (c *Compiler) Compile(job state.JobRecord) DAG {
	done := map[string]bool{}
	for _, id := range ParseCheckpoint(job.Checkpoint) {
		done[id] = true
	}
	dag := DAG{
		DAGID:           fmt.Sprintf("%s-a%d", job.ID, job.RetryCount),
		JobID:           job.ID,
		Tier:            job.Tier,
		PipelineVersion: job.PipelineVersion,
	}
	prev := ""
	for _, st := range pipeline {
		if job.Tier < st.minTier {
			continue
		}
		step := Step{
			StepID:     st.id,
			Type:       st.typ,
			TimeoutSec: st.timeout,
			MaxRetries: c.stepRetries,
			Skip:       done[st.id],
			Inputs: map[string]string{
				"fingerprint":      job.Fingerprint,
				"tier":             strings.ToLower(job.Tier.String()),
				"pipeline_version": job.PipelineVersion,
			},
		}
		if prev == "" {
			step.Inputs["descriptor"] = job.Descriptor
		} else {
			step.Dependencies = []string{prev}
		}
		if st.id == "reconstruct" || st.id == "refine" {
			step.Inputs["iterations"] = strconv.Itoa(iterations(job.Tier))
		}
		dag.Steps = append(dag.Steps, step)
		prev = st.id
	}
	return dag
}

func iterations(t state.Tier) int {
	switch t {
	case state.TierHigh:
		return 64
	case state.TierMedium:
		return 24
	default:
		return 8
	}
}

func ParseCheckpoint(cp string) []string {
	if strings.TrimSpace(cp) == "" {
		return nil
	}
	parts := strings.Split(cp, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AddToCheckpoint records stepID as completed.
func AddToCheckpoint(cp, stepID string) string {
	set := map[string]bool{}
	for _, id := range ParseCheckpoint(cp) {
		set[id] = true
	}
	if s := strings.TrimSpace(stepID); s != "" {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
