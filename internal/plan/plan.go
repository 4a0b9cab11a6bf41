// Package plan turns a task objective into an ordered list of step
// descriptions by asking the model for a numbered breakdown.
package plan

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cofounder/internal/model"
)

// ErrPlanGeneration reports that the model failed to produce a usable
// step list. The enclosing task must not start running.
var ErrPlanGeneration = errors.New("plan generation failed")

// Generator decomposes objectives into steps.
type Generator struct {
	Model    model.Caller
	MaxSteps int
}

func NewGenerator(m model.Caller, maxSteps int) *Generator {
	if maxSteps <= 0 {
		maxSteps = 10
	}
	return &Generator{Model: m, MaxSteps: maxSteps}
}

const planSystemPrompt = `You are a planning assistant. Break objectives into concrete, ordered steps. Each step is one clear action. Output only a numbered list, nothing else.`

// Generate asks the model to decompose the objective. The returned order
// is treated as fixed by the caller; an empty result is an error, never a
// silently empty plan.
func (g *Generator) Generate(ctx context.Context, objective string) ([]string, error) {
	prompt := fmt.Sprintf(`Break down this objective into concrete steps:

OBJECTIVE: %s

Output a numbered list of 5-10 specific, actionable steps.
Format: just the numbered list, nothing else.`, objective)

	response, err := g.Model.Generate(ctx, []model.Message{
		{Role: "system", Content: planSystemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanGeneration, err)
	}
	steps := ParseSteps(response)
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: model returned no steps", ErrPlanGeneration)
	}
	if len(steps) > g.MaxSteps {
		steps = steps[:g.MaxSteps]
	}
	return steps, nil
}

var stepPrefixRe = regexp.MustCompile(`^(?:\d+[.)]?|[-*])\s+`)

// ParseSteps extracts step lines from a numbered or dashed list.
func ParseSteps(response string) []string {
	var steps []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := stepPrefixRe.FindString(line)
		if m == "" {
			continue
		}
		step := strings.TrimSpace(line[len(m):])
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}
