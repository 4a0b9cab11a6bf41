// Package capability holds the per-category step executors. Each one is
// a narrow contract over the model service with a specialist system
// prompt; the executor depends only on the Capability interface.
package capability

import (
	"context"
	"fmt"

	"cofounder/internal/domain"
	"cofounder/internal/model"
)

// Result of one step execution.
type Result struct {
	Output string
	OK     bool
	Err    string
}

// Capability performs the actual work of one step.
type Capability interface {
	Execute(ctx context.Context, stepDescription, contextSnapshot string) (Result, error)
}

// Registry maps task categories to capabilities.
type Registry struct {
	byCategory map[string]Capability
	fallback   Capability
}

func NewRegistry() *Registry {
	return &Registry{byCategory: map[string]Capability{}}
}

func (r *Registry) Register(category string, c Capability) {
	r.byCategory[category] = c
}

func (r *Registry) SetFallback(c Capability) {
	r.fallback = c
}

// Lookup returns the capability for a category, or the fallback.
func (r *Registry) Lookup(category string) (Capability, error) {
	if c, ok := r.byCategory[category]; ok {
		return c, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no capability for category %s", category)
}

// DefaultRegistry wires the four specialist capabilities over one model
// client, with code as the fallback.
func DefaultRegistry(m model.Caller) *Registry {
	r := NewRegistry()
	r.Register(domain.CategoryResearch, &ModelCapability{Model: m, Name: "research", SystemPrompt: researchPrompt})
	r.Register(domain.CategoryCode, &ModelCapability{Model: m, Name: "code", SystemPrompt: codePrompt})
	r.Register(domain.CategoryBusiness, &ModelCapability{Model: m, Name: "business", SystemPrompt: businessPrompt})
	r.Register(domain.CategoryContent, &ModelCapability{Model: m, Name: "content", SystemPrompt: contentPrompt})
	r.SetFallback(&ModelCapability{Model: m, Name: "general", SystemPrompt: generalPrompt})
	return r
}

const (
	researchPrompt = `You are a research analyst. Provide comprehensive findings with sources where possible, structured with clear headers, highlighting key insights and actionable items.`
	codePrompt     = `You are a senior software engineer. When writing code, include complete file contents in fenced code blocks. Be precise about file names and commands.`
	businessPrompt = `You are a business analyst. Provide data-driven analysis with metrics and comparisons where relevant, summarize key findings, and make concrete recommendations.`
	contentPrompt  = `You are a professional writer. Produce engaging, well-structured content matched to the context, with clear sections and any necessary formatting.`
	generalPrompt  = `You are an autonomous assistant completing one step of a multi-step task. Complete the step thoroughly and state what was accomplished.`
)

// ModelCapability executes a step as a single model call.
type ModelCapability struct {
	Model        model.Caller
	Name         string
	SystemPrompt string
}

func (c *ModelCapability) Execute(ctx context.Context, stepDescription, contextSnapshot string) (Result, error) {
	prompt := fmt.Sprintf("## CURRENT STEP\n%s\n", stepDescription)
	if contextSnapshot != "" {
		prompt += fmt.Sprintf("\n## TASK CONTEXT\n%s\n", contextSnapshot)
	}
	prompt += "\nStay focused on the current step. At the end, state what was accomplished."

	out, err := c.Model.Generate(ctx, []model.Message{
		{Role: "system", Content: c.SystemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return Result{OK: false, Err: err.Error()}, err
	}
	return Result{Output: out, OK: true}, nil
}
