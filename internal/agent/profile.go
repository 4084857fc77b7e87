package agent

import (
	"maps"
	"slices"
	"time"

	"github.com/nugget/ideaworks/internal/tools"
)

// Profile defines how one agent kind runs: its prompt, its limits and
// which caller-registered tools it may use.
type Profile struct {
	// Name is the agent kind (e.g., "research").
	Name string

	// Description is a human-readable summary for logging.
	Description string

	// AllowedTools lists the domain tool names available to the agent.
	// An empty list means all registered tools. Plan and scratchpad
	// tools are always available.
	AllowedTools []string

	// SystemPrompt is the profile-specific system prompt.
	SystemPrompt string

	// Model overrides the default model when set.
	Model string

	MaxTurns   int
	MaxTokens  int
	TimeBudget time.Duration
}

// Config builds a loop configuration from the profile, filtering reg
// to the allowed tools.
func (p *Profile) Config(reg *tools.Registry, defaultModel string) Config {
	if len(p.AllowedTools) > 0 {
		reg = reg.FilteredCopy(p.AllowedTools)
	}
	model := p.Model
	if model == "" {
		model = defaultModel
	}
	return Config{
		Tools:        reg,
		SystemPrompt: p.SystemPrompt,
		Model:        model,
		MaxTokens:    p.MaxTokens,
		MaxTurns:     p.MaxTurns,
		TimeBudget:   p.TimeBudget,
	}
}

// Profiles is a set of profiles keyed by agent kind.
type Profiles map[string]*Profile

// BuiltinProfiles returns the profiles every installation has. Config
// may override or extend them.
func BuiltinProfiles() Profiles {
	return Profiles{
		"research": {
			Name:         "research",
			Description:  "Market research for a product idea",
			AllowedTools: []string{"web_fetch"},
			SystemPrompt: researchSystemPrompt,
			MaxTurns:     DefaultMaxTurns,
		},
	}
}

// Names returns the profile names in sorted order.
func (p Profiles) Names() []string {
	return slices.Sorted(maps.Keys(p))
}

const researchSystemPrompt = `You are a market researcher working on one product idea.

Start by calling create_plan with the steps you intend to take. Keep the plan current with update_plan as you learn things: mark steps complete, skip steps that turn out to be irrelevant, and insert new steps after the one that revealed them.

Use web_fetch to read competitor sites, pricing pages and industry reports. Record durable findings (competitor names, price points, audience notes) with write_scratchpad so other agents working on the same idea can use them, and check read_scratchpad first in case another agent already collected them.

When the plan is done, reply with a concise report in markdown: market summary, competitors with pricing, target audience, and open risks. Do not call tools in your final reply.`
