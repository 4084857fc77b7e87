package agent

import (
	"testing"

	"github.com/nugget/ideaworks/internal/tools"
)

func TestProfileConfigFiltersTools(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "web_fetch"})
	reg.Register(&tools.Tool{Name: "deploy_site"})

	p := BuiltinProfiles()["research"]
	cfg := p.Config(reg, "claude-default")

	if got := cfg.Tools.Names(); len(got) != 1 || got[0] != "web_fetch" {
		t.Errorf("tools = %v, want [web_fetch]", got)
	}
	if cfg.Model != "claude-default" {
		t.Errorf("Model = %q, want default", cfg.Model)
	}
	if cfg.SystemPrompt == "" {
		t.Error("SystemPrompt empty")
	}
}

func TestProfileConfigAllTools(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&tools.Tool{Name: "a"})
	reg.Register(&tools.Tool{Name: "b"})

	p := &Profile{Name: "custom", Model: "override"}
	cfg := p.Config(reg, "claude-default")
	if len(cfg.Tools.Names()) != 2 {
		t.Errorf("tools = %v, want all", cfg.Tools.Names())
	}
	if cfg.Model != "override" {
		t.Errorf("Model = %q", cfg.Model)
	}
}

func TestProfilesNamesSorted(t *testing.T) {
	p := Profiles{"zeta": {}, "alpha": {}, "mid": {}}
	got := p.Names()
	if len(got) != 3 || got[0] != "alpha" || got[2] != "zeta" {
		t.Errorf("Names() = %v", got)
	}
}
