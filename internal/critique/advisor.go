// Package critique implements the critique-revision pipeline: an author
// advisor drafts content, critic advisors score it in parallel, a
// deterministic editor rubric approves or requests a revision, and the
// loop repeats until approval or the content type's revision limit.
//
// The pipeline is not a loop of its own. It is a set of tools and an
// orchestrator prompt run by the agent loop, so critique runs pause and
// resume like any other run.
package critique

import (
	"fmt"
)

// Role is the part an advisor plays in the pipeline.
type Role string

const (
	RoleAuthor Role = "author"
	RoleCritic Role = "critic"
)

// Advisor is a persona the pipeline can ask to write or evaluate.
// EvaluationExpertise and DoesNotEvaluate guide dynamic critic
// selection; nothing enforces them mechanically.
type Advisor struct {
	ID                  string `yaml:"id"`
	Name                string `yaml:"name"`
	Role                Role   `yaml:"role"`
	Persona             string `yaml:"persona"`
	EvaluationExpertise string `yaml:"evaluation_expertise"`
	DoesNotEvaluate     string `yaml:"does_not_evaluate"`
}

// Roster is an ordered set of advisors keyed by id.
type Roster struct {
	byID  map[string]*Advisor
	order []string
}

// NewRoster builds a roster, rejecting empty or duplicate ids.
func NewRoster(advisors ...Advisor) (*Roster, error) {
	r := &Roster{byID: make(map[string]*Advisor, len(advisors))}
	for i := range advisors {
		a := advisors[i]
		if a.ID == "" {
			return nil, fmt.Errorf("advisor %d: empty id", i)
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("advisor %q defined twice", a.ID)
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		r.byID[a.ID] = &a
		r.order = append(r.order, a.ID)
	}
	return r, nil
}

// Get returns the advisor with the given id.
func (r *Roster) Get(id string) (*Advisor, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Critics returns the advisors with the critic role, in roster order.
func (r *Roster) Critics() []*Advisor {
	var out []*Advisor
	for _, id := range r.order {
		if a := r.byID[id]; a.Role == RoleCritic {
			out = append(out, a)
		}
	}
	return out
}

// ContentType describes one kind of content the pipeline produces and
// the quality bar it must meet.
type ContentType struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// EvaluationNeeds is matched against advisor expertise when
	// Dynamic is set.
	EvaluationNeeds string `yaml:"evaluation_needs"`

	AuthorID string `yaml:"author"`
	// Critics is the fixed critic list. Ignored when Dynamic is set.
	Critics []string `yaml:"critics"`
	Dynamic bool     `yaml:"dynamic"`

	// MinScore is the average critic score (1-10) required for
	// approval.
	MinScore          float64 `yaml:"min_score"`
	MaxRevisionRounds int     `yaml:"max_revision_rounds"`
}

// Validate checks the content type against the roster.
func (ct ContentType) Validate(r *Roster) error {
	if ct.Name == "" {
		return fmt.Errorf("content type: empty name")
	}
	author, ok := r.Get(ct.AuthorID)
	if !ok {
		return fmt.Errorf("content type %s: unknown author %q", ct.Name, ct.AuthorID)
	}
	if author.Role != RoleAuthor {
		return fmt.Errorf("content type %s: advisor %q is not an author", ct.Name, ct.AuthorID)
	}
	if !ct.Dynamic {
		for _, id := range ct.Critics {
			a, ok := r.Get(id)
			if !ok {
				return fmt.Errorf("content type %s: unknown critic %q", ct.Name, id)
			}
			if a.Role != RoleCritic {
				return fmt.Errorf("content type %s: advisor %q is not a critic", ct.Name, id)
			}
		}
	} else if ct.EvaluationNeeds == "" {
		return fmt.Errorf("content type %s: dynamic selection needs evaluation_needs", ct.Name)
	}
	if ct.MinScore < 1 || ct.MinScore > 10 {
		return fmt.Errorf("content type %s: min_score %.1f outside 1-10", ct.Name, ct.MinScore)
	}
	if ct.MaxRevisionRounds < 0 {
		return fmt.Errorf("content type %s: negative max_revision_rounds", ct.Name)
	}
	return nil
}
