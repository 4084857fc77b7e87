package critique

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ideaworks/internal/agent"
	"github.com/nugget/ideaworks/internal/content"
	"github.com/nugget/ideaworks/internal/lifecycle"
	"github.com/nugget/ideaworks/internal/llm"
	"github.com/nugget/ideaworks/internal/opstate"
	"github.com/nugget/ideaworks/internal/tools"
)

// AgentKind is the agent kind of critique runs.
const AgentKind = "content-critique"

// Namespace is the state store namespace holding critique sessions and
// round records.
const Namespace = "critique"

// DefaultTTL matches the run state expiry so a session outlives every
// pause of its run.
const DefaultTTL = 2 * time.Hour

// ContentSaver persists finished content.
type ContentSaver interface {
	Save(ctx context.Context, item *content.Item) error
}

// Config holds the pipeline's collaborators.
type Config struct {
	LLM          llm.Client
	State        opstate.KV
	Saver        ContentSaver
	Roster       *Roster
	ContentTypes []ContentType

	// Model is used for drafting, critiques and critic selection.
	Model string
	// MaxTokens bounds drafts. Critiques use half of it.
	MaxTokens int
	TTL       time.Duration
	Logger    *slog.Logger
}

// Pipeline builds critique tasks and implements their tools. Session
// state lives in the state store keyed by run id, so a Pipeline holds
// no per-run state beyond locks.
type Pipeline struct {
	llm             llm.Client
	state           opstate.KV
	saver           ContentSaver
	roster          *Roster
	types           map[string]ContentType
	model           string
	maxTokens       int
	criticMaxTokens int
	ttl             time.Duration
	logger          *slog.Logger

	// locks serializes tool calls per run. The model may request
	// several pipeline tools in one turn.
	locks sync.Map
}

// New validates cfg and returns a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.LLM == nil || cfg.State == nil || cfg.Saver == nil || cfg.Roster == nil {
		return nil, errors.New("critique: LLM, State, Saver and Roster are required")
	}
	p := &Pipeline{
		llm:       cfg.LLM,
		state:     cfg.State,
		saver:     cfg.Saver,
		roster:    cfg.Roster,
		types:     make(map[string]ContentType, len(cfg.ContentTypes)),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		ttl:       cfg.TTL,
		logger:    cfg.Logger,
	}
	if p.maxTokens <= 0 {
		p.maxTokens = 8192
	}
	p.criticMaxTokens = p.maxTokens / 2
	if p.ttl <= 0 {
		p.ttl = DefaultTTL
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "critique")

	for _, ct := range cfg.ContentTypes {
		if err := ct.Validate(cfg.Roster); err != nil {
			return nil, err
		}
		if _, dup := p.types[ct.Name]; dup {
			return nil, fmt.Errorf("content type %q defined twice", ct.Name)
		}
		p.types[ct.Name] = ct
	}
	return p, nil
}

// ContentType returns the named content type.
func (p *Pipeline) ContentType(name string) (ContentType, bool) {
	ct, ok := p.types[name]
	return ct, ok
}

// ContentTypeNames returns the configured content type names, sorted.
func (p *Pipeline) ContentTypeNames() []string {
	names := make([]string, 0, len(p.types))
	for n := range p.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// turnSlack covers orchestrator turns outside the protocol, such as a
// rejected out-of-order call or a plan update.
const turnSlack = 4

// protocolTurns is the number of model turns a run needs when every
// revision round is used: one to draft, four per revision (critique,
// decide, summarize, revise), three for the final round, one to save
// and one for the closing reply.
func protocolTurns(ct ContentType) int {
	return 4*ct.MaxRevisionRounds + 6
}

// job is what the tools of one task are bound to.
type job struct {
	ct     ContentType
	source string
}

// Task returns a lifecycle task that produces one piece of content of
// the named type for entityID from source material. Invoking the same
// task again resumes a paused run, so callers rebuild it with the same
// arguments on every invocation.
func (p *Pipeline) Task(contentType, entityID, source string, base agent.Config) (lifecycle.Task, error) {
	ct, ok := p.types[contentType]
	if !ok {
		return lifecycle.Task{}, fmt.Errorf("unknown content type %q", contentType)
	}
	j := &job{ct: ct, source: source}

	reg := base.Tools.Clone()
	p.register(reg, j)

	cfg := base
	cfg.Tools = reg
	cfg.SystemPrompt = orchestratorPrompt(ct)
	if cfg.Model == "" {
		cfg.Model = p.model
	}
	// A run that exhausts its revisions must still reach save_content.
	if need := protocolTurns(ct) + turnSlack; cfg.MaxTurns < need {
		cfg.MaxTurns = need
	}

	return lifecycle.Task{
		AgentKind: AgentKind,
		EntityID:  entityID,
		Initial: fmt.Sprintf("Produce approved %s content for %s. The source material is loaded; start with generate_draft.",
			ct.Name, entityID),
		Config: cfg,
	}, nil
}

// phase is where a session stands in the protocol.
type phase string

const (
	phaseDrafted    phase = "drafted"    // draft ready for critique
	phaseCritiqued  phase = "critiqued"  // awaiting editor decision
	phaseDecided    phase = "decided"    // awaiting summary
	phaseSummarized phase = "summarized" // awaiting revision or save
	phaseSaved      phase = "saved"
)

// session is the per-run pipeline state. The draft lives here rather
// than in the message history to keep turns small.
type session struct {
	RunID        string          `json:"run_id"`
	EntityID     string          `json:"entity_id"`
	ContentType  string          `json:"content_type"`
	Phase        phase           `json:"phase"`
	Draft        string          `json:"draft"`
	DraftVersion int             `json:"draft_version"`
	Selected     bool            `json:"selected"`
	Critics      []string        `json:"critics,omitempty"`
	Round        int             `json:"round"`
	Critiques    []Critique      `json:"critiques,omitempty"`
	Decision     *EditorDecision `json:"decision,omitempty"`
	Prev         []Critique      `json:"prev_critiques,omitempty"`
	PrevAvg      *float64        `json:"prev_avg,omitempty"`
	Revisions    int             `json:"revisions"`
	MaxRevisions int             `json:"max_revisions"`
	FixedItems   []FixedItem     `json:"fixed_items,omitempty"`
	WellScored   []string        `json:"well_scored,omitempty"`
	ContentID    string          `json:"content_id,omitempty"`
	Quality      content.Quality `json:"quality,omitempty"`
}

func roundKey(runID string, n int) string {
	return fmt.Sprintf("%s:round:%d", runID, n)
}

// lock serializes pipeline tool calls for one run.
func (p *Pipeline) lock(runID string) func() {
	mu, _ := p.locks.LoadOrStore(runID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (p *Pipeline) load(ctx context.Context, runID string) (*session, error) {
	raw, err := p.state.Get(ctx, Namespace, runID)
	if err != nil {
		return nil, fmt.Errorf("load critique session: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var s session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode critique session %s: %w", runID, err)
	}
	return &s, nil
}

func (p *Pipeline) store(ctx context.Context, s *session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode critique session: %w", err)
	}
	if err := p.state.Set(ctx, Namespace, s.RunID, string(data), p.ttl); err != nil {
		return fmt.Errorf("save critique session: %w", err)
	}
	return nil
}

// Rounds returns the persisted round records of a run, in order.
func (p *Pipeline) Rounds(ctx context.Context, runID string) ([]Round, error) {
	entries, err := p.state.List(ctx, Namespace)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	prefix := runID + ":round:"
	var rounds []Round
	for key, raw := range entries {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(rest); err != nil {
			continue
		}
		var r Round
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode round %s: %w", key, err)
		}
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Number < rounds[j].Number })
	return rounds, nil
}

// handler wraps a pipeline step with run lookup, locking and session
// load/store. step returns the tool result; the session is saved only
// when step succeeds.
func (p *Pipeline) handler(j *job, name string, step func(ctx context.Context, s *session, input json.RawMessage) (any, error)) tools.Handler {
	return func(ctx context.Context, input json.RawMessage) (any, error) {
		runID := tools.RunIDFromContext(ctx)
		if runID == "" {
			return nil, fmt.Errorf("%s: no run in context", name)
		}
		unlock := p.lock(runID)
		defer unlock()

		s, err := p.load(ctx, runID)
		if err != nil {
			return nil, err
		}
		if s == nil {
			s = &session{
				RunID:        runID,
				EntityID:     tools.EntityIDFromContext(ctx),
				ContentType:  j.ct.Name,
				MaxRevisions: j.ct.MaxRevisionRounds,
			}
		}

		out, err := step(ctx, s, input)
		if err != nil {
			return nil, err
		}
		if err := p.store(ctx, s); err != nil {
			return nil, err
		}
		if s.Phase == phaseSaved {
			// Every later call is rejected by phase, so the lock is done.
			p.locks.Delete(runID)
		}
		return out, nil
	}
}

// outOfOrder explains which tool the orchestrator should call next.
func outOfOrder(tool string, s *session) error {
	return fmt.Errorf("%s cannot run now (state %q); next call %s", tool, stateOf(s), nextStep(s))
}

func stateOf(s *session) phase {
	if s.Phase == "" {
		return "new"
	}
	return s.Phase
}

func nextStep(s *session) string {
	switch s.Phase {
	case "":
		return "generate_draft"
	case phaseDrafted:
		return "run_critiques"
	case phaseCritiqued:
		return "editor_decision"
	case phaseDecided:
		return "summarize_round"
	case phaseSummarized:
		if s.Decision != nil && s.Decision.Decision == DecisionRevise && s.Revisions < s.MaxRevisions {
			return "revise_draft"
		}
		return "save_content"
	}
	return "nothing; the content is saved"
}
