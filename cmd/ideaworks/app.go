package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ideaworks/internal/agent"
	"github.com/nugget/ideaworks/internal/archive"
	"github.com/nugget/ideaworks/internal/config"
	"github.com/nugget/ideaworks/internal/content"
	"github.com/nugget/ideaworks/internal/critique"
	"github.com/nugget/ideaworks/internal/events"
	"github.com/nugget/ideaworks/internal/fetch"
	"github.com/nugget/ideaworks/internal/lifecycle"
	"github.com/nugget/ideaworks/internal/llm"
	"github.com/nugget/ideaworks/internal/mqtt"
	"github.com/nugget/ideaworks/internal/opstate"
	"github.com/nugget/ideaworks/internal/runstate"
	"github.com/nugget/ideaworks/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app holds the collaborators shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	state   *opstate.Store
	db      *sql.DB
	runs    *runstate.Store
	archive *archive.Store
	content *content.Store

	llm     llm.Client
	fetcher *fetch.Fetcher
	bus     *events.Bus
	loop    *agent.Loop
	wrapper *lifecycle.Wrapper

	closers []func()
}

// setup loads configuration and opens stores. Logs and progress go to
// stderr so stdout carries only command output.
func setup(ctx context.Context, stderr io.Writer, configPath string) (*app, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Logs and progress lines share stderr from different goroutines.
	stderr = &lockedWriter{w: stderr}
	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", cfgPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.state, err = opstate.NewStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a.closers = append(a.closers, func() { a.state.Close() })

	a.db, err = sql.Open("sqlite3", filepath.Join(cfg.DataDir, "ideaworks.db")+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, func() { a.db.Close() })

	if a.archive, err = archive.NewStore(a.db); err != nil {
		return nil, fmt.Errorf("open run archive: %w", err)
	}
	if a.content, err = content.NewStore(a.db); err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}

	a.llm = llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger)
	a.fetcher = fetch.New()
	a.runs = runstate.NewStore(a.state, cfg.Agent.StateTTL.Duration)
	a.loop = agent.New(a.llm, a.runs, logger)
	a.wrapper = lifecycle.New(a.loop, a.runs, a.archive, logger)

	a.watchProgress(stderr)
	if cfg.MQTT.Configured() {
		if err := a.startMQTT(ctx); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// watchProgress prints one stderr line per progress event.
func (a *app) watchProgress(w io.Writer) {
	ch := a.bus.Subscribe(64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range ch {
			fmt.Fprintln(w, progressLine(e))
		}
	}()
	a.closers = append(a.closers, func() {
		a.bus.Unsubscribe(ch)
		wg.Wait()
	})
}

func progressLine(e events.Event) string {
	turn := e.Data["turn"]
	switch e.Kind {
	case events.KindToolCall:
		return fmt.Sprintf("turn %v: %v", turn, e.Data["tools"])
	case events.KindPaused:
		return fmt.Sprintf("turn %v: paused (resumes so far: %v)", turn, e.Data["resume_count"])
	case events.KindComplete:
		return fmt.Sprintf("turn %v: complete", turn)
	case events.KindError:
		return fmt.Sprintf("turn %v: %v error: %v", turn, e.Data["kind"], e.Data["error"])
	}
	return fmt.Sprintf("turn %v: %s", turn, e.Kind)
}

func (a *app) startMQTT(ctx context.Context) error {
	clientID, err := mqtt.LoadOrCreateClientID(a.cfg.DataDir, a.cfg.MQTT.DeviceName)
	if err != nil {
		return err
	}
	pub := mqtt.New(a.cfg.MQTT, clientID, a.logger)
	if err := pub.Start(ctx); err != nil {
		return err
	}

	fwdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch := a.bus.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pub.Forward(fwdCtx, ch)
	}()
	a.closers = append(a.closers, func() {
		// Unsubscribing closes ch, so Forward drains what is buffered
		// and returns.
		a.bus.Unsubscribe(ch)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			cancel()
			<-done
		}
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := pub.Stop(stopCtx); err != nil {
			a.logger.Warn("mqtt disconnect failed", "error", err)
		}
	})
	return nil
}

// baseConfig fills the loop limits from configuration and attaches the
// progress reporter for kind and entity.
func (a *app) baseConfig(cfg agent.Config, source, kind, entityID string) agent.Config {
	if cfg.Model == "" {
		cfg.Model = a.cfg.Models.Default
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = a.cfg.Models.MaxTokens
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = a.cfg.Agent.MaxTurns
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = a.cfg.Agent.TimeBudget.Duration
	}
	cfg.MaxResumes = a.cfg.Agent.MaxResumes
	cfg.Progress = a.bus.Reporter(source, map[string]any{
		"agent_kind": kind,
		"entity_id":  entityID,
	})
	return cfg
}

func (a *app) runAgent(ctx context.Context, out *printer, kind, entityID, task string) error {
	profiles := a.cfg.Profiles()
	p, ok := profiles[kind]
	if !ok {
		return fmt.Errorf("unknown agent kind %q (configured: %s)", kind, strings.Join(profiles.Names(), ", "))
	}

	reg := tools.NewRegistry()
	if slices.Contains(p.AllowedTools, fetch.ToolName) {
		fetch.Register(reg, a.fetcher)
	}
	cfg := a.baseConfig(p.Config(reg, a.cfg.Models.Default), events.SourceAgent, kind, entityID)

	outcome, err := a.wrapper.Execute(ctx, lifecycle.Task{
		AgentKind: kind,
		EntityID:  entityID,
		Initial:   task,
		Config:    cfg,
	})
	if err != nil {
		return err
	}
	return a.report(out, outcome)
}

func (a *app) pipeline() (*critique.Pipeline, error) {
	roster, err := a.cfg.Roster()
	if err != nil {
		return nil, err
	}
	return critique.New(critique.Config{
		LLM:          a.llm,
		State:        a.state,
		Saver:        a.content,
		Roster:       roster,
		ContentTypes: a.cfg.Critique.ContentTypes,
		Model:        a.cfg.Critique.Model,
		MaxTokens:    a.cfg.Critique.MaxTokens,
		TTL:          a.cfg.Agent.StateTTL.Duration,
		Logger:       a.logger,
	})
}

func (a *app) runCritique(ctx context.Context, out *printer, contentType, entityID, sourcePath string) error {
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	if _, ok := p.ContentType(contentType); !ok {
		return fmt.Errorf("unknown content type %q (configured: %s)", contentType, strings.Join(p.ContentTypeNames(), ", "))
	}

	source, err := a.loadSource(ctx, entityID, sourcePath)
	if err != nil {
		return err
	}

	base := a.baseConfig(agent.Config{}, events.SourceCritique, critique.AgentKind, entityID)
	task, err := p.Task(contentType, entityID, source, base)
	if err != nil {
		return err
	}
	outcome, err := a.wrapper.Execute(ctx, task)
	if err != nil {
		return err
	}
	return a.report(out, outcome)
}

// loadSource reads critique source material from a file, stdin ("-"),
// or, with no path, the entity's scratchpad as filled by research runs.
func (a *app) loadSource(ctx context.Context, entityID, path string) (string, error) {
	switch path {
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read source from stdin: %w", err)
		}
		return string(data), nil
	case "":
		entries, err := a.state.List(ctx, tools.ScratchpadNamespace(entityID))
		if err != nil {
			return "", fmt.Errorf("read scratchpad: %w", err)
		}
		if len(entries) == 0 {
			return "", fmt.Errorf("no source file given and the scratchpad for %s is empty; run research first", entityID)
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", k, entries[k])
		}
		return b.String(), nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read source: %w", err)
		}
		return string(data), nil
	}
}

// report prints a finished outcome or turns a paused one into an error
// so main exits with the paused status.
func (a *app) report(out *printer, o *lifecycle.Outcome) error {
	if o.Paused() {
		_ = out.emit(o, func(w io.Writer) {
			fmt.Fprintf(w, "Run %s paused after %d turns (%d resumes).\n", o.RunID, o.Turns, o.Resumes)
		})
		return &pausedError{runID: o.RunID}
	}
	return out.emit(o, func(w io.Writer) {
		fmt.Fprintln(w, o.Output)
	})
}

func (a *app) showRounds(ctx context.Context, out *printer, runID string) error {
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	rounds, err := p.Rounds(ctx, runID)
	if err != nil {
		return err
	}
	if len(rounds) == 0 {
		return fmt.Errorf("no critique rounds recorded for run %s", runID)
	}
	return out.emit(rounds, func(w io.Writer) {
		for _, r := range rounds {
			fmt.Fprintf(w, "Round %d: %s (average %.1f, %d high)\n", r.Number, r.Decision.Decision, r.Decision.AverageScore, r.Decision.HighIssues)
			for _, c := range r.Critiques {
				if c.Failed() {
					fmt.Fprintf(w, "  %-20s failed: %s\n", c.AdvisorName, c.Error)
					continue
				}
				fmt.Fprintf(w, "  %-20s %2d  %d issues\n", c.AdvisorName, c.Score, len(c.Issues))
			}
			if len(r.FixedItems) > 0 {
				fmt.Fprintf(w, "  fixed so far: %d\n", len(r.FixedItems))
			}
		}
	})
}

func (a *app) showHistory(ctx context.Context, out *printer, entityID string) error {
	records, err := a.archive.ListByEntity(ctx, entityID, 20)
	if err != nil {
		return err
	}
	return out.emit(records, func(w io.Writer) {
		for _, r := range records {
			fmt.Fprintf(w, "%s  %-18s %-8s turns=%d resumes=%d  %s\n",
				r.StartedAt.Local().Format(time.DateTime), r.AgentKind, r.Status, r.Turns, r.Resumes, r.ID)
			if r.Error != "" {
				fmt.Fprintf(w, "    %s: %s\n", r.ErrorKind, r.Error)
			}
		}
	})
}

func (a *app) showContent(ctx context.Context, out *printer, entityID string) error {
	items, err := a.content.ListByEntity(ctx, entityID)
	if err != nil {
		return err
	}
	return out.emit(items, func(w io.Writer) {
		for _, it := range items {
			fmt.Fprintf(w, "%s  %-14s %-18s score=%.1f rounds=%d  %s\n",
				it.CreatedAt.Local().Format(time.DateTime), it.ContentType, it.Quality, it.FinalScore, it.Rounds, it.Title)
		}
	})
}

func (a *app) prune(ctx context.Context, out *printer) error {
	n, err := a.state.Prune(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("expired state pruned", "rows", n)
	return out.emit(map[string]int64{"pruned": n}, func(w io.Writer) {
		fmt.Fprintf(w, "Pruned %d expired entries.\n", n)
	})
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
