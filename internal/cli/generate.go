package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Docfold-Labs/docfold/internal/approval"
	"github.com/Docfold-Labs/docfold/internal/config"
	"github.com/Docfold-Labs/docfold/internal/engine"
	"github.com/Docfold-Labs/docfold/internal/generate"
	"github.com/Docfold-Labs/docfold/internal/logger"
	"github.com/Docfold-Labs/docfold/internal/output"
	"github.com/Docfold-Labs/docfold/internal/relay"
	"github.com/Docfold-Labs/docfold/internal/run"
	"github.com/Docfold-Labs/docfold/internal/server"
	"github.com/Docfold-Labs/docfold/internal/subagent"
	"github.com/Docfold-Labs/docfold/internal/template"
	"github.com/Docfold-Labs/docfold/internal/upstream"
)

// generateOptions carries the root command's flags
type generateOptions struct {
	kind        string
	description string
	fromFile    string
	sections    []string
	mode        string
	approve     bool
	outFile     string
}

// components bundles the in-process run stack shared by the one-shot and
// serve commands.
type components struct {
	cfg       *config.Config
	store     *run.Store
	templates *template.Registry
	registry  *subagent.Registry
	gate      *approval.Gate
	engine    *engine.Engine
	relay     *relay.Relay
	log       *logger.ZapLogger
}

func buildComponents(cfg *config.Config, client generate.Client) (*components, error) {
	zlog := logger.GetLogger().Zap()

	templates, err := loadTemplates(cfg)
	if err != nil {
		return nil, err
	}

	// Sub-agents call the provider through a circuit breaker so a dead
	// provider fails fast into their deterministic fallbacks
	guarded := generate.NewBreaker(client, generate.DefaultFailureThreshold, generate.DefaultCooldown)

	store := run.NewStore(cfg.Store.Capacity)
	registry := subagent.Defaults(guarded)
	gate := approval.NewGate()
	eng := engine.New(store, templates, registry, gate, zlog)

	// The embedded engine is the default upstream; a configured URL swaps
	// in a remote backend and the relay alone drives the store
	var source upstream.Source = eng
	if cfg.Relay.UpstreamURL != "" {
		source = upstream.NewHTTPSource(cfg.Relay.UpstreamURL)
	}
	rel := relay.New(store, source, cfg.Relay.IdleTimeout, zlog)

	return &components{
		cfg:       cfg,
		store:     store,
		templates: templates,
		registry:  registry,
		gate:      gate,
		engine:    eng,
		relay:     rel,
		log:       zlog,
	}, nil
}

func loadTemplates(cfg *config.Config) (*template.Registry, error) {
	if cfg.TemplatesDir != "" {
		registry, err := template.Load(cfg.TemplatesDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load templates from %s: %w", cfg.TemplatesDir, err)
		}
		return registry, nil
	}
	return template.MustLoadEmbedded(), nil
}

// runGenerate performs a one-shot generation: create the run, stream its
// execution spans, answer pauses from the terminal, and write the finished
// document.
func runGenerate(cmd *cobra.Command, opts *generateOptions) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger.InitializeFromConfig(cfg)
	printer := output.NewPrinter()

	description := strings.TrimSpace(opts.description)
	if opts.fromFile != "" {
		data, err := os.ReadFile(opts.fromFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", opts.fromFile, err)
		}
		description = strings.TrimSpace(string(data))
	}

	client, err := newGenerateClient(cfg)
	if err != nil {
		return err
	}
	comps, err := buildComponents(cfg, client)
	if err != nil {
		return err
	}

	// DOCFOLD_HTTP_ENABLED exposes the in-process store over HTTP for the
	// lifetime of the one-shot run, so other tools can inspect or preview it
	if cfg.Server.Enabled {
		srv := server.New(cfg.Server.Port, server.Deps{
			Store:           comps.store,
			Engine:          comps.engine,
			Relay:           comps.relay,
			Registry:        comps.registry,
			Templates:       comps.templates,
			Logger:          comps.log,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		})
		go func() {
			if err := srv.Start(cmd.Context()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				comps.log.WithError(err).Warn("inspection server failed")
			}
		}()
	}

	rec := comps.store.Create(run.Request{
		ArtifactKind:   opts.kind,
		Messages:       []run.Message{{Role: "user", Content: description}},
		Settings:       run.Settings{Model: cfg.Generate.Model, ApprovalMode: opts.mode},
		TargetSections: opts.sections,
	})
	comps.engine.StartRun(rec)
	printer.Info("run %s: generating %s", rec.ID, opts.kind)

	return streamRun(cmd, comps, rec.ID, opts, printer)
}

// streamRun drives the run span by span. Each subscription streams until
// the run finishes or pauses; pauses are resolved from the terminal and the
// loop re-subscribes.
func streamRun(cmd *cobra.Command, comps *components, runID string, opts *generateOptions, printer *output.Printer) error {
	ctx := cmd.Context()
	stdin := bufio.NewReader(cmd.InOrStdin())
	renderer := newFrameRenderer(printer, comps.cfg.IsVerbose())

	for {
		sub, err := comps.relay.Attach(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to subscribe to run: %w", err)
		}

		var spin *output.Progress
		if comps.cfg.ShowProgress {
			spin = printer.StartProgress(fmt.Sprintf("generating %s", opts.kind))
			renderer.attachProgress(spin)
		}
		streamErr := sub.Stream(ctx, renderer)
		if spin != nil {
			spin.Stop()
			renderer.attachProgress(nil)
		}
		if streamErr != nil {
			return fmt.Errorf("event stream failed: %w", streamErr)
		}

		rec, err := comps.store.Get(runID)
		if err != nil {
			return err
		}

		switch rec.Status {
		case run.StatusCompleted:
			return writeArtifact(cmd, comps.cfg, rec, opts, printer)
		case run.StatusFailed:
			message := "run failed"
			if rec.Error != nil {
				message = *rec.Error
			}
			printer.Error("%s", message)
			return errors.New(message)
		case run.StatusPendingApproval:
			if err := decideCheckpoint(comps, runID, opts, stdin, printer); err != nil {
				return err
			}
		case run.StatusAwaitingInput:
			if err := answerClarification(comps, runID, rec, stdin, printer); err != nil {
				return err
			}
		default:
			return fmt.Errorf("stream ended with run in status %s", rec.Status)
		}
	}
}

// decideCheckpoint resolves the armed approval checkpoint, prompting unless
// --yes was given. A rejection fails the run; the caller sees the failure
// replayed on its next subscription.
func decideCheckpoint(comps *components, runID string, opts *generateOptions, stdin *bufio.Reader, printer *output.Printer) error {
	stepID, ok := comps.gate.Pending(runID)
	if !ok {
		stepID = approval.PlanStepID
	}
	if stepID == approval.PlanStepID {
		printer.Warning("plan requires approval")
	} else {
		printer.Warning("step %s requires approval", stepID)
	}

	decision := approval.Decision{Approved: true, StepID: stepID}
	if !opts.approve {
		approved, feedback, err := promptDecision(stdin, printer)
		if err != nil {
			return err
		}
		decision.Approved = approved
		decision.Feedback = feedback
	}

	if _, err := comps.engine.Decide(runID, decision); err != nil {
		return fmt.Errorf("approval decision failed: %w", err)
	}
	if decision.Approved {
		printer.Success("approved, resuming")
	}
	return nil
}

func promptDecision(stdin *bufio.Reader, printer *output.Printer) (bool, string, error) {
	printer.Print("approve? [y/N] ")
	line, err := stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, "", err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, "", nil
	}
	printer.Print("feedback (optional): ")
	feedback, err := stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, "", err
	}
	return false, strings.TrimSpace(feedback), nil
}

func answerClarification(comps *components, runID string, rec *run.Record, stdin *bufio.Reader, printer *output.Printer) error {
	question := "Additional input required."
	if len(rec.Clarification) > 0 {
		var payload struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(rec.Clarification, &payload); err == nil && payload.Question != "" {
			question = payload.Question
		}
	}
	printer.Warning("%s", question)
	printer.Print("> ")

	line, err := stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	answer := strings.TrimSpace(line)
	if answer == "" {
		return errors.New("a clarification answer is required to continue")
	}
	if _, err := comps.engine.Answer(runID, answer); err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}
	return nil
}

func writeArtifact(cmd *cobra.Command, cfg *config.Config, rec *run.Record, opts *generateOptions, printer *output.Printer) error {
	doc := artifactText(rec.Result)
	if doc == "" {
		printer.Warning("run completed without a document artifact")
		return nil
	}
	if rec.Usage != nil {
		printer.Detail("tokens: %d in / %d out", rec.Usage.InputTokens, rec.Usage.OutputTokens)
	}

	outPath := opts.outFile
	if outPath == "" && cfg.OutputDir != "" {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}
		outPath = filepath.Join(cfg.OutputDir, rec.ID+".md")
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, []byte(doc), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", outPath, err)
		}
		printer.Success("wrote %s", outPath)
		return nil
	}

	_, err := fmt.Fprintln(cmd.OutOrStdout(), doc)
	return err
}

// artifactText decodes the stored result, which is a JSON string for
// document artifacts
func artifactText(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(result, &text); err != nil {
		return ""
	}
	return text
}
