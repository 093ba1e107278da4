package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/lucasnoah/agentflow/internal/config"
	"github.com/lucasnoah/agentflow/internal/db"
	"github.com/lucasnoah/agentflow/internal/github"
	"github.com/lucasnoah/agentflow/internal/logging"
	"github.com/lucasnoah/agentflow/internal/orchestrator"
	"github.com/lucasnoah/agentflow/internal/pglog"
	"github.com/lucasnoah/agentflow/internal/pipeline"
	"github.com/lucasnoah/agentflow/internal/prompt"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loadConfig reads the agent config and applies flag and environment
// overrides. Without a config file the built-in defaults are used.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
		if errors.Is(err, config.ErrNoConfig) {
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	overrides := []struct {
		key string
		dst *string
	}{
		{"repo", &cfg.Agent.Repo},
		{"state.backend", &cfg.State.Backend},
		{"state.dir", &cfg.State.Dir},
		{"state.dsn", &cfg.State.DSN},
		{"journal.path", &cfg.Journal.Path},
	}
	for _, o := range overrides {
		if v := viper.GetString(o.key); v != "" {
			*o.dst = v
		}
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	return logging.New(cmd.ErrOrStderr(), viper.GetString("log_level"), viper.GetString("log_format"))
}

// openDB opens and migrates the journal, returning it with a cleanup func.
func openDB(cfg *config.Config) (*db.DB, func(), error) {
	dbPath := cfg.Journal.Path
	if dbPath == "" {
		var err error
		if dbPath, err = db.DefaultDBPath(); err != nil {
			return nil, nil, err
		}
	}
	d, err := db.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// app holds the components a command works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *github.Client
	store   *pipeline.Store
	prompts *prompt.Loader
}

// openApp loads config and opens the state log selected by state.backend.
func openApp(cmd *cobra.Command) (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd)
	client := github.NewClient(&github.ExecRunner{}, cfg.Agent.Repo)

	var log pipeline.Log
	cleanup := func() {}
	switch cfg.State.Backend {
	case "file":
		if cfg.State.Dir != "" {
			log = pipeline.NewFileLog(cfg.State.Dir)
		} else if log, err = pipeline.DefaultFileLog(); err != nil {
			return nil, nil, fmt.Errorf("open file log: %w", err)
		}
	case "postgres":
		pg, err := pglog.Open(cmd.Context(), cfg.State.DSN)
		if err != nil {
			return nil, nil, err
		}
		log, cleanup = pg, pg.Close
	case "github", "":
		if cfg.Agent.Repo == "" {
			return nil, nil, fmt.Errorf("the github state backend needs a repository: set agent.repo or --repo")
		}
		log = github.NewCommentLog(client, cfg.Labels.Parent.Executing)
	default:
		return nil, nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}

	store := pipeline.NewStore(log, pipeline.WithLogger(logger), pipeline.WithStateIDPrefix(cfg.Agent.Repo))
	a := &app{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		store:   store,
		prompts: prompt.NewLoader(cfg.Paths.PromptsDir),
	}
	return a, cleanup, nil
}

// newOrchestrator opens the app and the journal and wires the orchestrator.
func newOrchestrator(cmd *cobra.Command) (*orchestrator.Orchestrator, func(), error) {
	a, cleanupApp, err := openApp(cmd)
	if err != nil {
		return nil, nil, err
	}
	journal, cleanupDB, err := openDB(a.cfg)
	if err != nil {
		cleanupApp()
		return nil, nil, err
	}
	cleanup := func() {
		cleanupDB()
		cleanupApp()
	}
	orch, err := orchestrator.NewOrchestrator(a.store, a.client, journal, a.cfg, a.prompts, a.logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return orch, cleanup, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// parseNumber parses a positive issue or pull request number argument.
func parseNumber(what, arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s number %q: must be a positive integer", what, arg)
	}
	return n, nil
}

func isJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}
