package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/mbingo/internal/api"
	"github.com/desertthunder/mbingo/internal/repositories"
	"github.com/desertthunder/mbingo/internal/shared"
	"github.com/desertthunder/mbingo/internal/tasks"
	"github.com/desertthunder/mbingo/internal/tickets"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config      *shared.Config
	configPath  string
	httpClient  *http.Client
	logger      *log.Logger
	output      io.Writer
	db          *sql.DB
	client      *api.Client
	credentials *repositories.CredentialRepository
	snapshots   *repositories.TicketRepository
	reconciler  *tickets.Reconciler
	engine      *tasks.ImportEngine
	unsubs      []func()
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer
	DB         *sql.DB // Optional; without it sessions are not persisted
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Config.Server.Timeout.Duration}
	}

	r := &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
	}
	r.wire(opts.DB)
	return r
}

// wire builds the client stack for the configured server and, with a database, restores and
// tracks the stored session.
func (r *Runner) wire(db *sql.DB) {
	baseURL := r.config.Server.BaseURL
	r.client = api.NewClient(baseURL, api.WithHTTPClient(r.httpClient), api.WithLogger(r.logger))
	r.reconciler = tickets.NewReconciler(r.client, tickets.WithLogger(r.logger))
	r.engine = tasks.NewImportEngine(r.client, tasks.WithLogger(r.logger))

	r.unsubs = append(r.unsubs, r.client.OnNetworkError(func(e api.NetworkError) {
		r.logger.Debug("network error", "status", e.Status, "error", e.Err)
	}))

	if db == nil {
		return
	}
	r.db = db
	r.credentials = repositories.NewCredentialRepository(db)
	r.snapshots = repositories.NewTicketRepository(db)

	stored, err := r.credentials.Load(baseURL)
	switch {
	case err == nil:
		r.client.Tokens().Set(stored.Credentials)
		r.logger.Debug("restored session", "server", baseURL, "username", stored.Username)
	case !errors.Is(err, shared.ErrMissingCredentials):
		r.logger.Warn("failed to restore session", "error", err)
	}

	r.unsubs = append(r.unsubs,
		r.credentials.Track(r.client.Tokens(), baseURL, r.logger),
		r.client.OnSession(func(ev api.SessionEvent) {
			if ev.Kind != api.SessionLogin || ev.User == nil {
				return
			}
			if err := r.credentials.SetUsername(baseURL, ev.User.Username); err != nil {
				r.logger.Warn("failed to store username", "error", err)
			}
		}),
	)
}

// Load reads the configuration named by --config, applies --server and --log-level and
// opens the database. It is the root command's Before hook.
func (r *Runner) Load(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := cmd.String("config")
	config := shared.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if config, err = shared.LoadConfig(path); err != nil {
			return ctx, err
		}
	} else {
		r.logger.Debug("config file not found, using defaults", "path", path)
	}

	if server := cmd.String("server"); server != "" {
		config.Server.BaseURL = strings.TrimRight(server, "/")
	}
	level := config.Log.Level
	if cmd.String("log-level") != "" {
		level = cmd.String("log-level")
	}
	shared.SetLogLevel(r.logger, shared.ParseLogLevel(level))

	r.config = config
	r.configPath = path
	r.httpClient = &http.Client{Timeout: config.Server.Timeout.Duration}

	db, err := shared.OpenDatabase(config.Database)
	if err != nil {
		r.logger.Warn("database unavailable, session will not be saved", "path", config.Database.Path, "error", err)
		db = nil
	}
	r.Close(ctx, cmd)
	r.wire(db)
	return ctx, nil
}

// Close drops subscriptions and closes the database. It is the root command's After hook.
func (r *Runner) Close(ctx context.Context, cmd *cli.Command) error {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	return err
}

// SetLogger replaces the logger of the runner and rebuilds the client stack with it.
func (r *Runner) SetLogger(l *log.Logger) {
	r.logger = l
	creds := r.client.Tokens().Get()
	db := r.db
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	r.wire(db)
	r.client.Tokens().Set(creds)
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, importCommand, exportCommand, ticketsCommand, cacheCommand, devServerCommand, apiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// requireSession fails early when no tokens are stored, and caches the current user.
func (r *Runner) requireSession(ctx context.Context) error {
	if r.client.Tokens().Get().IsZero() {
		return fmt.Errorf("%w: run 'mbingo auth login' first", shared.ErrNotAuthenticated)
	}
	if r.client.User() != nil {
		return nil
	}
	if _, err := r.client.CurrentUser(ctx); err != nil {
		return fmt.Errorf("failed to fetch current user: %w", err)
	}
	return nil
}

// intArg parses a required positional argument as a positive integer.
func intArg(cmd *cli.Command, name string) (int, error) {
	raw := cmd.StringArg(name)
	if raw == "" {
		return 0, fmt.Errorf("%w: <%s>", shared.ErrMissingArgument, name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a number, got %q", shared.ErrInvalidArgument, name, raw)
	}
	return v, nil
}

// parseIntList parses a comma separated list such as "1,2,5".
func parseIntList(s string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.Atoi(field)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("%w: %q is not a game pk", shared.ErrInvalidArgument, field)
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	output, err := shared.MarshalJSON(data, pretty)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
