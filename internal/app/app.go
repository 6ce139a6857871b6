package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"ferry/internal/config"
	"ferry/internal/credentials"
	"ferry/internal/database"
	"ferry/internal/ferry"
	"ferry/internal/fs"
	"ferry/internal/progress"
	"ferry/internal/transport"
)

// FerryApp is the application layer between the CLI and the Synchronizer.
// It constructs all dependencies from config, records every transfer in the
// history database, and releases resources on Close.
type FerryApp struct {
	cfg     *config.Config
	db      *database.SQLiteDatabase
	dialer  ferry.Dialer
	sync    *ferry.Synchronizer
	creds   *credentials.Resolver
	logger  ferry.Logger
	op      *Operation
	logFile *os.File
}

// Overrides replaces the configured connection settings for a single run.
// Zero values leave the config untouched.
type Overrides struct {
	Host string
	Port int
	User string
}

// deps are the process-level collaborators NewFerryApp takes from the
// environment. Tests supply in-memory versions.
type deps struct {
	local    afero.Fs
	progress ferry.ProgressFunc
	prompter credentials.Prompter
	clock    ferry.Clock
	ids      ferry.IDGenerator
	console  io.Writer
}

// NewFerryApp creates a fully wired FerryApp from the given config.
// operation identifies the CLI command being run (e.g. "Copy", "History").
// The caller must call Close when done.
func NewFerryApp(cfg *config.Config, operation string) (*FerryApp, error) {
	d := deps{
		local:    afero.NewOsFs(),
		progress: progress.ForFile(os.Stdout),
		clock:    ferry.RealClock{},
		ids:      ferry.UUIDGenerator{},
		console:  os.Stderr,
	}
	if p := credentials.NewTerminalPrompter(os.Stdin, os.Stderr); p.Available() {
		d.prompter = p
	}
	return newFerryApp(cfg, operation, d)
}

func newFerryApp(cfg *config.Config, operation string, d deps) (*FerryApp, error) {
	op := NewOperation(d.ids.New(), operation)

	l, logFile, err := newLogger(cfg.LogDir, op.ID, d.console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: l}

	db, err := database.NewDatabaseFromConfig(cfg.History, d.clock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if err := db.CheckMigrations(); err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("history schema out of date (run `ferry db migrate`): %w", err)
	}

	dialer, err := transport.NewDialerFromConfig(cfg.Remote, logger)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating remote dialer: %w", err)
	}

	patterns := append([]string{}, cfg.Exclude...)
	if cfg.ExcludeFile != "" {
		extra, err := fs.ParseExcludeFile(cfg.ExcludeFile)
		if err != nil {
			db.Close()
			logFile.Close()
			return nil, err
		}
		patterns = append(patterns, extra...)
	}
	exclude := fs.NewExcludeMatcher(patterns)

	passwordEnv := cfg.Remote.PasswordEnv
	if passwordEnv == "" {
		passwordEnv = config.DefaultPasswordEnv
	}

	return &FerryApp{
		cfg:     cfg,
		db:      db,
		dialer:  dialer,
		sync:    ferry.NewSynchronizer(d.local, exclude, d.progress, logger, d.clock),
		creds:   credentials.NewResolver(passwordEnv, cfg.Remote.PasswordFile, d.prompter, logger),
		logger:  logger,
		op:      op,
		logFile: logFile,
	}, nil
}

// OperationID returns the ID tagging this run's log lines and history record.
func (a *FerryApp) OperationID() string {
	return a.op.ID
}

// Transfer synchronizes src and dst in whichever direction src exists,
// removing the source afterwards when move is set. The run is recorded in the
// history database whether or not it succeeds.
func (a *FerryApp) Transfer(ctx context.Context, src, dst string, move bool, o Overrides) (*ferry.Result, error) {
	if a.op.Recorded() {
		return nil, fmt.Errorf("operation %s already ran a transfer", a.op.ID)
	}

	ep, err := a.endpoint(o)
	if err != nil {
		return nil, err
	}
	job := ferry.Job{Remote: ep, Source: src, Destination: dst, Move: move}

	if err := a.db.BeginTransfer(ctx, a.op.ID, job); err != nil {
		return nil, err
	}
	a.op.record(src + " -> " + dst)

	res, runErr := a.sync.Run(ctx, a.dialer, job)
	if runErr != nil {
		a.op.Status = "error"
		a.logger.Error("operation failed", "operation", a.op.Name, "error", runErr)
	}

	// The history row is completed even when ctx was cancelled mid-run.
	if err := a.db.FinishTransfer(context.WithoutCancel(ctx), a.op.ID, res, runErr); err != nil {
		a.logger.Error("recording transfer result", "error", err)
	}
	return res, runErr
}

// endpoint builds the remote endpoint from config plus o, resolving the
// credential for transports that log in.
func (a *FerryApp) endpoint(o Overrides) (ferry.Endpoint, error) {
	rc := a.cfg.Remote
	ep := ferry.Endpoint{Host: rc.Host, Port: rc.Port, User: rc.User}
	if o.Host != "" {
		ep.Host = o.Host
	}
	if o.Port != 0 {
		ep.Port = o.Port
	}
	if o.User != "" {
		ep.User = o.User
	}

	switch rc.Type {
	case "sftp", "":
		if ep.Host == "" {
			return ep, fmt.Errorf("no remote host: set remote.host or pass --host")
		}
		if ep.User == "" {
			return ep, fmt.Errorf("no remote user: set remote.user or pass --user")
		}
		if ep.Port == 0 {
			ep.Port = 22
		}
	case "s3":
		// Without a user the AWS default credential chain applies.
		if ep.User == "" {
			return ep, nil
		}
	default:
		return ep, nil
	}

	secret, err := a.creds.Resolve(ep)
	if err != nil {
		return ep, fmt.Errorf("resolving credential for %s: %w", ep.Addr(), err)
	}
	ep.Credential = secret
	return ep, nil
}

// History returns the most recent transfers, newest first.
func (a *FerryApp) History(ctx context.Context, limit int) ([]*database.Transfer, error) {
	return a.db.RecentTransfers(ctx, limit)
}

// Close finishes the operation and closes all resources.
func (a *FerryApp) Close() error {
	var firstErr error

	if a.op.Recorded() {
		a.logger.Debug("operation finished", "operation", a.op.Name, "parameters", a.op.Parameters, "status", a.op.Status)
	}

	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing history database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
