// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// run.go - command handlers. Each handler returns a process exit code:
// 0 success, 1 operational failure, 2 policy block, 3 integrity failure.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/andrewlasiter/fda-tools-sub007/internal/audit"
	"github.com/andrewlasiter/fda-tools-sub007/internal/auditindex"
	"github.com/andrewlasiter/fda-tools-sub007/internal/cache"
	"github.com/andrewlasiter/fda-tools-sub007/internal/classify"
	"github.com/andrewlasiter/fda-tools-sub007/internal/config"
	"github.com/andrewlasiter/fda-tools-sub007/internal/gateway"
	"github.com/andrewlasiter/fda-tools-sub007/internal/session"
	"github.com/andrewlasiter/fda-tools-sub007/internal/util"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitBlocked   = 2
	ExitIntegrity = 3
)

// App carries the wired components for one invocation.
type App struct {
	Config   *config.Config
	Ledger   *audit.Ledger
	Gateway  *gateway.Gateway
	Store    *cache.Store
	Sessions *session.Manager

	Stdout io.Writer
	Stderr io.Writer
}

// NewApp builds the application from configuration.
func NewApp(cfg *config.Config) (*App, error) {
	writer := util.NewWriter(cfg.LockBudget())

	ledger := audit.NewLedger(cfg.Audit.LedgerPath, writer)
	if key, err := audit.LoadSealKey(cfg.Audit.SealKeyPath); err == nil {
		ledger.SetSealKey(key)
	} else {
		fmt.Fprintf(os.Stderr, "[AU-9 WARN] Archive seal key unavailable: %v\n", err)
	}

	classifier, err := classify.New(cfg.ClassifierRules())
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Ledger:   ledger,
		Gateway:  gateway.New(classifier, cfg.Router(), ledger),
		Store:    cache.New(writer, cfg.CacheTTL(), cfg.Cache.AutoInvalidate),
		Sessions: session.NewManager(cfg.SessionIdleTimeout()),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}

	app.Sessions.OnStart = func(s session.Session) {
		app.Ledger.LogEvent(audit.Entry{
			EventType: audit.EventSessionStart,
			User:      s.User,
			SessionID: s.ID,
		})
	}
	app.Sessions.OnEnd = func(s session.Session) {
		app.Ledger.LogEvent(audit.Entry{
			EventType: audit.EventSessionEnd,
			User:      s.User,
			SessionID: s.ID,
		})
	}

	return app, nil
}

// Reload applies a validated configuration to the running app. Classifier
// rules, the routing catalogue, and cache policy take effect for
// subsequent evaluations. The ledger stays bound to its original path so
// a reload can never split the hash chain mid-process.
func (app *App) Reload(cfg *config.Config) error {
	classifier, err := classify.New(cfg.ClassifierRules())
	if err != nil {
		return err
	}

	gw := gateway.New(classifier, cfg.Router(), app.Ledger)
	gw.Notify = app.Gateway.Notify
	store := cache.New(util.NewWriter(cfg.LockBudget()), cfg.CacheTTL(), cfg.Cache.AutoInvalidate)
	store.Warnf = app.Store.Warnf

	app.Config = cfg
	app.Gateway = gw
	app.Store = store
	return nil
}

// Run dispatches a parsed command.
func (app *App) Run(cmd Command, args *Args) int {
	switch cmd {
	case CmdVersion:
		return app.runVersion(args)
	case CmdStatus:
		return app.runStatus(args)
	case CmdEvaluate:
		return app.runEvaluate(args)
	case CmdClassify:
		return app.runClassify(args)
	case CmdAudit:
		return app.runAudit(args)
	case CmdCache:
		return app.runCache(args)
	default:
		Usage()
		return ExitOK
	}
}

func (app *App) printJSON(v any) {
	enc := json.NewEncoder(app.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// =============================================================================
// EVALUATE / CLASSIFY
// =============================================================================

func (app *App) runEvaluate(args *Args) int {
	providers := args.Providers
	if len(providers) == 0 {
		for _, p := range app.Config.Routing.Providers {
			providers = append(providers, p.Name)
		}
	}

	sess := app.Sessions.Touch(args.User)
	d, err := app.Gateway.Evaluate(gateway.Request{
		User:               args.User,
		SessionID:          sess.ID,
		Command:            args.Raw[0],
		Args:               args.Raw[1:],
		Context:            args.Context,
		Channel:            args.Channel,
		AvailableProviders: providers,
	})

	if args.JSON {
		app.printJSON(d)
	} else {
		verdict := "ALLOWED"
		if d.ShouldBlock() {
			verdict = "BLOCKED"
		}
		fmt.Fprintf(app.Stdout, "%s  [%s]  provider=%s  channel=%s\n",
			verdict, d.Marking, d.Provider, d.Channel)
		for _, v := range d.Violations {
			fmt.Fprintf(app.Stdout, "  violation: %s\n", v)
		}
		for _, w := range d.Warnings {
			fmt.Fprintf(app.Stdout, "  warning: %s\n", w.Message)
		}
		if d.EventID != "" && !args.Quiet {
			fmt.Fprintf(app.Stdout, "  recorded as event %s\n", d.EventID)
		}
	}

	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}
	if d.ShouldBlock() {
		return ExitBlocked
	}
	return ExitOK
}

func (app *App) runClassify(args *Args) int {
	classifier, err := classify.New(app.Config.ClassifierRules())
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}

	level, err := classifier.Classify(args.Raw[0], args.Raw[1:], args.Context)
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}

	if args.JSON {
		app.printJSON(map[string]any{
			"command":        args.Raw[0],
			"classification": level.String(),
		})
	} else {
		fmt.Fprintln(app.Stdout, level.String())
	}
	return ExitOK
}

// =============================================================================
// AUDIT
// =============================================================================

func (app *App) runAudit(args *Args) int {
	switch args.Subcommand {
	case "verify":
		return app.runAuditVerify(args)
	case "show":
		return app.runAuditShow(args)
	case "rotate":
		return app.runAuditRotate(args)
	case "index":
		return app.runAuditIndex(args)
	case "witness":
		return app.runAuditWitness(args)
	default:
		fmt.Fprintf(app.Stderr, "Unknown audit subcommand %q\n", args.Subcommand)
		return ExitError
	}
}

func (app *App) runAuditVerify(args *Args) int {
	report, err := app.Ledger.VerifyIntegrity()
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}

	if args.JSON {
		app.printJSON(report)
	} else {
		status := "INTACT"
		if !report.Valid {
			status = "TAMPERED"
		}
		fmt.Fprintf(app.Stdout, "Ledger: %s (%d events, %d verified)\n",
			status, report.TotalEvents, report.VerifiedEvents)
		for _, issue := range report.Issues {
			fmt.Fprintf(app.Stdout, "  %s\n", issue)
		}
	}

	if !report.Valid {
		return ExitIntegrity
	}
	return ExitOK
}

func (app *App) runAuditShow(args *Args) int {
	var f audit.Filter
	if args.UserSet {
		f.User = args.User
	}
	events, err := app.Ledger.Events(f, args.Limit)
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}

	if args.JSON {
		app.printJSON(events)
		return ExitOK
	}
	for _, e := range events {
		allowed := "-"
		if e.Allowed != nil {
			if *e.Allowed {
				allowed = "allow"
			} else {
				allowed = "block"
			}
		}
		action := e.Command
		if len(e.Args) > 0 {
			action += " " + strings.Join(e.Args, " ")
		}
		fmt.Fprintf(app.Stdout, "%s  %s  %-18s %-8s %-12s %-10s %s\n",
			e.Timestamp, e.EventID, e.EventType, allowed, e.Classification,
			e.User, util.TruncateRunes(action, 48))
	}
	if len(events) == 0 {
		fmt.Fprintln(app.Stdout, "No matching events.")
	}
	return ExitOK
}

func (app *App) runAuditRotate(args *Args) int {
	days := args.Days
	if days < 0 {
		days = app.Config.Audit.RetentionDays
	}
	res, err := app.Ledger.Rotate(days)
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}

	// The rotation itself goes on the record.
	entry := audit.Entry{
		EventType: audit.EventRotation,
		User:      args.User,
		Details: map[string]any{
			"archived_events": res.ArchivedEvents,
			"retained_events": res.RetainedEvents,
		},
	}
	if res.ArchivePath != "" {
		entry.FilesWritten = []string{res.ArchivePath}
	}
	app.Ledger.LogEvent(entry)

	if args.JSON {
		app.printJSON(res)
	} else {
		fmt.Fprintf(app.Stdout, "Archived %d events, retained %d.\n",
			res.ArchivedEvents, res.RetainedEvents)
		if res.ArchivePath != "" {
			fmt.Fprintf(app.Stdout, "Archive: %s\n", res.ArchivePath)
		}
	}
	return ExitOK
}

func (app *App) runAuditIndex(args *Args) int {
	dbPath := filepath.Join(filepath.Dir(app.Config.Audit.LedgerPath), "audit_index.db")
	ix, err := auditindex.Open(dbPath, app.Ledger)
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}
	defer ix.Close()

	n, err := ix.Rebuild()
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}

	if args.JSON {
		app.printJSON(map[string]any{"indexed_events": n, "index_path": dbPath})
	} else {
		fmt.Fprintf(app.Stdout, "Indexed %d events into %s\n", n, dbPath)
	}
	return ExitOK
}

func (app *App) runAuditWitness(args *Args) int {
	issues, err := app.Ledger.VerifyWitness()
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}

	if args.JSON {
		app.printJSON(map[string]any{"consistent": len(issues) == 0, "issues": issues})
	} else if len(issues) == 0 {
		fmt.Fprintln(app.Stdout, "Witness: consistent with ledger")
	} else {
		fmt.Fprintln(app.Stdout, "Witness: INCONSISTENT")
		for _, issue := range issues {
			fmt.Fprintf(app.Stdout, "  %s\n", issue)
		}
	}

	if len(issues) > 0 {
		return ExitIntegrity
	}
	return ExitOK
}

// =============================================================================
// CACHE
// =============================================================================

func (app *App) runCache(args *Args) int {
	path := args.Raw[0]
	switch args.Subcommand {
	case "verify":
		ok, detail := app.Store.Verify(path)
		if args.JSON {
			app.printJSON(map[string]any{"path": path, "ok": ok, "detail": detail})
		} else {
			fmt.Fprintf(app.Stdout, "%s: %s\n", path, detail)
		}
		if !ok {
			return ExitIntegrity
		}
		return ExitOK
	case "invalidate":
		if err := app.Store.Invalidate(path); err != nil {
			fmt.Fprintf(app.Stderr, "Error: %v\n", err)
			return ExitError
		}
		app.Ledger.LogEvent(audit.Entry{
			EventType:    audit.EventCacheViolation,
			User:         args.User,
			FilesWritten: []string{path},
			Details:      map[string]any{"action": "manual_invalidate"},
		})
		if !args.Quiet {
			fmt.Fprintf(app.Stdout, "Invalidated %s\n", path)
		}
		return ExitOK
	default:
		fmt.Fprintf(app.Stderr, "Unknown cache subcommand %q\n", args.Subcommand)
		return ExitError
	}
}

// =============================================================================
// STATUS / VERSION
// =============================================================================

func (app *App) runStatus(args *Args) int {
	code := app.printStatus(args)
	if !args.Watch || code != ExitOK {
		return code
	}
	return app.watchStatus(args)
}

// watchStatus keeps the process alive, reloading policy whenever the
// config file changes on disk. Invalid reloads are reported and dropped;
// the previous policy stays in effect.
func (app *App) watchStatus(args *Args) int {
	path := args.Config
	if path == "" {
		path = config.DefaultPath()
	}

	w, err := config.NewWatcher(path,
		func(cfg *config.Config) {
			if err := app.Reload(cfg); err != nil {
				fmt.Fprintf(app.Stderr, "Config reload rejected: %v\n", err)
				return
			}
			fmt.Fprintf(app.Stdout, "Configuration reloaded from %s\n", path)
			app.printStatus(args)
		},
		func(err error) {
			fmt.Fprintf(app.Stderr, "Config watch: %v\n", err)
		})
	if err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}
	defer w.Close()
	if err := w.Watch(); err != nil {
		fmt.Fprintf(app.Stderr, "Error: %v\n", err)
		return ExitError
	}

	if !args.Quiet {
		fmt.Fprintf(app.Stdout, "Watching %s (interrupt to stop)\n", path)
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return ExitOK
}

func (app *App) printStatus(args *Args) int {
	report, err := app.Ledger.VerifyIntegrity()
	ledgerStatus := "unavailable"
	events := 0
	if err == nil {
		events = report.TotalEvents
		if report.Valid {
			ledgerStatus = "intact"
		} else {
			ledgerStatus = "TAMPERED"
		}
	}

	if args.JSON {
		app.printJSON(map[string]any{
			"version":        Version,
			"ledger_path":    app.Config.Audit.LedgerPath,
			"ledger_status":  ledgerStatus,
			"ledger_events":  events,
			"retention_days": app.Config.Audit.RetentionDays,
			"cache_dir":      app.Config.Cache.Dir,
			"providers":      app.Config.Routing.Providers,
		})
		return ExitOK
	}

	fmt.Fprintf(app.Stdout, "fdatrust %s\n", Version)
	fmt.Fprintf(app.Stdout, "  ledger:    %s (%s, %d events)\n",
		app.Config.Audit.LedgerPath, ledgerStatus, events)
	fmt.Fprintf(app.Stdout, "  retention: %d days\n", app.Config.Audit.RetentionDays)
	fmt.Fprintf(app.Stdout, "  cache:     %s\n", app.Config.Cache.Dir)
	fmt.Fprint(app.Stdout, "  providers:")
	for _, p := range app.Config.Routing.Providers {
		tag := ""
		if p.Isolated {
			tag = " (isolated)"
		}
		fmt.Fprintf(app.Stdout, " %s%s", p.Name, tag)
	}
	fmt.Fprintln(app.Stdout)
	return ExitOK
}

func (app *App) runVersion(args *Args) int {
	if args.JSON {
		app.printJSON(map[string]string{
			"version": Version, "commit": GitCommit, "built": BuildDate,
		})
	} else {
		fmt.Fprintf(app.Stdout, "fdatrust %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	}
	return ExitOK
}
