// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - argument parsing and dispatch for fdatrust.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdVersion
	CmdStatus
	CmdEvaluate // gateway decision for one action
	CmdClassify // classification only, no routing
	CmdAudit    // ledger management (AU-5, AU-6, AU-9)
	CmdCache    // integrity cache management (SI-7)
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON    bool
	Quiet   bool
	Config  string // config file path override
	User    string
	UserSet bool // --user was given explicitly
	Channel string
	// Watch keeps status running, reloading policy when the config file
	// changes on disk.
	Watch bool

	// Command-specific
	Subcommand string
	Providers  []string
	Context    string
	Limit      int
	// Days is the --days override for audit rotate; -1 means "use the
	// configured retention".
	Days int

	// Raw args remaining after flag parsing
	Raw []string
}

const usageText = `fdatrust - operator trust layer for regulated FDA workflows

fdatrust classifies operator actions, routes them to acceptable model
providers, and records every decision in a tamper-evident audit ledger.

Usage:
  fdatrust evaluate <command> [args...]   Evaluate and record one action
      --user <name>       Acting operator (default: $USER)
      --channel <name>    Output channel (default: cli)
      --providers <list>  Comma-separated available providers
      --context <text>    Surrounding context to classify with
  fdatrust classify <command> [args...]   Show the classification only
  fdatrust audit verify                   Verify ledger hash chain (AU-9)
  fdatrust audit show [--user u] [--limit n]  Show ledger events
  fdatrust audit rotate [--days n]        Archive events past retention
  fdatrust audit index                    Rebuild the SQLite query index
  fdatrust audit witness                  Cross-check the witness file
  fdatrust cache verify <file>            Verify one cache entry (SI-7)
  fdatrust cache invalidate <file>        Drop one cache entry
  fdatrust status [--watch]               Show configuration and health
      --watch             Stay running and reload policy on config change
  fdatrust version                        Show version
  fdatrust help                           Show this help

Global flags:
  --json            Machine-readable output
  --quiet           Suppress advisory output
  --config <path>   Config file (default: ~/.fdatrust/config.toml)

Environment:
  FDATRUST_DATA_DIR          Data directory override
  FDATRUST_LEDGER_PATH       Ledger file override
  FDATRUST_AUDIT_SEAL_KEY    Archive seal passphrase
`

// Usage prints the top-level help text.
func Usage() { fmt.Print(usageText) }

// Parse interprets os.Args[1:]-style arguments.
func Parse(argv []string) (Command, *Args, error) {
	args := &Args{
		User:    os.Getenv("USER"),
		Channel: "cli",
		Limit:   20,
		Days:    -1,
	}

	var positional []string
	i := 0
	for i < len(argv) {
		a := argv[i]
		switch {
		case a == "--json":
			args.JSON = true
		case a == "--quiet" || a == "-q":
			args.Quiet = true
		case a == "--watch":
			args.Watch = true
		case a == "--config":
			v, err := flagValue(argv, &i, a)
			if err != nil {
				return CmdHelp, nil, err
			}
			args.Config = v
		case a == "--user":
			v, err := flagValue(argv, &i, a)
			if err != nil {
				return CmdHelp, nil, err
			}
			args.User = v
			args.UserSet = true
		case a == "--channel":
			v, err := flagValue(argv, &i, a)
			if err != nil {
				return CmdHelp, nil, err
			}
			args.Channel = v
		case a == "--providers":
			v, err := flagValue(argv, &i, a)
			if err != nil {
				return CmdHelp, nil, err
			}
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					args.Providers = append(args.Providers, p)
				}
			}
		case a == "--context":
			v, err := flagValue(argv, &i, a)
			if err != nil {
				return CmdHelp, nil, err
			}
			args.Context = v
		case a == "--limit":
			v, err := flagValue(argv, &i, a)
			if err != nil {
				return CmdHelp, nil, err
			}
			n, convErr := strconv.Atoi(v)
			if convErr != nil || n < 0 {
				return CmdHelp, nil, fmt.Errorf("invalid --limit value %q", v)
			}
			args.Limit = n
		case a == "--days":
			v, err := flagValue(argv, &i, a)
			if err != nil {
				return CmdHelp, nil, err
			}
			n, convErr := strconv.Atoi(v)
			if convErr != nil || n < 0 {
				return CmdHelp, nil, fmt.Errorf("invalid --days value %q", v)
			}
			args.Days = n
		case strings.HasPrefix(a, "--"):
			return CmdHelp, nil, fmt.Errorf("unknown flag %s", a)
		default:
			positional = append(positional, a)
		}
		i++
	}

	if len(positional) == 0 {
		return CmdHelp, args, nil
	}

	cmd := positional[0]
	rest := positional[1:]

	switch cmd {
	case "help", "-h", "--help":
		return CmdHelp, args, nil
	case "version", "-V":
		return CmdVersion, args, nil
	case "status", "s":
		return CmdStatus, args, nil
	case "evaluate", "eval":
		if len(rest) == 0 {
			return CmdHelp, nil, fmt.Errorf("evaluate requires a command to evaluate")
		}
		args.Raw = rest
		return CmdEvaluate, args, nil
	case "classify":
		if len(rest) == 0 {
			return CmdHelp, nil, fmt.Errorf("classify requires a command to classify")
		}
		args.Raw = rest
		return CmdClassify, args, nil
	case "audit":
		if len(rest) == 0 {
			return CmdHelp, nil, fmt.Errorf("audit requires a subcommand (verify|show|rotate|index|witness)")
		}
		args.Subcommand = rest[0]
		args.Raw = rest[1:]
		return CmdAudit, args, nil
	case "cache":
		if len(rest) < 2 {
			return CmdHelp, nil, fmt.Errorf("cache requires a subcommand and a file (verify|invalidate <file>)")
		}
		args.Subcommand = rest[0]
		args.Raw = rest[1:]
		return CmdCache, args, nil
	default:
		return CmdHelp, nil, fmt.Errorf("unknown command %q (try 'fdatrust help')", cmd)
	}
}

func flagValue(argv []string, i *int, name string) (string, error) {
	if *i+1 >= len(argv) {
		return "", fmt.Errorf("%s requires a value", name)
	}
	*i++
	return argv[*i], nil
}
