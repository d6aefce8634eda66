// fdatrust - operator trust layer for regulated FDA workflows.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	"github.com/andrewlasiter/fda-tools-sub007/internal/cli"
	"github.com/andrewlasiter/fda-tools-sub007/internal/config"
)

func main() {
	cmd, args, err := cli.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitError)
	}

	// Help and version need no configuration or data directory.
	if cmd == cli.CmdHelp {
		cli.Usage()
		os.Exit(cli.ExitOK)
	}

	configPath := args.Config
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitError)
	}

	app, err := cli.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitError)
	}

	os.Exit(app.Run(cmd, args))
}
