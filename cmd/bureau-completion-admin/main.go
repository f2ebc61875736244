// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command bureau-completion-admin is a bubbletea terminal dashboard
// that polls the orchestrator's admin socket and renders live
// connection and queue-depth counters (spec.md §12).
package main

import (
	"flag"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bureau-foundation/completion-backend/config"
	"github.com/bureau-foundation/completion-backend/lib/process"
	"github.com/bureau-foundation/completion-backend/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	var configPath, socketPath string
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "path to config file (overrides COMPLETION_CONFIG)")
	flag.StringVar(&socketPath, "socket", "", "admin socket path (overrides config)")
	flag.Parse()

	if showVersion {
		fmt.Printf("bureau-completion-admin %s\n", version.Info())
		return nil
	}

	if socketPath == "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		socketPath = cfg.Transport.AdminSocketPath
	}
	if socketPath == "" {
		return fmt.Errorf("no admin socket path configured: set transport.admin_socket_path or pass -socket")
	}

	program := tea.NewProgram(newModel(socketPath), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
