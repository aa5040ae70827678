// xleth: OpenCL ethash DAG builder and search controller
// Copyright (C) 2026  Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"xleth/internal/cli/ui"
	"xleth/internal/client"
	"xleth/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a running xleth controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveAddr(configPath, addr)
			if err != nil {
				return err
			}
			model := ui.NewModel(client.NewAPIClient(target), interval)
			p := tea.NewProgram(model, tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file (yaml, toml or json)")
	cmd.Flags().StringVar(&addr, "addr", "", "Controller REST address (defaults to api_addr from config)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval")
	return cmd
}

// resolveAddr picks the --addr flag, then the configured api_addr.
func resolveAddr(configPath, addr string) (string, error) {
	if addr != "" {
		return addr, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.APIAddr == "" {
		return "", fmt.Errorf("no controller address: pass --addr or set api_addr")
	}
	return cfg.APIAddr, nil
}
