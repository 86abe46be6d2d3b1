// Copyright 2025 The sockbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command sockbridge runs socket servers whose events are delivered to actor
// mailboxes. The bundled workload is an echo service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/turtacn/sockbridge/pkg/config"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sockbridge",
		Short: "Socket-to-actor bridge",
		Long: `sockbridge multiplexes TCP and UDP sockets over a pool of socket servers
and delivers every socket event to the mailbox of the actor that owns it.`,
		SilenceUsage: true,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge with the echo service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			ctx, stop := notifyContext(cmd.Context())
			defer stop()
			return runServe(ctx, cfg, nil)
		},
	}
	serveCmd.Flags().StringP("config", "c", "", "Path to configuration file (.yaml, .yml or .json)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or validate configuration files",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [file]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "sockbridge.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return fmt.Errorf("failed to generate config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration saved to %s\n", path)
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Load a configuration file and report problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadConfig(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", args[0])
			return nil
		},
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sockbridge %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
