package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/claude-slack-bridge/internal/config"
	"github.com/ehrlich-b/claude-slack-bridge/internal/logger"
	"github.com/ehrlich-b/claude-slack-bridge/internal/wrapper"
)

// shortSessionIDLen is the "wrapper id" length spec.md §3 describes:
// an 8-hex-char id, distinct from the longer uuid the agent itself
// later mints for the same logical session.
const shortSessionIDLen = 8

// wrapCmd spawns the agent under a PTY and proxies it, owning that
// session's control socket and on-disk artifacts (spec.md §4.2).
// Usage: bridged wrap [--project-dir DIR] -- claude [args...]
func wrapCmd() *cobra.Command {
	var projectDir string
	var project string
	var sessionID string

	cmd := &cobra.Command{
		Use:                   "wrap -- <command> [args...]",
		Short:                 "Spawn an agent under a PTY and publish its session to the Registry",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.EnsureDirs(); err != nil {
				return fmt.Errorf("ensure dirs: %w", err)
			}

			if projectDir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("getwd: %w", err)
				}
				projectDir = wd
			}
			if project == "" {
				project = filepath.Base(projectDir)
			}
			if sessionID == "" {
				sessionID = uuid.New().String()[:shortSessionIDLen]
			}

			_ = logger.InitFileOnly("info", filepath.Join(cfg.SlackLogDir, "wrapper_"+sessionID+".log"))

			wcfg := wrapper.Config{
				SessionID:    sessionID,
				Project:      project,
				ProjectDir:   projectDir,
				Command:      args[0],
				Args:         args[1:],
				SocketPath:   cfg.WrapperSocketPath(sessionID),
				BufferPath:   cfg.BufferPath(sessionID),
				MetaPath:     cfg.BufferMetaPath(sessionID),
				LinesPath:    cfg.LinesPath(sessionID),
				LogDir:       cfg.SlackLogDir,
				RegistrySock: cfg.Paths().RegistrySocket,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			w := wrapper.New(wcfg)
			return w.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&projectDir, "project-dir", "", "project directory (default: cwd)")
	cmd.Flags().StringVar(&project, "project", "", "project name (default: basename of project dir)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "override the generated 8-hex-char wrapper id")
	return cmd
}
