// Package cli adapts the session pipeline's lifecycle and repository ports
// onto an operator-facing command line, the way the teacher's own
// internal/adapters/primary/cli package wraps its document services in a
// cobra command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"extraction-worker/internal/core/ports"
	"extraction-worker/lifecycle"
)

// CLI holds the operator command tree's collaborators.
type CLI struct {
	sessions  ports.SessionRepository
	jobs      ports.JobRepository
	lifecycle *lifecycle.Manager
}

// NewCLI builds a CLI bound to the process's live repositories and lifecycle
// manager, so operator commands observe and act on the same Redis-backed
// state the HTTP server and dispatcher do.
func NewCLI(sessions ports.SessionRepository, jobs ports.JobRepository, lifecycleMgr *lifecycle.Manager) *CLI {
	return &CLI{sessions: sessions, jobs: jobs, lifecycle: lifecycleMgr}
}

// GetRootCommand returns the root cobra command.
func (c *CLI) GetRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sessionctl",
		Short: "Operate the session extraction pipeline out of band",
		Long: `sessionctl is an operator tool for the session extraction pipeline.

It talks to the same Redis-backed session/job state the HTTP server and
dispatcher use, so it can trigger a cleanup pass, speed up (or check) a
session's expiration, or print a session's current status without going
through the HTTP surface.`,
	}

	rootCmd.AddCommand(c.getCleanupCommand())
	rootCmd.AddCommand(c.getSessionCommand())

	return rootCmd
}

func (c *CLI) getCleanupCommand() *cobra.Command {
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Trigger lifecycle cleanup passes",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one immediate scan-and-cleanup pass over overdue sessions",
		RunE:  c.cleanupRun,
	}

	cleanupCmd.AddCommand(runCmd)
	return cleanupCmd
}

func (c *CLI) cleanupRun(cmd *cobra.Command, args []string) error {
	processed, err := c.lifecycle.RunOnce(cmd.Context())
	if err != nil {
		return fmt.Errorf("cleanup run: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleanup run: processed %d overdue session(s)\n", processed)
	return nil
}

func (c *CLI) getSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or adjust a single session",
	}

	statusCmd := &cobra.Command{
		Use:   "status [sessionId]",
		Short: "Print a session's current status and job list as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  c.sessionStatus,
	}

	speedupCmd := &cobra.Command{
		Use:   "speedup [sessionId] [duration]",
		Short: "Set a session's expiresAt to now plus a duration (e.g. 1s, 5m)",
		Long: `speedup re-arms a session's expiration timer at now+duration, for
exercising expiry behavior without waiting out the full retention window.
A duration of 0 or a negative value expires the session immediately.`,
		Args: cobra.ExactArgs(2),
		RunE: c.sessionSpeedup,
	}

	sessionCmd.AddCommand(statusCmd)
	sessionCmd.AddCommand(speedupCmd)
	return sessionCmd
}

func (c *CLI) sessionStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sessionID := args[0]

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}

	jobs, err := c.jobs.ListBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	out := struct {
		Session interface{} `json:"session"`
		Jobs    interface{} `json:"jobs"`
	}{Session: session, Jobs: jobs}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (c *CLI) sessionSpeedup(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	delta, err := time.ParseDuration(args[1])
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", args[1], err)
	}

	newExpiresAt := time.Now().UTC().Add(delta)
	if err := c.lifecycle.SpeedUpExpiration(cmd.Context(), sessionID, newExpiresAt); err != nil {
		return fmt.Errorf("speedup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s now expires at %s\n", sessionID, newExpiresAt.Format(time.RFC3339))
	return nil
}

// Exit is a thin wrapper so main can report cobra errors with a non-zero
// status the way the teacher's cmd/cli/main.go does.
func Exit(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "sessionctl: %v\n", err)
	os.Exit(1)
}
