package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/agenthive"
	"github.com/hupe1980/agenthive/agent"
	"github.com/hupe1980/agenthive/config"
	"github.com/hupe1980/agenthive/world"
)

func newRunCmd(configPath *string) *cobra.Command {
	var (
		agentName   string
		task        string
		snapshotOut string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task on one of the configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			hive, err := agenthive.FromConfig(cfg)
			if err != nil {
				return err
			}
			defer hive.Shutdown() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hive.StartMonitor(ctx)

			result, runErr := hive.RunTask(ctx, agentName, task)

			if snapshotOut == "" {
				snapshotOut = cfg.Snapshot.Path
			}
			if snapshotOut != "" {
				if err := hive.SaveSnapshot(snapshotOut); err != nil {
					return err
				}
			}

			if runErr != nil {
				return runErr
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "agent to run the task on")
	cmd.Flags().StringVarP(&task, "task", "t", "", "task text")
	cmd.Flags().StringVar(&snapshotOut, "snapshot-out", "", "write a world snapshot to this path after the run")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func newResumeCmd(configPath *string) *cobra.Command {
	var snapshotPath string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Restore a world snapshot and resume its suspended units",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			snap, err := world.Load(snapshotPath)
			if err != nil {
				return err
			}

			hive, err := agenthive.FromSnapshot(cfg, snap)
			if err != nil {
				return err
			}
			defer hive.Shutdown() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hive.StartMonitor(ctx)

			if err := hive.ResumeUnits(ctx); err != nil {
				return err
			}

			if cfg.Snapshot.Path != "" {
				return hive.SaveSnapshot(cfg.Snapshot.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "", "path of the snapshot to restore")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}

func newInspectCmd() *cobra.Command {
	var snapshotPath string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a summary of a saved world snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := world.Load(snapshotPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapshot v%d taken %s\n", snap.Version, snap.TakenAt.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "model service available: %t (checked %s)\n",
				snap.Monitor.Available, snap.Monitor.LastChecked.Format("15:04:05"))

			for _, a := range snap.Agents {
				fmt.Fprintf(out, "\nagent %s\n", a.Name)
				fmt.Fprintf(out, "  memory: %d exchanges\n", len(a.Memory))
				fmt.Fprintf(out, "  mailbox: %d messages (%d read)\n", len(a.Mailbox.Messages), len(a.Mailbox.ReadIDs))
				for _, u := range a.Units {
					printUnit(out, u, "  ")
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "", "path of the snapshot to inspect")
	_ = cmd.MarkFlagRequired("snapshot")

	return cmd
}

func printUnit(out io.Writer, u agent.UnitState, indent string) {
	fmt.Fprintf(out, "%sunit %s [%s] loop %d: %s\n", indent, u.ID, u.Phase, u.Loop, u.Task)
	for _, child := range u.Children {
		printUnit(out, child, indent+"  ")
	}
}
