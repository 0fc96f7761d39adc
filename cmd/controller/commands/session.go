package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/manager"
)

func createSessionCmd() *cobra.Command {
	var targetID string

	cmd := &cobra.Command{
		Use:   "create-session",
		Short: "Create a training session on both Managers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			var target *dap.TrainingSessionId
			if targetID != "" {
				n, err := strconv.ParseUint(targetID, 0, 16)
				if err != nil {
					return fmt.Errorf("parse --id %q: %w", targetID, err)
				}
				id := dap.TrainingSessionId(n)
				target = &id
			}

			id, err := ctrl.CreateSession(ctx, target)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}

			fmt.Printf("session created: %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&targetID, "id", "", "specific session id to request (hex or decimal); random if omitted")
	return cmd
}

func endSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end-session",
		Short: "End the current training session on both Managers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			if err := ctrl.EndSession(ctx); err != nil {
				return fmt.Errorf("end session: %w", err)
			}

			fmt.Println("session ended")
			return nil
		},
	}
}

func startRoundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start-round",
		Short: "Provision a fresh task on both Managers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			taskID, err := ctrl.StartRound(ctx)
			if err != nil {
				return fmt.Errorf("start round: %w", err)
			}

			fmt.Printf("round started: task %s\n", taskID)
			return nil
		},
	}
}

func abortRoundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort-round",
		Short: "Abort the current task on both Managers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			if err := ctrl.AbortRound(ctx); err != nil {
				return fmt.Errorf("abort round: %w", err)
			}

			fmt.Println("round aborted")
			return nil
		},
	}
}

func collectCmd() *cobra.Command {
	var timePrecision time.Duration

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect and combine the aggregate for the current task",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			aggregate, err := ctrl.Collect(ctx, time.Now(), timePrecision)
			if err != nil {
				return fmt.Errorf("collect: %w", err)
			}

			fmt.Printf("aggregate: %v\n", aggregate)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timePrecision, "time-precision", manager.TimePrecision, "query window time precision, must match the provisioning Manager's")
	return cmd
}
