// Command client-sim simulates one federated-learning Client device
// (spec.md Section 4.4) submitting a configurable number of reports for a
// given task, each a random gradient vector sharded and uploaded to both
// aggregators.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	clientrole "github.com/dpsa4fl/dpsa4fl-go/internal/client"
	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/managerclient"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		leaderAddr string
		helperAddr string
		taskIDStr  string
		count      int
		interval   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "client-sim",
		Short: "Simulate a federated-learning Client submitting reports for a task",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()

			taskID, err := dap.DecodeTaskId(taskIDStr)
			if err != nil {
				return fmt.Errorf("parse --task-id: %w", err)
			}

			// Learn the session's gradient shape from the Leader Manager
			// before generating synthetic data; this mirrors what a real
			// client learns via update_round_settings before its first
			// submission.
			leaderMgr := managerclient.New(leaderAddr, http.DefaultClient)
			vdafParam, err := leaderMgr.GetVdafParameter(ctx, taskID)
			if err != nil {
				return fmt.Errorf("get vdaf parameter: %w", err)
			}

			settings := clientrole.RoundSettings{
				ManagerLocations: dap.ManagerLocations{Leader: leaderAddr, Helper: helperAddr},
				TaskId:           taskID,
			}

			state := clientrole.New(http.DefaultClient)

			for i := 0; i < count; i++ {
				getData := func() (vdaf.VecFixedAny, error) {
					return randomGradient(vdafParam.SubmissionType, vdafParam.GradientLen)
				}
				if err := state.Submit(ctx, settings, getData); err != nil {
					return fmt.Errorf("submit report %d/%d: %w", i+1, count, err)
				}
				fmt.Printf("submitted report %d/%d\n", i+1, count)

				if i < count-1 && interval > 0 {
					time.Sleep(interval)
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&leaderAddr, "leader", "http://localhost:8443", "Leader Manager session-API base URL")
	flags.StringVar(&helperAddr, "helper", "http://localhost:8444", "Helper Manager session-API base URL")
	flags.StringVar(&taskIDStr, "task-id", "", "base64url task id to submit reports for (required)")
	flags.IntVar(&count, "count", 1, "number of reports to submit")
	flags.DurationVar(&interval, "interval", 0, "delay between successive submissions")
	_ = cmd.MarkFlagRequired("task-id")

	return cmd
}

// randomGradient draws gradientLen independent uniform values in
// [-1, 1) and encodes them at the requested fixed-point width.
func randomGradient(tag vdaf.FixedTypeTag, gradientLen int) (vdaf.VecFixedAny, error) {
	switch tag {
	case vdaf.Fixed16:
		v := make([]vdaf.FixedPoint16, gradientLen)
		for i := range v {
			f, err := randomUnitFloat()
			if err != nil {
				return vdaf.VecFixedAny{}, err
			}
			v[i] = vdaf.FixedPoint16(int16(f * (1 << 15)))
		}
		return vdaf.NewVecFixed16(v), nil
	case vdaf.Fixed32:
		v := make([]vdaf.FixedPoint32, gradientLen)
		for i := range v {
			f, err := randomUnitFloat()
			if err != nil {
				return vdaf.VecFixedAny{}, err
			}
			v[i] = vdaf.FixedPoint32(int32(f * (1 << 31)))
		}
		return vdaf.NewVecFixed32(v), nil
	case vdaf.Fixed64:
		v := make([]vdaf.FixedPoint64, gradientLen)
		for i := range v {
			f, err := randomUnitFloat()
			if err != nil {
				return vdaf.VecFixedAny{}, err
			}
			v[i] = vdaf.FixedPoint64(int64(f * (1 << 63)))
		}
		return vdaf.NewVecFixed64(v), nil
	default:
		return vdaf.VecFixedAny{}, fmt.Errorf("unsupported submission type %s", tag)
	}
}

// randomUnitFloat draws a cryptographically random float64 in [-1, 1)
// using crypto/rand, matching the care the rest of this module takes to
// avoid math/rand for anything that ends up on the wire.
func randomUnitFloat() (float64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0, fmt.Errorf("generate random gradient component: %w", err)
	}
	return n.Float64()/float64(int64(1)<<53)*2 - 1, nil
}
