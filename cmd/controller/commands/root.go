// Package commands implements the controller CLI: an interactive,
// stateful driver for one Controller instance through create-session,
// start-round, collect, abort-round, and end-session (spec.md Section
// 4.2). Flags and subcommand layout follow the teacher's gobfdctl, but
// the Controller's per-session credentials live only in this process, so
// the root command owns a single long-lived Controller rather than
// dialing a stateless RPC per invocation.
package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dpsa4fl/dpsa4fl-go/internal/controller"
	"github.com/dpsa4fl/dpsa4fl-go/internal/dap"
	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf"
)

var (
	ctrl *controller.Controller

	leaderAddr    string
	helperAddr    string
	gradientLen   int
	submissionTag string
	zcdpNum       int64
	zcdpDen       int64

	outputFormat string
)

// rootCmd is the top-level cobra command for the controller CLI.
var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "CLI driver for the federated-learning Controller role",
	Long:  "controller drives a pair of Manager daemons through create-session, start-round, collect, abort-round, and end-session.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		tag, err := parseSubmissionTag(submissionTag)
		if err != nil {
			return err
		}

		c, err := controller.New(context.Background(), controller.Config{
			ManagerLocations: dap.ManagerLocations{Leader: leaderAddr, Helper: helperAddr},
			VdafParameter: dap.VdafParameter{
				GradientLen:    gradientLen,
				SubmissionType: tag,
				PrivacyParameter: dap.ZCDPBudget{
					Numerator:   zcdpNum,
					Denominator: zcdpDen,
				},
			},
			HTTPClient: http.DefaultClient,
		})
		if err != nil {
			return fmt.Errorf("construct controller: %w", err)
		}
		ctrl = c
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&leaderAddr, "leader", "http://localhost:8443", "Leader Manager session-API base URL")
	flags.StringVar(&helperAddr, "helper", "http://localhost:8444", "Helper Manager session-API base URL")
	flags.IntVar(&gradientLen, "gradient-len", 4, "training session gradient length")
	flags.StringVar(&submissionTag, "submission-type", "fixed32", "gradient fixed-point width: fixed16, fixed32, fixed64")
	flags.Int64Var(&zcdpNum, "zcdp-numerator", 1, "zCDP privacy budget numerator")
	flags.Int64Var(&zcdpDen, "zcdp-denominator", 100, "zCDP privacy budget denominator")
	flags.StringVar(&outputFormat, "format", "table", "output format: table, json")

	rootCmd.AddCommand(createSessionCmd())
	rootCmd.AddCommand(endSessionCmd())
	rootCmd.AddCommand(startRoundCmd())
	rootCmd.AddCommand(abortRoundCmd())
	rootCmd.AddCommand(collectCmd())
	rootCmd.AddCommand(shellCmd())
}

// parseSubmissionTag maps a CLI string to the corresponding FixedTypeTag.
func parseSubmissionTag(s string) (vdaf.FixedTypeTag, error) {
	switch s {
	case "fixed16":
		return vdaf.Fixed16, nil
	case "fixed32":
		return vdaf.Fixed32, nil
	case "fixed64":
		return vdaf.Fixed64, nil
	default:
		return 0, fmt.Errorf("unknown --submission-type %q: want fixed16, fixed32, or fixed64", s)
	}
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// requestTimeout bounds every subcommand's Manager/aggregator round trip.
const requestTimeout = 30 * time.Second
