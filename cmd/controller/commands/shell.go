package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// shellCommands lists the available commands for the interactive shell
// help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"create-session [--id <hex>]", "Create a training session on both Managers"},
	{"start-round", "Provision a fresh task on both Managers"},
	{"collect [--time-precision <dur>]", "Collect and combine the aggregate"},
	{"abort-round", "Abort the current task"},
	{"end-session", "End the current session"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive controller shell",
		Long:  "Launches a REPL that keeps one Controller alive across create-session, start-round, collect, abort-round, and end-session calls.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// rootCmd's PersistentPreRunE already ran and built ctrl before
			// cobra dispatched to this subcommand's RunE.
			printShellBanner()
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("controller> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case line != "":
					args := strings.Fields(line)
					runShellCommand(args)
				}

				fmt.Print("controller> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}

// runShellCommand dispatches one line's arguments to a fresh subcommand
// tree, reusing the already-constructed Controller rather than invoking
// PersistentPreRunE again.
func runShellCommand(args []string) {
	shellRootCmd := &cobra.Command{Use: "controller", SilenceUsage: true, SilenceErrors: true}
	shellRootCmd.AddCommand(createSessionCmd())
	shellRootCmd.AddCommand(endSessionCmd())
	shellRootCmd.AddCommand(startRoundCmd())
	shellRootCmd.AddCommand(abortRoundCmd())
	shellRootCmd.AddCommand(collectCmd())
	shellRootCmd.SetArgs(args)

	if err := shellRootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
}

func printShellBanner() {
	fmt.Println("Controller interactive shell. Type 'help' for available commands, 'exit' to quit.")
	fmt.Println()
}

func printShellHelp() {
	fmt.Println("Available commands:")
	fmt.Println()

	for _, cmd := range shellCommands {
		fmt.Printf("  %-34s %s\n", cmd.name, cmd.desc)
	}

	fmt.Println()
}
