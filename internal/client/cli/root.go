package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the command tree over a. The same tree serves a
// single invocation from the shell and every line typed into the REPL.
func NewRootCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gophnotes",
		Short:         "End-to-end encrypted notes that sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(a.in)
	cmd.SetOut(a.out)
	cmd.SetErr(a.out)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "register",
			Short: "Create an account",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.Register(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "login",
			Short: "Unlock the local data",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.Login(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "logout",
			Short: "Lock the local data",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.Logout(cmd.Context())
			},
		},
		newNoteCommand(a),
		newTagCommand(a),
		newViewCommand(a),
		newVaultCommand(a),
		newInviteCommand(a),
		newContactCommand(a),
		newKeysCommand(a),
		newSyncCommand(a),
		newStatusCommand(a),
		newRunCommand(a),
		&cobra.Command{
			Use:   "shell",
			Short: "Interactive session that syncs in the background",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.Shell(cmd.Context())
			},
		},
	)
	return cmd
}

// Execute runs one command line against a.
func (a *App) Execute(ctx context.Context, args []string) error {
	cmd := NewRootCommand(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
