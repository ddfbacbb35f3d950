package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/multi-agent/shellgui/internal/config"
	"github.com/multi-agent/shellgui/internal/database"
	"github.com/multi-agent/shellgui/internal/store"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending backend migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sess, err := database.OpenBackend(ctx, cfg, "migrate")
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := database.Migrate(ctx, sess, cfg.MigrationsDir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migration complete.")
			return nil
		},
	}
}

func newUserCmd(cfg *config.Config) *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage backend users"}

	var roles []string
	add := &cobra.Command{
		Use:   "add NAME PASSWORD",
		Short: "Create a user with a default profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := database.OpenBackend(ctx, cfg, "user-admin")
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := database.Migrate(ctx, sess, cfg.MigrationsDir); err != nil {
				return err
			}
			id, err := store.New(sess).Users.Create(ctx, args[0], args[1], roles...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s created (id %d).\n", args[0], id)
			return nil
		},
	}
	add.Flags().StringSliceVar(&roles, "role", nil,
		fmt.Sprintf("role name, repeatable (default %s)", store.RoleUser))

	user.AddCommand(add)
	return user
}
