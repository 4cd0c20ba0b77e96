package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var (
		user  string
		full  bool
		all   bool
		queue bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one detection pass for a user (or every configured user) and store the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			users := []string{user}
			if all {
				users = a.cfg.Scheduler.Users
			}

			switch {
			case queue:
				for _, u := range users {
					if err := a.runner.Requeue(ctx, u, full); err != nil {
						return err
					}
				}
			case all:
				if err := a.runner.RunAll(ctx, users, full); err != nil {
					return err
				}
			default:
				if err := a.runner.Run(ctx, user, full); err != nil {
					return err
				}
			}

			for _, u := range users {
				st, err := a.runner.Status(ctx, u)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), st); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id to sync")
	cmd.Flags().BoolVar(&full, "full", false, "full resync: refetch everything and replace stored chains")
	cmd.Flags().BoolVar(&all, "all", false, "sync every user in scheduler.users")
	cmd.Flags().BoolVar(&queue, "queue", false, "mark the users due for a running scheduler instead of syncing now")
	cmd.MarkFlagsMutuallyExclusive("user", "all")
	cmd.MarkFlagsOneRequired("user", "all")
	return cmd
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
