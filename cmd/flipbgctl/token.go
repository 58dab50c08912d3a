package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flipbg/service/internal/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		email string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Issue a bearer token for an owner",
		Long:  "Issue an HS256 bearer token signed with JWT_SECRET whose subject is the owner id.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.Issue(a.cfg.JWTSecret, args[0], email, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token validity")
	return cmd
}
