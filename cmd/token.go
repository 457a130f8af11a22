package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"density/auth"

	"github.com/spf13/cobra"
)

var tokenOpts struct {
	owner string
	path  string
	admin bool
	ttl   time.Duration
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOpts.owner, "owner", "", "owner of the tasks")
	tokenCmd.Flags().StringVar(&tokenOpts.path, "path", "", "readable artifacts, '*' stands for the task id")
	tokenCmd.Flags().BoolVar(&tokenOpts.admin, "admin", false, "see the tasks of every owner")
	tokenCmd.Flags().DurationVar(&tokenOpts.ttl, "ttl", 24*time.Hour, "validity, 0 for ever")
	tokenCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a token with AUTH_KEY",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := os.Getenv("AUTH_KEY")
		if key == "" {
			return errors.New("AUTH_KEY is not set")
		}
		raw, err := auth.Sign(auth.Claims{
			Owner: tokenOpts.owner,
			Path:  tokenOpts.path,
			Admin: tokenOpts.admin,
		}, []byte(key), tokenOpts.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), raw)
		return nil
	},
}
