package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexora/dispatch/api/httpx"
	"github.com/nexora/dispatch/core/model"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <userID>",
	Short: "Print an API bearer token for a user (development helper)",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(model.RoleCourier), "customer, courier or admin")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.HTTP.JWTSecret == "" {
		return errors.New("http.jwt_secret is not configured")
	}
	tok, err := httpx.IssueToken(cfg.HTTP.JWTSecret, args[0], model.Role(tokenRole), tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
