package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/routa/dispatch/config"
	"github.com/routa/dispatch/core/model"
	"github.com/routa/dispatch/infra/ws"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <party-id>",
	Short: "Mint a signed connection token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE:  mintToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", "driver", "party role (driver or customer)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func mintToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	role := model.Role(tokenRole)
	if role != model.RoleDriver && role != model.RoleCustomer {
		return fmt.Errorf("unknown role %q", tokenRole)
	}

	auth := ws.NewAuthenticator(cfg.Auth.JWTSecret)
	tok, err := auth.Issue(args[0], role, tokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Println(tok)
	return nil
}
