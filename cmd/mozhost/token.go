package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	jwtpkg "github.com/Eliobros/mozhost-mz/pkg/jwt"
)

func tokenCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Development token helpers",
	}

	var (
		userID   string
		username string
		secret   string
		ttl      time.Duration
		save     bool
	)
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed access token for local testing",
		Long: "Mint signs a token with the server's JWT secret. Tokens are normally issued by the\n" +
			"platform's account system; this command exists for local development only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errors.New("--user is required")
			}
			if strings.TrimSpace(secret) == "" {
				return errors.New("--secret is required")
			}
			token, err := jwtpkg.GenerateToken(strings.TrimSpace(userID), strings.TrimSpace(username), secret, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			if save {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				cfg.AccessToken = token
				if v := strings.TrimSpace(flags.api); v != "" {
					cfg.APIBaseURL = v
				}
				if err := saveConfig(cfg); err != nil {
					return err
				}
				fmt.Println(infoMsg("token saved to config"))
			}
			fmt.Println(token)
			return nil
		},
	}
	mint.Flags().StringVar(&userID, "user", "", "User id the token is issued for")
	mint.Flags().StringVar(&username, "username", "", "Username embedded in the token")
	mint.Flags().StringVar(&secret, "secret", "", "JWT signing secret (JWT_SECRET of the server)")
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	mint.Flags().BoolVar(&save, "save", false, "Store the token in the CLI config")

	cmd.AddCommand(mint)
	return cmd
}
