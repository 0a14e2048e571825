package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/openorbit/internal/server"
)

var tokenOperator string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator API token",
	Long: `Signs a bearer token for the API with JWT_SECRET. Pass it as
"Authorization: Bearer <token>", or as ?access_token= on live streams.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		jwtCfg, ok := cfg.JWT()
		if !ok {
			return errors.New("JWT_SECRET is not set")
		}
		token, err := server.NewJWTService(jwtCfg).GenerateToken(tokenOperator)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "", "Operator name to embed in the token (required)")
	_ = tokenCmd.MarkFlagRequired("operator")
	rootCmd.AddCommand(tokenCmd)
}
