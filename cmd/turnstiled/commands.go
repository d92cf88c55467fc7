package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aadithya-v/turnstile/httpapi"
)

func sweepCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every session that missed its liveness window, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(*envFile)
			if err != nil {
				return err
			}
			ts, err := newTurnstile(cmd.Context(), cfg, newLogger(cfg.LogLevel), nil, false)
			if err != nil {
				return err
			}
			defer ts.Close()

			n, err := ts.SweepExpired(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d session(s)\n", n)
			return err
		},
	}
}

func sessionsCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions <identity-id>",
		Short: "List the active sessions of an identity as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(*envFile)
			if err != nil {
				return err
			}
			ts, err := newTurnstile(cmd.Context(), cfg, newLogger(cfg.LogLevel), nil, false)
			if err != nil {
				return err
			}
			defer ts.Close()

			sessions, err := ts.ListSessions(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sessions)
		},
	}
}

func tokenCmd(envFile *string) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <identity-id>",
		Short: "Sign a development bearer token for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(*envFile)
			if err != nil {
				return err
			}
			if err := cfg.RequireJWT(); err != nil {
				return err
			}
			verifier := httpapi.NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
			token, err := verifier.Sign(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
