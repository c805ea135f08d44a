package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aiagentinc/edgeplane"
)

func newMigrateCommand(cfgFile *string) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or with --down, roll back) the relational schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			logger, sync, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer sync()

			ctx := cmd.Context()
			store, err := edgeplane.OpenStore(ctx, cfg.Sandbox.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if down {
				if err := edgeplane.RollbackAll(ctx, store.DB()); err != nil {
					return err
				}
			}
			v, err := edgeplane.SchemaVersion(ctx, store.DB())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, cfg.Sandbox.DBPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back every migration")
	return cmd
}

func newSignCommand(cfgFile *string) *cobra.Command {
	var (
		caller, secret, method, path, body string
		bodyFile                           string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print signed authentication headers for a request",
		Example: `  edgeplaned sign --caller wp-site-1 --path /plugin/wp/cache/purge --body '{"tags":["post-42"]}'
  edgeplaned sign --caller wp-site-1 --method GET --path '/plugin/wp/cache/profile?site_id=s1'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				cfg, err := loadConfig(*cfgFile)
				if err != nil {
					return err
				}
				secret = cfg.Auth.CallerSecrets[caller]
				if secret == "" {
					secret = cfg.Auth.SharedSecret
				}
			}
			if secret == "" {
				return fmt.Errorf("no signing secret for caller %q", caller)
			}

			payload := []byte(body)
			if bodyFile != "" {
				var err error
				if payload, err = readBody(bodyFile); err != nil {
					return err
				}
			}

			req, err := http.NewRequestWithContext(context.Background(), strings.ToUpper(method), "http://edgeplane"+path, bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			edgeplane.SignRequest(req, caller, []byte(secret), payload)

			out := cmd.OutOrStdout()
			for _, h := range []string{edgeplane.HeaderPluginID, edgeplane.HeaderTimestamp, edgeplane.HeaderNonce, edgeplane.HeaderSignature} {
				fmt.Fprintf(out, "%s: %s\n", h, req.Header.Get(h))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "Caller id (X-Plugin-Id)")
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret (defaults to the configured one)")
	cmd.Flags().StringVar(&method, "method", http.MethodPost, "HTTP method")
	cmd.Flags().StringVar(&path, "path", "", "Request path including any query")
	cmd.Flags().StringVar(&body, "body", "", "Request body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read the request body from a file (- for stdin)")
	_ = cmd.MarkFlagRequired("caller")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func readBody(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}
