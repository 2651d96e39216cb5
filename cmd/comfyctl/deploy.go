package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/richinsley/comfyworker/config"
	"github.com/richinsley/comfyworker/provision"
	"github.com/spf13/cobra"
)

func provisionClient(cfg *config.Config) *provision.Client {
	return provision.NewClient(cfg.RunPod.APIBase, cfg.RunPod.APIKey, nil)
}

func newDeployCmd(u *ui) *cobra.Command {
	var ifAbsent, dryRun bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create a serverless endpoint from the environment",
		Long: "Create a serverless endpoint from the environment. Every run creates a new " +
			"endpoint; pass --if-absent to skip creation when one with the same name exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ec, err := provision.FromConfig(cfg)
			if err != nil {
				return err
			}
			if dryRun {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(ec)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			c := provisionClient(cfg)

			if ifAbsent {
				existing, err := c.FindEndpointByName(ctx, ec.Name)
				if err != nil {
					return err
				}
				if existing != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s Endpoint %s already exists: %s\n", u.warn("[SKIP]"), ec.Name, existing.ID)
					return nil
				}
			}

			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
			spin.Suffix = " Creating endpoint..."
			spin.Writer = cmd.ErrOrStderr()
			spin.Start()
			ep, err := c.CreateEndpoint(ctx, ec)
			spin.Stop()
			if err != nil {
				var apiErr *provision.APIError
				if errors.As(err, &apiErr) {
					fmt.Fprintln(cmd.ErrOrStderr(), apiErr.Body)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Endpoint created: %s\n", u.ok("[OK]"), ep.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ifAbsent, "if-absent", false, "do nothing when an endpoint with the same name exists")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the endpoint definition without creating it")
	return cmd
}

func newEndpointsCmd(u *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Inspect serverless endpoints",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List endpoints of the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RunPod.APIKey == "" {
				return fmt.Errorf("RUNPOD_API_KEY not set")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			eps, err := provisionClient(cfg).ListEndpoints(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, u.title("ID")+"\t"+u.title("NAME")+"\t"+u.title("GPU")+"\t"+u.title("WORKERS"))
			for _, ep := range eps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d-%d\n", ep.ID, ep.Name, ep.GPUIDs, ep.WorkersMin, ep.WorkersMax)
			}
			return w.Flush()
		},
	})
	return cmd
}
