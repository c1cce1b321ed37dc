package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage provider configs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List provider configs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app, out io.Writer) error {
				configs, err := a.configs.GetAllConfigs(cmd.Context())
				if err != nil {
					return err
				}
				if len(configs) == 0 {
					fmt.Fprintln(out, "No provider configs")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PLATFORM\tNAME\tENABLED\tINTERVAL\tMAX RETRIES\tWEBHOOK")
				for _, c := range configs {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%s\n",
						c.Platform, c.DisplayName, c.IsEnabled, c.MessageInterval(), c.MaxRetryCount, c.WebhookURL)
				}
				return tw.Flush()
			})
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate every stored provider config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(a *app, out io.Writer) error {
				results, err := a.configs.ValidateAll(cmd.Context())
				if err != nil {
					return err
				}
				invalid := 0
				for _, r := range results {
					if r.IsValid {
						fmt.Fprintf(out, "%s: ok\n", r.Platform)
						continue
					}
					invalid++
					fmt.Fprintf(out, "%s: invalid\n", r.Platform)
					if len(r.MissingFields) > 0 {
						fmt.Fprintf(out, "  missing: %s\n", strings.Join(r.MissingFields, ", "))
					}
					for _, e := range r.Errors {
						fmt.Fprintf(out, "  error: %s\n", e)
					}
				}
				if invalid > 0 {
					return fmt.Errorf("%d invalid config(s)", invalid)
				}
				return nil
			})
		},
	}

	var in domain.ProviderConfig
	set := &cobra.Command{
		Use:   "set <platform>",
		Short: "Create or replace a provider config",
		Long: `Create or replace a provider config. Credentials in --config-data are
encrypted before they are stored. A running relay picks up the change on its
next reload check.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := in
			cfg.Platform = args[0]
			if cfg.DisplayName == "" {
				cfg.DisplayName = args[0]
			}
			return opts.withApp(cmd, func(a *app, out io.Writer) error {
				if res := a.configs.ValidateConfig(cfg); !res.IsValid {
					return errors.New(describeInvalid(res))
				}
				if err := a.configs.SaveConfig(cmd.Context(), cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "Saved %s\n", cfg.Platform)
				return nil
			})
		},
	}
	set.Flags().StringVar(&in.DisplayName, "name", "", "display name (defaults to the platform)")
	set.Flags().BoolVar(&in.IsEnabled, "enabled", true, "enable the provider")
	set.Flags().StringVar(&in.ConfigData, "config-data", "", "provider credentials as a JSON object")
	set.Flags().StringVar(&in.WebhookURL, "webhook-url", "", "public webhook URL")
	set.Flags().IntVar(&in.MessageIntervalMs, "interval-ms", 0, "minimum milliseconds between sends")
	set.Flags().IntVar(&in.MaxRetryCount, "max-retries", 3, "send attempts before dead-lettering")

	del := &cobra.Command{
		Use:   "delete <platform>",
		Short: "Delete a provider config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(a *app, out io.Writer) error {
				deleted, err := a.configs.DeleteConfig(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("no config for platform %s", args[0])
				}
				fmt.Fprintf(out, "Deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, validate, set, del)
	return cmd
}

func describeInvalid(res domain.ValidationResult) string {
	var parts []string
	if len(res.MissingFields) > 0 {
		parts = append(parts, "missing "+strings.Join(res.MissingFields, ", "))
	}
	parts = append(parts, res.Errors...)
	return fmt.Sprintf("invalid %s config: %s", res.Platform, strings.Join(parts, "; "))
}
