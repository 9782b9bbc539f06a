package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/querycache/pkg/config"
	"github.com/pario-ai/querycache/pkg/policy"
)

func newConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and change the cache policy",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the process config and the live cache policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))

			a, err := openApp(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			kv := policy.Format(a.engine.Policy())
			keys := make([]string, 0, len(kv))
			for k := range kv {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Println("policy:")
			for _, k := range keys {
				fmt.Printf("  %s: %s\n", k, kv[k])
			}
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set KEY=VALUE...",
		Short: "Update policy settings (" + strings.Join(policy.Keys(), ", ") + ")",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changes := make(map[string]string, len(args))
			for _, arg := range args {
				k, v, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected KEY=VALUE, got %q", arg)
				}
				changes[strings.TrimSpace(k)] = v
			}

			a, err := loadApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.UpdateConfig(cmd.Context(), changes); err != nil {
				return err
			}
			p := a.engine.Policy()
			fmt.Printf("Policy updated: threshold=%.2f enabled=%t max_entries=%d\n",
				p.SimilarityThreshold, p.Enabled, p.MaxEntries)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.AddCommand(showCmd, setCmd)
	return cmd
}
