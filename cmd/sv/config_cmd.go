package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/ops"
	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "admin",
	Short:   "Inspect and patch runtime configuration",
	Long: `Runtime configuration lives in the database and applies to workers
without a restart; each job execution snapshots it once. Startup keys
(data-dir, db, log-*) live in sempervigil.yaml and SV_* environment
variables instead and are not managed here.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the effective runtime configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			rc, err := svc.GetRuntimeConfig(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(rc)
				return nil
			}
			out, err := json.MarshalIndent(rc.Effective, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			if len(rc.Stored) > 0 {
				keys := make([]string, 0, len(rc.Stored))
				for k := range rc.Stored {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Println(ui.RenderMuted("overridden groups: " + fmt.Sprint(keys)))
			}
			return nil
		})
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <group>",
	Short: "Show one runtime configuration group",
	Long:  "Groups: " + fmt.Sprint(config.RuntimeGroups()),
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			rc, err := svc.GetRuntimeConfig(ctx)
			if err != nil {
				return err
			}
			whole, err := json.Marshal(rc.Effective)
			if err != nil {
				return err
			}
			var groups map[string]json.RawMessage
			if err := json.Unmarshal(whole, &groups); err != nil {
				return err
			}
			group, ok := groups[args[0]]
			if !ok {
				return types.Tagf(types.KindValidation,
					"unknown group %q (want one of %v)", args[0], config.RuntimeGroups())
			}
			out, err := json.MarshalIndent(group, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <group.key> <value>",
	Short: "Patch one runtime configuration key",
	Long: `Sets one dotted key, e.g.:

  sv config set queue.lease_ttl_seconds 120
  sv config set publish.fail_open_on_summary_error false
  sv config set events.merge_window_days 7

Values are JSON: quote strings, bare numbers and booleans as-is.
Unknown keys and wrong types are rejected before anything is stored.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(func(ctx context.Context, svc *ops.Service) error {
			rt, err := svc.PatchRuntimeConfig(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(rt)
				return nil
			}
			fmt.Printf("Set %s\n", args[0])
			return nil
		})
	},
}

func init() {
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
