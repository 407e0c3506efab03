package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/llm"
	"github.com/sempervigil/sempervigil/internal/secrets"
	"github.com/sempervigil/sempervigil/internal/types"
	"github.com/sempervigil/sempervigil/internal/ui"
)

var (
	llmRunsLimit int
	llmRunsStage string
)

var llmCmd = &cobra.Command{
	Use:     "llm",
	GroupID: "admin",
	Short:   "LLM provider, profile, and routing administration",
}

var llmImportCmd = &cobra.Command{
	Use:   "import <catalog.toml>",
	Short: "Import an LLM catalog file",
	Long: `Imports providers, models, prompts, schemas, profiles, and stage
routes from a TOML catalog. Validation is all-or-nothing: a bad file
changes nothing. Provider API keys are read from the environment
variables the catalog names and stored wrapped under the master key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := llm.LoadCatalog(args[0])
		if err != nil {
			return types.Tag(types.KindValidation, err)
		}

		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		box, err := secrets.FromConfig()
		if err != nil && !errors.Is(err, secrets.ErrNoMasterKey) {
			return err
		}
		router := llm.NewRouter(store, box, newLogger(os.Stderr))
		res, err := router.ImportCatalog(rootCtx, catalog)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}
		fmt.Printf("Imported %d provider(s), %d secret(s), %d model(s), %d prompt(s), %d schema(s), %d profile(s), %d route(s)\n",
			res.Providers, res.Secrets, res.Models, res.Prompts, res.Schemas, res.Profiles, res.Routes)
		return nil
	},
}

var llmRouteCmd = &cobra.Command{
	Use:   "route [stage profile-id]",
	Short: "Show stage routes, or route a stage to a profile",
	Long: `With no arguments, lists which profile serves each pipeline stage.
With a stage and profile id, points the stage at that profile.
Stages: ` + fmt.Sprint(types.KnownStages),
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := rootCtx

		if len(args) == 2 {
			stage, profileID := args[0], args[1]
			if !types.KnownStage(stage) {
				return types.Tagf(types.KindValidation,
					"unknown stage %q (want one of %v)", stage, types.KnownStages)
			}
			if _, err := store.GetLLMProfile(ctx, profileID); err != nil {
				return err
			}
			if err := store.SetStageRoute(ctx, stage, profileID); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]string{stage: profileID})
				return nil
			}
			fmt.Printf("Routed %s -> %s\n", stage, profileID)
			return nil
		}
		if len(args) == 1 {
			return types.Tagf(types.KindValidation, "route takes zero or two arguments")
		}

		routes, err := store.ListStageRoutes(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(routes)
			return nil
		}
		if len(routes) == 0 {
			fmt.Println("No stage routes configured")
			return nil
		}
		stages := make([]string, 0, len(routes))
		for s := range routes {
			stages = append(stages, s)
		}
		sort.Strings(stages)
		for _, s := range stages {
			fmt.Printf("%s -> %s\n", s, routes[s])
		}
		return nil
	},
}

var llmProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List LLM profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		profiles, err := store.ListLLMProfiles(rootCtx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(profiles)
			return nil
		}
		if len(profiles) == 0 {
			fmt.Println("No profiles configured")
			return nil
		}
		rows := make([][]string, 0, len(profiles))
		for _, p := range profiles {
			enabled := "enabled"
			if !p.Enabled {
				enabled = "disabled"
			}
			rows = append(rows, []string{
				p.ID, p.Name, p.ProviderID, p.ModelID, enabled, p.FallbackProfileID,
			})
		}
		printTable([]string{"ID", "NAME", "PROVIDER", "MODEL", "STATE", "FALLBACK"}, rows)
		return nil
	},
}

var llmProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List LLM providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		providers, err := store.ListLLMProviders(rootCtx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(providers)
			return nil
		}
		if len(providers) == 0 {
			fmt.Println("No providers configured")
			return nil
		}
		rows := make([][]string, 0, len(providers))
		for _, p := range providers {
			key := "none"
			if p.SecretID != "" {
				key = "****"
				if sec, err := store.GetLLMSecret(rootCtx, p.SecretID); err == nil {
					key = "****" + sec.Last4
				}
			}
			enabled := "enabled"
			if !p.Enabled {
				enabled = "disabled"
			}
			rows = append(rows, []string{p.ID, p.Name, string(p.Kind), p.BaseURL, key, enabled})
		}
		printTable([]string{"ID", "NAME", "KIND", "BASE URL", "KEY", "STATE"}, rows)
		return nil
	},
}

var llmModelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List LLM models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		models, err := store.ListLLMModels(rootCtx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(models)
			return nil
		}
		if len(models) == 0 {
			fmt.Println("No models configured")
			return nil
		}
		rows := make([][]string, 0, len(models))
		for _, m := range models {
			enabled := "enabled"
			if !m.Enabled {
				enabled = "disabled"
			}
			rows = append(rows, []string{m.ID, m.Name, m.ProviderID, enabled})
		}
		printTable([]string{"ID", "NAME", "PROVIDER", "STATE"}, rows)
		return nil
	},
}

var llmShowCmd = &cobra.Command{
	Use:   "show <profile-id>",
	Short: "Show one profile with its prompt and schema bindings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()
		ctx := rootCtx

		p, err := store.GetLLMProfile(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(p)
			return nil
		}

		fmt.Printf("%s  %s\n", p.ID, ui.RenderMuted(p.Name))
		fmt.Println(ui.RenderSeparator())
		fmt.Printf("Provider:   %s\n", p.ProviderID)
		fmt.Printf("Model:      %s\n", p.ModelID)
		fmt.Printf("Prompt:     %s\n", p.PromptID)
		if p.SchemaID != "" {
			fmt.Printf("Schema:     %s\n", p.SchemaID)
		}
		if p.FallbackProfileID != "" {
			fmt.Printf("Fallback:   %s\n", p.FallbackProfileID)
		}
		fmt.Printf("Enabled:    %v\n", p.Enabled)
		if p.Params.Temperature != nil {
			fmt.Printf("Temp:       %.2f\n", *p.Params.Temperature)
		}
		if p.Params.MaxTokens != nil {
			fmt.Printf("Max tokens: %d\n", *p.Params.MaxTokens)
		}
		if prompt, err := store.GetLLMPrompt(ctx, p.PromptID); err == nil {
			fmt.Println(ui.RenderHeader("user template"))
			fmt.Println(ui.TruncateChars(prompt.UserTemplate, 500))
		}
		return nil
	},
}

var (
	llmTestInput string
	llmTestStage string
)

var llmTestCmd = &cobra.Command{
	Use:   "test <profile-id>",
	Short: "Run one profile against test input",
	Long: `Sends --input through the profile (and its fallback chain) and
prints the response. The call is journaled like any production run,
under the stage label given by --stage.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		box, err := secrets.FromConfig()
		if err != nil && !errors.Is(err, secrets.ErrNoMasterKey) {
			return err
		}
		router := llm.NewRouter(store, box, newLogger(os.Stderr))
		res, err := router.RunProfile(rootCtx, llmTestStage, args[0], llmTestInput)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}
		fmt.Printf("%s via %s/%s\n", res.ProfileID, res.ProviderID, res.ModelID)
		if res.SchemaError != "" {
			fmt.Println(ui.RenderWarn("schema: " + res.SchemaError))
		}
		fmt.Println(ui.RenderSeparator())
		fmt.Println(res.Raw)
		return nil
	},
}

var llmRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent LLM run journal rows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(rootCtx)
		if err != nil {
			return err
		}
		defer closeStore()

		runs, err := store.ListLLMRuns(rootCtx, types.LLMRunFilter{
			Stage: llmRunsStage,
			Limit: llmRunsLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(runs)
			return nil
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}
		now := time.Now().UTC()
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			status := ui.RenderOK("ok")
			if !r.OK {
				status = ui.RenderFail("error")
			}
			ts := r.TS
			rows = append(rows, []string{
				fmtAgo(&ts, now),
				r.Stage,
				r.ProfileID,
				r.ModelID,
				fmt.Sprintf("%dms", r.LatencyMS),
				status,
				ui.FirstLine(r.Error, 50),
			})
		}
		printTable([]string{"WHEN", "STAGE", "PROFILE", "MODEL", "LATENCY", "STATUS", "ERROR"}, rows)
		return nil
	},
}

func init() {
	llmRunsCmd.Flags().IntVar(&llmRunsLimit, "limit", 30, "Maximum rows")
	llmRunsCmd.Flags().StringVar(&llmRunsStage, "stage", "", "Filter by stage")
	llmTestCmd.Flags().StringVar(&llmTestInput, "input", "Reply with the single word: pong", "Input text sent to the profile")
	llmTestCmd.Flags().StringVar(&llmTestStage, "stage", "cli_test", "Stage label recorded in the run journal")

	llmCmd.AddCommand(llmImportCmd, llmRouteCmd, llmProvidersCmd, llmModelsCmd,
		llmProfilesCmd, llmShowCmd, llmTestCmd, llmRunsCmd)
	rootCmd.AddCommand(llmCmd)
}
