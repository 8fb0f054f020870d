package cmd

import (
	"sort"

	"caeplane/pkg/api"

	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build, inspect and execute submission plans",
}

var planBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a submission plan",
	Long: `Take a snapshot of the pending items for a company on a platform and decide,
for each one, whether a stored document can answer it. Nothing is uploaded.

Example:
  caectl plan build --company acme --platform cae-1
  caectl plan build --company acme --platform cae-1 --types TC2,TC3 --periods 2024-05`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		company, _ := flags.GetString("company")
		platform, _ := flags.GetString("platform")
		types, _ := flags.GetString("types")
		subjects, _ := flags.GetString("subjects")
		periods, _ := flags.GetString("periods")

		if company == "" {
			cmd.Println("Error: --company is required")
			return
		}
		if platform == "" {
			cmd.Println("Error: --platform is required")
			return
		}

		result, err := newClient().BuildPlan(api.BuildPlanRequest{
			CompanyKey: company,
			PlatformID: platform,
			TypeIDs:    splitList(types),
			SubjectIDs: splitList(subjects),
			PeriodKeys: splitList(periods),
		})
		if err != nil {
			printAPIError(cmd, "Build", err)
			return
		}

		cmd.Printf("✓ Plan built!\nPlan ID: %s\nConfirm token: %s\nItems: %d\n", result.PlanID, result.ConfirmToken, result.Total)

		decisions := make([]string, 0, len(result.Counts))
		for d := range result.Counts {
			decisions = append(decisions, d)
		}
		sort.Strings(decisions)
		for _, d := range decisions {
			cmd.Printf("  %s %-16s %d\n", decisionIcon(d), d, result.Counts[d])
		}
	},
}

var planGetCmd = &cobra.Command{
	Use:   "get [plan_id]",
	Short: "Show a stored plan",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		plan, err := newClient().GetPlan(args[0])
		if err != nil {
			printAPIError(cmd, "Get", err)
			return
		}
		printPlan(cmd, plan)
	},
}

func printPlan(cmd *cobra.Command, plan *api.PlanResponse) {
	cmd.Printf("%sPlan %s%s\n", colorBold, plan.PlanID, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sCompany:%s     %s\n", colorDim, colorReset, plan.Scope.CompanyKey)
	cmd.Printf("%sPlatform:%s    %s\n", colorDim, colorReset, plan.Scope.PlatformID)
	cmd.Printf("%sSnapshot:%s    %s\n", colorDim, colorReset, formatTime(plan.SnapshotTakenAt))
	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTime(plan.CreatedAt))
	cmd.Printf("%sToken:%s       %s\n", colorDim, colorReset, plan.ConfirmToken)
	cmd.Println()

	for _, item := range plan.Items {
		doc := "-"
		if item.MatchedDoc != nil {
			doc = *item.MatchedDoc
		} else if item.SuggestedDoc != nil {
			doc = "(" + *item.SuggestedDoc + ")"
		}
		cmd.Printf("%s %-16s %-32s %-12s %.2f  %s\n",
			decisionIcon(item.Decision), item.Decision, item.PendingItemKey, doc, item.Confidence, item.DecisionReason)
	}
}

var planExecuteCmd = &cobra.Command{
	Use:   "execute [plan_id]",
	Short: "Execute a plan under guardrails",
	Long: `Execute a stored plan. Without --real the run is simulated and never touches
the portal. A real run requires --intent, exactly one allowlisted type and
--max-uploads 1.

Example:
  caectl plan execute <plan-id> --confirm-token ct_... --allow TC2 --max-uploads 5 --min-confidence 0.8`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		confirm, _ := flags.GetString("confirm-token")
		allow, _ := flags.GetString("allow")
		maxUploads, _ := flags.GetInt("max-uploads")
		minConfidence, _ := flags.GetFloat64("min-confidence")
		useReal, _ := flags.GetBool("real")
		intent, _ := flags.GetBool("intent")

		if confirm == "" {
			cmd.Println("Error: --confirm-token is required")
			return
		}
		if useReal && !intent {
			cmd.Println("Error: --real requires --intent")
			return
		}

		result, err := newClient().ExecutePlan(args[0], api.ExecutePlanRequest{
			ConfirmToken:     confirm,
			AllowlistTypeIDs: splitList(allow),
			MaxUploads:       optionalInt(maxUploads),
			MinConfidence:    optionalFloat(minConfidence),
			UseRealUploader:  useReal,
		}, intent)
		if err != nil {
			printAPIError(cmd, "Execute", err)
			return
		}
		printExecution(cmd, result)
	},
}

func printExecution(cmd *cobra.Command, result *api.ExecutionResponse) {
	label := "Execution"
	if result.Replayed {
		label = "Execution (replayed)"
	}
	cmd.Printf("%s%s%s\n", colorBold, label, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sPlan:%s        %s\n", colorDim, colorReset, result.PlanID)
	cmd.Printf("%sMode:%s        %s\n", colorDim, colorReset, result.Mode)
	cmd.Printf("%sDuration:%s    %s\n", colorDim, colorReset, formatDuration(result.FinishedAt.Sub(result.StartedAt)))
	cmd.Printf("%sUploaded:%s    %d of %d eligible (%d skipped, %d failed)\n", colorDim, colorReset,
		result.Summary.Uploaded, result.Summary.Eligible, result.Summary.Skipped, result.Summary.Failed)
	cmd.Println()

	for _, item := range result.Items {
		printItem(cmd, item)
	}
}

func printItem(cmd *cobra.Command, item api.ItemResult) {
	cmd.Printf("%s %-8s %-32s %s\n", outcomeIcon(item.Outcome), item.Outcome, item.PendingItemKey, item.Reason)
	if item.EvidenceRef != "" {
		cmd.Printf("    %sevidence:%s %s\n", colorDim, colorReset, item.EvidenceRef)
	}
}

func init() {
	buildFlags := planBuildCmd.Flags()
	buildFlags.String("company", "", "Company key (required)")
	buildFlags.String("platform", "", "Platform id (required)")
	buildFlags.String("types", "", "Comma separated type ids to include")
	buildFlags.String("subjects", "", "Comma separated subject ids to include")
	buildFlags.String("periods", "", "Comma separated period keys to include")

	execFlags := planExecuteCmd.Flags()
	execFlags.String("confirm-token", "", "Confirm token returned by plan build (required)")
	execFlags.String("allow", "", "Comma separated type ids allowed to upload (required)")
	execFlags.Int("max-uploads", -1, "Maximum number of uploads (required)")
	execFlags.Float64("min-confidence", -1, "Minimum item confidence in [0,1] (required)")
	execFlags.Bool("real", false, "Upload through the portal instead of simulating")
	execFlags.Bool("intent", false, "Confirm the intent to touch the portal")

	planCmd.AddCommand(planBuildCmd, planGetCmd, planExecuteCmd)
	rootCmd.AddCommand(planCmd)
}
