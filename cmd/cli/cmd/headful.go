package cmd

import (
	"caeplane/pkg/api"

	"github.com/spf13/cobra"
)

var headfulCmd = &cobra.Command{
	Use:   "headful",
	Short: "Drive a visible browser session one upload at a time",
}

var headfulStartCmd = &cobra.Command{
	Use:   "start [plan_id]",
	Short: "Open a headful run for a plan",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		confirm, _ := cmd.Flags().GetString("confirm-token")
		if confirm == "" {
			cmd.Println("Error: --confirm-token is required")
			return
		}

		run, err := newClient().StartHeadfulRun(api.StartHeadfulRunRequest{PlanID: args[0], ConfirmToken: confirm})
		if err != nil {
			printAPIError(cmd, "Start", err)
			return
		}
		cmd.Printf("✓ Headful run started!\nRun ID: %s\n", run.RunID)
		printRun(cmd, run)
	},
}

var headfulActCmd = &cobra.Command{
	Use:   "act [run_id]",
	Short: "Upload the next eligible item of a headful run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		confirm, _ := flags.GetString("confirm-token")
		allow, _ := flags.GetString("allow")
		maxUploads, _ := flags.GetInt("max-uploads")
		minConfidence, _ := flags.GetFloat64("min-confidence")

		if confirm == "" {
			cmd.Println("Error: --confirm-token is required")
			return
		}

		result, err := newClient().HeadfulAction(args[0], api.HeadfulActionRequest{
			ConfirmToken:     confirm,
			AllowlistTypeIDs: splitList(allow),
			MaxUploads:       optionalInt(maxUploads),
			MinConfidence:    optionalFloat(minConfidence),
		})
		if err != nil {
			printAPIError(cmd, "Action", err)
			return
		}

		if result.Item == nil {
			cmd.Println("Nothing left to upload")
		} else {
			printItem(cmd, *result.Item)
		}
		cmd.Printf("%sSummary:%s     %d uploaded, %d skipped, %d failed\n", colorDim, colorReset,
			result.Summary.Uploaded, result.Summary.Skipped, result.Summary.Failed)
	},
}

var headfulStatusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Show a headful run",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run, err := newClient().HeadfulStatus(args[0])
		if err != nil {
			printAPIError(cmd, "Status", err)
			return
		}
		printRun(cmd, run)
	},
}

var headfulCloseCmd = &cobra.Command{
	Use:   "close [run_id]",
	Short: "Close a headful run and its browser",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		run, err := newClient().CloseHeadfulRun(args[0])
		if err != nil {
			printAPIError(cmd, "Close", err)
			return
		}
		cmd.Printf("✓ Headful run %s closed\n", run.RunID)
	},
}

func printRun(cmd *cobra.Command, run *api.HeadfulRunResponse) {
	cmd.Printf("%sHeadful Run%s\n", colorBold, colorReset)
	cmd.Println("──────────────────────────────")
	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.RunID)
	cmd.Printf("%sPlan:%s        %s\n", colorDim, colorReset, run.PlanID)
	cmd.Printf("%sTenant:%s      %s on %s\n", colorDim, colorReset, run.CompanyKey, run.PlatformID)
	cmd.Printf("%sState:%s       %s\n", colorDim, colorReset, run.State)
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTime(run.StartedAt))
	cmd.Printf("%sLast active:%s %s\n", colorDim, colorReset, formatTime(run.LastActivityAt))
	cmd.Printf("%sActions:%s     %d\n", colorDim, colorReset, run.Actions)
	for _, key := range run.UploadedItemKeys {
		cmd.Printf("  %s %s\n", outcomeIcon("uploaded"), key)
	}
}

func init() {
	headfulStartCmd.Flags().String("confirm-token", "", "Confirm token returned by plan build (required)")

	actFlags := headfulActCmd.Flags()
	actFlags.String("confirm-token", "", "Confirm token returned by plan build (required)")
	actFlags.String("allow", "", "Type id allowed to upload (required)")
	actFlags.Int("max-uploads", 1, "Maximum number of uploads")
	actFlags.Float64("min-confidence", -1, "Minimum item confidence in [0,1] (required)")

	headfulCmd.AddCommand(headfulStartCmd, headfulActCmd, headfulStatusCmd, headfulCloseCmd)
	rootCmd.AddCommand(headfulCmd)
}
