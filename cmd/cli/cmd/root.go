package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "caectl",
	Short: "Caectl is a command line tool for interacting with the caeplane controller",
	Long: `caectl is the command-line interface for caeplane, the compliance document
submission engine.

caeplane decides which stored documents answer the pending requirements of a
coordination portal and uploads them under explicit guardrails. Nothing is ever
uploaded without a previously built plan and its confirm token.

Common workflows:

  Build a plan for a company on a platform:
    caectl plan build --company acme --platform cae-1

  Inspect the plan:
    caectl plan get <plan-id>

  Simulate an execution:
    caectl plan execute <plan-id> --confirm-token ct_... --allow TC2 --max-uploads 5 --min-confidence 0.8

  Upload one document for real:
    caectl plan execute <plan-id> --confirm-token ct_... --allow TC2 --max-uploads 1 --min-confidence 0.8 --real --intent

  Drive a visible browser one upload at a time:
    caectl headful start <plan-id> --confirm-token ct_...
    caectl headful act <run-id> --confirm-token ct_... --allow TC2 --min-confidence 0.8

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    CAEPLANE_URL      API endpoint (default: http://localhost:6161)
    CAEPLANE_TOKEN    API token for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".caectl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".caectl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "CAEPLANE_VARNAME"
	viper.SetEnvPrefix("CAEPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func newClient() *PlaneClient {
	return NewPlaneClient(viper.GetString("url"), viper.GetString("token"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.caectl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "caeplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API Token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
