package main

import (
	"github.com/spf13/cobra"

	"github.com/cwbudde/oclbench/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  `Prints the configuration after the file and flags were applied, as YAML.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Marshal(settings)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
