// Package cmd implements the agentnet command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-agent-network/internal/config"
)

// NewRootCmd returns the agentnet command tree bound to v.
func NewRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "agentnet",
		Short: "Channel-scoped agent network with an SSE gateway",
		Long: `agentnet wires agents to named channels, runs them on an in-process
event plane and streams channel traffic to HTTP callers as server-sent events.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			return config.Bind(v, path)
		},
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (yaml, json or toml)")
	root.AddCommand(newServeCmd(v))
	return root
}

// Execute runs the command tree with the global viper instance.
func Execute() error {
	return NewRootCmd(viper.GetViper()).Execute()
}
