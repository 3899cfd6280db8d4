package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/ziadkadry99/clarify/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server for AI agent integration",
	Long: `Starts a Model Context Protocol (MCP) server on stdio, exposing the
clarification workflow as tools for AI agents like Claude Code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		st, err := buildStack(ctx)
		if err != nil {
			return err
		}
		defer st.close(ctx)

		// Set version from the cmd package variable.
		mcpserver.Version = Version

		fmt.Fprintf(os.Stderr, "clarify MCP server started on stdio (db=%s)\n", st.cfg.DBPath())

		srv := mcpserver.NewServer(st.engine)
		return srv.Serve()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
