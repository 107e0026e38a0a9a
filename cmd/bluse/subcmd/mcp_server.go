/*
	(c) Copyright NetFoundry Inc. Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package subcmd

import (
	"fmt"

	"github.com/meerkat-bl/bluse/kernel/api"
	"github.com/meerkat-bl/bluse/kernel/mcp"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewMCPServerCommand())
}

func NewMCPServerCommand() *cobra.Command {
	mcpCmd := &MCPServerCommand{}

	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Start MCP server exposing data product status",
		Long: `Start an MCP (Model Context Protocol) server that exposes the state of a
running coordinator to AI assistants.

The server provides tools for:
  - list_products: List the active data products
  - get_product: Get the record, subscription and recent sensors of a product
  - read_sensor: Read a stored sensor value (needs --config)

And resources:
  - bluse://status: Lifecycle state of all products`,
		RunE: mcpCmd.run,
	}

	cmd.Flags().StringVarP(&mcpCmd.URL, "url", "u", "http://localhost:8080", "status api base url")
	cmd.Flags().StringVarP(&mcpCmd.ConfigPath, "config", "c", "", "configuration file; enables read_sensor against the configured store")

	return cmd
}

type MCPServerCommand struct {
	URL        string
	ConfigPath string
}

func (m *MCPServerCommand) run(cmd *cobra.Command, args []string) error {
	var kv store.KeyValueStore
	if m.ConfigPath != "" {
		cfg, err := loadConfig(m.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		st, err := store.NewStore(cfg.Store.Type, cfg.RedisOptions())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		kv = st
	}

	logrus.Info("starting MCP server on stdio...")
	server := mcp.NewBluseMCPServer(api.NewClient(m.URL), kv)
	return server.ServeStdio()
}
