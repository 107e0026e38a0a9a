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
	"strings"

	"github.com/meerkat-bl/bluse/kernel/loader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewValidateCommand())
}

func NewValidateCommand() *cobra.Command {
	validateCmd := &ValidateCommand{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a bluse configuration file",
		RunE:  validateCmd.validate,
	}

	cmd.Flags().StringVarP(&validateCmd.ConfigPath, "config", "c", "", "path to YAML configuration file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

type ValidateCommand struct {
	ConfigPath string
}

func (v *ValidateCommand) validate(cmd *cobra.Command, args []string) error {
	cfg, err := loader.Load(v.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logrus.Infof("config '%s' is valid", v.ConfigPath)
	logrus.Infof("  store: %s (redis %s, channel '%s')", cfg.Store.Type, cfg.Redis.Addr, cfg.Redis.Channel)
	logrus.Infof("  katcp: %s, api: %s", cfg.Katcp.Addr, cfg.Api.Addr)
	logrus.Infof("  policy: reconfigure=%s ordering=%s sensors=%s", cfg.Policy.Reconfigure, cfg.Policy.Ordering, cfg.Policy.Sensors)
	logrus.Infof("  portal: strategy '%s', base sensors [%s]", cfg.Portal.Strategy, strings.Join(cfg.Portal.BaseSensors, ", "))
	if cfg.Influx.Enabled() {
		logrus.Infof("  influx: %s (%s/%s)", cfg.Influx.URL, cfg.Influx.Org, cfg.Influx.Bucket)
	}
	return nil
}
