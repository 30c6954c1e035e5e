// Package cliapp builds the urfave/cli/v3 command tree: the factory_mode
// orchestrator plus the four out-of-scope single-shot Redfish commands as
// thin siblings.
package cliapp

import (
	"fmt"

	"github.com/urfave/cli/v3"
)

// New builds the top-level command tree.
func New() *cli.Command {
	return &cli.Command{
		Name:                  "factoryflow",
		Usage:                 "Rack-scale firmware update orchestration",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			factoryModeCommand(),
			showVersionCommand(),
			updateFWCommand(),
			forceUpdateCommand(),
			showUpdateProgressCommand(),
		},
	}
}

func requireConfig(cmd *cli.Command) (string, error) {
	path := cmd.String("config")
	if path == "" {
		return "", fmt.Errorf("--config is required")
	}

	return path, nil
}

func printResult(message string, err error) error {
	if err != nil {
		return err
	}

	fmt.Println(message)

	return nil
}
