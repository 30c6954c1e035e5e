package cliapp

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/rackscale/factoryflow/internal/config"
	"github.com/rackscale/factoryflow/internal/singleshot"
)

func deviceIDFlag() cli.Flag {
	return &cli.StringFlag{Name: "device-id", Required: true, Usage: "target device id, as named in the connection block"}
}

func imageURIFlag() cli.Flag {
	return &cli.StringFlag{Name: "image-uri", Required: true, Usage: "firmware image URI reachable from the device's BMC"}
}

func loadSingleshotConfig(cmd *cli.Command) (*config.Configuration, error) {
	path, err := requireConfig(cmd)
	if err != nil {
		return nil, err
	}

	return config.Load(path)
}

func showVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "show_version",
		Usage: "print one device's firmware inventory summary",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true},
			deviceIDFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadSingleshotConfig(cmd)
			if err != nil {
				return err
			}

			message, err := singleshot.ShowVersion(ctx, cfg, cmd.String("device-id"))

			return printResult(message, err)
		},
	}
}

func updateFWCommand() *cli.Command {
	return &cli.Command{
		Name:  "update_fw",
		Usage: "stage and apply a firmware image against one device",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true},
			deviceIDFlag(),
			imageURIFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadSingleshotConfig(cmd)
			if err != nil {
				return err
			}

			message, err := singleshot.UpdateFW(ctx, cfg, cmd.String("device-id"), cmd.String("image-uri"))

			return printResult(message, err)
		},
	}
}

func forceUpdateCommand() *cli.Command {
	return &cli.Command{
		Name:  "force_update",
		Usage: "apply a firmware image without a prior staging step",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true},
			deviceIDFlag(),
			imageURIFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadSingleshotConfig(cmd)
			if err != nil {
				return err
			}

			message, err := singleshot.ForceUpdate(ctx, cfg, cmd.String("device-id"), cmd.String("image-uri"))

			return printResult(message, err)
		},
	}
}

func showUpdateProgressCommand() *cli.Command {
	return &cli.Command{
		Name:  "show_update_progress",
		Usage: "poll a previously started update task once",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true},
			deviceIDFlag(),
			&cli.StringFlag{Name: "task-id", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadSingleshotConfig(cmd)
			if err != nil {
				return err
			}

			message, err := singleshot.ShowUpdateProgress(ctx, cfg, cmd.String("device-id"), cmd.String("task-id"))

			return printResult(message, err)
		},
	}
}
