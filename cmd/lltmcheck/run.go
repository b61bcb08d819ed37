package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/harness"
	"github.com/forgi86/extension-cpp/logger"
)

var errSuiteFailed = errors.New("lltmcheck: suite failed")

func runCmd() *cli.Command {
	var (
		device     string
		configPath string
		format     string
		seed       uint64
		logLevel   string
		logFormat  string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run the correctness, gradient and opcheck cases",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "device",
				Aliases:     []string{"d"},
				Usage:       "device to check: cpu, cuda or all",
				Value:       "all",
				Destination: &device,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a yaml config overriding sizes, seed and gradcheck tolerances",
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "format",
				Aliases:     []string{"f"},
				Usage:       "report format: text or json",
				Value:       "text",
				Destination: &format,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "seed for sample inputs (overrides the config file)",
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "debug, info, warn or error",
				Value:       "warn",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "text or json",
				Value:       "text",
				Destination: &logFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			level, err := logger.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log := logger.Text(os.Stderr, level)
			if logFormat == "json" {
				log = logger.JSON(os.Stderr, level)
			}

			cfg := harness.DefaultConfig()
			if configPath != "" {
				if cfg, err = harness.LoadConfig(configPath); err != nil {
					return err
				}
			}
			if cmd.IsSet("seed") {
				cfg.Seed = seed
			}

			types, err := deviceTypes(device)
			if err != nil {
				return err
			}
			if format != "text" && format != "json" {
				return fmt.Errorf("unknown format %q (want text or json)", format)
			}

			h, err := harness.New(cfg, log)
			if err != nil {
				return err
			}
			report, err := h.Run(ctx, harness.FilterCases(h.Cases(), types...))
			if err != nil {
				return err
			}

			w := cmd.Root().Writer
			if format == "json" {
				err = report.WriteJSON(w)
			} else {
				err = report.WriteText(w)
			}
			if err != nil {
				return err
			}
			if !report.Passed {
				return errSuiteFailed
			}
			return nil
		},
	}
}

func deviceTypes(s string) ([]backend.DeviceType, error) {
	if s == "all" {
		return []backend.DeviceType{backend.CPU, backend.CUDA}, nil
	}
	dt, err := backend.ParseDeviceType(s)
	if err != nil {
		return nil, err
	}
	if dt != backend.CPU && dt != backend.CUDA {
		return nil, fmt.Errorf("unsupported device %q (want cpu, cuda or all)", s)
	}
	return []backend.DeviceType{dt}, nil
}
