package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/backend/cpu"
	"github.com/forgi86/extension-cpp/library"
)

var knownDevices = []backend.DeviceType{backend.CPU, backend.CUDA, backend.ROCm, backend.Metal, backend.Vulkan}

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "Print backend availability and host CPU features",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			for _, dt := range knownDevices {
				status := "unavailable"
				if be, err := backend.Get(dt); err == nil {
					status = "available (" + be.Name() + ")"
				}
				fmt.Fprintf(w, "%-7s %s\n", dt, status)
			}
			fmt.Fprintf(w, "cpu features: %s\n", cpu.Features())
			return nil
		},
	}
}

func kernelList(op *library.OpOverload) string {
	var names []string
	for _, dt := range knownDevices {
		if op.HasKernel(dt) {
			names = append(names, dt.String())
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}
