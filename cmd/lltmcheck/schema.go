package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	_ "github.com/forgi86/extension-cpp/extension"
	"github.com/forgi86/extension-cpp/library"
)

func schemaCmd() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Print the registered operator schemas and their kernels",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			for _, op := range library.Ops() {
				fmt.Fprintln(w, op.Schema().String())
				fmt.Fprintf(w, "  kernels: %s  fake: %t  autograd: %t\n", kernelList(op), op.HasFake(), op.HasAutograd())
			}
			return nil
		},
	}
}
