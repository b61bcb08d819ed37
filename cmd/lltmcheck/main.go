package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:   "lltmcheck",
		Usage:  "Verify the LLTM custom operator against its reference implementation",
		Writer: w,
		Commands: []*cli.Command{
			runCmd(),
			schemaCmd(),
			devicesCmd(),
		},
	}
}
