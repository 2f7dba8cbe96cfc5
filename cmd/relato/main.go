package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("relato"),
		kong.Description("Report lifecycle orchestration tools."),
		kong.UsageOnError(),
	)
	rt, err := newRuntime(cli.Globals, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	ctx.FatalIfErrorf(ctx.Run(rt))
}
