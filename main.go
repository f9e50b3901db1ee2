// armhype boots an arm64 Linux kernel in a KVM virtual machine.
package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
)

func main() {
	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("armhype"),
		kong.Description("armhype boots an arm64 Linux kernel in a KVM virtual machine"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	slog.SetDefault(newLogger(os.Stderr, cli.LogLevel))

	if err := ctx.Run(); err != nil {
		slog.Error("armhype", "cmd", ctx.Command(), "err", err)
		os.Exit(1)
	}
}
