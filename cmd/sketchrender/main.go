package main

import (
	"log/slog"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/sketchrender/cmd/sketchrender/commands"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
	"git.home.luguber.info/inful/sketchrender/internal/version"
)

func main() {
	var cli commands.CLI
	ctx := kong.Parse(&cli,
		kong.Name("sketchrender"),
		kong.Description("Renders canvas sketches shared by peers into single-file HTML documents."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)
	err := ctx.Run(&commands.Global{Logger: slog.Default()}, &cli)
	rerrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).HandleError(err)
}
