package commands

import (
	"fmt"
	"io"
	"os"

	"git.home.luguber.info/inful/sketchrender/internal/config"
	rerrors "git.home.luguber.info/inful/sketchrender/internal/errors"
)

// InitCmd writes an example configuration file.
type InitCmd struct {
	Force bool `help:"Overwrite an existing configuration file"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	return RunInit(os.Stdout, root.Config, i.Force)
}

// RunInit writes the example configuration to configPath and tells the
// operator how to start the service with it.
func RunInit(w io.Writer, configPath string, force bool) error {
	if err := config.Init(configPath, force); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryConfig, rerrors.SeverityFatal, "could not write configuration").
			WithContext("path", configPath)
	}
	_, _ = fmt.Fprintf(w, "Wrote %s\nDiscovery is off; set discovery.enabled and discovery.nats_url to announce the catalog.\nStart the service with: sketchrender serve -c %s\n", configPath, configPath)
	return nil
}
