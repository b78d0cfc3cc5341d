// Package cli contains the voxelvault command line tool.
package cli

import (
	"io"

	"github.com/segmentio/encoding/json"
	"github.com/urfave/cli/v2"

	"go.viam.com/voxelvault/config"
	"go.viam.com/voxelvault/logging"
)

const (
	appName = "voxelvault"

	flagDebug     = "debug"
	flagLogFile   = "log-file"
	flagLogSizeMB = "log-max-size"
)

var app = &cli.App{
	Name:            appName,
	Usage:           "convert point clouds and meshes into level of detail octrees and query them",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.StringFlag{
			Name:  flagLogFile,
			Usage: "also write logs to `FILE`, rotated by size",
		},
		&cli.IntFlag{
			Name:   flagLogSizeMB,
			Hidden: true,
			Value:  100,
			Usage:  "size in megabytes at which the log file is rotated",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "convert",
			Usage:     "convert point and mesh files into an octree file",
			ArgsUsage: "[path or url...]",
			Flags:     inputFlags(),
			Action:    ConvertAction,
		},
		{
			Name:      "preview",
			Usage:     "build a coarse octree from a sample of the inputs",
			ArgsUsage: "[path or url...]",
			Flags:     inputFlags(),
			Action:    PreviewAction,
		},
		{
			Name:      "info",
			Usage:     "print the header of an octree file",
			ArgsUsage: "<file.uds>",
			Action:    InfoAction,
		},
		{
			Name:      "query",
			Usage:     "select the points of an octree file inside or outside a shape",
			ArgsUsage: "<file.uds>",
			Flags:     queryFlags(),
			Action:    QueryAction,
		},
		{
			Name:   "schema",
			Usage:  "print the JSON schema of conversion job files",
			Action: SchemaAction,
		},
	},
}

// loggerFor returns the logger selected by the global flags.
func loggerFor(c *cli.Context) logging.Logger {
	var logger logging.Logger
	if path := c.String(flagLogFile); path != "" {
		logger = logging.NewFileLogger(appName, path, c.Int(flagLogSizeMB))
	} else {
		logger = logging.NewLogger(appName)
	}
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	return logger
}

// SchemaAction prints the job file schema.
func SchemaAction(c *cli.Context) error {
	out, err := json.MarshalIndent(config.JobSchema(), "", "  ")
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", out)
	return nil
}

// NewApp returns the CLI app writing to out and errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
