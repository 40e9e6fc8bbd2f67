package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/livekit/pcengine/cmd/cli/commands"
	"github.com/livekit/pcengine/pkg/logger"
)

// command line util that tests server
func main() {
	app := &cli.App{
		Name: "pcengine-cli",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Before: func(c *cli.Context) error {
			logger.InitFromConfig(logger.Config{Level: c.String("log-level"), PionLevel: "error"}, "pcengine-cli")
			return nil
		},
	}

	app.Commands = append(app.Commands, commands.RTCCommands...)
	app.Commands = append(app.Commands, commands.SessionCommands...)

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
