package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/livekit/pcengine/pkg/config"
	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/service"
	"github.com/livekit/pcengine/pkg/telemetry/prometheus"
	"github.com/livekit/pcengine/pkg/utils"
)

// Version is set at build time
var Version = "0.1.0"

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to pcengine config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "pcengine config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"PCENGINE_CONFIG"},
	},
	&cli.StringFlag{
		Name:    "node-ip",
		Usage:   "IP address of the current node, advertised in ICE candidates",
		EnvVars: []string{"NODE_IP"},
	},
	// debugging flags
	&cli.StringFlag{
		Name:  "memprofile",
		Usage: "write memory profile to `file`",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and logs every HTTP request. insecure for production",
	},
	&cli.BoolFlag{
		Name:   "disable-strict-config",
		Usage:  "disables strict config parsing",
		Hidden: true,
	},
}

func main() {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	if err != nil {
		fmt.Println(err)
	}

	app := &cli.App{
		Name:        "pcengine",
		Usage:       "WebRTC peer connection signaling server",
		Description: "run without subcommands to start the server",
		Flags:       append(baseFlags, generatedFlags...),
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "ports",
				Usage:  "print ports that server is configured to use",
				Action: printPorts,
			},
			{
				Name:   "loopback",
				Usage:  "negotiates two in-process peer connections and prints their stats",
				Action: runLoopback,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "how long to wait for both peers to connect",
						Value: loopbackTimeout,
					},
					&cli.IntFlag{
						Name:  "audio",
						Usage: "number of audio transceivers offered",
						Value: 1,
					},
					&cli.IntFlag{
						Name:  "video",
						Usage: "number of video transceivers offered",
						Value: 1,
					},
					&cli.BoolFlag{
						Name:  "data",
						Usage: "offer a data channel",
						Value: true,
					},
				},
			},
			{
				Name:   "help-verbose",
				Usage:  "prints app help, including all generated configuration flags",
				Action: helpVerbose,
			},
		},
		Version: Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := config.GetConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	strictMode := true
	if c.Bool("disable-strict-config") {
		strictMode = false
	}

	conf, err := config.NewConfig(confString, strictMode, c, baseFlags)
	if err != nil {
		return nil, err
	}
	config.InitLoggerFromConfig(conf.Logging)

	if c.String("config") == "" && c.String("config-body") == "" && conf.Development {
		logger.GetLogger().Infow("starting in development mode")
		// when dev mode and no config, bind to localhost by default
		if conf.BindAddresses == nil {
			conf.BindAddresses = []string{
				"127.0.0.1",
				"::1",
			}
		}
	}
	return conf, nil
}

func startServer(c *cli.Context) error {
	memProfile := c.String("memprofile")

	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	if memProfile != "" {
		if f, err := os.Create(memProfile); err != nil {
			return err
		} else {
			defer func() {
				// run memory profile at termination
				runtime.GC()
				_ = pprof.WriteHeapProfile(f)
				_ = f.Close()
			}()
		}
	}

	nodeID := utils.NewGuid(utils.NodePrefix)
	prometheus.Init(nodeID)

	transports, err := service.NewPionTransportFactory(conf)
	if err != nil {
		return err
	}
	sessions, err := service.NewSessionManager(service.SessionManagerParams{
		Config:           conf.ToPeerConnectionConfig(),
		Transports:       transports,
		NegotiationLimit: conf.Signaling.NegotiationTimeout,
		ReportCacheSize:  conf.Stats.ReportCacheSize,
	})
	if err != nil {
		return err
	}
	server, err := service.NewPCEngineServer(conf, sessions)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.GetLogger().Infow("exit requested, shutting down", "signal", sig)
		server.Stop(false)
	}()

	return server.Start()
}
