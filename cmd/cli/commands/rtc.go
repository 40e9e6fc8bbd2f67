package commands

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/livekit/pcengine/cmd/cli/client"
	"github.com/livekit/pcengine/pkg/config"
	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/service"
)

var RTCCommands = []*cli.Command{
	{
		Name:   "connect",
		Usage:  "opens a session on the server and negotiates a local peer connection with it",
		Action: connect,
		Flags: []cli.Flag{
			hostFlag,
			&cli.IntFlag{
				Name:  "audio",
				Usage: "number of audio transceivers to offer",
				Value: 1,
			},
			&cli.IntFlag{
				Name:  "video",
				Usage: "number of video transceivers to offer",
			},
			&cli.BoolFlag{
				Name:  "data",
				Usage: "offer a data channel",
				Value: true,
			},
			&cli.StringSliceFlag{
				Name:  "stun",
				Usage: "stun server used for gathering, use flag multiple times to specify more",
			},
			&cli.DurationFlag{
				Name:  "stats-interval",
				Usage: "how often to request the server stats report once connected, 0 disables",
				Value: 5 * time.Second,
			},
		},
	},
}

func connect(c *cli.Context) error {
	log := logger.GetLogger()

	conf := config.DefaultConfig
	conf.RTC.STUNServers = c.StringSlice("stun")
	transports, err := service.NewPionTransportFactory(&conf)
	if err != nil {
		return err
	}

	host := wsHost(c.String("host"))
	log.Infow("connecting to Websocket signal", "host", host)
	conn, err := client.NewWebSocketConn(host)
	if err != nil {
		return err
	}
	defer conn.Close()

	rc, err := client.NewRTCClient(client.RTCClientParams{
		Conn:       conn,
		Config:     conf.ToPeerConnectionConfig(),
		Transports: transports,
		Audio:      c.Int("audio"),
		Video:      c.Int("video"),
		Data:       c.Bool("data"),
	})
	if err != nil {
		return err
	}

	handleSignals(rc)

	rc.OnStats = func(report map[string]json.RawMessage) {
		PrintJSON(report)
	}
	if interval := c.Duration("stats-interval"); interval > 0 {
		rc.OnConnected = func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-rc.Done():
					return
				case <-ticker.C:
					if err := rc.RequestStats(nil); err != nil {
						log.Warnw("could not request stats", err)
					}
				}
			}
		}
	}

	return rc.Run()
}

func handleSignals(rc *client.RTCClient) {
	// signal to stop client
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		logger.GetLogger().Infow("exit requested, shutting down", "signal", sig)
		rc.Stop()
	}()
}
