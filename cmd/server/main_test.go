package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/pcengine/pkg/config"
)

func runWithConfig(t *testing.T, args ...string) *config.Config {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, true)
	require.NoError(t, err)

	var conf *config.Config
	app := &cli.App{
		Flags: append(baseFlags, generatedFlags...),
		Action: func(c *cli.Context) error {
			var err error
			conf, err = getConfig(c)
			return err
		},
	}
	require.NoError(t, app.Run(append([]string{"pcengine"}, args...)))
	return conf
}

func TestGetConfig(t *testing.T) {
	t.Run("dev mode binds localhost", func(t *testing.T) {
		conf := runWithConfig(t, "--dev")
		require.True(t, conf.Development)
		require.Equal(t, []string{"127.0.0.1", "::1"}, conf.BindAddresses)
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pcengine.yaml")
		require.NoError(t, os.WriteFile(path, []byte("port: 9000\nrtc:\n  cname: loopback\n"), 0o644))

		conf := runWithConfig(t, "--config", path, "--dev")
		require.Equal(t, uint32(9000), conf.Port)
		require.Equal(t, "loopback", conf.RTC.CNAME)
		require.Nil(t, conf.BindAddresses)
	})

	t.Run("config body", func(t *testing.T) {
		conf := runWithConfig(t, "--config-body", "port: 9001")
		require.Equal(t, uint32(9001), conf.Port)
	})
}

func TestDescribeStats(t *testing.T) {
	typ, detail := describeStats(webrtc.OutboundRTPStreamStats{
		Type:        webrtc.StatsTypeOutboundRTP,
		Kind:        "audio",
		SSRC:        1234,
		PacketsSent: 1500,
		BytesSent:   2048,
	})
	require.Equal(t, "outbound-rtp", typ)
	require.Equal(t, "audio ssrc 1234 sent 1,500 packets 2.0 kB", detail)

	typ, detail = describeStats(webrtc.DataChannelStats{
		Type:  webrtc.StatsTypeDataChannel,
		Label: "chat",
		State: webrtc.DataChannelStateOpen,
	})
	require.Equal(t, "data-channel", typ)
	require.Equal(t, "chat open", detail)
}
