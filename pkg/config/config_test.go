package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/pcengine/pkg/config/configtest"
	"github.com/livekit/pcengine/pkg/rtc"
)

func TestGetConfigString(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte("fileContent"), 0o644))

	tests := []struct {
		name       string
		configFile string
		configBody string
		expected   string
	}{
		{"empty", "", "", ""},
		{"body only", "", "configBody", "configBody"},
		{"body wins", file, "configBody", "configBody"},
		{"file", file, "", "fileContent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := GetConfigString(tt.configFile, tt.configBody)
			require.NoError(t, err)
			require.Equal(t, tt.expected, body)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		body, err := GetConfigString(filepath.Join(dir, "missing.yaml"), "")
		require.Error(t, err)
		require.Empty(t, body)
	})
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `signaling:
  task_queue_warn_size: 10
rtc:
  port_range_start: 50000
  port_range_end: 60000`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	require.Equal(t, 10, conf.Signaling.TaskQueueWarnSize)
	require.Equal(t, 50*time.Millisecond, conf.Signaling.NegotiationDebounce)
	require.Equal(t, uint16(50000), conf.RTC.ICEPortRangeStart)
	require.Equal(t, "max-bundle", conf.RTC.BundlePolicy)
	require.Equal(t, uint32(7880), conf.Port)
	require.Equal(t, 256, conf.Stats.ReportCacheSize)
	require.Equal(t, "error", conf.Logging.PionLevel)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
signaling:
  task_queue_warn_size: 10`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 10, conf.Signaling.TaskQueueWarnSize)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
	}{
		{"reversed port range", "rtc:\n  port_range_start: 6000\n  port_range_end: 5000", ErrInvalidPortRange},
		{"half port range", "rtc:\n  port_range_end: 5000", ErrInvalidPortRange},
		{"bundle policy", "rtc:\n  bundle_policy: sometimes", ErrInvalidBundlePolicy},
		{"transport policy", "rtc:\n  ice_transport_policy: relayed", ErrInvalidTransportPolicy},
		{"stun server", "rtc:\n  stun_servers:\n    - http://example.com", ErrInvalidSTUNServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.content, true, nil, nil)
			require.ErrorContains(t, err, tt.err.Error())
		})
	}

	t.Run("stun server without port", func(t *testing.T) {
		r := RTCConfig{STUNServers: []string{"stun:stun.example.com"}}
		require.NoError(t, r.Validate())
	})
}

func TestStunServerAddress(t *testing.T) {
	addr, err := stunServerAddress("stun:stun.l.google.com:19302")
	require.NoError(t, err)
	require.Equal(t, "stun.l.google.com:19302", addr)

	addr, err = stunServerAddress("stun:stun.example.com")
	require.NoError(t, err)
	require.Equal(t, "stun.example.com:3478", addr)

	_, err = stunServerAddress("stun.example.com")
	require.ErrorIs(t, err, ErrInvalidSTUNServer)
}

func TestConfig_Mappers(t *testing.T) {
	const content = `rtc:
  stun_servers:
    - stun:stun.example.com:3478
  port_range_start: 50000
  port_range_end: 50100
  node_ip: 203.0.113.9
  use_ice_lite: true
  bundle_policy: none
  ice_transport_policy: relay
  cname: node-a
signaling:
  negotiation_debounce: 5ms
stats:
  jitter_buffer_latency: 100ms
  jitter_buffer_max_size: 4096`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)

	pcConfig := conf.ToPeerConnectionConfig()
	require.Equal(t, rtc.BundlePolicyNone, pcConfig.BundlePolicy)
	require.Equal(t, webrtc.ICETransportPolicyRelay, pcConfig.ICETransportPolicy)
	require.Equal(t, 5*time.Millisecond, pcConfig.NegotiationDebounce)
	require.Equal(t, 100, pcConfig.TaskQueueWarnSize)
	require.Equal(t, "node-a", pcConfig.CNAME)

	params := conf.ToICEAgentParams()
	require.Equal(t, []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}, params.ICEServers)
	require.Equal(t, webrtc.ICETransportPolicyRelay, params.GatherPolicy)
	require.Equal(t, uint16(50000), params.PortRangeMin)
	require.Equal(t, uint16(50100), params.PortRangeMax)
	require.True(t, params.Lite)
	require.Equal(t, []string{"203.0.113.9"}, params.NAT1To1IPs)

	jb := conf.ToJitterBufferParams()
	require.Equal(t, 100*time.Millisecond, jb.Latency)
	require.Equal(t, 4096, jb.MaxSize)

	t.Run("defaults", func(t *testing.T) {
		conf, err := NewConfig("", true, nil, nil)
		require.NoError(t, err)
		require.Empty(t, conf.RTC.ICEServers())
		require.Empty(t, conf.ToICEAgentParams().NAT1To1IPs)
		require.Equal(t, rtc.DefaultPeerConnectionConfig().BundlePolicy, conf.ToPeerConnectionConfig().BundlePolicy)
	})
}

func TestGeneratedFlags(t *testing.T) {
	baseFlags := []cli.Flag{
		&cli.StringFlag{Name: "node-ip"},
		&cli.BoolFlag{Name: "dev"},
	}
	generatedFlags, err := GenerateCLIFlags(baseFlags, true)
	require.NoError(t, err)

	var conf *Config
	app := cli.NewApp()
	app.Name = "pcengine"
	app.Flags = append(baseFlags, generatedFlags...)
	app.Action = func(c *cli.Context) error {
		var err error
		conf, err = NewConfig("", true, c, baseFlags)
		return err
	}

	require.NoError(t, app.Run([]string{
		"pcengine",
		"--rtc.use_ice_lite",
		"--rtc.cname", "flagged",
		"--prometheus_port", "9999",
		"--rtc.stun_servers", "stun:a.example.com:3478",
		"--rtc.stun_servers", "stun:b.example.com:3478",
		"--node-ip", "198.51.100.1",
		"--dev",
	}))
	require.NotNil(t, conf)

	require.True(t, conf.RTC.UseICELite)
	require.Equal(t, "flagged", conf.RTC.CNAME)
	require.Equal(t, uint32(9999), conf.PrometheusPort)
	require.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, conf.RTC.STUNServers)
	require.Equal(t, "198.51.100.1", conf.RTC.NodeIP)
	require.True(t, conf.Development)
	require.Equal(t, "debug", conf.Logging.Level)
	// unset flags leave defaults alone
	require.Equal(t, "max-bundle", conf.RTC.BundlePolicy)
}

func TestYAMLTags(t *testing.T) {
	require.NoError(t, configtest.CheckYAMLTags(Config{}))
}
