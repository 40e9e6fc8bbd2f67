// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pion/stun"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc"
	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/sfu/buffer"
)

const (
	generatedCLIFlagUsage = "generated"
	envVarPrefix          = "PCENGINE_"

	StatsUpdateInterval = time.Second * 10
)

var (
	ErrInvalidPortRange       = errors.New("ice port range start must be below end")
	ErrInvalidBundlePolicy    = errors.New("bundle_policy must be one of none, balanced, max-compat, max-bundle")
	ErrInvalidTransportPolicy = errors.New("ice_transport_policy must be all or relay")
	ErrInvalidSTUNServer      = errors.New("invalid stun server")

	DefaultStunServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}
)

type Config struct {
	Port           uint32          `yaml:"port,omitempty"`
	BindAddresses  []string        `yaml:"bind_addresses,omitempty"`
	PrometheusPort uint32          `yaml:"prometheus_port,omitempty"`
	RTC            RTCConfig       `yaml:"rtc,omitempty"`
	Signaling      SignalingConfig `yaml:"signaling,omitempty"`
	Stats          StatsConfig     `yaml:"stats,omitempty"`
	// Deprecated: LogLevel is deprecated, use logging.level
	LogLevel string        `yaml:"log_level,omitempty"`
	Logging  LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type RTCConfig struct {
	STUNServers       []string `yaml:"stun_servers,omitempty"`
	ICEPortRangeStart uint16   `yaml:"port_range_start,omitempty"`
	ICEPortRangeEnd   uint16   `yaml:"port_range_end,omitempty"`
	// advertised instead of host candidate addresses, resolved with STUN when use_external_ip is set
	NodeIP        string `yaml:"node_ip,omitempty"`
	UseExternalIP bool   `yaml:"use_external_ip,omitempty"`
	UseICELite    bool   `yaml:"use_ice_lite,omitempty"`

	BundlePolicy       string `yaml:"bundle_policy,omitempty"`
	ICETransportPolicy string `yaml:"ice_transport_policy,omitempty"`
	CNAME              string `yaml:"cname,omitempty"`
}

type SignalingConfig struct {
	// queued tasks above this size are logged
	TaskQueueWarnSize   int           `yaml:"task_queue_warn_size,omitempty"`
	NegotiationDebounce time.Duration `yaml:"negotiation_debounce,omitempty"`
	// time given to a peer to answer an offer sent by the signal server
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout,omitempty"`
}

type StatsConfig struct {
	JitterBufferLatency time.Duration `yaml:"jitter_buffer_latency,omitempty"`
	JitterBufferMaxSize int           `yaml:"jitter_buffer_max_size,omitempty"`
	// number of closed sessions whose final report stays queryable
	ReportCacheSize int `yaml:"report_cache_size,omitempty"`
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`
}

var DefaultConfig = Config{
	Port: 7880,
	RTC: RTCConfig{
		STUNServers:        []string{},
		BundlePolicy:       rtc.BundlePolicyMaxBundle.String(),
		ICETransportPolicy: webrtc.ICETransportPolicyAll.String(),
	},
	Signaling: SignalingConfig{
		TaskQueueWarnSize:   100,
		NegotiationDebounce: 50 * time.Millisecond,
		NegotiationTimeout:  15 * time.Second,
	},
	Stats: StatsConfig{
		JitterBufferLatency: 200 * time.Millisecond,
		JitterBufferMaxSize: 1 << 20,
		ReportCacheSize:     256,
	},
	Logging: LoggingConfig{
		Config: logger.Config{
			PionLevel: "error",
		},
	},
}

func NewConfig(confString string, strictMode bool, c *cli.Context, baseFlags []cli.Flag) (*Config, error) {
	// start with defaults
	marshalled, err := yaml.Marshal(&DefaultConfig)
	if err != nil {
		return nil, err
	}

	var conf Config
	err = yaml.Unmarshal(marshalled, &conf)
	if err != nil {
		return nil, err
	}

	if confString != "" {
		decoder := yaml.NewDecoder(strings.NewReader(confString))
		decoder.KnownFields(strictMode)
		if err := decoder.Decode(&conf); err != nil {
			return nil, fmt.Errorf("could not parse config: %v", err)
		}
	}

	if c != nil {
		if err := conf.updateFromCLI(c, baseFlags); err != nil {
			return nil, err
		}
	}

	if err := conf.RTC.Validate(); err != nil {
		return nil, fmt.Errorf("could not validate RTC config: %v", err)
	}

	if conf.LogLevel != "" {
		conf.Logging.Level = conf.LogLevel
	}
	if conf.Logging.Level == "" && conf.Development {
		conf.Logging.Level = "debug"
	}

	return &conf, nil
}

func (r *RTCConfig) Validate() error {
	if r.ICEPortRangeStart != 0 || r.ICEPortRangeEnd != 0 {
		if r.ICEPortRangeStart == 0 || r.ICEPortRangeEnd <= r.ICEPortRangeStart {
			return ErrInvalidPortRange
		}
	}

	switch strings.ToLower(r.BundlePolicy) {
	case "", "none", "balanced", "max-compat", "max-bundle":
	default:
		return errors.Wrap(ErrInvalidBundlePolicy, r.BundlePolicy)
	}

	switch strings.ToLower(r.ICETransportPolicy) {
	case "", "all", "relay":
	default:
		return errors.Wrap(ErrInvalidTransportPolicy, r.ICETransportPolicy)
	}

	for _, s := range r.STUNServers {
		if _, err := stun.ParseURI(s); err != nil {
			return errors.Wrapf(ErrInvalidSTUNServer, "%s: %v", s, err)
		}
	}

	if r.UseExternalIP && r.NodeIP == "" {
		servers := r.STUNServers
		if len(servers) == 0 {
			servers = DefaultStunServers
		}
		ip, err := determineExternalIP(servers)
		if err != nil {
			return err
		}
		r.NodeIP = ip
	}
	return nil
}

func (r *RTCConfig) ICEServers() []webrtc.ICEServer {
	if len(r.STUNServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), r.STUNServers...)}}
}

// ToPeerConnectionConfig maps the signaling section onto the per peer connection settings
func (conf *Config) ToPeerConnectionConfig() rtc.PeerConnectionConfig {
	pcConfig := rtc.DefaultPeerConnectionConfig()
	pcConfig.BundlePolicy = rtc.BundlePolicyFromString(conf.RTC.BundlePolicy)
	if conf.RTC.ICETransportPolicy != "" {
		pcConfig.ICETransportPolicy = webrtc.NewICETransportPolicy(conf.RTC.ICETransportPolicy)
	}
	if conf.Signaling.TaskQueueWarnSize > 0 {
		pcConfig.TaskQueueWarnSize = conf.Signaling.TaskQueueWarnSize
	}
	if conf.Signaling.NegotiationDebounce > 0 {
		pcConfig.NegotiationDebounce = conf.Signaling.NegotiationDebounce
	}
	pcConfig.CNAME = conf.RTC.CNAME
	return pcConfig
}

func (conf *Config) ToICEAgentParams() transport.ICEAgentParams {
	params := transport.ICEAgentParams{
		ICEServers:   conf.RTC.ICEServers(),
		GatherPolicy: webrtc.ICETransportPolicyAll,
		PortRangeMin: conf.RTC.ICEPortRangeStart,
		PortRangeMax: conf.RTC.ICEPortRangeEnd,
		Lite:         conf.RTC.UseICELite,
	}
	if conf.RTC.ICETransportPolicy != "" {
		params.GatherPolicy = webrtc.NewICETransportPolicy(conf.RTC.ICETransportPolicy)
	}
	if conf.RTC.NodeIP != "" {
		params.NAT1To1IPs = []string{conf.RTC.NodeIP}
	}
	return params
}

func (conf *Config) ToJitterBufferParams() buffer.JitterBufferParams {
	return buffer.JitterBufferParams{
		Latency: conf.Stats.JitterBufferLatency,
		MaxSize: conf.Stats.JitterBufferMaxSize,
	}
}

type configNode struct {
	TypeNode  reflect.Value
	TagPrefix string
}

func (conf *Config) ToCLIFlagNames(existingFlags []cli.Flag) map[string]reflect.Value {
	existingFlagNames := map[string]bool{}
	for _, flag := range existingFlags {
		for _, flagName := range flag.Names() {
			existingFlagNames[flagName] = true
		}
	}

	flagNames := map[string]reflect.Value{}
	var currNode configNode
	nodes := []configNode{{reflect.ValueOf(conf).Elem(), ""}}
	for len(nodes) > 0 {
		currNode, nodes = nodes[0], nodes[1:]
		for i := 0; i < currNode.TypeNode.NumField(); i++ {
			// inspect yaml tag from struct field to get path
			field := currNode.TypeNode.Type().Field(i)
			yamlTagArray := strings.SplitN(field.Tag.Get("yaml"), ",", 2)
			yamlTag := yamlTagArray[0]
			isInline := false
			if len(yamlTagArray) > 1 && yamlTagArray[1] == "inline" {
				isInline = true
			}
			if (yamlTag == "" && (!isInline || currNode.TagPrefix == "")) || yamlTag == "-" {
				continue
			}
			yamlPath := yamlTag
			if currNode.TagPrefix != "" {
				if isInline {
					yamlPath = currNode.TagPrefix
				} else {
					yamlPath = fmt.Sprintf("%s.%s", currNode.TagPrefix, yamlTag)
				}
			}
			if existingFlagNames[yamlPath] {
				continue
			}

			// map flag name to value
			value := currNode.TypeNode.Field(i)
			if value.Kind() == reflect.Struct {
				nodes = append(nodes, configNode{value, yamlPath})
			} else {
				flagNames[yamlPath] = value
			}
		}
	}

	return flagNames
}

func GenerateCLIFlags(existingFlags []cli.Flag, hidden bool) ([]cli.Flag, error) {
	blankConfig := &Config{}
	flags := make([]cli.Flag, 0)
	for name, value := range blankConfig.ToCLIFlagNames(existingFlags) {
		kind := value.Kind()
		if kind == reflect.Ptr {
			kind = value.Type().Elem().Kind()
		}

		var flag cli.Flag
		envVar := envVarPrefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))

		switch kind {
		case reflect.Bool:
			flag = &cli.BoolFlag{
				Name:   name,
				Usage:  generatedCLIFlagUsage,
				Hidden: hidden,
			}
		case reflect.String:
			flag = &cli.StringFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int, reflect.Int32:
			flag = &cli.IntFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Int64:
			flag = &cli.Int64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			flag = &cli.UintFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Uint64:
			flag = &cli.Uint64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Float32, reflect.Float64:
			flag = &cli.Float64Flag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Slice:
			flag = &cli.StringSliceFlag{
				Name:    name,
				EnvVars: []string{envVar},
				Usage:   generatedCLIFlagUsage,
				Hidden:  hidden,
			}
		case reflect.Map, reflect.Struct:
			continue
		default:
			return flags, fmt.Errorf("cli flag generation unsupported for config type: %s is a %s", name, kind.String())
		}

		flags = append(flags, flag)
	}

	return flags, nil
}

func (conf *Config) updateFromCLI(c *cli.Context, baseFlags []cli.Flag) error {
	generatedFlagNames := conf.ToCLIFlagNames(baseFlags)
	for _, flag := range c.App.Flags {
		flagName := flag.Names()[0]

		// the `c.App.Name != "test"` check is needed because `c.IsSet(...)` is always false in unit tests
		if !c.IsSet(flagName) && c.App.Name != "test" {
			continue
		}

		configValue, ok := generatedFlagNames[flagName]
		if !ok {
			continue
		}

		kind := configValue.Kind()
		if kind == reflect.Ptr {
			// instantiate value to be set
			configValue.Set(reflect.New(configValue.Type().Elem()))

			kind = configValue.Type().Elem().Kind()
			configValue = configValue.Elem()
		}

		switch kind {
		case reflect.Bool:
			configValue.SetBool(c.Bool(flagName))
		case reflect.String:
			configValue.SetString(c.String(flagName))
		case reflect.Int, reflect.Int32, reflect.Int64:
			configValue.SetInt(c.Int64(flagName))
		case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			configValue.SetUint(c.Uint64(flagName))
		case reflect.Float32, reflect.Float64:
			configValue.SetFloat(c.Float64(flagName))
		case reflect.Slice:
			if configValue.Type().Elem().Kind() != reflect.String {
				return fmt.Errorf("unsupported generated cli flag type for config: %s is a slice of %s", flagName, configValue.Type().Elem().Kind())
			}
			configValue.Set(reflect.ValueOf(c.StringSlice(flagName)))
		default:
			return fmt.Errorf("unsupported generated cli flag type for config: %s is a %s", flagName, kind.String())
		}
	}

	if c.IsSet("dev") {
		conf.Development = c.Bool("dev")
	}
	if c.IsSet("node-ip") {
		conf.RTC.NodeIP = c.String("node-ip")
	}
	if c.IsSet("bind") {
		conf.BindAddresses = c.StringSlice("bind")
	}
	return nil
}

// GetConfigString prefers an inline body over the file at configFile
func GetConfigString(configFile string, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	path, err := homedir.Expand(os.ExpandEnv(configFile))
	if err != nil {
		return "", err
	}
	outConfigBody, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return string(outConfigBody), nil
}

// Note: only pass in loggers with default depth
func SetLogger(l logger.Logger) {
	logger.SetLogger(l)
}

func InitLoggerFromConfig(config LoggingConfig) {
	logger.InitFromConfig(config.Config, "pcengine")
}
