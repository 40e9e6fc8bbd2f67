package rtc

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
)

const (
	defaultTaskQueueWarnSize   = 100
	defaultNegotiationDebounce = 50 * time.Millisecond
)

type BundlePolicy int

const (
	BundlePolicyNone BundlePolicy = iota
	BundlePolicyBalanced
	BundlePolicyMaxCompat
	BundlePolicyMaxBundle
)

func (b BundlePolicy) String() string {
	switch b {
	case BundlePolicyNone:
		return "none"
	case BundlePolicyBalanced:
		return "balanced"
	case BundlePolicyMaxCompat:
		return "max-compat"
	case BundlePolicyMaxBundle:
		return "max-bundle"
	}
	return "none"
}

func BundlePolicyFromString(s string) BundlePolicy {
	switch strings.ToLower(s) {
	case "balanced":
		return BundlePolicyBalanced
	case "max-compat":
		return BundlePolicyMaxCompat
	case "max-bundle":
		return BundlePolicyMaxBundle
	default:
		return BundlePolicyNone
	}
}

func (b BundlePolicy) Bundles() bool {
	return b != BundlePolicyNone
}

type PeerConnectionConfig struct {
	BundlePolicy        BundlePolicy
	ICETransportPolicy  webrtc.ICETransportPolicy
	TaskQueueWarnSize   int
	NegotiationDebounce time.Duration
	// CNAME is advertised with every local SSRC, a random one is used when empty
	CNAME string
}

func DefaultPeerConnectionConfig() PeerConnectionConfig {
	return PeerConnectionConfig{
		BundlePolicy:        BundlePolicyMaxBundle,
		ICETransportPolicy:  webrtc.ICETransportPolicyAll,
		TaskQueueWarnSize:   defaultTaskQueueWarnSize,
		NegotiationDebounce: defaultNegotiationDebounce,
	}
}
