package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/frostbyte73/core"
	"github.com/olekukonko/tablewriter"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/pcengine/pkg/config"
	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/service"
)

const loopbackTimeout = 10 * time.Second

var errLoopbackFailed = errors.New("peer connection failed")

type loopbackPeer struct {
	rtc.UnimplementedHandler

	name      string
	pc        *rtc.PeerConnection
	remote    *loopbackPeer
	release   func()
	connected core.Fuse
	failed    core.Fuse
}

func (p *loopbackPeer) OnICECandidate(mline uint32, candidate string) {
	p.remote.pc.AddICECandidate(mline, candidate)
}

func (p *loopbackPeer) OnSignalingStateChange(state webrtc.SignalingState) {
	fmt.Printf("[%s] signaling %s\n", p.name, state)
}

func (p *loopbackPeer) OnConnectionStateChange(state webrtc.PeerConnectionState) {
	fmt.Printf("[%s] connection %s\n", p.name, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.connected.Break()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.failed.Break()
	}
}

func (p *loopbackPeer) OnDataChannel(dc *rtc.DataChannel) {
	fmt.Printf("[%s] data channel %s\n", p.name, dc)
}

func (p *loopbackPeer) waitConnected(ctx context.Context) error {
	select {
	case <-p.connected.Watch():
		return nil
	case <-p.failed.Watch():
		return errors.Wrap(errLoopbackFailed, p.name)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%s not connected", p.name)
	}
}

func (p *loopbackPeer) close() {
	p.pc.Close()
	if p.release != nil {
		p.release()
	}
}

func newLoopbackPeer(name string, conf *config.Config) (*loopbackPeer, error) {
	transports, err := service.NewPionTransportFactory(conf)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("PC_%s", name)
	t, err := transports(id)
	if err != nil {
		return nil, err
	}

	p := &loopbackPeer{name: name, release: t.Release}
	p.pc, err = rtc.NewPeerConnection(rtc.PeerConnectionParams{
		ID:            id,
		Config:        conf.ToPeerConnectionConfig(),
		ICEAgent:      t.ICEAgent,
		DTLSFactory:   t.DTLSFactory,
		RTPSession:    t.RTPSession,
		JitterBuffers: t.JitterBuffers,
		Handler:       p,
		Logger:        logger.GetLogger().WithValues("peer", name),
	})
	if err != nil {
		if t.Release != nil {
			t.Release()
		}
		return nil, err
	}
	return p, nil
}

// runLoopback negotiates two in-process peers over the local network and prints the offerer's stats
func runLoopback(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	// host candidates are enough between two local peers
	conf.RTC.STUNServers = nil
	conf.RTC.NodeIP = ""

	offerer, err := newLoopbackPeer("offerer", conf)
	if err != nil {
		return err
	}
	defer offerer.close()
	answerer, err := newLoopbackPeer("answerer", conf)
	if err != nil {
		return err
	}
	defer answerer.close()
	offerer.remote, answerer.remote = answerer, offerer

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	for i := 0; i < c.Int("audio"); i++ {
		if _, err := offerer.pc.AddTransceiver(types.MediaKindAudio, rtc.TransceiverInit{}).Wait(ctx); err != nil {
			return err
		}
	}
	for i := 0; i < c.Int("video"); i++ {
		if _, err := offerer.pc.AddTransceiver(types.MediaKindVideo, rtc.TransceiverInit{}).Wait(ctx); err != nil {
			return err
		}
	}
	if c.Bool("data") {
		if _, err := offerer.pc.CreateDataChannel("loopback", rtc.DataChannelInit{Ordered: true}).Wait(ctx); err != nil {
			return err
		}
	}

	offer, err := offerer.pc.CreateOffer().Wait(ctx)
	if err != nil {
		return errors.Wrap(err, "create offer")
	}
	if _, err = answerer.pc.SetRemoteDescription(offer).Wait(ctx); err != nil {
		return errors.Wrap(err, "apply offer")
	}
	answer, err := answerer.pc.CreateAnswer().Wait(ctx)
	if err != nil {
		return errors.Wrap(err, "create answer")
	}
	if _, err = offerer.pc.SetRemoteDescription(answer).Wait(ctx); err != nil {
		return errors.Wrap(err, "apply answer")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range []*loopbackPeer{offerer, answerer} {
		p := p
		g.Go(func() error {
			return p.waitConnected(gctx)
		})
	}
	waitErr := g.Wait()

	report, err := offerer.pc.GetStats(nil).Wait(context.Background())
	if err != nil {
		return err
	}
	printStatsReport(report)
	return waitErr
}

func printStatsReport(report webrtc.StatsReport) {
	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"ID", "Type", "Detail"})
	for _, id := range ids {
		typ, detail := describeStats(report[id])
		table.Append([]string{id, typ, detail})
	}
	table.Render()
}

func describeStats(s webrtc.Stats) (string, string) {
	switch st := s.(type) {
	case webrtc.PeerConnectionStats:
		return string(st.Type), fmt.Sprintf("data channels opened %d closed %d", st.DataChannelsOpened, st.DataChannelsClosed)
	case webrtc.TransportStats:
		return string(st.Type), fmt.Sprintf("dtls %s pair %s", st.DTLSState, st.SelectedCandidatePairID)
	case webrtc.CodecStats:
		return string(st.Type), fmt.Sprintf("%s/%d pt %d", st.MimeType, st.ClockRate, st.PayloadType)
	case webrtc.OutboundRTPStreamStats:
		return string(st.Type), fmt.Sprintf("%s ssrc %d sent %s packets %s",
			st.Kind, st.SSRC, humanize.Comma(int64(st.PacketsSent)), humanize.Bytes(uint64(st.BytesSent)))
	case webrtc.InboundRTPStreamStats:
		return string(st.Type), fmt.Sprintf("%s ssrc %d received %s packets %s",
			st.Kind, st.SSRC, humanize.Comma(int64(st.PacketsReceived)), humanize.Bytes(uint64(st.BytesReceived)))
	case webrtc.RemoteInboundRTPStreamStats:
		return string(st.Type), fmt.Sprintf("ssrc %d lost %d", st.SSRC, st.PacketsLost)
	case webrtc.RemoteOutboundRTPStreamStats:
		return string(st.Type), fmt.Sprintf("ssrc %d", st.SSRC)
	case webrtc.ICECandidateStats:
		return string(st.Type), fmt.Sprintf("%s %s:%d", st.CandidateType, st.IP, st.Port)
	case webrtc.ICECandidatePairStats:
		return string(st.Type), fmt.Sprintf("%s nominated %t", st.State, st.Nominated)
	case webrtc.DataChannelStats:
		return string(st.Type), fmt.Sprintf("%s %s", st.Label, st.State)
	default:
		return fmt.Sprintf("%T", s), ""
	}
}
