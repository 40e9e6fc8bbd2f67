package transport

import (
	"crypto"
	"crypto/x509"
	"errors"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/pcengine/pkg/rtc/types"
)

const fingerprintAlgorithm = "sha-256"

var ErrNotPionICETransport = errors.New("dtls transport requires a pion ice transport")

// pionICEBacked is satisfied by transports created by PionICEAgent
type pionICEBacked interface {
	API() *webrtc.API
	PionTransport() *webrtc.ICETransport
}

// PionDTLSFactory creates DTLS transports sharing one self signed certificate
type PionDTLSFactory struct {
	certificate webrtc.Certificate
	fingerprint string
}

func NewPionDTLSFactory() (*PionDTLSFactory, error) {
	tlsCert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, err
	}
	x509Cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint.Fingerprint(x509Cert, crypto.SHA256)
	if err != nil {
		return nil, err
	}
	return &PionDTLSFactory{
		certificate: webrtc.CertificateFromX509(tlsCert.PrivateKey, x509Cert),
		fingerprint: fp,
	}, nil
}

func (f *PionDTLSFactory) Fingerprint() string {
	return f.fingerprint
}

func (f *PionDTLSFactory) NewDTLSTransport(ice types.ICETransport) (types.DTLSTransport, error) {
	backed, ok := ice.(pionICEBacked)
	if !ok {
		return nil, ErrNotPionICETransport
	}
	dtls, err := backed.API().NewDTLSTransport(backed.PionTransport(), []webrtc.Certificate{f.certificate})
	if err != nil {
		return nil, err
	}
	return &pionDTLSTransport{
		dtls:        dtls,
		fingerprint: f.fingerprint,
	}, nil
}

// -------------------------------------------------

type pionDTLSTransport struct {
	dtls        *webrtc.DTLSTransport
	fingerprint string

	client atomic.Bool
}

func (t *pionDTLSTransport) SetClient(client bool) {
	t.client.Store(client)
}

func (t *pionDTLSTransport) IsClient() bool {
	return t.client.Load()
}

func (t *pionDTLSTransport) Fingerprint() (string, string, error) {
	return fingerprintAlgorithm, t.fingerprint, nil
}

func (t *pionDTLSTransport) State() webrtc.DTLSTransportState {
	return t.dtls.State()
}

func (t *pionDTLSTransport) OnStateChange(f func(state webrtc.DTLSTransportState)) {
	t.dtls.OnStateChange(f)
}

func (t *pionDTLSTransport) Start(remoteAlgorithm string, remoteFingerprint string) error {
	// pion picks its own role as the inverse of the remote one
	remoteRole := webrtc.DTLSRoleClient
	if t.IsClient() {
		remoteRole = webrtc.DTLSRoleServer
	}
	return t.dtls.Start(webrtc.DTLSParameters{
		Role: remoteRole,
		Fingerprints: []webrtc.DTLSFingerprint{
			{Algorithm: remoteAlgorithm, Value: remoteFingerprint},
		},
	})
}

func (t *pionDTLSTransport) Stop() error {
	return t.dtls.Stop()
}
