package transport

import (
	"github.com/pion/sdp/v3"
)

// PionSDPCodec is the SDP text boundary, nothing else in the engine reads SDP text
type PionSDPCodec struct{}

func (PionSDPCodec) Parse(text string) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal([]byte(text)); err != nil {
		return nil, err
	}
	return desc, nil
}

func (PionSDPCodec) Serialize(desc *sdp.SessionDescription) (string, error) {
	b, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
