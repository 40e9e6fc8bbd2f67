package transport

import "errors"

var (
	ErrSetup                = errors.New("transport setup failed")
	ErrInvalidSSRC          = errors.New("invalid ssrc")
	ErrInvalidSSRCDirection = errors.New("ssrc direction must be sendonly or recvonly")
	ErrStreamClosed         = errors.New("transport stream closed")
)
