package buffer

import "errors"

var (
	ErrBufferClosed    = errors.New("jitter buffer closed")
	ErrPacketDuplicate = errors.New("packet already received")
	ErrRTXTooShort     = errors.New("rtx payload too short")
)
