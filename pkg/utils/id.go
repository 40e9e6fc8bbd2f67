package utils

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/jxskiss/base62"
)

const (
	PeerConnectionPrefix = "PC_"
	DataChannelPrefix    = "DC_"
	NodePrefix           = "ND_"
)

func NewGuid(prefix string) string {
	return prefix + RandomString(12)
}

// RandomString returns a base62 string of n characters built from crypto/rand bytes
func RandomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	encoded := base62.EncodeToString(buf)
	for len(encoded) < n {
		encoded += "0"
	}
	return encoded[:n]
}

// NewICECredentials returns a ufrag of 16 characters and a pwd of 32 characters,
// above the 4 and 22 character minimums for ice-ufrag and ice-pwd
func NewICECredentials() (ufrag string, pwd string) {
	return RandomString(16), RandomString(32)
}

// RandomSSRC returns a non-zero random synchronization source
func RandomSSRC() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		if ssrc := binary.BigEndian.Uint32(buf[:]); ssrc != 0 {
			return ssrc
		}
	}
}
