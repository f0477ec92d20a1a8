package megolm

import (
	"crypto/ed25519"
	"encoding/binary"
	"github.com/tchap/go-tchap-sdk/symmetric_key"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	ErrorBadMessageVersion   = utils.NewTchapError("MEGOLM_BAD_MESSAGE_VERSION", "unsupported megolm message version")
	ErrorBadMessageFormat    = utils.NewTchapError("MEGOLM_BAD_MESSAGE_FORMAT", "malformed megolm message")
	ErrorBadMessageMac       = utils.NewTchapError("MEGOLM_BAD_MESSAGE_MAC", "megolm message MAC mismatch")
	ErrorBadSignature        = utils.NewTchapError("MEGOLM_BAD_SIGNATURE", "megolm message signature mismatch")
	ErrorUnknownMessageIndex = utils.NewTchapError("MEGOLM_UNKNOWN_MESSAGE_INDEX", "message index is before the first known index of the session")
	ErrorBadSessionKey       = utils.NewTchapError("MEGOLM_BAD_SESSION_KEY", "invalid session key")
	ErrorBadPickle           = utils.NewTchapError("MEGOLM_BAD_PICKLE", "invalid pickled session")
)

const (
	messageVersion       byte = 3
	sessionKeyVersion    byte = 2
	sessionExportVersion byte = 1

	messageHeaderLength = 1 + 4
)

// encodeMessage lays out version | index (u32 BE) | ciphertext | mac8 | signature.
func encodeMessage(index uint32, cipherText []byte, key *symmetric_key.DerivedKey, sign func([]byte) []byte) []byte {
	out := make([]byte, messageHeaderLength, messageHeaderLength+len(cipherText)+symmetric_key.TruncatedMacLength+ed25519.SignatureSize)
	out[0] = messageVersion
	binary.BigEndian.PutUint32(out[1:], index)
	out = append(out, cipherText...)
	out = append(out, key.TruncatedMAC(out)...)
	return append(out, sign(out)...)
}

type parsedMessage struct {
	index      uint32
	cipherText []byte
	mac        []byte
	// macInput is everything the MAC covers
	macInput []byte
	// signedInput is everything the signature covers
	signedInput []byte
	signature   []byte
}

func decodeMessage(raw []byte) (*parsedMessage, error) {
	if len(raw) < messageHeaderLength+symmetric_key.TruncatedMacLength+ed25519.SignatureSize {
		return nil, tracerr.Wrap(ErrorBadMessageFormat.AddDetails("message too short"))
	}
	if raw[0] != messageVersion {
		return nil, tracerr.Wrap(ErrorBadMessageVersion)
	}
	sigStart := len(raw) - ed25519.SignatureSize
	macStart := sigStart - symmetric_key.TruncatedMacLength
	return &parsedMessage{
		index:       binary.BigEndian.Uint32(raw[1:messageHeaderLength]),
		cipherText:  raw[messageHeaderLength:macStart],
		mac:         raw[macStart:sigStart],
		macInput:    raw[:macStart],
		signedInput: raw[:sigStart],
		signature:   raw[sigStart:],
	}, nil
}
