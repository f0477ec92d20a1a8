package megolm

import (
	"encoding/binary"
	"encoding/json"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

// OutboundGroupSession is the sending side of a Megolm session.
// It is not safe for concurrent use.
type OutboundGroupSession struct {
	ratchet    *ratchet
	signingKey *asymkey.SigningPrivateKey
}

func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	r, err := newRatchet(0)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	signingKey, err := asymkey.GenerateSigningKey()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &OutboundGroupSession{ratchet: r, signingKey: signingKey}, nil
}

// SessionId is the unpadded base64 of the session's Ed25519 public key.
func (s *OutboundGroupSession) SessionId() string {
	return s.signingKey.Public().ToB64()
}

// MessageIndex is the index the next encrypted message will carry.
func (s *OutboundGroupSession) MessageIndex() uint32 {
	return s.ratchet.counter
}

// SessionKey exports the ratchet at the current index, signed by the session key.
// Anyone holding it can decrypt messages from MessageIndex onwards, never before.
func (s *OutboundGroupSession) SessionKey() string {
	out := []byte{sessionKeyVersion}
	out = append(out, s.ratchet.serialize()...)
	out = append(out, s.signingKey.Public().Encode()...)
	out = append(out, s.signingKey.Sign(out)...)
	return utils.EncodeBase64(out)
}

// Encrypt encrypts plaintext at the current index and advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	key, err := s.ratchet.messageKey()
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	cipherText, err := key.EncryptFixedIV(plaintext)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	message := encodeMessage(s.ratchet.counter, cipherText, key, s.signingKey.Sign)
	s.ratchet.advance()
	return utils.EncodeBase64(message), nil
}

type outboundPickle struct {
	Ratchet    *ratchet                   `json:"ratchet"`
	SigningKey *asymkey.SigningPrivateKey `json:"signingKey"`
}

func (s *OutboundGroupSession) MarshalJSON() ([]byte, error) {
	return json.Marshal(outboundPickle{Ratchet: s.ratchet, SigningKey: s.signingKey})
}

func (s *OutboundGroupSession) UnmarshalJSON(b []byte) error {
	var p outboundPickle
	if err := json.Unmarshal(b, &p); err != nil {
		return tracerr.Wrap(err)
	}
	if p.Ratchet == nil || p.SigningKey == nil {
		return tracerr.Wrap(ErrorBadPickle.AddDetails("missing outbound session fields"))
	}
	s.ratchet = p.Ratchet
	s.signingKey = p.SigningKey
	return nil
}

// MessageIndexOf reads the index of an encrypted message without decrypting it.
func MessageIndexOf(message string) (uint32, error) {
	raw, err := utils.Base64DecodeString(message)
	if err != nil {
		return 0, tracerr.Wrap(ErrorBadMessageFormat.AddDetails(err.Error()))
	}
	if len(raw) < messageHeaderLength {
		return 0, tracerr.Wrap(ErrorBadMessageFormat.AddDetails("message too short"))
	}
	return binary.BigEndian.Uint32(raw[1:messageHeaderLength]), nil
}
