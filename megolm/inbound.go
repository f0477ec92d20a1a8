package megolm

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

// InboundGroupSession is the receiving side of a Megolm session.
type InboundGroupSession struct {
	initialRatchet *ratchet
	latestRatchet  *ratchet
	signingKey     *asymkey.SigningPublicKey
	// signingKeyVerified is true when the session was built from a signed session key,
	// false when it was imported from an export (which carries no signature).
	signingKeyVerified bool
}

// NewInboundGroupSession builds a session from a signed session key (m.room_key).
func NewInboundGroupSession(sessionKey string) (*InboundGroupSession, error) {
	raw, err := utils.Base64DecodeString(sessionKey)
	if err != nil {
		return nil, tracerr.Wrap(ErrorBadSessionKey.AddDetails(err.Error()))
	}
	expected := 1 + 4 + RatchetLength + ed25519.PublicKeySize + ed25519.SignatureSize
	if len(raw) != expected {
		return nil, tracerr.Wrap(ErrorBadSessionKey.AddDetails(fmt.Sprintf("expected %d bytes, got %d", expected, len(raw))))
	}
	if raw[0] != sessionKeyVersion {
		return nil, tracerr.Wrap(ErrorBadSessionKey.AddDetails("unsupported version"))
	}
	sigStart := len(raw) - ed25519.SignatureSize
	signingKey, err := asymkey.SigningPublicKeyDecode(raw[sigStart-ed25519.PublicKeySize : sigStart])
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err = signingKey.Verify(raw[:sigStart], raw[sigStart:]); err != nil {
		return nil, tracerr.Wrap(ErrorBadSignature.AddDetails("session key"))
	}
	r, err := deserializeRatchet(raw[1:])
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &InboundGroupSession{
		initialRatchet:     r,
		latestRatchet:      r.clone(),
		signingKey:         signingKey,
		signingKeyVerified: true,
	}, nil
}

// ImportInboundGroupSession builds a session from an exported (unsigned) session key,
// as found in forwarded room keys, backups and key export files.
func ImportInboundGroupSession(exported string) (*InboundGroupSession, error) {
	raw, err := utils.Base64DecodeString(exported)
	if err != nil {
		return nil, tracerr.Wrap(ErrorBadSessionKey.AddDetails(err.Error()))
	}
	expected := 1 + 4 + RatchetLength + ed25519.PublicKeySize
	if len(raw) != expected {
		return nil, tracerr.Wrap(ErrorBadSessionKey.AddDetails(fmt.Sprintf("expected %d bytes, got %d", expected, len(raw))))
	}
	if raw[0] != sessionExportVersion {
		return nil, tracerr.Wrap(ErrorBadSessionKey.AddDetails("unsupported version"))
	}
	signingKey, err := asymkey.SigningPublicKeyDecode(raw[len(raw)-ed25519.PublicKeySize:])
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	r, err := deserializeRatchet(raw[1:])
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &InboundGroupSession{
		initialRatchet: r,
		latestRatchet:  r.clone(),
		signingKey:     signingKey,
	}, nil
}

func (s *InboundGroupSession) SessionId() string {
	return s.signingKey.ToB64()
}

// FirstKnownIndex is the lowest message index this session can decrypt.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.initialRatchet.counter
}

func (s *InboundGroupSession) IsVerified() bool {
	return s.signingKeyVerified
}

// Decrypt returns the plaintext and the message index. Messages before
// FirstKnownIndex fail with ErrorUnknownMessageIndex: the ratchet only goes forward.
func (s *InboundGroupSession) Decrypt(message string) ([]byte, uint32, error) {
	raw, err := utils.Base64DecodeString(message)
	if err != nil {
		return nil, 0, tracerr.Wrap(ErrorBadMessageFormat.AddDetails(err.Error()))
	}
	parsed, err := decodeMessage(raw)
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}
	if err = s.signingKey.Verify(parsed.signedInput, parsed.signature); err != nil {
		return nil, 0, tracerr.Wrap(ErrorBadSignature)
	}
	if parsed.index < s.initialRatchet.counter {
		return nil, 0, tracerr.Wrap(ErrorUnknownMessageIndex.AddDetails(fmt.Sprintf("index %d < first known %d", parsed.index, s.initialRatchet.counter)))
	}

	var r *ratchet
	if s.latestRatchet.counter <= parsed.index {
		r = s.latestRatchet
	} else {
		r = s.initialRatchet.clone()
	}
	r.advanceTo(parsed.index)

	key, err := r.messageKey()
	if err != nil {
		return nil, 0, tracerr.Wrap(err)
	}
	// the MAC covers the header too
	if !hmac.Equal(key.TruncatedMAC(parsed.macInput), parsed.mac) {
		return nil, 0, tracerr.Wrap(ErrorBadMessageMac)
	}
	plainText, err := key.DecryptFixedIV(parsed.cipherText)
	if err != nil {
		return nil, 0, tracerr.Wrap(ErrorBadMessageFormat.AddDetails(err.Error()))
	}
	return plainText, parsed.index, nil
}

// Export returns the unsigned session key at index, for forwarding or backup.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.initialRatchet.counter {
		return "", tracerr.Wrap(ErrorUnknownMessageIndex.AddDetails(fmt.Sprintf("index %d < first known %d", index, s.initialRatchet.counter)))
	}
	r := s.initialRatchet.clone()
	r.advanceTo(index)
	out := []byte{sessionExportVersion}
	out = append(out, r.serialize()...)
	out = append(out, s.signingKey.Encode()...)
	return utils.EncodeBase64(out), nil
}

// ExportAtFirstKnownIndex exports the whole decryptable range of the session.
func (s *InboundGroupSession) ExportAtFirstKnownIndex() string {
	exported, err := s.Export(s.initialRatchet.counter)
	if err != nil {
		panic(err) // cannot happen, index is the first known one
	}
	return exported
}

type inboundPickle struct {
	InitialRatchet     *ratchet                  `json:"initialRatchet"`
	LatestRatchet      *ratchet                  `json:"latestRatchet"`
	SigningKey         *asymkey.SigningPublicKey `json:"signingKey"`
	SigningKeyVerified bool                      `json:"signingKeyVerified"`
}

func (s *InboundGroupSession) MarshalJSON() ([]byte, error) {
	return json.Marshal(inboundPickle{
		InitialRatchet:     s.initialRatchet,
		LatestRatchet:      s.latestRatchet,
		SigningKey:         s.signingKey,
		SigningKeyVerified: s.signingKeyVerified,
	})
}

func (s *InboundGroupSession) UnmarshalJSON(b []byte) error {
	var p inboundPickle
	if err := json.Unmarshal(b, &p); err != nil {
		return tracerr.Wrap(err)
	}
	if p.InitialRatchet == nil || p.SigningKey == nil {
		return tracerr.Wrap(ErrorBadPickle.AddDetails("missing inbound session fields"))
	}
	if p.LatestRatchet == nil {
		p.LatestRatchet = p.InitialRatchet.clone()
	}
	s.initialRatchet = p.InitialRatchet
	s.latestRatchet = p.LatestRatchet
	s.signingKey = p.SigningKey
	s.signingKeyVerified = p.SigningKeyVerified
	return nil
}
