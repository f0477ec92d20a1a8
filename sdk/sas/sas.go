package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/hkdf"
	"io"
	"strings"
)

var (
	// ErrorTheirKeyNotSet is returned when deriving before the other party's key is known
	ErrorTheirKeyNotSet = utils.NewTchapError("SAS_THEIR_KEY_NOT_SET", "the other party's key has not been set")
	// ErrorTheirKeyAlreadySet is returned when the other party's key is set twice
	ErrorTheirKeyAlreadySet = utils.NewTchapError("SAS_THEIR_KEY_ALREADY_SET", "the other party's key is already set")
	// ErrorNotEnoughBytes is returned when a representation is computed from too few SAS bytes
	ErrorNotEnoughBytes = utils.NewTchapError("SAS_NOT_ENOUGH_BYTES", "not enough SAS bytes")
)

const (
	sasInfoPrefix = "MATRIX_KEY_VERIFICATION_SAS"
	macInfoPrefix = "MATRIX_KEY_VERIFICATION_MAC"
	// SasBytesLength covers both the decimal (5 bytes) and emoji (6 bytes) representations.
	SasBytesLength = 6
	// KeyIdsMacName is the key id used to MAC the list of MACed key ids.
	KeyIdsMacName = "KEY_IDS"
)

// SAS holds the ephemeral Curve25519 key agreement of one verification transaction.
type SAS struct {
	private      *asymkey.PrivateKey
	theirKey     *asymkey.PublicKey
	sharedSecret []byte
}

func New() (*SAS, error) {
	private, err := asymkey.Generate()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &SAS{private: private}, nil
}

// PublicKey returns our ephemeral public key, as sent in m.key.verification.key.
func (s *SAS) PublicKey() string {
	return s.private.Public().ToB64()
}

func (s *SAS) TheirKey() string {
	if s.theirKey == nil {
		return ""
	}
	return s.theirKey.ToB64()
}

func (s *SAS) SetTheirKey(b64 string) error {
	if s.theirKey != nil {
		return tracerr.Wrap(ErrorTheirKeyAlreadySet)
	}
	pub, err := asymkey.PublicKeyFromB64(b64)
	if err != nil {
		return tracerr.Wrap(err)
	}
	sharedSecret, err := s.private.SharedSecret(pub)
	if err != nil {
		return tracerr.Wrap(err)
	}
	s.theirKey = pub
	s.sharedSecret = sharedSecret
	return nil
}

func (s *SAS) hkdf(info string, length int) ([]byte, error) {
	if s.sharedSecret == nil {
		return nil, tracerr.Wrap(ErrorTheirKeyNotSet)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.sharedSecret, nil, []byte(info)), out); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return out, nil
}

// GenerateBytes derives the SAS bytes both parties compare.
func (s *SAS) GenerateBytes(info string) ([]byte, error) {
	return s.hkdf(info, SasBytesLength)
}

// CalculateMac computes the hkdf-hmac-sha256.v2 MAC of input.
func (s *SAS) CalculateMac(input string, info string) (string, error) {
	key, err := s.hkdf(info, 32)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(input))
	return utils.EncodeBase64(mac.Sum(nil)), nil
}

// VerifyMac checks a MAC received from the other party in constant time.
func (s *SAS) VerifyMac(input string, info string, mac string) (bool, error) {
	expected, err := s.CalculateMac(input, info)
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	return hmac.Equal([]byte(expected), []byte(mac)), nil
}

// Party identifies one side of the key agreement.
type Party struct {
	UserId   string
	DeviceId string
	// Key is the ephemeral SAS public key of this party.
	Key string
}

// SasInfo builds the HKDF info for the SAS bytes. starter is the party that sent
// m.key.verification.start.
func SasInfo(starter Party, accepter Party, transactionId string) string {
	return strings.Join([]string{
		sasInfoPrefix,
		starter.UserId, starter.DeviceId, starter.Key,
		accepter.UserId, accepter.DeviceId, accepter.Key,
		transactionId,
	}, "|")
}

// MacInfo builds the HKDF info for the MAC of keyId, sent by the sender to the receiver.
func MacInfo(senderUserId string, senderDeviceId string, receiverUserId string, receiverDeviceId string, transactionId string, keyId string) string {
	return macInfoPrefix + senderUserId + senderDeviceId + receiverUserId + receiverDeviceId + transactionId + keyId
}

// Commitment is the hash sent in m.key.verification.accept, binding the accepter's key to the start content.
func Commitment(publicKey string, startContent any) (string, error) {
	canonical, err := crosssigning.CanonicalJSON(startContent)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	hash := sha256.New()
	hash.Write([]byte(publicKey))
	hash.Write(canonical)
	return utils.EncodeBase64(hash.Sum(nil)), nil
}

// DecimalCode returns the three numbers between 1000 and 9191 of the decimal representation.
func DecimalCode(b []byte) ([3]int, error) {
	if len(b) < 5 {
		return [3]int{}, tracerr.Wrap(ErrorNotEnoughBytes)
	}
	return [3]int{
		(int(b[0])<<5 | int(b[1])>>3) + 1000,
		((int(b[1])&0x7)<<10 | int(b[2])<<2 | int(b[3])>>6) + 1000,
		((int(b[3])&0x3f)<<7 | int(b[4])>>1) + 1000,
	}, nil
}

// DecimalString formats the decimal representation as displayed to the user.
func DecimalString(b []byte) (string, error) {
	code, err := DecimalCode(b)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return fmt.Sprintf("%d %d %d", code[0], code[1], code[2]), nil
}

// EmojiIndexes returns the seven 6-bit indexes of the emoji representation.
func EmojiIndexes(b []byte) ([]int, error) {
	if len(b) < 6 {
		return nil, tracerr.Wrap(ErrorNotEnoughBytes)
	}
	var bits uint64
	for _, c := range b[:6] {
		bits = bits<<8 | uint64(c)
	}
	indexes := make([]int, 7)
	for i := range indexes {
		indexes[i] = int(bits>>(42-6*i)) & 0x3f
	}
	return indexes, nil
}

func EmojiCode(b []byte) ([]EmojiRepresentation, error) {
	indexes, err := EmojiIndexes(b)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return utils.SliceMap(indexes, func(i int) EmojiRepresentation { return emojiTable[i] }), nil
}
