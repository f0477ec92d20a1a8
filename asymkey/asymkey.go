package asymkey

import (
	"crypto/sha256"
	"encoding/json"
	"github.com/tchap/go-tchap-sdk/symmetric_key"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"golang.org/x/crypto/curve25519"
)

var (
	// ErrorInvalidKeyLength is returned when a decoded Curve25519 key is not 32 bytes long
	ErrorInvalidKeyLength = utils.NewTchapError("ASYMKEY_INVALID_KEY_LENGTH", "Curve25519 key must be 32 bytes long")
	// ErrorUnmarshalBSONValueTooShort is returned when trying to unmarshal a bson that is too short
	ErrorUnmarshalBSONValueTooShort = utils.NewTchapError("ASYMKEY_UNMARSHALL_BSON_VALUE_TOO_SHORT", "Cannot unmarshal, not enough bytes")
	// ErrorUnmarshalBSONValueInvalidType is returned when trying to unmarshal a bson that is not a string
	ErrorUnmarshalBSONValueInvalidType = utils.NewTchapError("ASYMKEY_UNMARSHALL_BSON_VALUE_INVALID_TYPE", "Cannot unmarshal, type is not String")
	// ErrorSharedSecret is returned when the key agreement yields a low-order point
	ErrorSharedSecret = utils.NewTchapError("ASYMKEY_SHARED_SECRET", "cannot compute shared secret")
	// ErrorDecryptCrypto is returned when an ECIES payload cannot be decrypted
	ErrorDecryptCrypto = utils.NewTchapError("ASYMKEY_DECRYPT_CRYPTO_ERROR", "Cannot decrypt")
)

// ECIESInfo is the HKDF info used for ECIES payloads (to-device and backup session data).
const ECIESInfo = ""

// PrivateKey is a Curve25519 (X25519) private key.
type PrivateKey struct {
	key [32]byte
}

// PublicKey is a Curve25519 (X25519) public key.
type PublicKey struct {
	key [32]byte
}

func Generate() (*PrivateKey, error) {
	seed, err := utils.GenerateRandomBytes(32)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return PrivateKeyDecode(seed)
}

func PrivateKeyDecode(key []byte) (*PrivateKey, error) {
	if len(key) != 32 {
		return nil, tracerr.Wrap(ErrorInvalidKeyLength)
	}
	k := &PrivateKey{}
	copy(k.key[:], key)
	return k, nil
}

func PrivateKeyFromB64(b64 string) (*PrivateKey, error) {
	raw, err := utils.Base64DecodeString(b64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return PrivateKeyDecode(raw)
}

func (k *PrivateKey) Encode() []byte {
	out := make([]byte, 32)
	copy(out, k.key[:])
	return out
}

func (k *PrivateKey) ToB64() string {
	return utils.EncodeBase64(k.key[:])
}

func (k *PrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.ToB64())
}

func (k *PrivateKey) UnmarshalJSON(b []byte) error {
	var data string
	err := json.Unmarshal(b, &data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	privateKey, err := PrivateKeyFromB64(data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = privateKey.key
	return nil
}

func (k *PrivateKey) Public() *PublicKey {
	pub, err := curve25519.X25519(k.key[:], curve25519.Basepoint)
	if err != nil {
		// X25519 with the base point cannot yield a low-order result
		panic(err)
	}
	p := &PublicKey{}
	copy(p.key[:], pub)
	return p
}

// SharedSecret performs the X25519 key agreement.
func (k *PrivateKey) SharedSecret(other *PublicKey) ([]byte, error) {
	secret, err := curve25519.X25519(k.key[:], other.key[:])
	if err != nil {
		return nil, tracerr.Wrap(ErrorSharedSecret.AddDetails(err.Error()))
	}
	return secret, nil
}

// EncryptedPayload is the ECIES envelope, all fields being unpadded base64.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	Mac        string `json:"mac"`
	Ephemeral  string `json:"ephemeral"`
}

// Decrypt opens a payload produced by PublicKey.Encrypt for this key.
func (k *PrivateKey) Decrypt(payload *EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, tracerr.Wrap(ErrorDecryptCrypto.AddDetails("nil payload"))
	}
	ephemeral, err := PublicKeyFromB64(payload.Ephemeral)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptCrypto.AddDetails("invalid ephemeral key"))
	}
	cipherText, err := utils.Base64DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptCrypto.AddDetails("invalid ciphertext"))
	}
	mac, err := utils.Base64DecodeString(payload.Mac)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptCrypto.AddDetails("invalid mac"))
	}
	secret, err := k.SharedSecret(ephemeral)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	derived, err := symmetric_key.Derive(secret, nil, ECIESInfo)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	plainText, err := derived.Open(cipherText, mac)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptCrypto.AddDetails(err.Error()))
	}
	return plainText, nil
}

func PublicKeyDecode(key []byte) (*PublicKey, error) {
	if len(key) != 32 {
		return nil, tracerr.Wrap(ErrorInvalidKeyLength)
	}
	k := &PublicKey{}
	copy(k.key[:], key)
	return k, nil
}

func PublicKeyFromB64(b64 string) (*PublicKey, error) {
	raw, err := utils.Base64DecodeString(b64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return PublicKeyDecode(raw)
}

func (k *PublicKey) Encode() []byte {
	out := make([]byte, 32)
	copy(out, k.key[:])
	return out
}

func (k *PublicKey) ToB64() string {
	return utils.EncodeBase64(k.key[:])
}

func (k *PublicKey) Equal(other *PublicKey) bool {
	return other != nil && k.key == other.key
}

func (k *PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.ToB64())
}

func (k *PublicKey) UnmarshalJSON(b []byte) error {
	var data string
	err := json.Unmarshal(b, &data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	key, err := PublicKeyFromB64(data)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = key.key
	return nil
}

func (k *PublicKey) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(k.ToB64())
}

func (k *PublicKey) UnmarshalBSONValue(t bsontype.Type, bu []byte) error {
	if t != bsontype.String {
		return tracerr.Wrap(ErrorUnmarshalBSONValueInvalidType)
	}
	str, _, ok := bsoncore.ReadString(bu)
	if !ok {
		return tracerr.Wrap(ErrorUnmarshalBSONValueTooShort)
	}
	key, err := PublicKeyFromB64(str)
	if err != nil {
		return tracerr.Wrap(err)
	}
	k.key = key.key
	return nil
}

func (k *PublicKey) GetHash() string {
	h := sha256.Sum256(k.key[:])
	return utils.EncodeBase64(h[:])
}

// Encrypt seals message for the owner of k with an ephemeral X25519 key.
func (k *PublicKey) Encrypt(message []byte) (*EncryptedPayload, error) {
	ephemeral, err := Generate()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	secret, err := ephemeral.SharedSecret(k)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	derived, err := symmetric_key.Derive(secret, nil, ECIESInfo)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	cipherText, mac, err := derived.Seal(message)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &EncryptedPayload{
		Ciphertext: utils.EncodeBase64(cipherText),
		Mac:        utils.EncodeBase64(mac),
		Ephemeral:  ephemeral.Public().ToB64(),
	}, nil
}
