package symmetric_key

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/hkdf"
	"io"
)

var (
	// ErrorDecodeInvalidLength is returned when decoding a key of invalid lenth
	ErrorDecodeInvalidLength = utils.NewTchapError("SYMKEY_DECODE_INVALID_LENGTH", "can't decode SymKey, invalid length")
	// ErrorPadInvalidBlockLen is returned when padding to an invalid length
	ErrorPadInvalidBlockLen = utils.NewTchapError("SYMKEY_PAD_INVALID_BLOCK_LEN", "invalid padding block length")
	// ErrorUnpadInvalidBlockLen is returned when the padding of a block has an invalid length
	ErrorUnpadInvalidBlockLen = utils.NewTchapError("SYMKEY_UNPAD_INVALID_BLOCK_LEN", "invalid unpadding block length")
	// ErrorUnpadInvalidDataLen is returned when the unpadded data has an invalid length
	ErrorUnpadInvalidDataLen = utils.NewTchapError("SYMKEY_UNPAD_INVALID_DATA_LEN", "invalid data length")
	// ErrorUnpadInvalidPadLen is returned when the padding lenth is invalid
	ErrorUnpadInvalidPadLen = utils.NewTchapError("SYMKEY_UNPAD_INVALID_PAD_LEN", "invalid padding length")
	// ErrorUnpadInvalidPad is returned when the padding is invalid
	ErrorUnpadInvalidPad = utils.NewTchapError("SYMKEY_UNPAD_INVALID_PAD", "invalid padding")
	// ErrorInvalidKeySize is returned when the key has an invalid size
	ErrorInvalidKeySize = utils.NewTchapError("SYMKEY_INVALID_KEY_SIZE", "invalid key size")
	// ErrorDecryptCipherInvalid is returned when the ciphertext has invalid length (not full blocks)
	ErrorDecryptCipherInvalid = utils.NewTchapError("SYMKEY_DECRYPT_CIPHER_INVALID", "ciphertext is invalid")
	// ErrorDecryptCipherTooShort is returned when the encrypted message cannot even hold an IV and a MAC
	ErrorDecryptCipherTooShort = utils.NewTchapError("SYMKEY_DECRYPT_CIPHER_TOO_SHORT", "ciphertext is too short")
	// ErrorDecryptMacMismatch is returned when the decrypted mac does not match
	ErrorDecryptMacMismatch = utils.NewTchapError("SYMKEY_DECRYPT_MAC_MISMATCH", "macs do not match")
	// ErrorDeriveFailed is returned when HKDF cannot produce enough key material
	ErrorDeriveFailed = utils.NewTchapError("SYMKEY_DERIVE_FAILED", "key derivation failed")
)

// TruncatedMacLength is the MAC length used by Megolm messages and backup session data.
const TruncatedMacLength = 8

type SymKey struct {
	encryptionKey []byte
	hmacKey       []byte
}

func Generate() (*SymKey, error) {
	randomData, err := utils.GenerateRandomBytes(64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	symKey := SymKey{
		encryptionKey: randomData[:32],
		hmacKey:       randomData[32:],
	}
	return &symKey, nil
}

func (symKey *SymKey) Encode() []byte {
	encodedSymKey := make([]byte, 64)
	copy(encodedSymKey, symKey.hmacKey)
	copy(encodedSymKey[32:], symKey.encryptionKey)
	return encodedSymKey
}

func Decode(key []byte) (SymKey, error) {
	if len(key) != 64 {
		return SymKey{}, tracerr.Wrap(ErrorDecodeInvalidLength)
	}
	keyCopy := make([]byte, 64)
	copy(keyCopy, key)
	symKey := SymKey{
		encryptionKey: keyCopy[32:],
		hmacKey:       keyCopy[:32],
	}
	return symKey, nil
}

func aesEncrypt(iv []byte, encryptionKey []byte, plaintext []byte) ([]byte, error) {
	aesCipher, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	encrypter := cipher.NewCBCEncrypter(aesCipher, iv)

	plainTextBytes := make([]byte, len(plaintext))
	copy(plainTextBytes, plaintext)
	plainTextBytes, err = pkcs7Pad(plainTextBytes, encrypter.BlockSize())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	cipherText := make([]byte, len(plainTextBytes))
	encrypter.CryptBlocks(cipherText, plainTextBytes)

	return cipherText, nil
}

func aesDecrypt(iv []byte, encryptionKey []byte, cipherText []byte) ([]byte, error) {
	aesCipher, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	decrypter := cipher.NewCBCDecrypter(aesCipher, iv)
	if len(cipherText) == 0 || len(cipherText)%decrypter.BlockSize() != 0 {
		return nil, tracerr.Wrap(ErrorDecryptCipherInvalid)
	}
	plainTextBytes := make([]byte, len(cipherText))
	decrypter.CryptBlocks(plainTextBytes, cipherText)

	plainTextBytes, err = pkcs7Unpad(plainTextBytes, decrypter.BlockSize())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	return plainTextBytes, nil
}

func calculateHMAC(key []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// Appends padding.
func pkcs7Pad(data []byte, blocklen int) ([]byte, error) {
	if blocklen <= 0 {
		return nil, tracerr.Wrap(ErrorPadInvalidBlockLen.AddDetails(fmt.Sprintf("%d", blocklen)))
	}
	padlen := blocklen - len(data)%blocklen
	pad := bytes.Repeat([]byte{byte(padlen)}, padlen)
	return append(data, pad...), nil
}

// Returns slice of the original data without padding.
func pkcs7Unpad(data []byte, blocklen int) ([]byte, error) {
	if blocklen <= 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidBlockLen.AddDetails(fmt.Sprintf("%d", blocklen)))
	}
	if len(data)%blocklen != 0 || len(data) == 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidDataLen.AddDetails(fmt.Sprintf("%d", len(data))))
	}
	padlen := int(data[len(data)-1])
	if padlen > blocklen || padlen == 0 {
		return nil, tracerr.Wrap(ErrorUnpadInvalidPadLen)
	}
	pad := data[len(data)-padlen:]
	for i := 0; i < padlen; i++ {
		if pad[i] != byte(padlen) {
			return nil, tracerr.Wrap(ErrorUnpadInvalidPad)
		}
	}

	return data[:len(data)-padlen], nil
}

func (symKey *SymKey) checkSize() error {
	if len(symKey.hmacKey) != 32 || len(symKey.encryptionKey) != 32 {
		return tracerr.Wrap(ErrorInvalidKeySize)
	}
	return nil
}

// Encrypt outputs `iv || ciphertext || hmac`, with a random IV.
func (symKey *SymKey) Encrypt(plaintext []byte) ([]byte, error) {
	if err := symKey.checkSize(); err != nil {
		return nil, err
	}
	iv, err := utils.GenerateRandomBytes(16)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	cipherText, err := aesEncrypt(iv, symKey.encryptionKey, plaintext)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	res := append(iv, cipherText...)
	res = append(res, calculateHMAC(symKey.hmacKey, res)...)
	return res, nil
}

func (symKey *SymKey) Decrypt(encryptedMessage []byte) ([]byte, error) {
	if err := symKey.checkSize(); err != nil {
		return nil, err
	}
	if len(encryptedMessage) < 16+32 {
		return nil, tracerr.Wrap(ErrorDecryptCipherTooShort)
	}

	iv := encryptedMessage[:16]
	cipherText := encryptedMessage[16 : len(encryptedMessage)-32]
	toMac := encryptedMessage[:len(encryptedMessage)-32]
	mac := encryptedMessage[len(encryptedMessage)-32:]

	if !hmac.Equal(mac, calculateHMAC(symKey.hmacKey, toMac)) {
		return nil, tracerr.Wrap(ErrorDecryptMacMismatch)
	}

	plainText, err := aesDecrypt(iv, symKey.encryptionKey, cipherText)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return plainText, nil
}

// DerivedKey is a SymKey with a fixed IV, as produced by HKDF expansion.
// Megolm message keys and backup session keys have this shape.
type DerivedKey struct {
	SymKey
	iv []byte
}

// Derive expands secret with HKDF-SHA256 to 80 bytes: AES key, HMAC key, then IV.
func Derive(secret []byte, salt []byte, info string) (*DerivedKey, error) {
	if salt == nil {
		salt = make([]byte, sha256.Size)
	}
	material := make([]byte, 80)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), material); err != nil {
		return nil, tracerr.Wrap(ErrorDeriveFailed.AddDetails(err.Error()))
	}
	return &DerivedKey{
		SymKey: SymKey{encryptionKey: material[:32], hmacKey: material[32:64]},
		iv:     material[64:],
	}, nil
}

// EncryptFixedIV returns the bare AES-CBC ciphertext, without any MAC.
func (k *DerivedKey) EncryptFixedIV(plaintext []byte) ([]byte, error) {
	if err := k.checkSize(); err != nil {
		return nil, err
	}
	return aesEncrypt(k.iv, k.encryptionKey, plaintext)
}

func (k *DerivedKey) DecryptFixedIV(cipherText []byte) ([]byte, error) {
	if err := k.checkSize(); err != nil {
		return nil, err
	}
	return aesDecrypt(k.iv, k.encryptionKey, cipherText)
}

// TruncatedMAC is the first TruncatedMacLength bytes of HMAC-SHA256(data).
func (k *DerivedKey) TruncatedMAC(data []byte) []byte {
	return calculateHMAC(k.hmacKey, data)[:TruncatedMacLength]
}

// Seal encrypts plaintext and returns the ciphertext with its detached truncated MAC.
func (k *DerivedKey) Seal(plaintext []byte) ([]byte, []byte, error) {
	cipherText, err := k.EncryptFixedIV(plaintext)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	return cipherText, k.TruncatedMAC(cipherText), nil
}

func (k *DerivedKey) Open(cipherText []byte, mac []byte) ([]byte, error) {
	if !hmac.Equal(mac, k.TruncatedMAC(cipherText)) {
		return nil, tracerr.Wrap(ErrorDecryptMacMismatch)
	}
	plainText, err := k.DecryptFixedIV(cipherText)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return plainText, nil
}
