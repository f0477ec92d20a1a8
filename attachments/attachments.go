package attachments

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrorAttachmentNoFile is returned when no file description is given at decryption
	ErrorAttachmentNoFile = utils.NewTchapError("ATTACHMENT_NO_FILE", "encrypted file description cannot be nil")
	// ErrorAttachmentUnsupported is returned for an unknown version or key algorithm
	ErrorAttachmentUnsupported = utils.NewTchapError("ATTACHMENT_UNSUPPORTED", "unsupported encrypted attachment")
	// ErrorAttachmentInvalidKey is returned when the key or the iv cannot be decoded
	ErrorAttachmentInvalidKey = utils.NewTchapError("ATTACHMENT_INVALID_KEY", "invalid attachment key or iv")
	// ErrorAttachmentHashMismatch is returned when the ciphertext does not match its sha256 hash
	ErrorAttachmentHashMismatch = utils.NewTchapError("ATTACHMENT_HASH_MISMATCH", "attachment hash mismatch")
	// ErrorGetFreeFilenameNoFreeFilename is returned when no free filename found (up to 99)
	ErrorGetFreeFilenameNoFreeFilename = utils.NewTchapError("GET_FREE_FILENAME_NO_FREE_FILENAME", "unable to find a free filename")
)

const (
	keySize = 32
	ivSize  = 16
)

var unpaddedUrlB64 = base64.RawURLEncoding
var unpaddedB64 = base64.RawStdEncoding

// decodeB64 accepts padded or unpadded base64, as clients differ.
func decodeB64(enc *base64.Encoding, s string) ([]byte, error) {
	return enc.DecodeString(strings.TrimRight(s, "="))
}

func newStream(key []byte, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return cipher.NewCTR(block, iv), nil
}

// EncryptReader encrypts everything read from clear into out with a fresh AES-256-CTR key.
// The returned description has no Url: it is set once the ciphertext is uploaded.
func EncryptReader(clear io.Reader, out io.Writer) (*common_models.EncryptedFile, error) {
	key, err := utils.GenerateRandomBytes(keySize)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	// the counter half of the iv stays zero, so that it cannot wrap
	iv, err := utils.GenerateRandomBytes(ivSize / 2)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	iv = append(iv, make([]byte, ivSize/2)...)
	stream, err := newStream(key, iv)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	hasher := sha256.New()
	writer := &cipher.StreamWriter{S: stream, W: io.MultiWriter(out, hasher)}
	if _, err = io.Copy(writer, clear); err != nil {
		return nil, tracerr.Wrap(err)
	}

	return &common_models.EncryptedFile{
		Key: common_models.JSONWebKey{
			Kty:    common_models.AttachmentKeyType,
			KeyOps: []string{"encrypt", "decrypt"},
			Alg:    common_models.AttachmentKeyAlg,
			K:      unpaddedUrlB64.EncodeToString(key),
			Ext:    true,
		},
		Iv:     unpaddedB64.EncodeToString(iv),
		Hashes: map[string]string{common_models.AttachmentHashAlgo: unpaddedB64.EncodeToString(hasher.Sum(nil))},
		V:      common_models.AttachmentVersion,
	}, nil
}

func Encrypt(clear []byte) ([]byte, *common_models.EncryptedFile, error) {
	var out bytes.Buffer
	file, err := EncryptReader(bytes.NewReader(clear), &out)
	if err != nil {
		return nil, nil, tracerr.Wrap(err)
	}
	return out.Bytes(), file, nil
}

// decryptingReader deciphers the ciphertext while hashing it. The hash is checked at EOF.
type decryptingReader struct {
	source   io.Reader
	stream   cipher.Stream
	hasher   hash.Hash
	expected []byte
}

func (r *decryptingReader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if n > 0 {
		r.hasher.Write(p[:n])
		r.stream.XORKeyStream(p[:n], p[:n])
	}
	if err == io.EOF && subtle.ConstantTimeCompare(r.hasher.Sum(nil), r.expected) != 1 {
		return n, tracerr.Wrap(ErrorAttachmentHashMismatch)
	}
	return n, err
}

// NewDecryptingReader returns a reader of the clear data. Its last Read fails with
// ErrorAttachmentHashMismatch when the ciphertext was altered, so data read before EOF must
// not be trusted until then.
func NewDecryptingReader(encrypted io.Reader, file *common_models.EncryptedFile) (io.Reader, error) {
	if file == nil {
		return nil, tracerr.Wrap(ErrorAttachmentNoFile)
	}
	if file.V != common_models.AttachmentVersion {
		return nil, tracerr.Wrap(ErrorAttachmentUnsupported.AddDetails(fmt.Sprintf("version %q", file.V)))
	}
	if file.Key.Alg != common_models.AttachmentKeyAlg || file.Key.Kty != common_models.AttachmentKeyType {
		return nil, tracerr.Wrap(ErrorAttachmentUnsupported.AddDetails(file.Key.Alg))
	}
	key, err := decodeB64(unpaddedUrlB64, file.Key.K)
	if err != nil || len(key) != keySize {
		return nil, tracerr.Wrap(ErrorAttachmentInvalidKey.AddDetails("key"))
	}
	iv, err := decodeB64(unpaddedB64, file.Iv)
	if err != nil || len(iv) != ivSize {
		return nil, tracerr.Wrap(ErrorAttachmentInvalidKey.AddDetails("iv"))
	}
	expected, err := decodeB64(unpaddedB64, file.Hashes[common_models.AttachmentHashAlgo])
	if err != nil || len(expected) != sha256.Size {
		return nil, tracerr.Wrap(ErrorAttachmentHashMismatch.AddDetails("missing sha256 hash"))
	}
	stream, err := newStream(key, iv)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &decryptingReader{source: encrypted, stream: stream, hasher: sha256.New(), expected: expected}, nil
}

func Decrypt(encrypted []byte, file *common_models.EncryptedFile) ([]byte, error) {
	reader, err := NewDecryptingReader(bytes.NewReader(encrypted), file)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	clear, err := io.ReadAll(reader)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return clear, nil
}

func getFreeFilePath(basePath string, wantedFilename string, wantedExt string) (string, error) {
	iteration := 0
	iterationString := ""
	for iteration <= 99 {
		iterationPath := filepath.Join(basePath, wantedFilename+iterationString+wantedExt)
		_, err := os.Stat(iterationPath)
		if err != nil {
			return iterationPath, nil
		}
		iteration++
		iterationString = fmt.Sprintf(" (%d)", iteration)
	}
	return "", tracerr.Wrap(ErrorGetFreeFilenameNoFreeFilename)
}

// DecryptToDirectory decrypts an attachment into directory. See SaveToDirectory for the naming.
func DecryptToDirectory(encrypted io.Reader, file *common_models.EncryptedFile, directory string, filename string) (string, error) {
	reader, err := NewDecryptingReader(encrypted, file)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return SaveToDirectory(reader, directory, filename)
}

// SaveToDirectory writes data into directory, under filename or "filename (N)" when it is
// taken. Nothing is left on disk when reading data fails.
func SaveToDirectory(data io.Reader, directory string, filename string) (string, error) {
	directory, err := filepath.Abs(directory)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	// the sender chose the name: keep only its base
	filename = filepath.Base(filepath.Clean("/" + filename))
	if filename == "/" || filename == "." {
		filename = "attachment"
	}

	tmp, err := os.CreateTemp(directory, ".attachment-*")
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err = io.Copy(tmp, data); err != nil {
		_ = tmp.Close()
		return "", tracerr.Wrap(err)
	}
	if err = tmp.Close(); err != nil {
		return "", tracerr.Wrap(err)
	}

	fileExt := filepath.Ext(filename)
	freeFilePath, err := getFreeFilePath(directory, strings.TrimSuffix(filename, fileExt), fileExt)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	if err = os.Rename(tmp.Name(), freeFilePath); err != nil {
		return "", tracerr.Wrap(err)
	}
	return freeFilePath, nil
}
