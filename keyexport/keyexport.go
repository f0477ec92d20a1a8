package keyexport

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/attachments"
	"github.com/tchap/go-tchap-sdk/symmetric_key"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/scrypt"
	"io"
	"os"
)

var (
	// ErrorTarFileNoFile is returned when trying to archive a nil payload
	ErrorTarFileNoFile = utils.NewTchapError("KEYEXPORT_TAR_FILE_NO_FILE", "file cannot be nil")
	// ErrorUnTarFileNoEOF is returned when no EOF is found during untar
	ErrorUnTarFileNoEOF = utils.NewTchapError("KEYEXPORT_UNTAR_FILE_NO_EOF", "expected end of file, but did not get it")
	// ErrorUnTarUnexpectedFile is returned when the archive does not contain the keys file
	ErrorUnTarUnexpectedFile = utils.NewTchapError("KEYEXPORT_UNTAR_UNEXPECTED_FILE", "archive does not contain the exported keys")
	// ErrorEmptyPassphrase is returned when exporting or importing with an empty passphrase
	ErrorEmptyPassphrase = utils.NewTchapError("KEYEXPORT_EMPTY_PASSPHRASE", "passphrase cannot be empty")
	// ErrorParseHeaderNoHeader is returned when the magic string is not found at the beginning of the export
	ErrorParseHeaderNoHeader = utils.NewTchapError("KEYEXPORT_PARSE_HEADER_NO_HEADER", "data does not include correct header")
	// ErrorParseHeaderInvalidBson is returned when the header cannot be decoded
	ErrorParseHeaderInvalidBson = utils.NewTchapError("KEYEXPORT_PARSE_HEADER_INVALID_BSON", "header is not valid BSON")
	// ErrorParseHeaderUnknownVersion is returned when the header declares an unknown format version
	ErrorParseHeaderUnknownVersion = utils.NewTchapError("KEYEXPORT_PARSE_HEADER_UNKNOWN_VERSION", "unknown export version")
	// ErrorDecryptUnexpectedEOF is returned when there is no ciphertext after the header
	ErrorDecryptUnexpectedEOF = utils.NewTchapError("KEYEXPORT_DECRYPT_UNEXPECTED_EOF", "unexpected end of data - no encrypted keys")
	// ErrorDecryptBadPassphrase is returned when the passphrase does not decrypt the export
	ErrorDecryptBadPassphrase = utils.NewTchapError("KEYEXPORT_DECRYPT_BAD_PASSPHRASE", "wrong passphrase or corrupted export")
)

const (
	magic        = "TCHAP.KEYS_"
	keysFilename = "keys.json"
	version      = "1"
	saltLength   = 16
)

// ScryptParams are the key derivation parameters recorded in the export header.
type ScryptParams struct {
	N int
	R int
	P int
}

var DefaultScryptParams = ScryptParams{N: 32768, R: 8, P: 1}

// ExportedSession is one inbound Megolm session, at its first known index.
type ExportedSession struct {
	Algorithm                    string            `json:"algorithm"`
	RoomId                       string            `json:"room_id"`
	SenderKey                    string            `json:"sender_key"`
	SessionId                    string            `json:"session_id"`
	SessionKey                   string            `json:"session_key"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys"`
	ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain"`
}

type Header struct {
	Version string `bson:"v"`
	Salt    []byte `bson:"salt"`
	N       int    `bson:"n"`
	R       int    `bson:"r"`
	P       int    `bson:"p"`
	// DeviceKey is the curve25519 key of the exporting device, informative only.
	DeviceKey *asymkey.PublicKey `bson:"device,omitempty"`
}

func tarBytes(file []byte, filename string) ([]byte, error) {
	if file == nil {
		return nil, tracerr.Wrap(ErrorTarFileNoFile)
	}
	header := tar.Header{
		Name:     filename,
		Size:     int64(len(file)),
		Typeflag: tar.TypeReg,
		Mode:     0600,
	}

	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)
	if err := writer.WriteHeader(&header); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if _, err := writer.Write(file); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := writer.Close(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return buf.Bytes(), nil
}

func untarBytes(file []byte) ([]byte, string, error) {
	if file == nil {
		return nil, "", tracerr.Wrap(ErrorTarFileNoFile)
	}
	tarReader := tar.NewReader(bytes.NewReader(file))

	header, err := tarReader.Next()
	if err != nil {
		return nil, "", tracerr.Wrap(err)
	}
	info := header.FileInfo()
	fileBuff := make([]byte, info.Size())
	_, err = io.ReadFull(tarReader, fileBuff)
	if err != nil {
		return nil, "", tracerr.Wrap(err)
	}
	_, err = tarReader.Next()
	if err != io.EOF {
		return nil, "", tracerr.Wrap(ErrorUnTarFileNoEOF)
	}
	return fileBuff, info.Name(), nil
}

func deriveKey(passphrase string, header *Header) (*symmetric_key.SymKey, error) {
	rawKey, err := scrypt.Key(utils.NormalizeString(passphrase), header.Salt, header.N, header.R, header.P, 64)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	key, err := symmetric_key.Decode(rawKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &key, nil
}

// EncryptKeys serializes sessions into a passphrase protected export.
func EncryptKeys(sessions []*ExportedSession, passphrase string, deviceKey *asymkey.PublicKey) ([]byte, error) {
	return encryptKeysWithParams(sessions, passphrase, deviceKey, DefaultScryptParams)
}

func encryptKeysWithParams(sessions []*ExportedSession, passphrase string, deviceKey *asymkey.PublicKey, params ScryptParams) ([]byte, error) {
	if passphrase == "" {
		return nil, tracerr.Wrap(ErrorEmptyPassphrase)
	}
	if sessions == nil {
		sessions = []*ExportedSession{}
	}
	clearKeys, err := json.Marshal(sessions)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	tarFile, err := tarBytes(clearKeys, keysFilename)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	salt, err := utils.GenerateRandomBytes(saltLength)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	header := Header{Version: version, Salt: salt, N: params.N, R: params.R, P: params.P, DeviceKey: deviceKey}
	key, err := deriveKey(passphrase, &header)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	bsonHeader, err := bson.Marshal(header)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	bsonLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(bsonLength, uint32(len(bsonHeader)))

	encryptedTarFile, err := key.Encrypt(tarFile)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	output := bytes.Buffer{}
	output.WriteString(magic)
	output.Write(bsonLength)
	output.Write(bsonHeader)
	output.Write(encryptedTarFile)

	return output.Bytes(), nil
}

// ParseHeader reads the magic string and the header from reader, leaving it positioned on the ciphertext.
func ParseHeader(reader io.Reader) (*Header, error) {
	initString := make([]byte, len(magic))
	if _, err := io.ReadFull(reader, initString); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, tracerr.Wrap(ErrorParseHeaderNoHeader)
		}
		return nil, tracerr.Wrap(err)
	}
	if !bytes.Equal(initString, []byte(magic)) {
		return nil, tracerr.Wrap(ErrorParseHeaderNoHeader)
	}

	bsonLength := make([]byte, 4)
	if _, err := io.ReadFull(reader, bsonLength); err != nil {
		return nil, tracerr.Wrap(err)
	}

	headerBuff := make([]byte, binary.LittleEndian.Uint32(bsonLength))
	if _, err := io.ReadFull(reader, headerBuff); err != nil {
		return nil, tracerr.Wrap(err)
	}

	var header Header
	if err := bson.Unmarshal(headerBuff, &header); err != nil {
		return nil, tracerr.Wrap(ErrorParseHeaderInvalidBson.AddDetails(err.Error()))
	}
	if header.Version != version {
		return nil, tracerr.Wrap(ErrorParseHeaderUnknownVersion.AddDetails(header.Version))
	}
	return &header, nil
}

// DecryptKeys opens an export produced by EncryptKeys.
func DecryptKeys(data []byte, passphrase string) ([]*ExportedSession, error) {
	if passphrase == "" {
		return nil, tracerr.Wrap(ErrorEmptyPassphrase)
	}
	reader := bytes.NewReader(data)
	header, err := ParseHeader(reader)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if reader.Len() == 0 {
		return nil, tracerr.Wrap(ErrorDecryptUnexpectedEOF)
	}
	cipherText := make([]byte, reader.Len())
	if _, err = io.ReadFull(reader, cipherText); err != nil {
		return nil, tracerr.Wrap(err)
	}

	key, err := deriveKey(passphrase, header)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	clearTar, err := key.Decrypt(cipherText)
	if err != nil {
		return nil, tracerr.Wrap(ErrorDecryptBadPassphrase.AddDetails(err.Error()))
	}
	clearKeys, filename, err := untarBytes(clearTar)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if filename != keysFilename {
		return nil, tracerr.Wrap(ErrorUnTarUnexpectedFile.AddDetails(filename))
	}

	var sessions []*ExportedSession
	if err = json.Unmarshal(clearKeys, &sessions); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return sessions, nil
}

// ExportToDirectory writes an export into directory, under a free name derived from filename.
func ExportToDirectory(directory string, filename string, sessions []*ExportedSession, passphrase string, deviceKey *asymkey.PublicKey) (string, error) {
	encrypted, err := EncryptKeys(sessions, passphrase, deviceKey)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	exportPath, err := attachments.SaveToDirectory(bytes.NewReader(encrypted), directory, filename)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return exportPath, nil
}

func ImportFromPath(exportPath string, passphrase string) ([]*ExportedSession, error) {
	data, err := os.ReadFile(exportPath)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return DecryptKeys(data, passphrase)
}
