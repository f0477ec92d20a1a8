package sdk

import (
	"crypto/sha512"
	"encoding/json"
	"errors"
	"github.com/mr-tron/base58"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/megolm"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"golang.org/x/crypto/pbkdf2"
	"net/http"
	"strings"
)

var (
	// ErrorInvalidRecoveryKey is returned when a recovery key cannot be decoded
	ErrorInvalidRecoveryKey = utils.NewTchapError("INVALID_RECOVERY_KEY", "invalid recovery key")
	// ErrorRecoveryKeyMismatch is returned when a recovery key does not match the public key of the backup version
	ErrorRecoveryKeyMismatch = utils.NewTchapError("RECOVERY_KEY_MISMATCH", "recovery key does not match the backup version")
	// ErrorNoBackupVersion is returned when the user has no key backup on the homeserver
	ErrorNoBackupVersion = utils.NewTchapError("NO_BACKUP_VERSION", "no key backup version")
	// ErrorInvalidBackupAuthData is returned when the auth data of a backup version cannot be read
	ErrorInvalidBackupAuthData = utils.NewTchapError("INVALID_BACKUP_AUTH_DATA", "invalid backup auth data")
)

var recoveryKeyPrefix = []byte{0x8B, 0x01}

const (
	backupKeyLength = 32
	// defaultBackupIterations is the PBKDF2 iteration count of password based backups.
	defaultBackupIterations = 500_000
	backupSaltLength        = 32
)

// MegolmBackupCreationInfo is what PrepareKeysBackupVersion computes, to be passed to CreateKeysBackupVersion.
type MegolmBackupCreationInfo struct {
	Algorithm   string
	AuthData    common_models.MegolmBackupAuthData
	RecoveryKey string
	privateKey  *asymkey.PrivateKey
}

// SavedKeyBackupKeyInfo is a recovery key held by this device, and the backup version it is for.
type SavedKeyBackupKeyInfo struct {
	RecoveryKey string `json:"recoveryKey"`
	Version     string `json:"version"`
}

// EncodeRecoveryKey formats a backup private key as a recovery key: base58 of
// prefix | key | parity byte, in groups of 4 characters.
func EncodeRecoveryKey(key []byte) string {
	buf := append(append([]byte{}, recoveryKeyPrefix...), key...)
	parity := byte(0)
	for _, b := range buf {
		parity ^= b
	}
	encoded := base58.Encode(append(buf, parity))
	var groups []string
	for i := 0; i < len(encoded); i += 4 {
		groups = append(groups, encoded[i:utils.Min(i+4, len(encoded))])
	}
	return strings.Join(groups, " ")
}

// DecodeRecoveryKey returns the backup private key of a recovery key. Spaces are ignored.
func DecodeRecoveryKey(recoveryKey string) ([]byte, error) {
	decoded, err := base58.Decode(strings.Join(strings.Fields(recoveryKey), ""))
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidRecoveryKey.AddDetails(err.Error()))
	}
	if len(decoded) != len(recoveryKeyPrefix)+backupKeyLength+1 {
		return nil, tracerr.Wrap(ErrorInvalidRecoveryKey.AddDetails("wrong length"))
	}
	parity := byte(0)
	for _, b := range decoded {
		parity ^= b
	}
	if parity != 0 {
		return nil, tracerr.Wrap(ErrorInvalidRecoveryKey.AddDetails("wrong parity"))
	}
	if decoded[0] != recoveryKeyPrefix[0] || decoded[1] != recoveryKeyPrefix[1] {
		return nil, tracerr.Wrap(ErrorInvalidRecoveryKey.AddDetails("wrong prefix"))
	}
	return decoded[len(recoveryKeyPrefix) : len(recoveryKeyPrefix)+backupKeyLength], nil
}

func recoveryKeyToPrivateKey(recoveryKey string) (*asymkey.PrivateKey, error) {
	raw, err := DecodeRecoveryKey(recoveryKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return asymkey.PrivateKeyDecode(raw)
}

// PrepareKeysBackupVersion generates a backup key. With a password, the key is derived from it
// with PBKDF2-SHA512, and the salt and iteration count are recorded in the auth data.
func (session *Session) PrepareKeysBackupVersion(password string) (*MegolmBackupCreationInfo, error) {
	authData := common_models.MegolmBackupAuthData{}
	var privateKey *asymkey.PrivateKey
	var err error
	if password != "" {
		salt, err := utils.GenerateRandomString(backupSaltLength)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		derived := pbkdf2.Key([]byte(password), []byte(salt), defaultBackupIterations, backupKeyLength, sha512.New)
		privateKey, err = asymkey.PrivateKeyDecode(derived)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		authData.PrivateKeySalt = salt
		authData.PrivateKeyIterations = defaultBackupIterations
	} else {
		privateKey, err = asymkey.Generate()
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
	}
	authData.PublicKey = privateKey.Public().ToB64()
	return &MegolmBackupCreationInfo{
		Algorithm:   common_models.AlgorithmMegolmBackup,
		AuthData:    authData,
		RecoveryKey: EncodeRecoveryKey(privateKey.Encode()),
		privateKey:  privateKey,
	}, nil
}

// CreateKeysBackupVersion creates the backup version on the homeserver, keeps the recovery key
// locally and uploads the room keys we hold. The auth data is signed by this device, and by our
// master key when we hold it.
func (session *Session) CreateKeysBackupVersion(info *MegolmBackupCreationInfo) (*common_models.KeysVersion, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	me := session.storage.currentDevice.get()
	authData := info.AuthData
	authData.Signatures = common_models.Signatures{}
	deviceSignature, err := crosssigning.SignJSON(&authData, me.SigningKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	authData.Signatures.Add(me.UserId, crosssigning.DeviceKeyId(me.DeviceId), deviceSignature)
	if master := session.storage.crossSigning.get().Master; master != nil {
		masterSignature, err := crosssigning.SignJSON(&authData, master)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		authData.Signatures.Add(me.UserId, crosssigning.KeyId(master.Public()), masterSignature)
	}

	version, err := session.apiClient.createBackupVersion(&common_models.CreateKeysBackupVersionBody{
		Algorithm: info.Algorithm,
		AuthData:  common_models.NewContent(&authData),
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	session.logger.Info().Str("version", version.Version).Msg("Key backup version created")
	if err = session.SaveBackupRecoveryKey(info.RecoveryKey, version.Version); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err = session.BackupRoomKeys(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return version, nil
}

// SaveBackupRecoveryKey keeps the recovery key of a backup version on this device.
func (session *Session) SaveBackupRecoveryKey(recoveryKey string, version string) error {
	if _, err := DecodeRecoveryKey(recoveryKey); err != nil {
		return tracerr.Wrap(err)
	}
	s := &session.storage.keyBackup
	s.lock.Lock()
	s.RecoveryKey = &SavedKeyBackupKeyInfo{RecoveryKey: recoveryKey, Version: version}
	if s.BackedUpVersion != version {
		s.BackedUpVersion = version
		s.BackedUp = utils.Set[string]{}
	}
	s.lock.Unlock()
	return tracerr.Wrap(session.saveKeyBackup())
}

// GetKeyBackupRecoveryKeyInfo returns the recovery key held by this device, or nil.
func (session *Session) GetKeyBackupRecoveryKeyInfo() *SavedKeyBackupKeyInfo {
	s := &session.storage.keyBackup
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.RecoveryKey == nil {
		return nil
	}
	info := *s.RecoveryKey
	return &info
}

// GetCurrentBackupVersion returns the latest backup version of the user, or nil when there is none.
func (session *Session) GetCurrentBackupVersion() (*common_models.KeysVersionResult, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	version, err := session.apiClient.getBackupVersion(&backupVersionRequest{})
	if err != nil {
		if errors.Is(err, utils.APIError{Status: http.StatusNotFound}) {
			return nil, nil
		}
		return nil, tracerr.Wrap(err)
	}
	return version, nil
}

func backupAuthData(version *common_models.KeysVersionResult) (*common_models.MegolmBackupAuthData, error) {
	if version.Algorithm != common_models.AlgorithmMegolmBackup {
		return nil, tracerr.Wrap(ErrorInvalidBackupAuthData.AddDetails("unsupported algorithm " + version.Algorithm))
	}
	var authData common_models.MegolmBackupAuthData
	if err := json.Unmarshal(version.AuthData, &authData); err != nil || authData.PublicKey == "" {
		return nil, tracerr.Wrap(ErrorInvalidBackupAuthData)
	}
	return &authData, nil
}

// checkRecoveryKey returns the backup private key if recoveryKey is the one of version.
func checkRecoveryKey(version *common_models.KeysVersionResult, recoveryKey string) (*asymkey.PrivateKey, error) {
	authData, err := backupAuthData(version)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	privateKey, err := recoveryKeyToPrivateKey(recoveryKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if privateKey.Public().ToB64() != authData.PublicKey {
		return nil, tracerr.Wrap(ErrorRecoveryKeyMismatch.AddDetails(version.Version))
	}
	return privateKey, nil
}

// IsValidRecoveryKeyForCurrentVersion tells whether recoveryKey opens the latest backup version.
func (session *Session) IsValidRecoveryKeyForCurrentVersion(recoveryKey string) (bool, error) {
	version, err := session.GetCurrentBackupVersion()
	if err != nil {
		return false, tracerr.Wrap(err)
	}
	if version == nil {
		return false, nil
	}
	_, err = checkRecoveryKey(version, recoveryKey)
	return err == nil, nil
}

// BackupRoomKeys encrypts the inbound sessions not backed up yet to the public key of the current
// backup version, and uploads them.
func (session *Session) BackupRoomKeys() error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	version, err := session.GetCurrentBackupVersion()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if version == nil {
		return tracerr.Wrap(ErrorNoBackupVersion)
	}
	authData, err := backupAuthData(version)
	if err != nil {
		return tracerr.Wrap(err)
	}
	publicKey, err := asymkey.PublicKeyFromB64(authData.PublicKey)
	if err != nil {
		return tracerr.Wrap(ErrorInvalidBackupAuthData.AddDetails(err.Error()))
	}

	s := &session.storage.keyBackup
	s.lock.Lock()
	if s.BackedUpVersion != version.Version {
		s.BackedUpVersion = version.Version
		s.BackedUp = utils.Set[string]{}
	}
	backedUp := utils.Set[string]{}
	for key := range s.BackedUp {
		backedUp.Add(key)
	}
	s.lock.Unlock()

	body := common_models.KeysBackupData{Rooms: make(map[string]common_models.RoomKeysBackupData)}
	var keys []string
	groupSessions := &session.storage.groupSessions
	groupSessions.lock.RLock()
	for key, inbound := range groupSessions.Inbound {
		if backedUp.Has(key) {
			continue
		}
		data, err := json.Marshal(&common_models.BackupSessionData{
			Algorithm:                    common_models.AlgorithmMegolm,
			SenderKey:                    inbound.SenderKey,
			SessionKey:                   inbound.Session.ExportAtFirstKnownIndex(),
			SenderClaimedKeys:            map[string]string{"ed25519": inbound.SenderClaimedEd25519Key},
			ForwardingCurve25519KeyChain: inbound.ForwardingCurve25519KeyChain,
		})
		if err != nil {
			groupSessions.lock.RUnlock()
			return tracerr.Wrap(err)
		}
		encrypted, err := publicKey.Encrypt(data)
		if err != nil {
			groupSessions.lock.RUnlock()
			return tracerr.Wrap(err)
		}
		roomData, ok := body.Rooms[inbound.RoomId]
		if !ok {
			roomData = common_models.RoomKeysBackupData{Sessions: make(map[string]common_models.KeyBackupData)}
			body.Rooms[inbound.RoomId] = roomData
		}
		roomData.Sessions[inbound.Session.SessionId()] = common_models.KeyBackupData{
			FirstMessageIndex: inbound.Session.FirstKnownIndex(),
			ForwardedCount:    len(inbound.ForwardingCurve25519KeyChain),
			IsVerified:        inbound.Session.IsVerified(),
			SessionData:       encrypted,
		}
		keys = append(keys, key)
	}
	groupSessions.lock.RUnlock()
	if len(keys) == 0 {
		return nil
	}

	result, err := session.apiClient.putBackupKeys(&putBackupKeysRequest{Version: version.Version, Body: body})
	if err != nil {
		return tracerr.Wrap(err)
	}
	s.lock.Lock()
	if s.BackedUpVersion == version.Version {
		for _, key := range keys {
			s.BackedUp.Add(key)
		}
	}
	s.lock.Unlock()
	session.logger.Debug().Int("sessions", len(keys)).Int("count", result.Count).Str("version", version.Version).Msg("Room keys backed up")
	return tracerr.Wrap(session.saveKeyBackup())
}

// backupKeysIfEnabled backs up new room keys when this device holds the key of the current backup.
func (session *Session) backupKeysIfEnabled() {
	if session.GetKeyBackupRecoveryKeyInfo() == nil {
		return
	}
	if err := session.BackupRoomKeys(); err != nil && !errors.Is(err, ErrorNoBackupVersion) {
		session.logger.Warn().Err(err).Msg("Could not back up room keys")
	}
}

// RestoreKeyBackupWithRecoveryKey downloads the backed up sessions of a version and imports the
// ones that are better than what we hold. It returns the number imported and the total.
func (session *Session) RestoreKeyBackupWithRecoveryKey(version string, recoveryKey string) (int, int, error) {
	if err := session.checkSessionState(true); err != nil {
		return 0, 0, tracerr.Wrap(err)
	}
	versionResult, err := session.apiClient.getBackupVersion(&backupVersionRequest{Version: version})
	if err != nil {
		return 0, 0, tracerr.Wrap(err)
	}
	privateKey, err := checkRecoveryKey(versionResult, recoveryKey)
	if err != nil {
		return 0, 0, tracerr.Wrap(err)
	}
	data, err := session.apiClient.getBackupKeys(&backupVersionRequest{Version: version})
	if err != nil {
		return 0, 0, tracerr.Wrap(err)
	}

	total := 0
	imported := 0
	var restoredKeys []string
	for _, roomId := range utils.SortedKeys(data.Rooms) {
		for _, sessionId := range utils.SortedKeys(data.Rooms[roomId].Sessions) {
			total++
			backedUp := data.Rooms[roomId].Sessions[sessionId]
			inbound, err := decryptBackedUpSession(privateKey, roomId, sessionId, &backedUp)
			if err != nil {
				session.logger.Warn().Err(err).Str("room_id", roomId).Str("session_id", sessionId).Msg("Skipping backed up session")
				continue
			}
			if session.storeInboundSession(inbound) {
				imported++
			}
			restoredKeys = append(restoredKeys, inbound.key())
		}
	}
	if err = session.saveGroupSessions(); err != nil {
		return 0, 0, tracerr.Wrap(err)
	}

	s := &session.storage.keyBackup
	s.lock.Lock()
	if s.BackedUpVersion == version {
		for _, key := range restoredKeys {
			s.BackedUp.Add(key)
		}
	}
	s.lock.Unlock()
	if err = session.saveKeyBackup(); err != nil {
		return 0, 0, tracerr.Wrap(err)
	}
	session.logger.Info().Int("imported", imported).Int("total", total).Str("version", version).Msg("Key backup restored")
	return imported, total, nil
}

func decryptBackedUpSession(privateKey *asymkey.PrivateKey, roomId string, sessionId string, backedUp *common_models.KeyBackupData) (*inboundGroupSession, error) {
	if backedUp.SessionData == nil {
		return nil, tracerr.Wrap(ErrorInvalidBackupAuthData.AddDetails("missing session data"))
	}
	plaintext, err := privateKey.Decrypt(backedUp.SessionData)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var data common_models.BackupSessionData
	if err = json.Unmarshal(plaintext, &data); err != nil {
		return nil, tracerr.Wrap(err)
	}
	megolmSession, err := megolm.ImportInboundGroupSession(data.SessionKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if megolmSession.SessionId() != sessionId {
		return nil, tracerr.Wrap(megolm.ErrorBadSessionKey.AddDetails("session id mismatch"))
	}
	return &inboundGroupSession{
		Session:                      megolmSession,
		RoomId:                       roomId,
		SenderKey:                    data.SenderKey,
		SenderClaimedEd25519Key:      data.SenderClaimedKeys["ed25519"],
		ForwardingCurve25519KeyChain: data.ForwardingCurve25519KeyChain,
	}, nil
}
