package sdk

import (
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"time"
)

var (
	// ErrorUnknownDevice is returned when acting on a device that was never downloaded
	ErrorUnknownDevice = utils.NewTchapError("UNKNOWN_DEVICE", "unknown device")
)

// DeviceTrustLevel says why a device is trusted.
type DeviceTrustLevel struct {
	// LocallyVerified is set by an interactive verification or SetDeviceVerification.
	LocallyVerified bool `json:"locallyVerified"`
	// CrossSigningVerified is set when the device is signed by the self-signing key of a trusted identity.
	CrossSigningVerified bool `json:"crossSigningVerified"`
}

func (t DeviceTrustLevel) IsVerified() bool {
	return t.LocallyVerified || t.CrossSigningVerified
}

// CryptoDeviceInfo is a device of some user, as downloaded from the homeserver and checked.
type CryptoDeviceInfo struct {
	UserId      string                   `json:"userId"`
	DeviceId    string                   `json:"deviceId"`
	DisplayName string                   `json:"displayName"`
	Algorithms  []string                 `json:"algorithms"`
	Keys        map[string]string        `json:"keys"`
	Signatures  common_models.Signatures `json:"signatures"`
	Trust       DeviceTrustLevel         `json:"trust"`
	// FirstSeen is when this session first downloaded the device.
	FirstSeen time.Time `json:"firstSeen"`
}

func (d *CryptoDeviceInfo) IsVerified() bool {
	return d.Trust.IsVerified()
}

// IdentityKey returns the curve25519 key of the device.
func (d *CryptoDeviceInfo) IdentityKey() string {
	return d.Keys["curve25519:"+d.DeviceId]
}

// FingerprintKey returns the ed25519 key of the device.
func (d *CryptoDeviceInfo) FingerprintKey() string {
	return d.Keys["ed25519:"+d.DeviceId]
}

func (d *CryptoDeviceInfo) deviceKeys() *common_models.DeviceKeys {
	return &common_models.DeviceKeys{
		UserId:     d.UserId,
		DeviceId:   d.DeviceId,
		Algorithms: d.Algorithms,
		Keys:       d.Keys,
		Signatures: d.Signatures,
	}
}

// UserCrossSigningInfo holds the published cross-signing keys of a user and whether we trust them.
type UserCrossSigningInfo struct {
	UserId string                   `json:"userId"`
	Keys   crosssigning.PublicKeys `json:"keys"`
	// LocallyVerified is set when the master key was MACed during an interactive verification.
	LocallyVerified bool `json:"locallyVerified"`
	Trusted         bool `json:"trusted"`
}

// UsersDevicesMap maps user id -> device id -> device.
type UsersDevicesMap map[string]map[string]*CryptoDeviceInfo

func (m UsersDevicesMap) GetObject(userId string, deviceId string) *CryptoDeviceInfo {
	return m[userId][deviceId]
}

func (m UsersDevicesMap) UserIds() []string {
	return utils.SortedKeys(m)
}

func (m UsersDevicesMap) set(device *CryptoDeviceInfo) {
	if m[device.UserId] == nil {
		m[device.UserId] = make(map[string]*CryptoDeviceInfo)
	}
	m[device.UserId][device.DeviceId] = device
}

// DownloadKeys downloads the devices and cross-signing keys of userIds, unless they are
// already known and up to date. With forceDownload, they are always downloaded.
func (session *Session) DownloadKeys(userIds []string, forceDownload bool) (UsersDevicesMap, error) {
	if err := session.checkSessionState(true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err := utils.CheckUserIdSlice(userIds); err != nil {
		return nil, tracerr.Wrap(err)
	}
	userIds = utils.UniqueSlice(userIds)
	session.locks.downloadLockGroup.LockMultiple(userIds)
	defer session.locks.downloadLockGroup.UnlockMultiple(userIds)

	query := &common_models.KeysQueryRequest{DeviceKeys: make(map[string][]string)}
	for _, userId := range userIds {
		if forceDownload || session.storage.devices.needsDownload(userId) {
			query.DeviceKeys[userId] = []string{}
		}
	}
	if len(query.DeviceKeys) > 0 {
		session.logger.Debug().Int("users", len(query.DeviceKeys)).Msg("Downloading device keys")
		resp, err := session.apiClient.keysQuery(query)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		for userId := range query.DeviceKeys {
			session.storeQueriedUser(userId, resp)
		}
		session.recomputeTrust()
		if err = session.saveDevices(); err != nil {
			return nil, tracerr.Wrap(err)
		}
		session.onTrustChanged()
	}

	result := UsersDevicesMap{}
	for _, userId := range userIds {
		for _, device := range session.storage.devices.getUserDevices(userId) {
			result.set(device)
		}
	}
	return result, nil
}

// storeQueriedUser validates and stores the keys of one user from a /keys/query answer.
func (session *Session) storeQueriedUser(userId string, resp *common_models.KeysQueryResponse) {
	now := time.Now()
	devices := make(map[string]*CryptoDeviceInfo)
	for deviceId, keys := range resp.DeviceKeys[userId] {
		if keys.UserId != userId || keys.DeviceId != deviceId {
			session.logger.Warn().Str("user_id", userId).Str("device_id", deviceId).Msg("Ignoring device keys with mismatched ids")
			continue
		}
		if _, err := crosssigning.VerifyDeviceSelfSignature(keys); err != nil {
			session.logger.Warn().Err(err).Str("user_id", userId).Str("device_id", deviceId).Msg("Ignoring device with invalid self-signature")
			continue
		}
		device := &CryptoDeviceInfo{
			UserId:     userId,
			DeviceId:   deviceId,
			Algorithms: keys.Algorithms,
			Keys:       keys.Keys,
			Signatures: keys.Signatures,
			FirstSeen:  now,
		}
		if keys.Unsigned != nil {
			device.DisplayName = keys.Unsigned.DeviceDisplayName
		}
		if previous := session.storage.devices.getDevice(userId, deviceId); previous != nil {
			// a device id whose fingerprint key changed is an impersonation attempt: keep the old keys
			if previous.FingerprintKey() != device.FingerprintKey() {
				session.logger.Warn().Str("user_id", userId).Str("device_id", deviceId).Msg("Device fingerprint key changed, ignoring new keys")
				devices[deviceId] = previous
				continue
			}
			device.Trust = previous.Trust
			device.FirstSeen = previous.FirstSeen
		}
		devices[deviceId] = device
	}
	session.storage.devices.setUserDevices(userId, devices)

	info := &UserCrossSigningInfo{UserId: userId}
	if master := resp.MasterKeys[userId]; master != nil {
		if _, err := crosssigning.CheckMasterKey(master, userId); err != nil {
			session.logger.Warn().Err(err).Str("user_id", userId).Msg("Ignoring invalid master key")
		} else {
			info.Keys.Master = master
			if ssk := resp.SelfSigningKeys[userId]; ssk != nil {
				if _, err = crosssigning.CheckSelfSigningKey(ssk, master); err != nil {
					session.logger.Warn().Err(err).Str("user_id", userId).Msg("Ignoring invalid self-signing key")
				} else {
					info.Keys.SelfSigning = ssk
				}
			}
			if usk := resp.UserSigningKeys[userId]; usk != nil {
				if _, err = crosssigning.CheckUserSigningKey(usk, master); err != nil {
					session.logger.Warn().Err(err).Str("user_id", userId).Msg("Ignoring invalid user-signing key")
				} else {
					info.Keys.UserSigning = usk
				}
			}
		}
	}
	if previous := session.storage.devices.getCrossSigning(userId); previous != nil && previous.Keys.Master != nil && info.Keys.Master != nil {
		previousId, _ := previous.Keys.Master.PublicKey()
		currentId, _ := info.Keys.Master.PublicKey()
		info.LocallyVerified = previous.LocallyVerified && previousId == currentId
	}
	session.storage.devices.setCrossSigning(info)
	session.storage.devices.setUpToDate(userId)
}

// recomputeTrust derives identity and device cross-signing trust from the stored keys.
// It returns the devices that became verified.
func (session *Session) recomputeTrust() []*CryptoDeviceInfo {
	myUserId := session.MyUserId()
	privateKeys := session.storage.crossSigning.get()

	s := &session.storage.devices
	s.lock.Lock()
	defer s.lock.Unlock()

	own := s.CrossSigning[myUserId]
	if own != nil {
		own.Trusted = own.Keys.Master != nil &&
			(own.LocallyVerified || crosssigning.PrivateMatchesPublic(privateKeys.Master, own.Keys.Master) == nil)
	}
	for userId, info := range s.CrossSigning {
		if userId == myUserId {
			continue
		}
		info.Trusted = own != nil && own.Trusted && own.Keys.UserSigning != nil && info.Keys.Master != nil &&
			isSignedByUserSigningKey(info.Keys.Master, own.Keys.UserSigning, myUserId)
	}

	var newlyVerified []*CryptoDeviceInfo
	for userId, devices := range s.Devices {
		info := s.CrossSigning[userId]
		for _, device := range devices {
			wasVerified := device.IsVerified()
			device.Trust.CrossSigningVerified = info != nil && info.Trusted && info.Keys.SelfSigning != nil &&
				crosssigning.CheckDeviceSignedBySSK(device.deviceKeys(), info.Keys.SelfSigning) == nil
			if !wasVerified && device.IsVerified() {
				clone := *device
				newlyVerified = append(newlyVerified, &clone)
			}
		}
	}
	return newlyVerified
}

func isSignedByUserSigningKey(master *common_models.CrossSigningKey, userSigning *common_models.CrossSigningKey, signerUserId string) bool {
	pub, err := crosssigning.PublicKeyOf(userSigning)
	if err != nil {
		return false
	}
	return crosssigning.VerifyJSON(master, master.Signatures, signerUserId, crosssigning.KeyId(pub), pub) == nil
}

// GetDeviceInfo returns the locally known device, or nil.
func (session *Session) GetDeviceInfo(userId string, deviceId string) *CryptoDeviceInfo {
	return session.storage.devices.getDevice(userId, deviceId)
}

// GetUserDevices returns the locally known devices of userId, sorted by device id.
func (session *Session) GetUserDevices(userId string) []*CryptoDeviceInfo {
	return session.storage.devices.getUserDevices(userId)
}

// GetUserCrossSigningInfo returns the locally known cross-signing keys of userId, or nil.
func (session *Session) GetUserCrossSigningInfo(userId string) *UserCrossSigningInfo {
	return session.storage.devices.getCrossSigning(userId)
}

// SetDeviceVerification sets or clears the local verification of a device.
func (session *Session) SetDeviceVerification(verified bool, userId string, deviceId string) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	session.locks.trustLock.Lock()
	found := session.storage.devices.updateDevice(userId, deviceId, func(device *CryptoDeviceInfo) {
		device.Trust.LocallyVerified = verified
	})
	session.locks.trustLock.Unlock()
	if !found {
		return tracerr.Wrap(ErrorUnknownDevice.AddDetails(userId + " " + deviceId))
	}
	if err := session.saveDevices(); err != nil {
		return tracerr.Wrap(err)
	}
	session.logger.Info().Str("user_id", userId).Str("device_id", deviceId).Bool("verified", verified).Msg("Device verification set")
	session.onTrustChanged()
	return nil
}

// markMasterKeyVerified trusts the master key of userId, if it is still the given one.
func (session *Session) markMasterKeyVerified(userId string, masterKeyId string) error {
	updated := session.storage.devices.updateCrossSigning(userId, func(info *UserCrossSigningInfo) {
		if info.Keys.Master == nil {
			return
		}
		if keyId, _ := info.Keys.Master.PublicKey(); keyId == masterKeyId {
			info.LocallyVerified = true
		}
	})
	if !updated {
		return nil
	}
	session.recomputeTrust()
	return tracerr.Wrap(session.saveDevices())
}

// GetUnverifiedOwnDevices returns the other devices of the current user that are not verified
// and were first seen longer ago than the ShowUnverifiedSessionsAlertAfter setting.
func (session *Session) GetUnverifiedOwnDevices(now time.Time) []*CryptoDeviceInfo {
	myDeviceId := session.MyDeviceId()
	var result []*CryptoDeviceInfo
	for _, device := range session.storage.devices.getUserDevices(session.MyUserId()) {
		if device.DeviceId == myDeviceId || device.IsVerified() {
			continue
		}
		if now.Sub(device.FirstSeen) >= session.options.Config.ShowUnverifiedSessionsAlertAfter {
			result = append(result, device)
		}
	}
	return result
}

// ensureDevice returns the device, downloading the user's keys once if it is not known yet.
func (session *Session) ensureDevice(userId string, deviceId string) (*CryptoDeviceInfo, error) {
	if device := session.storage.devices.getDevice(userId, deviceId); device != nil {
		return device, nil
	}
	if _, err := session.DownloadKeys([]string{userId}, true); err != nil {
		return nil, tracerr.Wrap(err)
	}
	device := session.storage.devices.getDevice(userId, deviceId)
	if device == nil {
		return nil, tracerr.Wrap(ErrorUnknownDevice.AddDetails(userId + " " + deviceId))
	}
	return device, nil
}
