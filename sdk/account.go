package sdk

import (
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorCreateAccountEmptyPassword is returned when creating an account without password
	ErrorCreateAccountEmptyPassword = utils.NewTchapError("CREATE_ACCOUNT_EMPTY_PASSWORD", "password cannot be empty")
)

// supportedAlgorithms are advertised in the device keys.
var supportedAlgorithms = []string{common_models.AlgorithmToDevice, common_models.AlgorithmMegolm}

type CreateAccountOptions struct {
	// Username is the local part of the new user id.
	Username string
	Password string
	// DeviceDisplayName is the name of the device shown to other devices.
	DeviceDisplayName string
}

type LoginOptions struct {
	// UserId is the full user id, or its local part.
	UserId            string
	Password          string
	DeviceDisplayName string
}

// AccountInfo describes the account and device of a session.
type AccountInfo struct {
	UserId      string
	DeviceId    string
	IdentityKey string
	SigningKey  string
}

// CreateAccount registers a new user on the homeserver, creates this session's device and
// publishes its keys.
func (session *Session) CreateAccount(options *CreateAccountOptions) (*AccountInfo, error) {
	err := session.checkSessionState(false)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if options.Password == "" {
		return nil, tracerr.Wrap(ErrorCreateAccountEmptyPassword)
	}
	session.locks.currentDeviceLock.Lock()
	defer session.locks.currentDeviceLock.Unlock()

	session.logger.Debug().Str("username", options.Username).Msg("Creating account...")
	resp, err := session.apiClient.register(&common_models.RegisterRequest{
		Username:                 options.Username,
		Password:                 options.Password,
		InitialDeviceDisplayName: options.DeviceDisplayName,
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return session.setupDevice(resp, options.DeviceDisplayName)
}

// LogIntoAccount logs into an existing account, which creates a new device for this session.
func (session *Session) LogIntoAccount(options *LoginOptions) (*AccountInfo, error) {
	err := session.checkSessionState(false)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	session.locks.currentDeviceLock.Lock()
	defer session.locks.currentDeviceLock.Unlock()

	session.logger.Debug().Str("user_id", options.UserId).Msg("Logging in...")
	resp, err := session.apiClient.login(&common_models.LoginRequest{
		Type:                     common_models.LoginTypePassword,
		Identifier:               &common_models.UserIdentifier{Type: common_models.IdentifierTypeUser, User: options.UserId},
		Password:                 options.Password,
		InitialDeviceDisplayName: options.DeviceDisplayName,
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return session.setupDevice(resp, options.DeviceDisplayName)
}

// setupDevice generates the device keys, stores the device and uploads its keys.
// Must be called with currentDeviceLock held.
func (session *Session) setupDevice(resp *common_models.LoginResponse, displayName string) (*AccountInfo, error) {
	identityKey, err := asymkey.Generate()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	signingKey, err := asymkey.GenerateSigningKey()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	session.apiClient.setAccessToken(resp.AccessToken)
	session.storage.currentDevice.set(currentDevice{
		UserId:      resp.UserId,
		DeviceId:    resp.DeviceId,
		DisplayName: displayName,
		AccessToken: resp.AccessToken,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
	})
	if err = session.saveCurrentDevice(); err != nil {
		return nil, tracerr.Wrap(err)
	}

	deviceKeys, err := session.ownDeviceKeys()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if _, err = session.apiClient.keysUpload(&common_models.KeysUploadRequest{DeviceKeys: deviceKeys}); err != nil {
		return nil, tracerr.Wrap(err)
	}
	session.storage.devices.track([]string{resp.UserId})
	session.logger = session.logger.With().Str("device_id", resp.DeviceId).Logger()
	session.logger.Info().Str("user_id", resp.UserId).Msg("Device created")

	return &AccountInfo{
		UserId:      resp.UserId,
		DeviceId:    resp.DeviceId,
		IdentityKey: identityKey.Public().ToB64(),
		SigningKey:  signingKey.Public().ToB64(),
	}, nil
}

// ownDeviceKeys returns the self-signed device keys of this session.
func (session *Session) ownDeviceKeys() (*common_models.DeviceKeys, error) {
	device := session.storage.currentDevice.get()
	keys := &common_models.DeviceKeys{
		UserId:     device.UserId,
		DeviceId:   device.DeviceId,
		Algorithms: supportedAlgorithms,
		Keys: map[string]string{
			"curve25519:" + device.DeviceId: device.IdentityKey.Public().ToB64(),
			"ed25519:" + device.DeviceId:    device.SigningKey.Public().ToB64(),
		},
	}
	err := crosssigning.SignDeviceKeys(keys, device.UserId, crosssigning.DeviceKeyId(device.DeviceId), device.SigningKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return keys, nil
}

// GetCurrentAccountInfo returns the account and device of this session, or nil before login.
func (session *Session) GetCurrentAccountInfo() *AccountInfo {
	device := session.storage.currentDevice.get()
	if device.UserId == "" {
		return nil
	}
	return &AccountInfo{
		UserId:      device.UserId,
		DeviceId:    device.DeviceId,
		IdentityKey: device.IdentityKey.Public().ToB64(),
		SigningKey:  device.SigningKey.Public().ToB64(),
	}
}

// SignOutAndClose logs the device out of the homeserver, which deletes it, then closes the session.
func (session *Session) SignOutAndClose() error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	session.StopSync()
	if _, err := session.apiClient.logout(nil); err != nil {
		return tracerr.Wrap(err)
	}
	session.logger.Info().Msg("Signed out")
	return tracerr.Wrap(session.Close())
}
