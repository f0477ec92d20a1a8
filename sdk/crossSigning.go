package sdk

import (
	"encoding/json"
	"errors"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
	"net/http"
)

var (
	// ErrorUIANoInterceptor is returned when the homeserver asks for user-interactive authentication and no interceptor was given
	ErrorUIANoInterceptor = utils.NewTchapError("UIA_NO_INTERCEPTOR", "user-interactive authentication needed, but no interceptor given")
	// ErrorUIATooManyAttempts is returned when user-interactive authentication keeps failing
	ErrorUIATooManyAttempts = utils.NewTchapError("UIA_TOO_MANY_ATTEMPTS", "user-interactive authentication failed too many times")
	// ErrorCannotCrossSign is returned when a cross-signing operation needs private keys this device does not hold
	ErrorCannotCrossSign = utils.NewTchapError("CANNOT_CROSS_SIGN", "this device cannot cross-sign")
	// ErrorTrustDeviceNotOwn is returned when calling TrustDevice for a device of another user
	ErrorTrustDeviceNotOwn = utils.NewTchapError("TRUST_DEVICE_NOT_OWN", "only own devices can be signed with the self-signing key")
)

const maxUIAAttempts = 3

// UserInteractiveAuthInterceptor completes a user-interactive authentication stage.
// PerformStage receives the flows returned by the homeserver, and the error code of the
// previous attempt if any.
type UserInteractiveAuthInterceptor interface {
	PerformStage(flow *common_models.RegistrationFlowResponse, errCode string) (*common_models.UserPasswordAuth, error)
}

// PasswordAuthInterceptor answers the m.login.password stage with a fixed password.
type PasswordAuthInterceptor struct {
	UserId   string
	Password string
}

func (i *PasswordAuthInterceptor) PerformStage(flow *common_models.RegistrationFlowResponse, _ string) (*common_models.UserPasswordAuth, error) {
	return &common_models.UserPasswordAuth{
		Type:       common_models.LoginTypePassword,
		Session:    flow.Session,
		Identifier: &common_models.UserIdentifier{Type: common_models.IdentifierTypeUser, User: i.UserId},
		Password:   i.Password,
	}, nil
}

// uiaFlowFromError extracts the flows of a 401 user-interactive authentication answer.
func uiaFlowFromError(err error) *common_models.RegistrationFlowResponse {
	var apiError utils.APIError
	if !errors.As(err, &apiError) || apiError.Status != http.StatusUnauthorized || apiError.Raw == "" {
		return nil
	}
	var flow common_models.RegistrationFlowResponse
	if json.Unmarshal([]byte(apiError.Raw), &flow) != nil || len(flow.Flows) == 0 {
		return nil
	}
	return &flow
}

// InitializeCrossSigning creates new cross-signing keys for the user, uploads them and signs
// the current device. The upload needs user-interactive authentication, performed by interceptor.
func (session *Session) InitializeCrossSigning(interceptor UserInteractiveAuthInterceptor) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	myUserId := session.MyUserId()
	privateKeys, err := crosssigning.Generate()
	if err != nil {
		return tracerr.Wrap(err)
	}
	publicKeys, err := privateKeys.PublicKeys(myUserId)
	if err != nil {
		return tracerr.Wrap(err)
	}

	request := &common_models.UploadSigningKeysRequest{
		MasterKey:      publicKeys.Master,
		SelfSigningKey: publicKeys.SelfSigning,
		UserSigningKey: publicKeys.UserSigning,
	}
	errCode := ""
	for attempt := 0; ; attempt++ {
		_, err = session.apiClient.uploadSigningKeys(request)
		if err == nil {
			break
		}
		flow := uiaFlowFromError(err)
		if flow == nil {
			return tracerr.Wrap(err)
		}
		if interceptor == nil {
			return tracerr.Wrap(ErrorUIANoInterceptor)
		}
		if attempt >= maxUIAAttempts {
			return tracerr.Wrap(ErrorUIATooManyAttempts.AddDetails(flow.ErrCode))
		}
		if request.Auth != nil {
			errCode = flow.ErrCode
		}
		session.logger.Debug().Str("errcode", errCode).Msg("Cross-signing upload needs authentication")
		request.Auth, err = interceptor.PerformStage(flow, errCode)
		if err != nil {
			return tracerr.Wrap(err)
		}
	}

	session.storage.crossSigning.update(func(keys *crosssigning.PrivateKeys) {
		*keys = *privateKeys
	})
	if err = session.saveCrossSigning(); err != nil {
		return tracerr.Wrap(err)
	}
	session.logger.Info().Msg("Cross-signing keys created")

	if err = session.signOwnDevice(session.MyDeviceId()); err != nil {
		return tracerr.Wrap(err)
	}
	if _, err = session.DownloadKeys([]string{myUserId}, true); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

// CanCrossSign reports whether our identity is trusted and this device holds the self-signing
// and user-signing private keys matching the published ones.
func (session *Session) CanCrossSign() bool {
	info := session.storage.devices.getCrossSigning(session.MyUserId())
	if info == nil || !info.Trusted {
		return false
	}
	keys := session.storage.crossSigning.get()
	return crosssigning.PrivateMatchesPublic(keys.SelfSigning, info.Keys.SelfSigning) == nil &&
		crosssigning.PrivateMatchesPublic(keys.UserSigning, info.Keys.UserSigning) == nil
}

// GetMyCrossSigningKeys returns the published cross-signing keys of the current user, or nil.
func (session *Session) GetMyCrossSigningKeys() *UserCrossSigningInfo {
	return session.storage.devices.getCrossSigning(session.MyUserId())
}

// TrustDevice signs one of our own devices with the self-signing key and uploads the signature.
func (session *Session) TrustDevice(deviceId string) error {
	if err := session.checkSessionState(true); err != nil {
		return tracerr.Wrap(err)
	}
	if err := session.signOwnDevice(deviceId); err != nil {
		return tracerr.Wrap(err)
	}
	_, err := session.DownloadKeys([]string{session.MyUserId()}, true)
	return tracerr.Wrap(err)
}

// signOwnDevice uploads a self-signing key signature of an own device.
func (session *Session) signOwnDevice(deviceId string) error {
	myUserId := session.MyUserId()
	ssk := session.storage.crossSigning.get().SelfSigning
	if ssk == nil {
		return tracerr.Wrap(ErrorCannotCrossSign)
	}
	var keys *common_models.DeviceKeys
	if deviceId == session.MyDeviceId() {
		var err error
		keys, err = session.ownDeviceKeys()
		if err != nil {
			return tracerr.Wrap(err)
		}
	} else {
		device, err := session.ensureDevice(myUserId, deviceId)
		if err != nil {
			return tracerr.Wrap(err)
		}
		if device.UserId != myUserId {
			return tracerr.Wrap(ErrorTrustDeviceNotOwn)
		}
		keys = device.deviceKeys()
	}
	// only our signature is uploaded, the homeserver merges it
	keys.Signatures = nil
	err := crosssigning.SignDeviceKeys(keys, myUserId, crosssigning.KeyId(ssk.Public()), ssk)
	if err != nil {
		return tracerr.Wrap(err)
	}
	resp, err := session.apiClient.uploadSignatures(&common_models.SignaturesUploadRequest{
		myUserId: {deviceId: common_models.NewContent(keys)},
	})
	if err != nil {
		return tracerr.Wrap(err)
	}
	if failure, ok := resp.Failures[myUserId][deviceId]; ok {
		return tracerr.Wrap(ErrorCannotCrossSign.AddDetails(failure.ErrCode + " " + failure.Error))
	}
	session.logger.Debug().Str("device_id", deviceId).Msg("Device signed with self-signing key")
	return nil
}

// hasAllSecrets reports whether this device holds every secret that can be gossiped.
func (session *Session) hasAllSecrets() bool {
	keys := session.storage.crossSigning.get()
	session.storage.keyBackup.lock.RLock()
	hasBackupKey := session.storage.keyBackup.RecoveryKey != nil
	session.storage.keyBackup.lock.RUnlock()
	return keys.Master != nil && keys.SelfSigning != nil && keys.UserSigning != nil && hasBackupKey
}
