package sdk

import (
	"encoding/json"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/sdk/crosssigning"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorToDeviceUnknownAlgorithm is returned when an encrypted to-device message uses an algorithm we do not support
	ErrorToDeviceUnknownAlgorithm = utils.NewTchapError("TO_DEVICE_UNKNOWN_ALGORITHM", "unknown to-device encryption algorithm")
	// ErrorToDeviceNotForUs is returned when an encrypted to-device message has no ciphertext for our identity key
	ErrorToDeviceNotForUs = utils.NewTchapError("TO_DEVICE_NOT_FOR_US", "to-device message not encrypted for this device")
	// ErrorToDeviceBadRecipient is returned when the decrypted payload names another recipient
	ErrorToDeviceBadRecipient = utils.NewTchapError("TO_DEVICE_BAD_RECIPIENT", "to-device payload is addressed to another device")
	// ErrorToDeviceBadSender is returned when the decrypted payload does not match its envelope
	ErrorToDeviceBadSender = utils.NewTchapError("TO_DEVICE_BAD_SENDER", "to-device payload sender does not match")
	// ErrorToDeviceNoKeys is returned when encrypting for a device that does not publish an identity key
	ErrorToDeviceNoKeys = utils.NewTchapError("TO_DEVICE_NO_KEYS", "device has no identity key")
)

// decryptedToDevice is an encrypted to-device message once opened and authenticated.
type decryptedToDevice struct {
	Payload common_models.ToDevicePayload
	// SenderKey is the curve25519 identity key of the sending device.
	SenderKey string
	// Device is the sending device, as we know it.
	Device *CryptoDeviceInfo
}

// encryptToDevice wraps content for one device: the payload is signed by our fingerprint key,
// then encrypted to the identity key of the recipient.
func (session *Session) encryptToDevice(device *CryptoDeviceInfo, eventType string, content any) (json.RawMessage, error) {
	me := session.storage.currentDevice.get()
	if device.IdentityKey() == "" {
		return nil, tracerr.Wrap(ErrorToDeviceNoKeys.AddDetails(device.UserId + " " + device.DeviceId))
	}
	recipientKey, err := asymkey.PublicKeyFromB64(device.IdentityKey())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	payload := &common_models.ToDevicePayload{
		Type:          eventType,
		Content:       common_models.NewContent(content),
		Sender:        me.UserId,
		SenderDevice:  me.DeviceId,
		Keys:          map[string]string{"ed25519": me.SigningKey.Public().ToB64()},
		Recipient:     device.UserId,
		RecipientKeys: map[string]string{"ed25519": device.FingerprintKey()},
	}
	signature, err := crosssigning.SignJSON(payload, me.SigningKey)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	payload.Signatures = common_models.Signatures{}
	payload.Signatures.Add(me.UserId, crosssigning.DeviceKeyId(me.DeviceId), signature)

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encrypted, err := recipientKey.Encrypt(plaintext)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return common_models.NewContent(&common_models.EncryptedEventContent{
		Algorithm:  common_models.AlgorithmToDevice,
		Ciphertext: common_models.NewContent(map[string]*asymkey.EncryptedPayload{device.IdentityKey(): encrypted}),
		SenderKey:  me.IdentityKey.Public().ToB64(),
		DeviceId:   me.DeviceId,
	}), nil
}

// decryptToDevice opens an m.room.encrypted to-device event and checks who sent it.
func (session *Session) decryptToDevice(event *common_models.Event) (*decryptedToDevice, error) {
	me := session.storage.currentDevice.get()
	var content common_models.EncryptedEventContent
	if err := event.ParseContent(&content); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if content.Algorithm != common_models.AlgorithmToDevice {
		return nil, tracerr.Wrap(ErrorToDeviceUnknownAlgorithm.AddDetails(content.Algorithm))
	}
	ciphertexts, err := content.ToDeviceCiphertext()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	encrypted := ciphertexts[me.IdentityKey.Public().ToB64()]
	if encrypted == nil {
		return nil, tracerr.Wrap(ErrorToDeviceNotForUs)
	}
	plaintext, err := me.IdentityKey.Decrypt(encrypted)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var payload common_models.ToDevicePayload
	if err = json.Unmarshal(plaintext, &payload); err != nil {
		return nil, tracerr.Wrap(err)
	}

	if payload.Recipient != me.UserId || payload.RecipientKeys["ed25519"] != me.SigningKey.Public().ToB64() {
		return nil, tracerr.Wrap(ErrorToDeviceBadRecipient)
	}
	if payload.Sender != event.Sender || payload.SenderDevice != content.DeviceId {
		return nil, tracerr.Wrap(ErrorToDeviceBadSender.AddDetails(payload.Sender + " " + payload.SenderDevice))
	}
	device, err := session.ensureDevice(payload.Sender, payload.SenderDevice)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if device.IdentityKey() != content.SenderKey || device.FingerprintKey() != payload.Keys["ed25519"] {
		return nil, tracerr.Wrap(ErrorToDeviceBadSender.AddDetails("keys do not match the device"))
	}
	pub, err := asymkey.SigningPublicKeyFromB64(device.FingerprintKey())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = crosssigning.VerifyJSON(&payload, payload.Signatures, payload.Sender, crosssigning.DeviceKeyId(payload.SenderDevice), pub)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &decryptedToDevice{Payload: payload, SenderKey: content.SenderKey, Device: device}, nil
}

// sendEncryptedToDevices encrypts content separately for each device and sends them in one request.
// Devices that cannot be encrypted for are skipped, and their errors returned together.
// It returns the devices the message was sent to.
func (session *Session) sendEncryptedToDevices(devices []*CryptoDeviceInfo, eventType string, content any) ([]*CryptoDeviceInfo, error) {
	messages := make(map[string]map[string]any)
	var sent []*CryptoDeviceInfo
	var result *multierror.Error
	for _, device := range devices {
		encrypted, err := session.encryptToDevice(device, eventType, content)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if messages[device.UserId] == nil {
			messages[device.UserId] = make(map[string]any)
		}
		messages[device.UserId][device.DeviceId] = encrypted
		sent = append(sent, device)
	}
	if len(messages) > 0 {
		if err := session.sendToDevice(common_models.EventTypeRoomEncrypted, messages); err != nil {
			return nil, tracerr.Wrap(multierror.Append(result, err))
		}
	}
	return sent, result.ErrorOrNil()
}

// sendToDevice sends cleartext to-device messages: user id -> device id ("*" for all) -> content.
func (session *Session) sendToDevice(eventType string, messages map[string]map[string]any) error {
	body := common_models.SendToDeviceRequest{Messages: make(map[string]map[string]json.RawMessage)}
	for userId, devices := range messages {
		body.Messages[userId] = make(map[string]json.RawMessage)
		for deviceId, content := range devices {
			body.Messages[userId][deviceId] = common_models.NewContent(content)
		}
	}
	_, err := session.apiClient.sendToDevice(&sendToDeviceRequest{
		EventType:     eventType,
		TransactionId: uuid.NewString(),
		Body:          body,
	})
	return tracerr.Wrap(err)
}
