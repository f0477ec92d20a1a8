package crosssigning

import (
	"encoding/json"
	"github.com/gibson042/canonicaljson-go"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorSignatureMissing is returned when an object does not carry the expected signature
	ErrorSignatureMissing = utils.NewTchapError("CROSSSIGNING_SIGNATURE_MISSING", "object is not signed by the expected key")
	// ErrorSignatureInvalid is returned when a signature does not verify
	ErrorSignatureInvalid = utils.NewTchapError("CROSSSIGNING_SIGNATURE_INVALID", "signature is invalid")
	// ErrorNotAnObject is returned when trying to sign something that is not a JSON object
	ErrorNotAnObject = utils.NewTchapError("CROSSSIGNING_NOT_AN_OBJECT", "only JSON objects can be signed")
)

// CanonicalJSON returns the canonical serialization of obj used for signing,
// without its `signatures` and `unsigned` members.
func CanonicalJSON(obj any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var m map[string]any
	if err = json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, tracerr.Wrap(ErrorNotAnObject)
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	canonical, err := canonicaljson.Marshal(m)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return canonical, nil
}

// SignJSON returns the unpadded base64 signature of obj by key.
func SignJSON(obj any, key *asymkey.SigningPrivateKey) (string, error) {
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	return key.SignB64(canonical), nil
}

// VerifyJSON checks that signatures holds a valid signature of obj for userId / keyId by pub.
func VerifyJSON(obj any, signatures common_models.Signatures, userId string, keyId string, pub *asymkey.SigningPublicKey) error {
	signature := signatures.Get(userId, keyId)
	if signature == "" {
		return tracerr.Wrap(ErrorSignatureMissing.AddDetails(userId + " " + keyId))
	}
	canonical, err := CanonicalJSON(obj)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if err = pub.VerifyB64(canonical, signature); err != nil {
		return tracerr.Wrap(ErrorSignatureInvalid.AddDetails(userId + " " + keyId))
	}
	return nil
}

// KeyId returns the "ed25519:<base64>" id under which a cross-signing key signs.
func KeyId(pub *asymkey.SigningPublicKey) string {
	return "ed25519:" + pub.ToB64()
}

// DeviceKeyId returns the "ed25519:<deviceId>" id under which a device signs.
func DeviceKeyId(deviceId string) string {
	return "ed25519:" + deviceId
}

// SignDeviceKeys adds to device a signature by key under userId / keyId.
func SignDeviceKeys(device *common_models.DeviceKeys, userId string, keyId string, key *asymkey.SigningPrivateKey) error {
	signature, err := SignJSON(device, key)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if device.Signatures == nil {
		device.Signatures = common_models.Signatures{}
	}
	device.Signatures.Add(userId, keyId, signature)
	return nil
}

// VerifyDeviceSelfSignature checks the device keys are signed by the device's own ed25519 key,
// and returns that key.
func VerifyDeviceSelfSignature(device *common_models.DeviceKeys) (*asymkey.SigningPublicKey, error) {
	pub, err := asymkey.SigningPublicKeyFromB64(device.Ed25519())
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	err = VerifyJSON(device, device.Signatures, device.UserId, DeviceKeyId(device.DeviceId), pub)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return pub, nil
}
