package common_models

const (
	// AlgorithmMegolm is the room encryption algorithm.
	AlgorithmMegolm = "m.megolm.v1.aes-sha2"
	// AlgorithmToDevice is the to-device encryption algorithm: an ephemeral Curve25519 ECIES
	// envelope per recipient device, with a payload signed by the sender device.
	AlgorithmToDevice = "io.tchap.ecies.v1.curve25519-aes-sha2"
	// AlgorithmMegolmBackup is the server-side key backup algorithm.
	AlgorithmMegolmBackup = "m.megolm_backup.v1.curve25519-aes-sha2"
)

// Signatures maps user id -> key id ("ed25519:DEVICE") -> unpadded base64 signature.
type Signatures map[string]map[string]string

// Add records a signature, creating the inner map if needed.
func (s Signatures) Add(userId string, keyId string, signature string) {
	if s[userId] == nil {
		s[userId] = make(map[string]string)
	}
	s[userId][keyId] = signature
}

func (s Signatures) Get(userId string, keyId string) string {
	if s == nil || s[userId] == nil {
		return ""
	}
	return s[userId][keyId]
}

type UnsignedDeviceInfo struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

// DeviceKeys is the self-signed description of a device, as uploaded to /keys/upload.
type DeviceKeys struct {
	UserId     string              `json:"user_id"`
	DeviceId   string              `json:"device_id"`
	Algorithms []string            `json:"algorithms"`
	Keys       map[string]string   `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
	Unsigned   *UnsignedDeviceInfo `json:"unsigned,omitempty"`
}

func (d *DeviceKeys) Ed25519() string {
	return d.Keys["ed25519:"+d.DeviceId]
}

func (d *DeviceKeys) Curve25519() string {
	return d.Keys["curve25519:"+d.DeviceId]
}

const (
	CrossSigningUsageMaster      = "master"
	CrossSigningUsageSelfSigning = "self_signing"
	CrossSigningUsageUserSigning = "user_signing"
)

// CrossSigningKey is a published cross-signing public key.
type CrossSigningKey struct {
	UserId     string            `json:"user_id"`
	Usage      []string          `json:"usage"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
}

// PublicKey returns the (only) unpadded base64 ed25519 key, and its key id.
func (k *CrossSigningKey) PublicKey() (keyId string, key string) {
	for id, value := range k.Keys {
		return id, value
	}
	return "", ""
}

// Secret names, used by m.secret.request.
const (
	SecretNameMasterKey      = "m.cross_signing.master"
	SecretNameSelfSigningKey = "m.cross_signing.self_signing"
	SecretNameUserSigningKey = "m.cross_signing.user_signing"
	SecretNameKeyBackup      = "m.megolm_backup.v1"
)

var AllSecretNames = []string{SecretNameMasterKey, SecretNameSelfSigningKey, SecretNameUserSigningKey, SecretNameKeyBackup}
