package crosssigning

import (
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/tchap/go-tchap-sdk/utils"
	"github.com/ztrue/tracerr"
)

var (
	// ErrorInvalidKeyUsage is returned when a cross-signing key does not declare the expected usage
	ErrorInvalidKeyUsage = utils.NewTchapError("CROSSSIGNING_INVALID_KEY_USAGE", "cross-signing key has an unexpected usage")
	// ErrorInvalidKeyOwner is returned when a cross-signing key belongs to another user
	ErrorInvalidKeyOwner = utils.NewTchapError("CROSSSIGNING_INVALID_KEY_OWNER", "cross-signing key belongs to another user")
	// ErrorInvalidKey is returned when a cross-signing key object does not hold exactly one ed25519 key
	ErrorInvalidKey = utils.NewTchapError("CROSSSIGNING_INVALID_KEY", "cross-signing key is malformed")
	// ErrorPrivateKeyMismatch is returned when a private key does not match the published public key
	ErrorPrivateKeyMismatch = utils.NewTchapError("CROSSSIGNING_PRIVATE_KEY_MISMATCH", "private key does not match the public key")
	// ErrorMissingPrivateKey is returned when a cross-signing operation needs a private key we do not hold
	ErrorMissingPrivateKey = utils.NewTchapError("CROSSSIGNING_MISSING_PRIVATE_KEY", "missing cross-signing private key")
)

// PrivateKeys holds the cross-signing private keys of a user. Any of them may be nil
// on a device that has not received them yet.
type PrivateKeys struct {
	Master      *asymkey.SigningPrivateKey `json:"master,omitempty"`
	SelfSigning *asymkey.SigningPrivateKey `json:"self_signing,omitempty"`
	UserSigning *asymkey.SigningPrivateKey `json:"user_signing,omitempty"`
}

func Generate() (*PrivateKeys, error) {
	master, err := asymkey.GenerateSigningKey()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	selfSigning, err := asymkey.GenerateSigningKey()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	userSigning, err := asymkey.GenerateSigningKey()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &PrivateKeys{Master: master, SelfSigning: selfSigning, UserSigning: userSigning}, nil
}

// PublicKeys holds the published cross-signing keys of a user.
type PublicKeys struct {
	Master      *common_models.CrossSigningKey `json:"master,omitempty"`
	SelfSigning *common_models.CrossSigningKey `json:"self_signing,omitempty"`
	UserSigning *common_models.CrossSigningKey `json:"user_signing,omitempty"`
}

func newCrossSigningKey(userId string, usage string, key *asymkey.SigningPrivateKey) *common_models.CrossSigningKey {
	pub := key.Public()
	return &common_models.CrossSigningKey{
		UserId: userId,
		Usage:  []string{usage},
		Keys:   map[string]string{KeyId(pub): pub.ToB64()},
	}
}

// PublicKeys builds the three public key objects, SSK and USK signed by the master key.
func (k *PrivateKeys) PublicKeys(userId string) (*PublicKeys, error) {
	if k.Master == nil || k.SelfSigning == nil || k.UserSigning == nil {
		return nil, tracerr.Wrap(ErrorMissingPrivateKey)
	}
	master := newCrossSigningKey(userId, common_models.CrossSigningUsageMaster, k.Master)
	selfSigning := newCrossSigningKey(userId, common_models.CrossSigningUsageSelfSigning, k.SelfSigning)
	userSigning := newCrossSigningKey(userId, common_models.CrossSigningUsageUserSigning, k.UserSigning)
	masterKeyId := KeyId(k.Master.Public())
	for _, key := range []*common_models.CrossSigningKey{selfSigning, userSigning} {
		signature, err := SignJSON(key, k.Master)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		key.Signatures = common_models.Signatures{}
		key.Signatures.Add(userId, masterKeyId, signature)
	}
	return &PublicKeys{Master: master, SelfSigning: selfSigning, UserSigning: userSigning}, nil
}

// PublicKeyOf decodes the ed25519 key carried by a cross-signing key object.
func PublicKeyOf(key *common_models.CrossSigningKey) (*asymkey.SigningPublicKey, error) {
	if key == nil || len(key.Keys) != 1 {
		return nil, tracerr.Wrap(ErrorInvalidKey)
	}
	keyId, b64 := key.PublicKey()
	pub, err := asymkey.SigningPublicKeyFromB64(b64)
	if err != nil {
		return nil, tracerr.Wrap(ErrorInvalidKey.AddDetails(err.Error()))
	}
	if keyId != KeyId(pub) {
		return nil, tracerr.Wrap(ErrorInvalidKey.AddDetails("key id does not match key"))
	}
	return pub, nil
}

func checkKeyShape(key *common_models.CrossSigningKey, userId string, usage string) (*asymkey.SigningPublicKey, error) {
	if key == nil {
		return nil, tracerr.Wrap(ErrorInvalidKey.AddDetails("missing " + usage + " key"))
	}
	if key.UserId != userId {
		return nil, tracerr.Wrap(ErrorInvalidKeyOwner.AddDetails(key.UserId))
	}
	if !utils.SliceIncludes(key.Usage, usage) {
		return nil, tracerr.Wrap(ErrorInvalidKeyUsage.AddDetails(usage))
	}
	return PublicKeyOf(key)
}

// CheckMasterKey checks that key is a well formed master key of userId.
func CheckMasterKey(key *common_models.CrossSigningKey, userId string) (*asymkey.SigningPublicKey, error) {
	return checkKeyShape(key, userId, common_models.CrossSigningUsageMaster)
}

func checkSignedByMaster(key *common_models.CrossSigningKey, master *common_models.CrossSigningKey, usage string) (*asymkey.SigningPublicKey, error) {
	masterPub, err := CheckMasterKey(master, key.UserId)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	pub, err := checkKeyShape(key, master.UserId, usage)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if err = VerifyJSON(key, key.Signatures, master.UserId, KeyId(masterPub), masterPub); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return pub, nil
}

// CheckSelfSigningKey checks that key is a self-signing key signed by master.
func CheckSelfSigningKey(key *common_models.CrossSigningKey, master *common_models.CrossSigningKey) (*asymkey.SigningPublicKey, error) {
	if key == nil {
		return nil, tracerr.Wrap(ErrorInvalidKey.AddDetails("missing self-signing key"))
	}
	return checkSignedByMaster(key, master, common_models.CrossSigningUsageSelfSigning)
}

// CheckUserSigningKey checks that key is a user-signing key signed by master.
func CheckUserSigningKey(key *common_models.CrossSigningKey, master *common_models.CrossSigningKey) (*asymkey.SigningPublicKey, error) {
	if key == nil {
		return nil, tracerr.Wrap(ErrorInvalidKey.AddDetails("missing user-signing key"))
	}
	return checkSignedByMaster(key, master, common_models.CrossSigningUsageUserSigning)
}

// CheckDeviceSignedBySSK checks that device carries a valid signature by the self-signing key.
func CheckDeviceSignedBySSK(device *common_models.DeviceKeys, selfSigning *common_models.CrossSigningKey) error {
	pub, err := PublicKeyOf(selfSigning)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if selfSigning.UserId != device.UserId {
		return tracerr.Wrap(ErrorInvalidKeyOwner.AddDetails(selfSigning.UserId))
	}
	return tracerr.Wrap(VerifyJSON(device, device.Signatures, device.UserId, KeyId(pub), pub))
}

// PrivateMatchesPublic checks that private is the private half of the published key.
func PrivateMatchesPublic(private *asymkey.SigningPrivateKey, public *common_models.CrossSigningKey) error {
	if private == nil {
		return tracerr.Wrap(ErrorMissingPrivateKey)
	}
	pub, err := PublicKeyOf(public)
	if err != nil {
		return tracerr.Wrap(err)
	}
	if !pub.Equal(private.Public()) {
		return tracerr.Wrap(ErrorPrivateKeyMismatch)
	}
	return nil
}
