package sdk

import (
	"context"
	"encoding/json"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/ztrue/tracerr"
	"sync"
)

func newCanaryHomeserverApiClient(client homeserverApiClientInterface) *canaryHomeserverApiClient {
	return &canaryHomeserverApiClient{Client: client, ToExecute: make(map[string]func(any) ([]byte, error)), Counter: make(map[string]int)}
}

func executeHomeserverApiCanary[U any](c *canaryHomeserverApiClient, funcName string, request interface{}) (*U, error) {
	c.lock.Lock()
	c.Counter[funcName] += 1
	toExecute := c.ToExecute[funcName]
	c.lock.Unlock()
	if toExecute != nil {
		res, err := toExecute(request)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		if res != nil {
			var response U
			err = json.Unmarshal(res, &response)
			if err != nil {
				return nil, tracerr.Wrap(err)
			}
			return &response, nil
		}
	}
	return nil, nil
}

// canaryHomeserverApiClient wraps an API client to count calls, and to replace the answer of some of them.
type canaryHomeserverApiClient struct {
	Client    homeserverApiClientInterface
	ToExecute map[string]func(request any) ([]byte, error)
	Counter   map[string]int
	lock      sync.Mutex
}

func (c *canaryHomeserverApiClient) count(funcName string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.Counter[funcName]
}

func (c *canaryHomeserverApiClient) setToExecute(funcName string, f func(request any) ([]byte, error)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.ToExecute[funcName] = f
}

func (c *canaryHomeserverApiClient) setAccessToken(token string) {
	c.Client.setAccessToken(token)
}

func (c *canaryHomeserverApiClient) register(request *common_models.RegisterRequest) (*common_models.LoginResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.LoginResponse](c, "register", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.register(request)
}

func (c *canaryHomeserverApiClient) login(request *common_models.LoginRequest) (*common_models.LoginResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.LoginResponse](c, "login", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.login(request)
}

func (c *canaryHomeserverApiClient) logout(request *emptyInterface) (*emptyInterface, error) {
	res, err := executeHomeserverApiCanary[emptyInterface](c, "logout", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.logout(request)
}

func (c *canaryHomeserverApiClient) devices(request *emptyInterface) (*common_models.DevicesResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.DevicesResponse](c, "devices", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.devices(request)
}

func (c *canaryHomeserverApiClient) keysUpload(request *common_models.KeysUploadRequest) (*common_models.KeysUploadResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.KeysUploadResponse](c, "keysUpload", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.keysUpload(request)
}

func (c *canaryHomeserverApiClient) keysQuery(request *common_models.KeysQueryRequest) (*common_models.KeysQueryResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.KeysQueryResponse](c, "keysQuery", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.keysQuery(request)
}

func (c *canaryHomeserverApiClient) uploadSigningKeys(request *common_models.UploadSigningKeysRequest) (*emptyInterface, error) {
	res, err := executeHomeserverApiCanary[emptyInterface](c, "uploadSigningKeys", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.uploadSigningKeys(request)
}

func (c *canaryHomeserverApiClient) uploadSignatures(request *common_models.SignaturesUploadRequest) (*common_models.SignaturesUploadResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.SignaturesUploadResponse](c, "uploadSignatures", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.uploadSignatures(request)
}

func (c *canaryHomeserverApiClient) sendToDevice(request *sendToDeviceRequest) (*emptyInterface, error) {
	res, err := executeHomeserverApiCanary[emptyInterface](c, "sendToDevice", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.sendToDevice(request)
}

func (c *canaryHomeserverApiClient) sync(ctx context.Context, request *syncRequest) (*common_models.SyncResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.SyncResponse](c, "sync", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.sync(ctx, request)
}

func (c *canaryHomeserverApiClient) createRoom(request *common_models.CreateRoomRequest) (*common_models.CreateRoomResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.CreateRoomResponse](c, "createRoom", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.createRoom(request)
}

func (c *canaryHomeserverApiClient) invite(request *inviteRequest) (*emptyInterface, error) {
	res, err := executeHomeserverApiCanary[emptyInterface](c, "invite", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.invite(request)
}

func (c *canaryHomeserverApiClient) join(request *roomRequest) (*common_models.JoinRoomResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.JoinRoomResponse](c, "join", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.join(request)
}

func (c *canaryHomeserverApiClient) leave(request *roomRequest) (*emptyInterface, error) {
	res, err := executeHomeserverApiCanary[emptyInterface](c, "leave", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.leave(request)
}

func (c *canaryHomeserverApiClient) sendEvent(request *sendEventRequest) (*common_models.SendEventResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.SendEventResponse](c, "sendEvent", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.sendEvent(request)
}

func (c *canaryHomeserverApiClient) sendState(request *sendStateRequest) (*common_models.SendEventResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.SendEventResponse](c, "sendState", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.sendState(request)
}

func (c *canaryHomeserverApiClient) members(request *roomRequest) (*common_models.RoomMembersResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.RoomMembersResponse](c, "members", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.members(request)
}

func (c *canaryHomeserverApiClient) getEvent(request *getEventRequest) (*common_models.Event, error) {
	res, err := executeHomeserverApiCanary[common_models.Event](c, "getEvent", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.getEvent(request)
}

func (c *canaryHomeserverApiClient) createBackupVersion(request *common_models.CreateKeysBackupVersionBody) (*common_models.KeysVersion, error) {
	res, err := executeHomeserverApiCanary[common_models.KeysVersion](c, "createBackupVersion", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.createBackupVersion(request)
}

func (c *canaryHomeserverApiClient) getBackupVersion(request *backupVersionRequest) (*common_models.KeysVersionResult, error) {
	res, err := executeHomeserverApiCanary[common_models.KeysVersionResult](c, "getBackupVersion", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.getBackupVersion(request)
}

func (c *canaryHomeserverApiClient) deleteBackupVersion(request *backupVersionRequest) (*emptyInterface, error) {
	res, err := executeHomeserverApiCanary[emptyInterface](c, "deleteBackupVersion", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.deleteBackupVersion(request)
}

func (c *canaryHomeserverApiClient) putBackupKeys(request *putBackupKeysRequest) (*common_models.BackupKeysResult, error) {
	res, err := executeHomeserverApiCanary[common_models.BackupKeysResult](c, "putBackupKeys", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.putBackupKeys(request)
}

func (c *canaryHomeserverApiClient) getBackupKeys(request *backupVersionRequest) (*common_models.KeysBackupData, error) {
	res, err := executeHomeserverApiCanary[common_models.KeysBackupData](c, "getBackupKeys", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.getBackupKeys(request)
}

func (c *canaryHomeserverApiClient) uploadMedia(request *uploadMediaRequest) (*common_models.UploadResponse, error) {
	res, err := executeHomeserverApiCanary[common_models.UploadResponse](c, "uploadMedia", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.uploadMedia(request)
}

func (c *canaryHomeserverApiClient) downloadMedia(request *downloadMediaRequest) (*downloadMediaResponse, error) {
	res, err := executeHomeserverApiCanary[downloadMediaResponse](c, "downloadMedia", request)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}
	return c.Client.downloadMedia(request)
}
