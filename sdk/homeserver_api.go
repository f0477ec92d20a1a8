package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/tchap/go-tchap-sdk/api_helper"
	"github.com/tchap/go-tchap-sdk/common_models"
	"github.com/ztrue/tracerr"
	"net/http"
	"net/url"
	"time"
)

type homeserverApiClientInterface interface {
	setAccessToken(token string)
	register(*common_models.RegisterRequest) (*common_models.LoginResponse, error)
	login(*common_models.LoginRequest) (*common_models.LoginResponse, error)
	logout(*emptyInterface) (*emptyInterface, error)
	devices(*emptyInterface) (*common_models.DevicesResponse, error)
	keysUpload(*common_models.KeysUploadRequest) (*common_models.KeysUploadResponse, error)
	keysQuery(*common_models.KeysQueryRequest) (*common_models.KeysQueryResponse, error)
	uploadSigningKeys(*common_models.UploadSigningKeysRequest) (*emptyInterface, error)
	uploadSignatures(*common_models.SignaturesUploadRequest) (*common_models.SignaturesUploadResponse, error)
	sendToDevice(*sendToDeviceRequest) (*emptyInterface, error)
	sync(context.Context, *syncRequest) (*common_models.SyncResponse, error)
	createRoom(*common_models.CreateRoomRequest) (*common_models.CreateRoomResponse, error)
	invite(*inviteRequest) (*emptyInterface, error)
	join(*roomRequest) (*common_models.JoinRoomResponse, error)
	leave(*roomRequest) (*emptyInterface, error)
	sendEvent(*sendEventRequest) (*common_models.SendEventResponse, error)
	sendState(*sendStateRequest) (*common_models.SendEventResponse, error)
	members(*roomRequest) (*common_models.RoomMembersResponse, error)
	getEvent(*getEventRequest) (*common_models.Event, error)
	createBackupVersion(*common_models.CreateKeysBackupVersionBody) (*common_models.KeysVersion, error)
	getBackupVersion(*backupVersionRequest) (*common_models.KeysVersionResult, error)
	deleteBackupVersion(*backupVersionRequest) (*emptyInterface, error)
	putBackupKeys(*putBackupKeysRequest) (*common_models.BackupKeysResult, error)
	getBackupKeys(*backupVersionRequest) (*common_models.KeysBackupData, error)
	uploadMedia(*uploadMediaRequest) (*common_models.UploadResponse, error)
	downloadMedia(*downloadMediaRequest) (*downloadMediaResponse, error)
}

type emptyInterface struct{}

type homeserverApiClient struct {
	api_helper.ApiClient
	// media talks to the content repository, which has its own prefix.
	media *api_helper.ApiClient
}

// doRequest marshals request, checks the status and unmarshals the answer into a V.
func doRequest[V any](ctx context.Context, apiClient *homeserverApiClient, method string, path string, request any, expectedStatus int) (*V, error) {
	var requestBody []byte
	if request != nil {
		var err error
		requestBody, err = json.Marshal(request)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
	}

	responseBody, err := apiClient.MakeRequestWithContext(ctx, method, path, requestBody, nil, expectedStatus)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}

	var result V
	err = json.Unmarshal(responseBody, &result)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &result, nil
}

func (apiClient *homeserverApiClient) setAccessToken(token string) {
	apiClient.SetAccessToken(token)
	apiClient.media.SetAccessToken(token)
}

func (apiClient *homeserverApiClient) register(request *common_models.RegisterRequest) (*common_models.LoginResponse, error) {
	return doRequest[common_models.LoginResponse](context.Background(), apiClient, http.MethodPost, "/register", request, http.StatusOK)
}

func (apiClient *homeserverApiClient) login(request *common_models.LoginRequest) (*common_models.LoginResponse, error) {
	return doRequest[common_models.LoginResponse](context.Background(), apiClient, http.MethodPost, "/login", request, http.StatusOK)
}

func (apiClient *homeserverApiClient) logout(_ *emptyInterface) (*emptyInterface, error) {
	return doRequest[emptyInterface](context.Background(), apiClient, http.MethodPost, "/logout", struct{}{}, http.StatusOK)
}

func (apiClient *homeserverApiClient) devices(_ *emptyInterface) (*common_models.DevicesResponse, error) {
	return doRequest[common_models.DevicesResponse](context.Background(), apiClient, http.MethodGet, "/devices", nil, http.StatusOK)
}

func (apiClient *homeserverApiClient) keysUpload(request *common_models.KeysUploadRequest) (*common_models.KeysUploadResponse, error) {
	return doRequest[common_models.KeysUploadResponse](context.Background(), apiClient, http.MethodPost, "/keys/upload", request, http.StatusOK)
}

func (apiClient *homeserverApiClient) keysQuery(request *common_models.KeysQueryRequest) (*common_models.KeysQueryResponse, error) {
	return doRequest[common_models.KeysQueryResponse](context.Background(), apiClient, http.MethodPost, "/keys/query", request, http.StatusOK)
}

// uploadSigningKeys answers a 401 APIError carrying a RegistrationFlowResponse in Raw when
// user-interactive authentication is needed.
func (apiClient *homeserverApiClient) uploadSigningKeys(request *common_models.UploadSigningKeysRequest) (*emptyInterface, error) {
	return doRequest[emptyInterface](context.Background(), apiClient, http.MethodPost, "/keys/device_signing/upload", request, http.StatusOK)
}

func (apiClient *homeserverApiClient) uploadSignatures(request *common_models.SignaturesUploadRequest) (*common_models.SignaturesUploadResponse, error) {
	return doRequest[common_models.SignaturesUploadResponse](context.Background(), apiClient, http.MethodPost, "/keys/signatures/upload", request, http.StatusOK)
}

type sendToDeviceRequest struct {
	EventType     string
	TransactionId string
	Body          common_models.SendToDeviceRequest
}

func (apiClient *homeserverApiClient) sendToDevice(request *sendToDeviceRequest) (*emptyInterface, error) {
	path := fmt.Sprintf("/sendToDevice/%s/%s", url.PathEscape(request.EventType), url.PathEscape(request.TransactionId))
	return doRequest[emptyInterface](context.Background(), apiClient, http.MethodPut, path, request.Body, http.StatusOK)
}

type syncRequest struct {
	Since   string
	Timeout time.Duration
}

func (apiClient *homeserverApiClient) sync(ctx context.Context, request *syncRequest) (*common_models.SyncResponse, error) {
	query := url.Values{}
	if request.Since != "" {
		query.Set("since", request.Since)
	}
	query.Set("timeout", fmt.Sprint(request.Timeout.Milliseconds()))
	return doRequest[common_models.SyncResponse](ctx, apiClient, http.MethodGet, "/sync?"+query.Encode(), nil, http.StatusOK)
}

func (apiClient *homeserverApiClient) createRoom(request *common_models.CreateRoomRequest) (*common_models.CreateRoomResponse, error) {
	return doRequest[common_models.CreateRoomResponse](context.Background(), apiClient, http.MethodPost, "/createRoom", request, http.StatusOK)
}

type roomRequest struct {
	RoomId string
}

type inviteRequest struct {
	RoomId string
	UserId string
}

func (apiClient *homeserverApiClient) invite(request *inviteRequest) (*emptyInterface, error) {
	path := fmt.Sprintf("/rooms/%s/invite", url.PathEscape(request.RoomId))
	return doRequest[emptyInterface](context.Background(), apiClient, http.MethodPost, path, common_models.InviteRequest{UserId: request.UserId}, http.StatusOK)
}

func (apiClient *homeserverApiClient) join(request *roomRequest) (*common_models.JoinRoomResponse, error) {
	path := fmt.Sprintf("/rooms/%s/join", url.PathEscape(request.RoomId))
	return doRequest[common_models.JoinRoomResponse](context.Background(), apiClient, http.MethodPost, path, struct{}{}, http.StatusOK)
}

func (apiClient *homeserverApiClient) leave(request *roomRequest) (*emptyInterface, error) {
	path := fmt.Sprintf("/rooms/%s/leave", url.PathEscape(request.RoomId))
	return doRequest[emptyInterface](context.Background(), apiClient, http.MethodPost, path, struct{}{}, http.StatusOK)
}

type sendEventRequest struct {
	RoomId        string
	EventType     string
	TransactionId string
	Content       json.RawMessage
}

func (apiClient *homeserverApiClient) sendEvent(request *sendEventRequest) (*common_models.SendEventResponse, error) {
	path := fmt.Sprintf("/rooms/%s/send/%s/%s", url.PathEscape(request.RoomId), url.PathEscape(request.EventType), url.PathEscape(request.TransactionId))
	return doRequest[common_models.SendEventResponse](context.Background(), apiClient, http.MethodPut, path, request.Content, http.StatusOK)
}

type sendStateRequest struct {
	RoomId    string
	EventType string
	StateKey  string
	Content   json.RawMessage
}

func (apiClient *homeserverApiClient) sendState(request *sendStateRequest) (*common_models.SendEventResponse, error) {
	path := fmt.Sprintf("/rooms/%s/state/%s", url.PathEscape(request.RoomId), url.PathEscape(request.EventType))
	if request.StateKey != "" {
		path += "/" + url.PathEscape(request.StateKey)
	}
	return doRequest[common_models.SendEventResponse](context.Background(), apiClient, http.MethodPut, path, request.Content, http.StatusOK)
}

func (apiClient *homeserverApiClient) members(request *roomRequest) (*common_models.RoomMembersResponse, error) {
	path := fmt.Sprintf("/rooms/%s/members", url.PathEscape(request.RoomId))
	return doRequest[common_models.RoomMembersResponse](context.Background(), apiClient, http.MethodGet, path, nil, http.StatusOK)
}

type getEventRequest struct {
	RoomId  string
	EventId string
}

func (apiClient *homeserverApiClient) getEvent(request *getEventRequest) (*common_models.Event, error) {
	path := fmt.Sprintf("/rooms/%s/event/%s", url.PathEscape(request.RoomId), url.PathEscape(request.EventId))
	return doRequest[common_models.Event](context.Background(), apiClient, http.MethodGet, path, nil, http.StatusOK)
}

func (apiClient *homeserverApiClient) createBackupVersion(request *common_models.CreateKeysBackupVersionBody) (*common_models.KeysVersion, error) {
	return doRequest[common_models.KeysVersion](context.Background(), apiClient, http.MethodPost, "/room_keys/version", request, http.StatusOK)
}

// backupVersionRequest with an empty Version targets the latest version.
type backupVersionRequest struct {
	Version string
}

func (apiClient *homeserverApiClient) getBackupVersion(request *backupVersionRequest) (*common_models.KeysVersionResult, error) {
	path := "/room_keys/version"
	if request.Version != "" {
		path += "/" + url.PathEscape(request.Version)
	}
	return doRequest[common_models.KeysVersionResult](context.Background(), apiClient, http.MethodGet, path, nil, http.StatusOK)
}

func (apiClient *homeserverApiClient) deleteBackupVersion(request *backupVersionRequest) (*emptyInterface, error) {
	path := "/room_keys/version/" + url.PathEscape(request.Version)
	return doRequest[emptyInterface](context.Background(), apiClient, http.MethodDelete, path, nil, http.StatusOK)
}

type putBackupKeysRequest struct {
	Version string
	Body    common_models.KeysBackupData
}

func (apiClient *homeserverApiClient) putBackupKeys(request *putBackupKeysRequest) (*common_models.BackupKeysResult, error) {
	path := "/room_keys/keys?version=" + url.QueryEscape(request.Version)
	return doRequest[common_models.BackupKeysResult](context.Background(), apiClient, http.MethodPut, path, request.Body, http.StatusOK)
}

func (apiClient *homeserverApiClient) getBackupKeys(request *backupVersionRequest) (*common_models.KeysBackupData, error) {
	path := "/room_keys/keys?version=" + url.QueryEscape(request.Version)
	return doRequest[common_models.KeysBackupData](context.Background(), apiClient, http.MethodGet, path, nil, http.StatusOK)
}

type uploadMediaRequest struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (apiClient *homeserverApiClient) uploadMedia(request *uploadMediaRequest) (*common_models.UploadResponse, error) {
	path := "/upload?filename=" + url.QueryEscape(request.Filename)
	responseBody, err := apiClient.media.MakeRequest(http.MethodPost, path, request.Data, []api_helper.Header{{Name: "Content-Type", Value: request.ContentType}}, http.StatusOK)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var result common_models.UploadResponse
	if err = json.Unmarshal(responseBody, &result); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &result, nil
}

// downloadMediaRequest holds the two parts of an mxc:// uri.
type downloadMediaRequest struct {
	ServerName string
	MediaId    string
}

type downloadMediaResponse struct {
	Data []byte
}

func (apiClient *homeserverApiClient) downloadMedia(request *downloadMediaRequest) (*downloadMediaResponse, error) {
	path := fmt.Sprintf("/download/%s/%s", url.PathEscape(request.ServerName), url.PathEscape(request.MediaId))
	responseBody, err := apiClient.media.MakeRequest(http.MethodGet, path, nil, nil, http.StatusOK)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &downloadMediaResponse{Data: responseBody}, nil
}
