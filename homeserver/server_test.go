package homeserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/asymkey"
	"github.com/tchap/go-tchap-sdk/common_models"
	"golang.org/x/crypto/bcrypt"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testClient struct {
	t       *testing.T
	baseUrl string
	token   string
	userId  string
	device  string
}

func startServer(t *testing.T) (*Server, string) {
	server, err := New(Options{ServerName: "test.local", BcryptCost: bcrypt.MinCost, Logger: zerolog.Nop()})
	require.NoError(t, err)
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)
	return server, httpServer.URL + ApiPrefix
}

// do sends body as JSON and decodes the answer into out. It returns the status code.
func (c *testClient) do(method string, path string, body any, out any) int {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseUrl+path, reader)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func register(t *testing.T, baseUrl string, username string) *testClient {
	c := &testClient{t: t, baseUrl: baseUrl}
	var resp common_models.LoginResponse
	status := c.do(http.MethodPost, "/register", common_models.RegisterRequest{Username: username, Password: "password"}, &resp)
	require.Equal(t, http.StatusOK, status)
	c.token = resp.AccessToken
	c.userId = resp.UserId
	c.device = resp.DeviceId
	return c
}

func (c *testClient) sync(since string, timeoutMs int) *common_models.SyncResponse {
	var resp common_models.SyncResponse
	status := c.do(http.MethodGet, fmt.Sprintf("/sync?since=%s&timeout=%d", since, timeoutMs), nil, &resp)
	require.Equal(c.t, http.StatusOK, status)
	return &resp
}

func TestAccounts(t *testing.T) {
	_, baseUrl := startServer(t)
	alice := register(t, baseUrl, "alice")
	assert.Equal(t, "@alice:test.local", alice.userId)
	assert.NotEmpty(t, alice.device)

	t.Run("username taken", func(t *testing.T) {
		c := &testClient{t: t, baseUrl: baseUrl}
		var errResp common_models.ErrorResponse
		status := c.do(http.MethodPost, "/register", common_models.RegisterRequest{Username: "alice", Password: "p"}, &errResp)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, common_models.ErrCodeUserInUse, errResp.ErrCode)
	})
	t.Run("login, whoami, logout", func(t *testing.T) {
		c := &testClient{t: t, baseUrl: baseUrl}
		var resp common_models.LoginResponse
		status := c.do(http.MethodPost, "/login", common_models.LoginRequest{
			Type:       common_models.LoginTypePassword,
			Identifier: &common_models.UserIdentifier{Type: common_models.IdentifierTypeUser, User: "alice"},
			Password:   "password",
		}, &resp)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, alice.userId, resp.UserId)
		assert.NotEqual(t, alice.device, resp.DeviceId)
		c.token = resp.AccessToken

		var who map[string]string
		require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/account/whoami", nil, &who))
		assert.Equal(t, resp.DeviceId, who["device_id"])

		var devices common_models.DevicesResponse
		require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/devices", nil, &devices))
		assert.Len(t, devices.Devices, 2)

		require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/logout", struct{}{}, nil))
		var errResp common_models.ErrorResponse
		assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/account/whoami", nil, &errResp))
		assert.Equal(t, common_models.ErrCodeUnknownToken, errResp.ErrCode)
	})
	t.Run("bad password", func(t *testing.T) {
		c := &testClient{t: t, baseUrl: baseUrl}
		var errResp common_models.ErrorResponse
		status := c.do(http.MethodPost, "/login", common_models.LoginRequest{
			Type:       common_models.LoginTypePassword,
			Identifier: &common_models.UserIdentifier{Type: common_models.IdentifierTypeUser, User: "@alice:test.local"},
			Password:   "nope",
		}, &errResp)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, common_models.ErrCodeForbidden, errResp.ErrCode)
	})
	t.Run("missing and forged tokens", func(t *testing.T) {
		c := &testClient{t: t, baseUrl: baseUrl}
		var errResp common_models.ErrorResponse
		assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/account/whoami", nil, &errResp))
		assert.Equal(t, common_models.ErrCodeMissingToken, errResp.ErrCode)
		c.token = "not.a.jwt"
		assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/account/whoami", nil, &errResp))
		assert.Equal(t, common_models.ErrCodeUnknownToken, errResp.ErrCode)
	})
	t.Run("unknown endpoint", func(t *testing.T) {
		var errResp common_models.ErrorResponse
		assert.Equal(t, http.StatusNotFound, alice.do(http.MethodGet, "/nothing", nil, &errResp))
		assert.Equal(t, common_models.ErrCodeUnrecognized, errResp.ErrCode)
	})
}

func TestDeviceSigningUIA(t *testing.T) {
	_, baseUrl := startServer(t)
	alice := register(t, baseUrl, "alice")
	master := &common_models.CrossSigningKey{UserId: alice.userId, Usage: []string{common_models.CrossSigningUsageMaster}, Keys: map[string]string{"ed25519:abc": "abc"}}

	var flows common_models.RegistrationFlowResponse
	status := alice.do(http.MethodPost, "/keys/device_signing/upload", common_models.UploadSigningKeysRequest{MasterKey: master}, &flows)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Len(t, flows.Flows, 1)
	assert.Equal(t, []string{common_models.LoginTypePassword}, flows.Flows[0].Stages)
	require.NotEmpty(t, flows.Session)

	status = alice.do(http.MethodPost, "/keys/device_signing/upload", common_models.UploadSigningKeysRequest{
		MasterKey: master,
		Auth:      &common_models.UserPasswordAuth{Type: common_models.LoginTypePassword, Session: flows.Session, Password: "wrong"},
	}, &flows)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, common_models.ErrCodeForbidden, flows.ErrCode)

	status = alice.do(http.MethodPost, "/keys/device_signing/upload", common_models.UploadSigningKeysRequest{
		MasterKey: master,
		Auth:      &common_models.UserPasswordAuth{Type: common_models.LoginTypePassword, Session: flows.Session, Password: "password"},
	}, nil)
	require.Equal(t, http.StatusOK, status)

	var query common_models.KeysQueryResponse
	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/keys/query", common_models.KeysQueryRequest{DeviceKeys: map[string][]string{alice.userId: {}}}, &query))
	require.NotNil(t, query.MasterKeys[alice.userId])
	assert.Equal(t, "abc", query.MasterKeys[alice.userId].Keys["ed25519:abc"])

	t.Run("signatures are merged", func(t *testing.T) {
		signed := common_models.CrossSigningKey{Signatures: common_models.Signatures{alice.userId: {"ed25519:DEVICE": "sig"}}}
		raw, err := json.Marshal(signed)
		require.NoError(t, err)
		var resp common_models.SignaturesUploadResponse
		require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/keys/signatures/upload", common_models.SignaturesUploadRequest{alice.userId: {"abc": raw, "unknown": raw}}, &resp))
		assert.Contains(t, resp.Failures[alice.userId], "unknown")
		require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/keys/query", common_models.KeysQueryRequest{DeviceKeys: map[string][]string{alice.userId: {}}}, &query))
		assert.Equal(t, "sig", query.MasterKeys[alice.userId].Signatures.Get(alice.userId, "ed25519:DEVICE"))
	})
}

func TestToDeviceAndSync(t *testing.T) {
	_, baseUrl := startServer(t)
	alice := register(t, baseUrl, "alice")
	bob := register(t, baseUrl, "bob")

	initial := bob.sync("", 0)
	require.NotEmpty(t, initial.NextBatch)

	send := func(txnId string) {
		content := json.RawMessage(`{"hello":"world"}`)
		status := alice.do(http.MethodPut, "/sendToDevice/m.test/"+txnId, common_models.SendToDeviceRequest{
			Messages: map[string]map[string]json.RawMessage{bob.userId: {"*": content}},
		}, nil)
		require.Equal(t, http.StatusOK, status)
	}
	send("txn1")
	send("txn1")

	first := bob.sync(initial.NextBatch, 1000)
	require.Len(t, first.ToDevice.Events, 1)
	assert.Equal(t, "m.test", first.ToDevice.Events[0].Type)
	assert.Equal(t, alice.userId, first.ToDevice.Events[0].Sender)

	// syncing again from the same token redelivers, a later token acknowledges
	again := bob.sync(initial.NextBatch, 0)
	assert.Len(t, again.ToDevice.Events, 1)
	acked := bob.sync(first.NextBatch, 0)
	assert.Empty(t, acked.ToDevice.Events)

	t.Run("long poll wakes up", func(t *testing.T) {
		done := make(chan *common_models.SyncResponse)
		go func() {
			done <- bob.sync(acked.NextBatch, 10000)
		}()
		send("txn2")
		resp := <-done
		assert.Len(t, resp.ToDevice.Events, 1)
	})
}

func TestRooms(t *testing.T) {
	_, baseUrl := startServer(t)
	alice := register(t, baseUrl, "alice")
	bob := register(t, baseUrl, "bob")
	carol := register(t, baseUrl, "carol")

	var created common_models.CreateRoomResponse
	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/createRoom", common_models.CreateRoomRequest{
		Name:   "room",
		Invite: []string{bob.userId},
		InitialState: []common_models.StateEvent{{
			Type:    common_models.EventTypeRoomEncryption,
			Content: common_models.NewContent(common_models.EncryptionContent{Algorithm: common_models.AlgorithmMegolm}),
		}},
	}, &created))
	roomId := created.RoomId

	var sent common_models.SendEventResponse
	message := common_models.RoomMessageContent{MsgType: common_models.MsgTypeText, Body: "before"}
	require.Equal(t, http.StatusOK, alice.do(http.MethodPut, "/rooms/"+roomId+"/send/m.room.message/t1", message, &sent))
	var retried common_models.SendEventResponse
	require.Equal(t, http.StatusOK, alice.do(http.MethodPut, "/rooms/"+roomId+"/send/m.room.message/t1", message, &retried))
	assert.Equal(t, sent.EventId, retried.EventId)

	t.Run("invite shows in sync", func(t *testing.T) {
		resp := bob.sync("", 0)
		require.Contains(t, resp.Rooms.Invite, roomId)
		assert.NotEmpty(t, resp.Rooms.Invite[roomId].InviteState.Events)
	})
	t.Run("not invited cannot join", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, carol.do(http.MethodPost, "/rooms/"+roomId+"/join", struct{}{}, nil))
	})
	t.Run("no federation", func(t *testing.T) {
		var errResp common_models.ErrorResponse
		assert.Equal(t, http.StatusForbidden, alice.do(http.MethodPost, "/rooms/"+roomId+"/invite", common_models.InviteRequest{UserId: "@bob:other.server"}, &errResp))
		assert.Equal(t, common_models.ErrCodeForbidden, errResp.ErrCode)
	})
	t.Run("shared history is visible to a late joiner", func(t *testing.T) {
		require.Equal(t, http.StatusOK, bob.do(http.MethodPost, "/rooms/"+roomId+"/join", struct{}{}, nil))
		resp := bob.sync("", 0)
		require.Contains(t, resp.Rooms.Join, roomId)
		var ids []string
		for _, ev := range resp.Rooms.Join[roomId].Timeline.Events {
			ids = append(ids, ev.EventId)
		}
		assert.Contains(t, ids, sent.EventId)

		var ev common_models.Event
		require.Equal(t, http.StatusOK, bob.do(http.MethodGet, "/rooms/"+roomId+"/event/"+sent.EventId, nil, &ev))
		assert.Equal(t, sent.EventId, ev.EventId)
	})
	t.Run("joined history hides earlier events", func(t *testing.T) {
		require.Equal(t, http.StatusOK, alice.do(http.MethodPut, "/rooms/"+roomId+"/state/m.room.history_visibility",
			common_models.HistoryVisibilityContent{HistoryVisibility: common_models.HistoryVisibilityJoined}, nil))
		require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/rooms/"+roomId+"/invite", common_models.InviteRequest{UserId: carol.userId}, nil))
		require.Equal(t, http.StatusOK, carol.do(http.MethodPost, "/rooms/"+roomId+"/join", struct{}{}, nil))
		assert.Equal(t, http.StatusNotFound, carol.do(http.MethodGet, "/rooms/"+roomId+"/event/"+sent.EventId, nil, nil))
	})
	t.Run("members", func(t *testing.T) {
		var members common_models.RoomMembersResponse
		require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/rooms/"+roomId+"/members", nil, &members))
		assert.Len(t, members.Chunk, 3)
	})
	t.Run("leave", func(t *testing.T) {
		before := carol.sync("", 0)
		require.Equal(t, http.StatusOK, carol.do(http.MethodPost, "/rooms/"+roomId+"/leave", struct{}{}, nil))
		resp := carol.sync(before.NextBatch, 0)
		assert.Contains(t, resp.Rooms.Leave, roomId)
		assert.Equal(t, http.StatusForbidden, carol.do(http.MethodPut, "/rooms/"+roomId+"/send/m.room.message/t2", message, nil))
	})
}

func TestBackup(t *testing.T) {
	_, baseUrl := startServer(t)
	alice := register(t, baseUrl, "alice")

	var errResp common_models.ErrorResponse
	assert.Equal(t, http.StatusNotFound, alice.do(http.MethodGet, "/room_keys/version", nil, &errResp))
	assert.Equal(t, common_models.ErrCodeNotFound, errResp.ErrCode)

	create := func() string {
		var version common_models.KeysVersion
		require.Equal(t, http.StatusOK, alice.do(http.MethodPost, "/room_keys/version", common_models.CreateKeysBackupVersionBody{
			Algorithm: common_models.AlgorithmMegolmBackup,
			AuthData:  json.RawMessage(`{"public_key":"abc"}`),
		}, &version))
		return version.Version
	}
	first := create()
	payload := &asymkey.EncryptedPayload{Ciphertext: "c", Mac: "m", Ephemeral: "e"}
	put := func(version string, data common_models.KeyBackupData) (int, common_models.BackupKeysResult) {
		var result common_models.BackupKeysResult
		status := alice.do(http.MethodPut, "/room_keys/keys?version="+version, common_models.KeysBackupData{Rooms: map[string]common_models.RoomKeysBackupData{
			"!room:test.local": {Sessions: map[string]common_models.KeyBackupData{"session": data}},
		}}, &result)
		return status, result
	}
	status, result := put(first, common_models.KeyBackupData{FirstMessageIndex: 5, SessionData: payload})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, result.Count)

	t.Run("replacement rule", func(t *testing.T) {
		_, before := put(first, common_models.KeyBackupData{FirstMessageIndex: 7, SessionData: payload})
		assert.Equal(t, result.Etag, before.Etag)
		_, after := put(first, common_models.KeyBackupData{FirstMessageIndex: 2, SessionData: payload})
		assert.NotEqual(t, before.Etag, after.Etag)

		var keys common_models.KeysBackupData
		require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/room_keys/keys?version="+first, nil, &keys))
		assert.Equal(t, uint32(2), keys.Rooms["!room:test.local"].Sessions["session"].FirstMessageIndex)
	})
	t.Run("old version is refused", func(t *testing.T) {
		second := create()
		assert.NotEqual(t, first, second)
		status, _ := put(first, common_models.KeyBackupData{SessionData: payload})
		assert.Equal(t, http.StatusForbidden, status)

		var latest common_models.KeysVersionResult
		require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/room_keys/version", nil, &latest))
		assert.Equal(t, second, latest.Version)
		assert.Equal(t, 0, latest.Count)

		require.Equal(t, http.StatusOK, alice.do(http.MethodDelete, "/room_keys/version/"+second, nil, nil))
		require.Equal(t, http.StatusOK, alice.do(http.MethodGet, "/room_keys/version", nil, &latest))
		assert.Equal(t, first, latest.Version)
	})
}

func TestIsBetterBackupKey(t *testing.T) {
	base := common_models.KeyBackupData{FirstMessageIndex: 3, ForwardedCount: 1}
	assert.True(t, isBetterBackupKey(common_models.KeyBackupData{FirstMessageIndex: 10, ForwardedCount: 5, IsVerified: true}, base))
	assert.False(t, isBetterBackupKey(base, common_models.KeyBackupData{FirstMessageIndex: 10, IsVerified: true}))
	assert.True(t, isBetterBackupKey(common_models.KeyBackupData{FirstMessageIndex: 2, ForwardedCount: 4}, base))
	assert.True(t, isBetterBackupKey(common_models.KeyBackupData{FirstMessageIndex: 3, ForwardedCount: 0}, base))
	assert.False(t, isBetterBackupKey(base, base))
}
