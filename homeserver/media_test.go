package homeserver

import (
	"bytes"
	"encoding/json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tchap/go-tchap-sdk/common_models"
	"golang.org/x/crypto/bcrypt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMedia(t *testing.T) {
	server, err := New(Options{ServerName: "test.local", BcryptCost: bcrypt.MinCost, MaxUploadSize: 1024, Logger: zerolog.Nop()})
	require.NoError(t, err)
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)
	alice := register(t, httpServer.URL+ApiPrefix, "alice")
	mediaUrl := httpServer.URL + MediaPrefix

	upload := func(token string, body []byte) (*http.Response, error) {
		req, err := http.NewRequest(http.MethodPost, mediaUrl+"/upload?filename=notes.txt", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return http.DefaultClient.Do(req)
	}

	t.Run("upload then download", func(t *testing.T) {
		resp, err := upload(alice.token, []byte("some notes"))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var uploaded common_models.UploadResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploaded))
		require.True(t, strings.HasPrefix(uploaded.ContentUri, "mxc://test.local/"))

		download, err := http.Get(mediaUrl + "/download/" + strings.TrimPrefix(uploaded.ContentUri, "mxc://"))
		require.NoError(t, err)
		defer download.Body.Close()
		require.Equal(t, http.StatusOK, download.StatusCode)
		assert.Equal(t, "text/plain", download.Header.Get("Content-Type"))
		assert.Contains(t, download.Header.Get("Content-Disposition"), "notes.txt")
		data, err := io.ReadAll(download.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte("some notes"), data)
	})

	t.Run("upload needs a token", func(t *testing.T) {
		resp, err := upload("", []byte("anonymous"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("upload too large", func(t *testing.T) {
		resp, err := upload(alice.token, bytes.Repeat([]byte("a"), 2048))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		var errResp common_models.ErrorResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		assert.Equal(t, common_models.ErrCodeTooLarge, errResp.ErrCode)
	})

	t.Run("unknown media", func(t *testing.T) {
		for _, path := range []string{"/download/test.local/nothing", "/download/other.server/nothing"} {
			resp, err := http.Get(mediaUrl + path)
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		}
	})
}
