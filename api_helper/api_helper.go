package api_helper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/rs/zerolog"
	"github.com/tchap/go-tchap-sdk/utils"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type ApiClient struct {
	client       *http.Client
	ApiURL       string
	ExtraHeaders []Header
	Logger       zerolog.Logger

	tokenLock   sync.RWMutex
	accessToken string
}

type serverError struct {
	ErrCode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

type Header struct {
	Name  string
	Value string
}

func NewApiClient(apiUrl string, extraHeaders []Header, logger zerolog.Logger) *ApiClient {
	return &ApiClient{
		// the client timeout must stay above the longest sync long-poll
		client:       &http.Client{Timeout: 2 * time.Minute},
		ApiURL:       strings.TrimSuffix(apiUrl, "/"),
		ExtraHeaders: extraHeaders,
		Logger:       logger,
	}
}

func (apiClient *ApiClient) SetAccessToken(token string) {
	apiClient.tokenLock.Lock()
	defer apiClient.tokenLock.Unlock()
	apiClient.accessToken = token
}

func (apiClient *ApiClient) AccessToken() string {
	apiClient.tokenLock.RLock()
	defer apiClient.tokenLock.RUnlock()
	return apiClient.accessToken
}

func (apiClient *ApiClient) MakeRequest(method string, url string, requestBody []byte, headers []Header, expectedStatusCode int) ([]byte, error) {
	return apiClient.MakeRequestWithContext(context.Background(), method, url, requestBody, headers, expectedStatusCode)
}

func (apiClient *ApiClient) MakeRequestWithContext(ctx context.Context, method string, url string, requestBody []byte, headers []Header, expectedStatusCode int) ([]byte, error) {
	if apiClient.client == nil {
		apiClient.client = &http.Client{}
	}

	var body io.Reader
	if requestBody != nil {
		body = bytes.NewBuffer(requestBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiClient.ApiURL+url, body)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "REQUEST_ERROR", Details: err.Error(), Method: method, Url: apiClient.ApiURL + url}
	}

	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/json")

	for i := 0; i < len(apiClient.ExtraHeaders); i++ {
		req.Header.Add(apiClient.ExtraHeaders[i].Name, apiClient.ExtraHeaders[i].Value)
	}

	// per-request headers replace the defaults, to send a raw body for instance
	for i := 0; i < len(headers); i++ {
		req.Header.Set(headers[i].Name, headers[i].Value)
	}

	if token := apiClient.AccessToken(); token != "" {
		req.Header.Add("Authorization", "Bearer "+token)
	}

	apiClient.Logger.Debug().Msg("API call: " + method + " " + req.URL.Path)
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Request body: %s", requestBody))
	resp, err := apiClient.client.Do(req)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "NETWORK_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()}
	}

	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			apiClient.Logger.Warn().Err(err).Msg("could not close response body")
		}
	}(resp.Body)
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.APIError{Status: 0, Code: "RESPONSE_READER_ERROR", Details: err.Error(), Method: method, Url: req.URL.String()}
	}

	apiClient.Logger.Debug().Msg(fmt.Sprintf("Received response to %s %s, status code: %d", req.Method, req.URL.Path, resp.StatusCode))
	apiClient.Logger.Trace().Msg(fmt.Sprintf("Response body: %s", responseBody))
	if resp.StatusCode != expectedStatusCode {
		var responseServerError serverError
		err = json.Unmarshal(responseBody, &responseServerError)
		if err != nil || responseServerError.ErrCode == "" {
			return nil, utils.APIError{Status: resp.StatusCode, Code: "UNKNOWN", Raw: string(responseBody), Method: method, Url: req.URL.String()}
		} else {
			return nil, utils.APIError{
				Status:  resp.StatusCode,
				Code:    responseServerError.ErrCode,
				Details:      responseServerError.Error,
				Url:          req.URL.String(),
				Method:       method,
				Raw:          string(responseBody),
				RetryAfterMs: responseServerError.RetryAfterMs,
			}
		}
	}

	return responseBody, nil
}
