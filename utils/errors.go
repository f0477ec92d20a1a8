package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ztrue/tracerr"
)

type TchapError struct {
	Code        string
	Description string
	Details     string
}

var knownErrors = Set[string]{}

func NewTchapError(code string, description string) TchapError {
	if knownErrors.Has(code) {
		panic("Duplicate error: " + code)
	}
	knownErrors.Add(code)
	return TchapError{
		Code:        code,
		Description: description,
	}
}

func (err TchapError) Error() string {
	var text = err.Code
	if err.Description != "" {
		text = text + " - " + err.Description
	}
	if err.Details != "" {
		text = text + " : " + err.Details
	}
	return text
}

func (err TchapError) Is(target error) bool {
	var tchapErrorTarget TchapError
	if errors.As(target, &tchapErrorTarget) {
		return tchapErrorTarget.Code == err.Code
	}
	return false
}

func (err TchapError) AddDetails(details string) TchapError {
	if err.Details != "" {
		panic("Cannot re-add details to an error")
	}
	newErr := err
	newErr.Details = details
	return newErr
}

// APIError is returned for every non-expected answer from the homeserver.
// Code holds the Matrix `errcode` (M_FORBIDDEN, M_UNKNOWN_TOKEN, ...).
type APIError struct {
	Status  int
	Url     string
	Method  string
	Code    string
	Details string
	Raw     string
	// RetryAfterMs comes with M_LIMIT_EXCEEDED.
	RetryAfterMs int64
}

func (err APIError) Error() string {
	s := fmt.Sprintf("API Error: status: %d", err.Status)
	if err.Code != "" {
		s += "; code: " + err.Code
	}
	if err.Details != "" {
		s += "; details: " + err.Details
	}
	if err.Url != "" {
		s += "; URL: " + err.Url
	}
	if err.Method != "" {
		s += "; Method: " + err.Method
	}
	if err.RetryAfterMs != 0 {
		s += fmt.Sprintf("; retry after: %dms", err.RetryAfterMs)
	}
	if err.Raw != "" {
		s += "; raw: " + err.Raw
	}
	return s
}

// Is matches on Status, and on Code when the target carries one.
func (err APIError) Is(target error) bool {
	var apiErrorTarget APIError
	if errors.As(target, &apiErrorTarget) {
		if apiErrorTarget.Code == "" {
			return apiErrorTarget.Status == err.Status
		}
		return apiErrorTarget.Status == err.Status && apiErrorTarget.Code == err.Code
	}
	return false
}

// ErrorSource tells a client of the CLI who produced an error.
type ErrorSource string

const (
	ErrorSourceHomeserver ErrorSource = "homeserver"
	ErrorSourceSdk        ErrorSource = "sdk"
	ErrorSourceOther      ErrorSource = "other"
)

// SerializableError is the JSON form of an error. Code is the Matrix errcode for homeserver
// errors, and the TchapError code otherwise.
type SerializableError struct {
	Source       ErrorSource `json:"source"`
	Status       int         `json:"status,omitempty"`
	Code         string      `json:"code"`
	Description  string      `json:"description,omitempty"`
	Details      string      `json:"details,omitempty"`
	RetryAfterMs int64       `json:"retry_after_ms,omitempty"`
	Raw          string      `json:"raw,omitempty"`
	Stack        string      `json:"stack,omitempty"`
}

func (e SerializableError) Error() string {
	res, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("{\"code\": \"SERIALIZATION_ERROR\", \"details\": \"%s\"}", err)
	}
	return string(res)
}

func ToSerializableError(err error) *SerializableError {
	if err == nil {
		return nil
	}
	var apiError APIError
	if errors.As(err, &apiError) {
		return &SerializableError{
			Source:       ErrorSourceHomeserver,
			Status:       apiError.Status,
			Code:         apiError.Code,
			Details:      fmt.Sprintf("%s; %s on %s", apiError.Details, apiError.Method, apiError.Url),
			RetryAfterMs: apiError.RetryAfterMs,
			Raw:          apiError.Raw,
			Stack:        tracerr.Sprint(err),
		}
	}
	var tchapError TchapError
	if errors.As(err, &tchapError) {
		return &SerializableError{
			Source:      ErrorSourceSdk,
			Code:        tchapError.Code,
			Description: tchapError.Description,
			Details:     tchapError.Details,
			Stack:       tracerr.Sprint(err),
		}
	}
	return &SerializableError{
		Source:  ErrorSourceOther,
		Code:    "OTHER_ERROR",
		Details: err.Error(),
		Stack:   tracerr.Sprint(err),
	}
}
