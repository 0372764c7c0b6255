package salesforce

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is a failed platform call, normalized from the platform's error body.
type Error struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("salesforce %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

type responseError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
	// some endpoints use statusCode instead of errorCode
	StatusCode string `json:"statusCode"`
}

func (r responseError) code() string {
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	return r.StatusCode
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func parseError(statusCode int, body []byte) *Error {
	out := &Error{StatusCode: statusCode}

	var list []responseError
	var oauth oauthError
	switch {
	case json.Unmarshal(body, &list) == nil && len(list) > 0:
		out.Code = list[0].code()
		msgs := make([]string, 0, len(list))
		for _, e := range list {
			msgs = append(msgs, e.Message)
		}
		out.Message = strings.Join(msgs, "; ")
	case json.Unmarshal(body, &oauth) == nil && oauth.Error != "":
		out.Code = strings.ToUpper(oauth.Error)
		out.Message = oauth.ErrorDescription
	default:
		out.Message = strings.TrimSpace(string(body))
	}

	if out.Code == "" {
		switch statusCode {
		case http.StatusNotFound:
			out.Code = CodeNotFound
		case http.StatusUnauthorized:
			out.Code = "INVALID_SESSION_ID"
		default:
			out.Code = "UNKNOWN_EXCEPTION"
		}
	}
	if out.Message == "" {
		out.Message = http.StatusText(statusCode)
	}
	return out
}

// AsError unwraps err into a platform *Error.
func AsError(err error) (*Error, bool) {
	var sfErr *Error
	if errors.As(err, &sfErr) {
		return sfErr, true
	}
	return nil, false
}
