package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/friggframework/frigg-go/core"
)

// AuthFailureDetector reports whether a response means the credentials were
// rejected. A detected failure triggers the refresh-and-replay path.
type AuthFailureDetector func(resp *Response) bool

// DefaultAuthFailureDetector treats HTTP 401 as an auth failure.
var DefaultAuthFailureDetector = DetectStatus(http.StatusUnauthorized)

// DetectStatus matches any of the given status codes.
func DetectStatus(codes ...int) AuthFailureDetector {
	return func(resp *Response) bool {
		return slices.Contains(codes, resp.StatusCode)
	}
}

// DetectJSONField matches JSON responses whose field at the dotted path
// equals one of values, compared in their printed form.
//
// Some providers report expired tokens in the body rather than the status:
//
//	client.DetectJSONField("error", "invalid_auth", "token_expired") // Slack
//	client.DetectJSONField("error.code", "10000")                    // NetX
func DetectJSONField(path string, values ...string) AuthFailureDetector {
	keys := strings.Split(path, ".")
	return func(resp *Response) bool {
		data := resp.Data
		if data == nil {
			if !core.IsJSONContentType(resp.Header.Get("Content-Type")) {
				return false
			}
			if err := json.Unmarshal(resp.Body, &data); err != nil {
				return false
			}
		}
		v, ok := lookup(data, keys)
		if !ok || v == nil {
			return false
		}
		return slices.Contains(values, fmt.Sprint(v))
	}
}

// AnyOf matches when any detector matches.
func AnyOf(detectors ...AuthFailureDetector) AuthFailureDetector {
	return func(resp *Response) bool {
		for _, d := range detectors {
			if d != nil && d(resp) {
				return true
			}
		}
		return false
	}
}

func lookup(v any, keys []string) (any, bool) {
	for _, k := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = m[k]; !ok {
			return nil, false
		}
	}
	return v, true
}
