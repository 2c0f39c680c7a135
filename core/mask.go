package core

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Mask replaces sensitive values in diagnostics.
const Mask = "********"

// SensitiveHeaders are masked in every RequestInit.
var SensitiveHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"X-Api-Key",
}

// SensitiveFields are masked in form and top-level JSON request bodies.
var SensitiveFields = []string{
	"access_token",
	"refresh_token",
	"client_secret",
	"password",
	"code",
	"api_key",
}

// RequestInit is the masked description of a request, attached to errors.
type RequestInit struct {
	Method string      `json:"method"`
	Header http.Header `json:"headers,omitempty"`
	Body   string      `json:"body,omitempty"`
}

// NewRequestInit builds a masked RequestInit. extraHeaders names additional
// headers to mask, such as a provider-specific API key header.
func NewRequestInit(method string, header http.Header, body []byte, extraHeaders ...string) RequestInit {
	return RequestInit{
		Method: method,
		Header: MaskHeaders(header, extraHeaders...),
		Body:   MaskBody(header.Get("Content-Type"), body),
	}
}

// MaskHeaders returns a copy of h with sensitive header values masked.
func MaskHeaders(h http.Header, extra ...string) http.Header {
	if h == nil {
		return nil
	}
	out := h.Clone()
	for _, name := range append(append([]string(nil), SensitiveHeaders...), extra...) {
		key := http.CanonicalHeaderKey(name)
		if _, ok := out[key]; ok {
			out[key] = []string{Mask}
		}
	}
	return out
}

// MaskBody masks sensitive fields of form and JSON bodies. Other bodies are
// truncated to a snippet but otherwise returned as-is.
func MaskBody(contentType string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return Mask
		}
		for _, f := range SensitiveFields {
			if values.Has(f) {
				values.Set(f, Mask)
			}
		}
		return values.Encode()
	case isJSONMediaType(mediaType):
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err != nil {
			return DecodeSnippet(contentType, body)
		}
		for _, f := range SensitiveFields {
			if _, ok := obj[f]; ok {
				obj[f] = Mask
			}
		}
		masked, err := json.Marshal(obj)
		if err != nil {
			return Mask
		}
		return DecodeSnippet("application/json", masked)
	case strings.HasPrefix(mediaType, "multipart/"):
		return "<multipart body>"
	default:
		return DecodeSnippet(contentType, body)
	}
}

// IsJSONContentType reports whether a Content-Type header carries JSON,
// including the JSON:API and HAL variants.
func IsJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return isJSONMediaType(mediaType)
}

func isJSONMediaType(mediaType string) bool {
	switch mediaType {
	case "application/json", "application/vnd.api+json", "application/hal+json":
		return true
	}
	return false
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
