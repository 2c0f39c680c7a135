package core

import (
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

// MaxSnippetBytes bounds the body text kept on errors and in logs.
const MaxSnippetBytes = 2048

// DecodeSnippet converts a response body to UTF-8 text using the charset
// declared in contentType, then truncates it to MaxSnippetBytes.
//
// Unknown charsets fall back to the raw bytes with invalid sequences replaced.
func DecodeSnippet(contentType string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	text := decodeCharset(contentType, body)
	if len(text) <= MaxSnippetBytes {
		return text
	}
	cut := MaxSnippetBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "...(truncated)"
}

func decodeCharset(contentType string, body []byte) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err == nil {
		if charset := params["charset"]; charset != "" && !strings.EqualFold(charset, "utf-8") {
			if enc, err := htmlindex.Get(charset); err == nil {
				if decoded, err := enc.NewDecoder().Bytes(body); err == nil {
					return string(decoded)
				}
			}
		}
	}
	return strings.ToValidUTF8(string(body), "�")
}
