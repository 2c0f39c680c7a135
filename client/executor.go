package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/friggframework/frigg-go/auth"
	"github.com/friggframework/frigg-go/core"
)

// Doer issues a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one logical API call.
//
// A Request is never modified by the requester and can be reused.
type Request struct {
	// URL is the absolute request URL. It may already carry a query string.
	URL string

	// Method is used by Do. The verb methods set it themselves.
	Method string

	// Header holds caller headers. Auth headers are applied on top.
	Header http.Header

	// Query is appended to URL. Keys are sorted; string values are
	// percent-encoded as-is and other values use the OpenAPI form style, so
	// a []string produces repeated keys.
	Query map[string]any

	// Body is JSON-encoded unless it is url.Values (form), *MultipartBody,
	// []byte or io.Reader.
	Body any

	// RawBody sends a string, []byte or io.Reader Body untouched, without
	// JSON encoding or a default Content-Type.
	RawBody bool

	// ReturnFullResponse skips body parsing; Response.Data stays nil.
	ReturnFullResponse bool
}

// Response is the normalized result of a successful call.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	URL        string

	// Body is the raw response body.
	Body []byte

	// Data is the decoded JSON value for JSON content types, the body text
	// otherwise, and nil when ReturnFullResponse was set.
	Data any

	init core.RequestInit
}

// DecodeJSON unmarshals the raw body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Text returns the raw body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}

// fetchError classifies the response as a failure.
func (r *Response) fetchError(attempts int) *core.FetchError {
	fe := core.NewFetchError(r.URL, r.init, &http.Response{
		StatusCode: r.StatusCode,
		Status:     r.Status,
		Header:     r.Header,
		Body:       io.NopCloser(bytes.NewReader(r.Body)),
	})
	fe.Attempts = attempts
	return fe
}

// DecodeJSON unmarshals a response body into a new T.
//
// Example:
//
//	resp, err := requester.Get(ctx, &client.Request{URL: api + "/me"})
//	if err != nil {
//	    return err
//	}
//	me, err := client.DecodeJSON[User](resp)
func DecodeJSON[T any](resp *Response) (T, error) {
	var v T
	if resp == nil {
		return v, errors.New("decoding response: nil response")
	}
	err := resp.DecodeJSON(&v)
	return v, err
}

// MultipartFile is one file part of a MultipartBody.
type MultipartFile struct {
	FieldName   string
	FileName    string
	ContentType string
	Content     io.Reader
}

// MultipartBody is sent as multipart/form-data.
type MultipartBody struct {
	Fields url.Values
	Files  []MultipartFile
}

// encodedBody is serialized once per call and replayed on every attempt.
type encodedBody struct {
	data        []byte
	contentType string
}

func (b encodedBody) reader() io.Reader {
	if b.data == nil {
		return nil
	}
	return bytes.NewReader(b.data)
}

func encodeBody(req *Request) (encodedBody, error) {
	if req.Body == nil {
		return encodedBody{}, nil
	}
	if req.RawBody {
		switch v := req.Body.(type) {
		case string:
			return encodedBody{data: []byte(v)}, nil
		case []byte:
			return encodedBody{data: v}, nil
		case io.Reader:
			data, err := io.ReadAll(v)
			if err != nil {
				return encodedBody{}, fmt.Errorf("reading request body: %w", err)
			}
			return encodedBody{data: data}, nil
		default:
			return encodedBody{}, fmt.Errorf("raw body must be string, []byte or io.Reader, got %T", req.Body)
		}
	}

	switch v := req.Body.(type) {
	case url.Values:
		return encodedBody{data: []byte(v.Encode()), contentType: "application/x-www-form-urlencoded"}, nil
	case *MultipartBody:
		return encodeMultipart(v)
	case []byte:
		return encodedBody{data: v}, nil
	case io.Reader:
		data, err := io.ReadAll(v)
		if err != nil {
			return encodedBody{}, fmt.Errorf("reading request body: %w", err)
		}
		return encodedBody{data: data}, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return encodedBody{}, fmt.Errorf("encoding request body: %w", err)
		}
		return encodedBody{data: data, contentType: "application/json"}, nil
	}
}

func encodeMultipart(body *MultipartBody) (encodedBody, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(body.Fields))
	for k := range body.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range body.Fields[k] {
			if err := w.WriteField(k, v); err != nil {
				return encodedBody{}, fmt.Errorf("writing multipart field %s: %w", k, err)
			}
		}
	}

	for _, f := range body.Files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, f.FieldName, f.FileName))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		part, err := w.CreatePart(h)
		if err != nil {
			return encodedBody{}, fmt.Errorf("creating multipart file %s: %w", f.FieldName, err)
		}
		if f.Content != nil {
			if _, err := io.Copy(part, f.Content); err != nil {
				return encodedBody{}, fmt.Errorf("writing multipart file %s: %w", f.FieldName, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return encodedBody{}, fmt.Errorf("closing multipart body: %w", err)
	}
	return encodedBody{data: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}

// buildURL appends query to raw. Nil values are skipped.
func buildURL(raw string, query map[string]any) (string, error) {
	if len(query) == 0 {
		return raw, nil
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		name := escapeComponent(k)
		switch v := query[k].(type) {
		case nil:
			continue
		case string:
			parts = append(parts, name+"="+escapeComponent(v))
		default:
			p, err := runtime.StyleParamWithLocation("form", true, name, runtime.ParamLocationQuery, v)
			if err != nil {
				return "", fmt.Errorf("encoding query parameter %s: %w", k, err)
			}
			parts = append(parts, strings.ReplaceAll(p, "+", "%20"))
		}
	}
	if len(parts) == 0 {
		return raw, nil
	}

	sep := "?"
	switch {
	case strings.HasSuffix(raw, "?"), strings.HasSuffix(raw, "&"):
		sep = ""
	case strings.Contains(raw, "?"):
		sep = "&"
	}
	return raw + sep + strings.Join(parts, "&"), nil
}

func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// executor performs exactly one HTTP attempt.
type executor struct {
	doer      Doer
	strategy  auth.Strategy
	throttle  Throttle
	timeout   time.Duration
	sensitive []string
}

// execute issues one attempt of chain with creds. Any HTTP response is
// returned as a Response, whatever its status. Transport failures are
// returned as a *core.FetchError with status 0.
func (e *executor) execute(ctx context.Context, chain *callChain, creds core.Credentials) (*Response, error) {
	if err := e.throttle.Acquire(ctx); err != nil {
		return nil, core.NewTransportError(chain.url, core.NewRequestInit(chain.method, chain.req.Header, nil), fmt.Errorf("throttle: %w", err))
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, chain.method, chain.url, chain.body.reader())
	if err != nil {
		return nil, core.NewTransportError(chain.url, core.NewRequestInit(chain.method, chain.req.Header, nil), err)
	}
	for k, vs := range chain.req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	e.strategy.ApplyAuth(httpReq, creds)
	if chain.body.contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", chain.body.contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	}
	init := core.NewRequestInit(chain.method, httpReq.Header, chain.body.data, e.sensitive...)

	start := time.Now()
	resp, err := e.doer.Do(httpReq)
	if err != nil {
		chain.logger.Debug("%s %s failed after %s: %v", chain.method, chain.url, time.Since(start), err)
		return nil, core.NewTransportError(chain.url, init, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewTransportError(chain.url, init, fmt.Errorf("reading response body: %w", err))
	}
	chain.logger.Timing(chain.method, chain.url, resp.StatusCode, time.Since(start))

	out := &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		URL:        chain.url,
		Body:       data,
		init:       init,
	}
	if !chain.req.ReturnFullResponse {
		out.Data = parseBody(chain, resp.Header.Get("Content-Type"), data)
	}
	return out, nil
}

// parseBody decodes JSON content types and returns text for everything else.
// A JSON body that fails to decode is kept as text.
func parseBody(chain *callChain, contentType string, data []byte) any {
	if !core.IsJSONContentType(contentType) {
		return string(data)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		chain.logger.Warn("%s %s: response declared %s but did not decode: %v", chain.method, chain.url, contentType, err)
		return string(data)
	}
	return v
}
