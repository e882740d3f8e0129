package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"placechat-backend/internal/model"
)

// Cursor resumes a range read after the last message already seen.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

const defaultRequestTimeout = 15 * time.Second

// HTTPTransport talks to the messaging API. It implements Store and Uploader
// and maps HTTP statuses back onto the model's sentinel errors, so callers
// can branch with errors.Is exactly as the server does.
type HTTPTransport struct {
	baseURL string
	token   string
	client  *fasthttp.Client
}

type TransportOption func(*fasthttp.Client)

// WithDial replaces the dialer, e.g. with an in-memory listener in tests.
func WithDial(dial fasthttp.DialFunc) TransportOption {
	return func(c *fasthttp.Client) { c.Dial = dial }
}

func NewHTTPTransport(baseURL, token string, opts ...TransportOption) *HTTPTransport {
	c := &fasthttp.Client{
		Name:                "placechat-client",
		MaxResponseBodySize: 16 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  c,
	}
}

// Token is the bearer token, also used by the realtime stream.
func (t *HTTPTransport) Token() string { return t.token }

func (t *HTTPTransport) BaseURL() string { return t.baseURL }

func (t *HTTPTransport) Send(ctx context.Context, req *model.SendRequest) (*model.Message, error) {
	var msg model.Message
	if err := t.doJSON(ctx, fasthttp.MethodPost, "/api/v1/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (t *HTTPTransport) MarkRead(ctx context.Context, ids []string) ([]string, error) {
	var resp model.MarkReadResponse
	if err := t.doJSON(ctx, fasthttp.MethodPost, "/api/v1/messages/read", model.MarkReadRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}
	return resp.Updated, nil
}

// Query reads one page of messages in (created_at, id) order. An empty
// placeID reads the caller's own messages; otherwise the place-side view.
func (t *HTTPTransport) Query(ctx context.Context, placeID string, after *Cursor, limit int) ([]model.Message, error) {
	q := url.Values{}
	if placeID != "" {
		q.Set("place_id", placeID)
	}
	if after != nil {
		q.Set("after_created_at", after.CreatedAt.UTC().Format(time.RFC3339Nano))
		q.Set("after_id", after.ID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page struct {
		Messages []model.Message `json:"messages"`
		Next     *Cursor         `json:"next"`
	}
	if err := t.doJSON(ctx, fasthttp.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func (t *HTTPTransport) Roles(ctx context.Context) (model.Viewer, error) {
	var v model.Viewer
	err := t.doJSON(ctx, fasthttp.MethodGet, "/api/v1/me/roles", nil, &v)
	return v, err
}

func (t *HTTPTransport) Roster(ctx context.Context, placeID string) (model.PlaceRoster, error) {
	var r model.PlaceRoster
	err := t.doJSON(ctx, fasthttp.MethodGet, "/api/v1/places/"+url.PathEscape(placeID)+"/roster", nil, &r)
	return r, err
}

// Conversations is the server-derived conversation list.
func (t *HTTPTransport) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := t.doJSON(ctx, fasthttp.MethodGet, "/api/v1/conversations", nil, &convs)
	return convs, err
}

func (t *HTTPTransport) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="attachment"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(w.FormDataContentType())
	req.SetBody(buf.Bytes())

	var resp model.UploadResponse
	if err := t.do(ctx, req, "/api/v1/uploads", &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (t *HTTPTransport) doJSON(ctx context.Context, method, path string, in, out any) error {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	return t.do(ctx, req, path, out)
}

func (t *HTTPTransport) do(ctx context.Context, req *fasthttp.Request, path string, out any) error {
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(t.baseURL + path)
	if t.token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+t.token)
	}

	timeout := defaultRequestTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.client.DoTimeout(req, resp, timeout); err != nil {
		return transportError(err)
	}

	status := resp.StatusCode()
	if status >= 300 {
		return statusError(status, resp.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: bad response: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// transportError classifies a failure before any response arrived. A
// timeout leaves the outcome unknown; anything else never reached the store.
func transportError(err error) error {
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}
	return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
}

func statusError(status int, body []byte) error {
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	msg := e.Error
	if msg == "" {
		msg = fasthttp.StatusMessage(status)
	}

	var sentinel error
	switch {
	case status == fasthttp.StatusBadRequest, status == fasthttp.StatusRequestEntityTooLarge:
		sentinel = model.ErrValidation
	case status == fasthttp.StatusUnauthorized, status == fasthttp.StatusForbidden:
		sentinel = model.ErrPermissionDenied
	case status == fasthttp.StatusNotFound:
		sentinel = model.ErrNotFound
	case status == fasthttp.StatusConflict:
		sentinel = model.ErrAmbiguousRecipient
	case status == fasthttp.StatusBadGateway:
		sentinel = model.ErrUploadFailed
	case status == fasthttp.StatusGatewayTimeout:
		sentinel = context.DeadlineExceeded
	default:
		sentinel = model.ErrStoreUnavailable
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
