// Package storage uploads message attachments to a Cloudinary-compatible
// object store and returns their public URL.
package storage

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"placechat-backend/internal/model"
)

const defaultTimeout = 30 * time.Second

type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	MaxBytes  int
	// Endpoint overrides https://api.cloudinary.com/v1_1; used by tests.
	Endpoint string
}

// Enabled reports whether credentials are configured.
func (c Config) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

type doer interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

type Uploader struct {
	cfg    Config
	client doer
	now    func() time.Time
}

func NewUploader(cfg Config) *Uploader {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.cloudinary.com/v1_1"
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	return &Uploader{
		cfg: cfg,
		client: &fasthttp.Client{
			Name:                "placechat-uploader",
			MaxResponseBodySize: 1 << 20,
		},
		now: time.Now,
	}
}

// resourceType maps a content type onto the store's resource family. Audio
// is stored under "video" by Cloudinary.
func resourceType(contentType string) (string, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "image", true
	case strings.HasPrefix(ct, "audio/"):
		return "video", true
	}
	return "", false
}

// Upload stores data and returns its URL. Bad input is ErrValidation; any
// transport or store failure is ErrUploadFailed.
func (u *Uploader) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if !u.cfg.Enabled() {
		return "", fmt.Errorf("%w: upload service not configured", model.ErrUploadFailed)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty attachment", model.ErrValidation)
	}
	if len(data) > u.cfg.MaxBytes {
		return "", fmt.Errorf("%w: attachment exceeds %d bytes", model.ErrValidation, u.cfg.MaxBytes)
	}
	kind, ok := resourceType(contentType)
	if !ok {
		return "", fmt.Errorf("%w: unsupported content type %q", model.ErrValidation, contentType)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	publicID := uuid.NewString()
	if u.cfg.Folder != "" {
		publicID = u.cfg.Folder + "/" + publicID
	}
	timestamp := strconv.FormatInt(u.now().Unix(), 10)

	form := url.Values{}
	form.Set("file", "data:"+contentType+";base64,"+base64.StdEncoding.EncodeToString(data))
	form.Set("api_key", u.cfg.APIKey)
	form.Set("public_id", publicID)
	form.Set("timestamp", timestamp)
	form.Set("signature", Sign(map[string]string{"public_id": publicID, "timestamp": timestamp}, u.cfg.APISecret))

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u.cfg.Endpoint + "/" + u.cfg.CloudName + "/" + kind + "/upload")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(form.Encode())

	timeout := defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
		if timeout <= 0 {
			return "", context.DeadlineExceeded
		}
	}
	if err := u.client.DoTimeout(req, resp, timeout); err != nil {
		slog.Error("upload: request failed", "error", err)
		return "", fmt.Errorf("%w: %v", model.ErrUploadFailed, err)
	}

	var res struct {
		SecureURL string `json:"secure_url"`
		URL       string `json:"url"`
		Error     struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	body := resp.Body()
	if resp.StatusCode() != fasthttp.StatusOK {
		_ = json.Unmarshal(body, &res)
		slog.Error("upload: store rejected attachment", "status", resp.StatusCode(), "message", res.Error.Message)
		return "", fmt.Errorf("%w: status %d", model.ErrUploadFailed, resp.StatusCode())
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("%w: bad response: %v", model.ErrUploadFailed, err)
	}
	if res.Error.Message != "" {
		return "", fmt.Errorf("%w: %s", model.ErrUploadFailed, res.Error.Message)
	}
	if res.SecureURL != "" {
		return res.SecureURL, nil
	}
	if res.URL == "" {
		return "", fmt.Errorf("%w: response without url", model.ErrUploadFailed)
	}
	return res.URL, nil
}

// Sign computes the Cloudinary request signature: the parameters sorted by
// name, joined as a query string, with the secret appended, SHA-1 hex encoded.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(secret)
	return fmt.Sprintf("%x", sha1.Sum([]byte(b.String())))
}
