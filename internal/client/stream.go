package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"placechat-backend/internal/model"
)

// StreamHandlers receive what the subscription socket delivers. OnConnect
// runs after every (re)subscribe, on its own goroutine, and is where the
// caller reconciles against the store: events that fired while the socket
// was down are never replayed.
type StreamHandlers struct {
	OnConnect func(ctx context.Context)
	OnEvent   func(ev model.Event)
	OnRoles   func(v model.Viewer)
}

type Stream struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	pingEvery  time.Duration
}

// NewStream builds a stream for the API at baseURL (http or https).
func NewStream(baseURL, token string, logger *slog.Logger) (*Stream, error) {
	u, err := StreamURL(baseURL, token)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		url:        u,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		pingEvery:  25 * time.Second,
	}, nil
}

// StreamURL turns the API base URL into the socket URL. The token travels as
// a query parameter since handshake headers are not always settable.
func StreamURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", model.ErrValidation, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", model.ErrValidation, u.Scheme)
	}
	u.Path += "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps the subscription alive until ctx ends, reconnecting with
// exponential backoff.
func (s *Stream) Run(ctx context.Context, h StreamHandlers) error {
	backoff := s.minBackoff
	for {
		connected, err := s.session(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.minBackoff
		}
		s.logger.Warn("stream: disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// session runs one socket until it closes. connected reports whether the
// handshake succeeded.
func (s *Stream) session(ctx context.Context, h StreamHandlers) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	s.logger.Info("stream: subscribed")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(ev model.WSEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	go func() {
		<-sessCtx.Done()
		// Unblocks ReadMessage on shutdown.
		_ = conn.Close()
	}()
	go func() {
		t := time.NewTicker(s.pingEvery)
		defer t.Stop()
		for {
			select {
			case <-sessCtx.Done():
				return
			case <-t.C:
				if err := write(model.WSEvent{Type: "ping"}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	if h.OnRoles != nil {
		_ = write(model.WSEvent{Type: "roles"})
	}
	if h.OnConnect != nil {
		go h.OnConnect(sessCtx)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.logger.Info("stream: closed by server", "code", ce.Code, "reason", ce.Text)
			}
			return true, err
		}
		f, err := decodeFrame(data)
		if err != nil {
			s.logger.Debug("stream: skipping frame", "error", err)
			continue
		}
		switch {
		case f.event != nil && h.OnEvent != nil:
			h.OnEvent(*f.event)
		case f.roles != nil && h.OnRoles != nil:
			h.OnRoles(*f.roles)
		case f.rolesStale && h.OnRoles != nil:
			if err := write(model.WSEvent{Type: "roles"}); err != nil {
				s.logger.Warn("stream: roles request failed", "error", err)
			}
		}
	}
}

type frame struct {
	event      *model.Event
	roles      *model.Viewer
	// rolesStale is set by a roles frame without a payload: the server saw a
	// role change and the viewer context must be requested again.
	rolesStale bool
}

// decodeFrame parses one socket frame. Pongs decode to an empty frame.
func decodeFrame(data []byte) (frame, error) {
	var ws model.WSEvent
	if err := json.Unmarshal(data, &ws); err != nil {
		return frame{}, err
	}
	switch ws.Type {
	case string(model.EventInserted), string(model.EventUpdated):
		if ws.Message == nil {
			return frame{}, fmt.Errorf("%s frame without message", ws.Type)
		}
		return frame{event: &model.Event{Type: model.EventType(ws.Type), Message: *ws.Message}}, nil
	case "roles":
		if len(ws.Data) == 0 {
			return frame{rolesStale: true}, nil
		}
		var v model.Viewer
		if err := json.Unmarshal(ws.Data, &v); err != nil {
			return frame{}, err
		}
		return frame{roles: &v}, nil
	case "pong":
		return frame{}, nil
	}
	return frame{}, fmt.Errorf("unknown frame type %q", ws.Type)
}
