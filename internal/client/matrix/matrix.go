// Package matrix pushes state events and notices to one Matrix room.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/erikjohnston/github-matrix-project-bot/internal/errs"
	"github.com/erikjohnston/github-matrix-project-bot/model"
	"github.com/google/uuid"
)

const maxExcerpt = 512

// Client talks to the client-server API of a homeserver. The bearer token
// is attached by the http.Client's transport.
type Client struct {
	baseURL    string
	roomID     string
	namespace  string
	httpClient *http.Client
	newTxnID   func() string
}

func NewClient(baseURL, roomID, namespace string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		roomID:     roomID,
		namespace:  namespace,
		httpClient: hc,
		newTxnID:   uuid.NewString,
	}
}

type matrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

type messageContent struct {
	Body          string `json:"body"`
	MsgType       string `json:"msgtype"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// PutState upserts u as the room state event (namespace, u.Key). Repeating
// the call with the same update leaves the room state unchanged.
func (c *Client) PutState(ctx context.Context, u model.StateUpdate) error {
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/state/%s/%s",
		url.PathEscape(c.roomID), url.PathEscape(c.namespace), url.PathEscape(u.Key))
	return c.put(ctx, u.Key, path, u)
}

// SendMessage posts msg to the room as an HTML formatted notice.
func (c *Client) SendMessage(ctx context.Context, msg model.DigestMessage) error {
	content := messageContent{Body: msg.Body, MsgType: "m.notice"}
	if msg.FormattedBody != "" {
		content.Format = "org.matrix.custom.html"
		content.FormattedBody = msg.FormattedBody
	}
	path := fmt.Sprintf("/_matrix/client/r0/rooms/%s/send/m.room.message/%s",
		url.PathEscape(c.roomID), url.PathEscape(c.newTxnID()))
	return c.put(ctx, "message", path, content)
}

func (c *Client) put(ctx context.Context, target, path string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &errs.PushError{Target: target, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return &errs.PushError{Target: target, Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &errs.PushError{Target: target, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	pe := &errs.PushError{Target: target, StatusCode: resp.StatusCode, Body: excerpt(body)}
	var me matrixError
	if json.Unmarshal(body, &me) == nil && me.Code != "" {
		pe.Code = me.Code
		pe.Body = me.Message
	}
	return pe
}

func excerpt(b []byte) string {
	if len(b) > maxExcerpt {
		b = b[:maxExcerpt]
	}
	return strings.TrimSpace(string(b))
}
