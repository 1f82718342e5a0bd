package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one message received on the execution event stream.
type Event struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Status returns the status carried by the event, if any.
func (e Event) Status() string {
	s, _ := e.Data["status"].(string)
	return s
}

// StageName returns the stage name of a stage event.
func (e Event) StageName() string {
	s, _ := e.Data["stage_name"].(string)
	return s
}

// Terminal reports whether the event closes the execution.
func (e Event) Terminal() bool {
	if e.Event != "execution_update" {
		return false
	}
	switch e.Status() {
	case "success", "failed", "cancelled":
		return true
	}
	return false
}

// Watch joins the execution's event stream and calls fn for every event until
// fn returns false, the execution reaches a terminal status, or ctx is done.
func (c *Client) Watch(ctx context.Context, token, executionID string, fn func(Event) bool) error {
	endpoint, err := url.Parse(c.WebsocketURL())
	if err != nil {
		return err
	}
	if token != "" {
		q := endpoint.Query()
		q.Set("access_token", token)
		endpoint.RawQuery = q.Encode()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			return APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	join := map[string]any{"event": "join_execution", "data": map[string]string{"execution_id": executionID}}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("join execution: %w", err)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		var evt Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			continue
		}
		if evt.Event == "error" {
			msg, _ := evt.Data["message"].(string)
			return errors.New(msg)
		}
		if !fn(evt) || evt.Terminal() {
			return nil
		}
	}
}
