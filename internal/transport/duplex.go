package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"

	"github.com/adityacheruku/kuchlu-sub000/internal/protocol"
)

// NetDialer is the production Dialer: websocket for the duplex channel,
// SSE for the push fallback. The credential travels as a query parameter
// on both, as the server expects.
type NetDialer struct {
	DuplexURL string
	PushURL   string
}

// DialDuplex opens the websocket channel.
func (d *NetDialer) DialDuplex(ctx context.Context, credential string) (DuplexConn, error) {
	u, err := withToken(d.DuplexURL, credential)
	if err != nil {
		return nil, err
	}
	c, resp, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, &CloseError{Code: protocol.CloseCodeAuthFailure, Reason: resp.Status}
		}
		return nil, fmt.Errorf("dial duplex: %w", err)
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Send(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			return nil, &CloseError{Code: int(code), Reason: err.Error()}
		}
		return nil, err
	}
	return data, nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client closing")
}

func withToken(raw, credential string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
