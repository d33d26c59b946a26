package transport

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/adityacheruku/kuchlu-sub000/internal/protocol"
)

// OpenPush opens the one-way SSE stream. Payload shapes match the duplex
// channel; only the framing differs.
func (d *NetDialer) OpenPush(ctx context.Context, credential string) (PushStream, error) {
	u, err := withToken(d.PushURL, credential)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open push stream: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		_ = resp.Body.Close()
		cancel()
		return nil, &CloseError{Code: protocol.CloseCodeAuthFailure, Reason: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open push stream: status %d", resp.StatusCode)
	}

	return &sseStream{
		resp:    resp,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
	}, nil
}

// sseStream reads server-sent events off an open response body. Receive
// returns the data payload of the next non-empty event.
type sseStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

func (s *sseStream) Receive(_ context.Context) ([]byte, error) {
	var data strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				return []byte(data.String()), nil
			}
			// Keep-alive separator; keep reading.
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		default:
			// event:/id: lines carry no payload we need; shapes are
			// identical to duplex frames.
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("push stream read: %w", err)
	}
	return nil, fmt.Errorf("push stream closed")
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.resp.Body.Close()
}
