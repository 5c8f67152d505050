package remote

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/websocket"
)

// TrimStreamRequest opens on-demand trim generation. Exactly one of the two
// forms is populated: the id form (BookID+ChapterID) for cloud-resident
// chapters, or the md5 form (Content+MD5+book metadata) for chapters that
// exist only on this device.
type TrimStreamRequest struct {
	BookID       int64  `json:"book_id,omitempty"`
	ChapterID    int64  `json:"chapter_id,omitempty"`
	PromptID     int    `json:"prompt_id"`
	Content      string `json:"content,omitempty"`
	MD5          string `json:"md5,omitempty"`
	BookMD5      string `json:"book_md5,omitempty"`
	BookTitle    string `json:"book_title,omitempty"`
	ChapterTitle string `json:"chapter_title,omitempty"`
	ChapterIndex int    `json:"chapter_index,omitempty"`
}

// TrimEvent is one server push on the trim channel: a content chunk, or an
// error after which the server closes.
type TrimEvent struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventStream yields trim events until io.EOF (server closed the channel).
type EventStream interface {
	Recv() (TrimEvent, error)
	Close() error
}

// OpenTrimStream dials the websocket trim channel and sends the request.
// Cancellation of a running stream is cooperative: stop reading and Close it.
func (c *Client) OpenTrimStream(_ context.Context, req TrimStreamRequest) (EventStream, error) {
	wsURL, err := websocketURL(c.baseURL, "/trims/stream")
	if err != nil {
		return nil, err
	}
	config, err := websocket.NewConfig(wsURL, c.baseURL+"/")
	if err != nil {
		return nil, fmt.Errorf("trim stream config: %w", err)
	}
	if c.token != "" {
		config.Header.Set("Authorization", "Bearer "+c.token)
	}
	ws, err := websocket.DialConfig(config)
	if err != nil {
		return nil, fmt.Errorf("dial trim stream: %w", err)
	}
	if err := websocket.JSON.Send(ws, req); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send trim request: %w", err)
	}
	return &wsStream{ws: ws}, nil
}

type wsStream struct {
	ws *websocket.Conn
}

func (s *wsStream) Recv() (TrimEvent, error) {
	var ev TrimEvent
	if err := websocket.JSON.Receive(s.ws, &ev); err != nil {
		return TrimEvent{}, err
	}
	return ev, nil
}

func (s *wsStream) Close() error {
	return s.ws.Close()
}

func websocketURL(baseURL, path string) (string, error) {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + path, nil
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + path, nil
	default:
		return "", fmt.Errorf("unsupported base url %q", baseURL)
	}
}
