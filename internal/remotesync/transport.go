package remotesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/docmirror/internal/docmirror"
)

// joinMessage announces the session to the collaboration service right after
// the websocket opens: which document, and the presence metadata shown to
// other participants.
type joinMessage struct {
	Type       string             `json:"type"`
	DocumentID string             `json:"documentId"`
	Presence   docmirror.Presence `json:"presence"`
}

// wsTransport is one realtime session for one document. Binary frames carry
// encoded document updates in both directions; the single JSON text frame at
// the start is the join announcement.
type wsTransport struct {
	cfg    docmirror.TransportConfig
	logger docmirror.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewDialer returns a TransportDialer backed by websocket sessions against
// the collaboration service.
func NewDialer(logger docmirror.Logger) docmirror.TransportDialer {
	return func(cfg docmirror.TransportConfig) (docmirror.Transport, error) {
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, fmt.Errorf("transport endpoint is required")
		}
		return &wsTransport{cfg: cfg, logger: logger}, nil
	}
}

func (t *wsTransport) Connect(ctx context.Context) error {
	wsURL, err := sessionURL(t.cfg.Endpoint, t.cfg.DocumentID)
	if err != nil {
		return err
	}
	opts := &websocket.DialOptions{}
	if t.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t.cfg.Token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return err
	}
	conn.SetReadLimit(16 << 20)

	join, err := json.Marshal(joinMessage{
		Type:       "join",
		DocumentID: t.cfg.DocumentID,
		Presence:   t.cfg.Presence,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join encode failed")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join send failed")
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return docmirror.ErrClosed
	}
	t.conn = conn
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.readLoop(readCtx, conn, done)
	return nil
}

// readLoop delivers incoming binary frames to the registered update handler
// until the connection dies or the transport closes. Text frames are service
// control messages and are ignored here.
func (t *wsTransport) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed && t.logger != nil {
				t.logger.Printf("remotesync: session for %s ended: %v", t.cfg.DocumentID, err)
			}
			return
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		if t.cfg.OnRemoteUpdate != nil {
			t.cfg.OnRemoteUpdate(data)
		}
	}
}

func (t *wsTransport) Send(ctx context.Context, update []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return docmirror.ErrInvalidState
	}
	return conn.Write(ctx, websocket.MessageBinary, update)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	cancel := t.cancel
	done := t.done
	t.conn = nil
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
	}
	if done != nil {
		<-done
	}
	return err
}

// sessionURL maps the service base URL to the per-document websocket path,
// rewriting http(s) schemes to ws(s).
func sessionURL(endpoint, documentID string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported transport scheme: %s", parsed.Scheme)
	}
	basePath := strings.TrimRight(parsed.Path, "/")
	// Path carries the decoded form; RawPath the encoded one. Setting both
	// keeps URL.String from escaping the id a second time.
	parsed.Path = basePath + "/v1/documents/" + documentID + "/session"
	parsed.RawPath = basePath + "/v1/documents/" + url.PathEscape(documentID) + "/session"
	return parsed.String(), nil
}
