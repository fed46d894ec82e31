package diag

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sibilant-audio/sibilant/pkg/vad"
)

// writeWait bounds how long a single feed frame write may take before the
// client is considered gone.
const writeWait = 5 * time.Second

// defaultClientBuffer is the per-client report queue length. A client that
// falls this many reports behind is disconnected.
const defaultClientBuffer = 16

// Feed fans performance reports out to connected websocket clients. Each
// published report is marshalled once and delivered to every client as a
// single JSON text message. Slow clients are disconnected rather than allowed
// to backpressure the publisher.
type Feed struct {
	logger *slog.Logger
	buffer int

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	clients map[*feedClient]struct{}
}

// feedClient is one connected websocket consumer. The slow func disconnects
// the underlying connection; it is invoked at most once, when the client's
// queue overflows.
type feedClient struct {
	msgs chan []byte
	slow func()
}

// FeedOption configures a [Feed].
type FeedOption func(*Feed)

// WithFeedLogger sets the logger for feed lifecycle messages. Defaults to
// [slog.Default].
func WithFeedLogger(l *slog.Logger) FeedOption {
	return func(f *Feed) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithFeedBuffer sets the per-client report queue length. Values below one
// are ignored.
func WithFeedBuffer(n int) FeedOption {
	return func(f *Feed) {
		if n >= 1 {
			f.buffer = n
		}
	}
}

// NewFeed creates an empty feed hub.
func NewFeed(opts ...FeedOption) *Feed {
	f := &Feed{
		logger:  slog.Default(),
		buffer:  defaultClientBuffer,
		done:    make(chan struct{}),
		clients: make(map[*feedClient]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish delivers one report to every connected client. It never blocks: a
// client whose queue is full is removed from the hub and disconnected.
func (f *Feed) Publish(rep vad.PerformanceReport) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || len(f.clients) == 0 {
		return
	}

	data, err := json.Marshal(rep)
	if err != nil {
		f.logger.Warn("feed: report marshal failed", slog.String("error", err.Error()))
		return
	}

	for cl := range f.clients {
		select {
		case cl.msgs <- data:
		default:
			delete(f.clients, cl)
			go cl.slow()
			f.logger.Warn("feed: disconnecting slow client")
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams published reports
// until the client disconnects or the feed is closed.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	}

	// No origin restrictions on the diagnostics surface.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		f.logger.Warn("feed: websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed handler exited")

	// Clients only receive; CloseRead watches for the peer closing the
	// socket and cancels the returned context.
	ctx := conn.CloseRead(r.Context())

	cl := &feedClient{
		msgs: make(chan []byte, f.buffer),
		slow: func() {
			conn.Close(websocket.StatusPolicyViolation, "too slow to keep up with reports")
		},
	}
	if !f.addClient(cl) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer f.removeClient(cl)

	for {
		select {
		case msg := <-cl.msgs:
			if err := writeFrame(ctx, conn, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-f.done:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
	}
}

// Close disconnects all clients and makes the feed reject new connections.
// Safe to call more than once.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
}

// ClientCount returns the number of currently connected clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// addClient registers cl with the hub. Returns false when the feed has been
// closed in the meantime.
func (f *Feed) addClient(cl *feedClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.clients[cl] = struct{}{}
	return true
}

func (f *Feed) removeClient(cl *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, cl)
}

// writeFrame writes one text frame with a deadline derived from ctx.
func writeFrame(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
