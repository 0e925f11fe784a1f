// Package bridge republishes the connected users list of a tcpfs server to WebSocket clients.
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tcpfs/tcpfs/common/errors"
	"github.com/tcpfs/tcpfs/common/task"
)

const (
	DefaultListen = ":8081"
	DefaultPath   = "/"

	writeTimeout = 5 * time.Second
)

type Config struct {
	Listen string
	Path   string
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Bridge keeps the last users list and sends every new one to all WebSocket clients as a
// JSON array text message.
type Bridge struct {
	config   Config
	upgrader websocket.Upgrader

	access      sync.Mutex
	last        []byte
	subscribers map[*subscriber]struct{}
}

func New(config Config) *Bridge {
	if config.Listen == "" {
		config.Listen = DefaultListen
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	return &Bridge{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish sends users to every connected client. It fits outbound.Handlers.OnConnectedUsers.
func (b *Bridge) Publish(users []string) {
	if users == nil {
		users = []string{}
	}
	msg, err := json.Marshal(users)
	if err != nil {
		return
	}
	b.access.Lock()
	defer b.access.Unlock()
	b.last = msg
	for s := range b.subscribers {
		select {
		case s.send <- msg:
		default:
			// Slow client, it catches up with the next list.
		}
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errors.LogInfoInner(r.Context(), err, "websocket upgrade failed")
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, 8)}

	b.access.Lock()
	b.subscribers[s] = struct{}{}
	if b.last != nil {
		s.send <- b.last
	}
	b.access.Unlock()
	errors.LogInfo(r.Context(), "websocket client ", conn.RemoteAddr(), " connected")

	err = task.RunWithContext(r.Context(), func(ctx context.Context) []func() error {
		return []func() error{
			func() error { return b.readPump(s) },
			func() error { return b.writePump(ctx, s) },
		}
	})

	b.access.Lock()
	delete(b.subscribers, s)
	b.access.Unlock()
	conn.Close()
	errors.LogInfoInner(r.Context(), err, "websocket client ", conn.RemoteAddr(), " gone")
}

// readPump discards client messages and returns once the client goes away.
func (b *Bridge) readPump(s *subscriber) error {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (b *Bridge) writePump(ctx context.Context, s *subscriber) error {
	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			s.conn.Close()
			return ctx.Err()
		}
	}
}

func (b *Bridge) closeAll() {
	b.access.Lock()
	defer b.access.Unlock()
	for s := range b.subscribers {
		s.conn.Close()
	}
}

// Clients returns the number of connected WebSocket clients.
func (b *Bridge) Clients() int {
	b.access.Lock()
	defer b.access.Unlock()
	return len(b.subscribers)
}

// Serve runs an HTTP server for the bridge on ln until ctx is done.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(b.config.Path, b)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return task.RunWithContext(ctx, func(ctx context.Context) []func() error {
		return []func() error{
			func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				defer cancel()
				err := server.Shutdown(shutdownCtx)
				// Hijacked connections are not tracked by the server.
				b.closeAll()
				return err
			},
			func() error {
				if err := server.Serve(ln); err != http.ErrServerClosed {
					return err
				}
				return nil
			},
		}
	})
}

// ListenAndServe listens on Config.Listen and serves until ctx is done.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.config.Listen)
	if err != nil {
		return errors.New("failed to listen on ", b.config.Listen).Base(err)
	}
	errors.LogInfo(ctx, "bridge listening on ", ln.Addr())
	return b.Serve(ctx, ln)
}
