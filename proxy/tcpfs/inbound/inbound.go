// Package inbound is the server side of tcpfs. It keeps channels in memory and answers the
// commands and transfers of tcpfs clients.
package inbound

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/tcpfs/tcpfs/common/errors"
	"github.com/tcpfs/tcpfs/common/log"
	"github.com/tcpfs/tcpfs/common/task"
	"github.com/tcpfs/tcpfs/proxy/tcpfs"
)

const DefaultReadTimeout = 20 * time.Second

type Config struct {
	ChunkSize int
	// ReadTimeout bounds every read inside a transfer.
	ReadTimeout time.Duration
	// EchoEOF makes downloads end with EOF then DONE instead of DONE alone.
	EchoEOF bool
}

type Handler struct {
	config Config
	store  *Store
	hub    *hub
}

func New(config Config, store *Store) *Handler {
	if config.ChunkSize <= 0 {
		config.ChunkSize = tcpfs.DefaultChunkSize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if store == nil {
		store = NewStore()
	}
	return &Handler{config: config, store: store, hub: newHub()}
}

func (h *Handler) Store() *Store { return h.store }

// Serve accepts connections on ln until ctx is done or ln fails.
func (h *Handler) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("failed to accept").Base(err)
		}
		go func() {
			if err := h.Process(ctx, conn); err != nil {
				errors.LogInfoInner(ctx, err, "connection from ", conn.RemoteAddr(), " ended")
			}
		}()
	}
}

// Process serves one client until it disconnects or ctx is done.
func (h *Handler) Process(ctx context.Context, conn net.Conn) error {
	c := tcpfs.NewConn(conn)
	defer c.Close()

	cl := h.hub.join()
	defer h.hub.leave(cl)

	s := &serverSession{
		handler: h,
		conn:    c,
		client:  cl,
		ctx: log.ContextWithFields(ctx, logrus.Fields{
			"peer": conn.RemoteAddr().String(),
			"cid":  cl.id,
		}),
		closed: make(chan struct{}),
	}
	errors.LogInfo(s.ctx, "client connected")

	err := task.RunWithContext(ctx, func(ctx context.Context) []func() error {
		return []func() error{s.readLoop, func() error { return s.pushLoop(ctx) }}
	})
	if err != nil && (errors.Is(err, io.EOF) || errors.Is(err, tcpfs.ErrClosed)) {
		err = nil
	}
	return err
}

type serverSession struct {
	handler *Handler
	conn    *tcpfs.Conn
	client  *client
	ctx     context.Context
	closed  chan struct{}

	// transfer is held for the length of a transfer so no push lands between chunks.
	transfer sync.Mutex
}

func (s *serverSession) pushLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-s.client.pushes:
			s.transfer.Lock()
			err := s.conn.SendMessage(msg)
			s.transfer.Unlock()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			s.conn.Close()
			return nil
		case <-s.closed:
			return nil
		}
	}
}

func (s *serverSession) readLoop() error {
	defer close(s.closed)
	for {
		frame, err := s.conn.ReceiveNext()
		if err != nil {
			return err
		}
		msg, err := tcpfs.DecodeMessage(frame)
		if err != nil {
			errors.LogWarningInner(s.ctx, err, "undecodable frame dropped")
			continue
		}
		switch {
		case msg.Command != nil:
			err = s.command(msg.Command)
		case msg.State == tcpfs.TokenStart:
			err = s.startTransfer(msg)
		default:
			errors.LogDebug(s.ctx, "unexpected state ", msg.State, " dropped")
		}
		if err != nil {
			return err
		}
	}
}

func (s *serverSession) respond(req tcpfs.Req, payload []byte) error {
	return s.conn.SendMessage(tcpfs.Message{
		Response: tcpfs.CodeOK,
		Command:  &tcpfs.Command{Req: req, Payload: payload},
	})
}

func errorPayload(reason string) tcpfs.Payload {
	p, _ := tcpfs.NewPayload(tcpfs.ErrorPayload{Message: reason})
	return p
}

func (s *serverSession) reject(req tcpfs.Req, reason string) error {
	errors.LogWarning(s.ctx, req, " rejected: ", reason)
	return s.conn.SendMessage(tcpfs.Message{
		Command: &tcpfs.Command{Req: req},
		State:   tcpfs.TokenError,
		Data:    errorPayload(reason),
	})
}

func (s *serverSession) command(cmd *tcpfs.Command) error {
	store := s.handler.store
	hub := s.handler.hub
	errors.LogDebug(s.ctx, cmd.Req, " received")

	switch cmd.Req {
	case tcpfs.ReqListChannels:
		return s.respond(cmd.Req, tcpfs.EncodeStrings(store.Channels()))
	case tcpfs.ReqListFiles:
		return s.respond(cmd.Req, tcpfs.EncodeStrings(store.Files(cmd.Channel)))
	case tcpfs.ReqCID:
		return s.respond(cmd.Req, tcpfs.EncodeString(strconv.Itoa(s.client.id)))
	case tcpfs.ReqCreateChannel:
		if err := store.CreateChannel(cmd.Channel); err != nil {
			return s.reject(cmd.Req, err.Error())
		}
		errors.LogInfo(s.ctx, "channel ", cmd.Channel, " created")
		return s.respond(cmd.Req, nil)
	case tcpfs.ReqSubscribe:
		if cmd.Channel == "" {
			return s.reject(cmd.Req, "empty channel name")
		}
		hub.subscribe(s.client, cmd.Channel)
		return s.respond(cmd.Req, nil)
	case tcpfs.ReqConnectedUsers:
		return s.respond(cmd.Req, tcpfs.EncodeStrings(hub.users()))
	case tcpfs.ReqSubscribeToListConnectedUsers:
		// The current list goes out as the first push.
		hub.subscribeUsers(s.client)
		deliver(s.client, usersMessage(hub.users()))
		return nil
	}
	return s.reject(cmd.Req, "unknown command")
}

func (s *serverSession) sendState(t tcpfs.Token, data tcpfs.Payload) error {
	return s.conn.SendMessage(tcpfs.StateMessage{State: t, Data: data})
}

func (s *serverSession) fail(reason string) error {
	errors.LogWarning(s.ctx, "transfer rejected: ", reason)
	return s.sendState(tcpfs.TokenError, errorPayload(reason))
}

// expect reads the next control message and checks its state. A wrong state is reported
// to the client and returned as a StateMismatchError.
func (s *serverSession) expect(want tcpfs.Token) error {
	frame, err := s.conn.ReceiveNext()
	if err != nil {
		return err
	}
	msg, err := tcpfs.DecodeMessage(frame)
	if err != nil || msg.State != want {
		mismatch := &tcpfs.StateMismatchError{Expected: want, Got: msg.State}
		if err != nil {
			mismatch.Reason = err.Error()
		}
		if ferr := s.fail(mismatch.Error()); ferr != nil {
			return ferr
		}
		return mismatch
	}
	return nil
}

func (s *serverSession) startTransfer(msg tcpfs.Message) error {
	var p tcpfs.StartPayload
	if err := msg.Data.Decode(&p); err != nil {
		return s.fail("invalid START payload")
	}
	if p.Value == "" || p.Channel.Name == "" {
		return s.fail("missing file or channel name")
	}

	s.transfer.Lock()
	defer s.transfer.Unlock()
	s.conn.SetIdleDeadline(s.handler.config.ReadTimeout)
	defer s.conn.SetIdleDeadline(0)

	ctx := log.ContextWithFields(s.ctx, logrus.Fields{
		"action":  p.Action.String(),
		"file":    p.Value,
		"channel": p.Channel.Name,
	})
	var err error
	switch p.Action {
	case tcpfs.ActionUpload:
		err = s.receive(ctx, p)
	case tcpfs.ActionDownload:
		err = s.stream(ctx, p)
	default:
		return s.fail("unknown action")
	}

	var mismatch *tcpfs.StateMismatchError
	if errors.As(err, &mismatch) {
		// Already reported to the client; the connection stays usable.
		errors.LogWarningInner(ctx, err, "transfer aborted by client")
		return nil
	}
	return err
}

// receive handles an upload: DATA, chunks, EOF both ways, DONE.
func (s *serverSession) receive(ctx context.Context, p tcpfs.StartPayload) error {
	if p.Size < 0 {
		return s.fail("negative size")
	}
	if err := s.sendState(tcpfs.TokenData, nil); err != nil {
		return err
	}

	buf := tcpfs.NewDownloadBuffer(p.Size, nil)
	chunkSize := int64(s.handler.config.ChunkSize)
	for !buf.IsDone() {
		want := chunkSize
		if r := buf.Remaining(); r < want {
			want = r
		}
		chunk, err := s.conn.ReceiveExactly(int(want))
		if err != nil {
			return err
		}
		buf.Append(chunk)
		if buf.IsOverflowed() {
			// The stream is out of step with the client; drop the connection.
			s.fail("upload overflow")
			return &tcpfs.OverflowError{Declared: buf.Size(), Actual: buf.Count()}
		}
	}

	if err := s.sendState(tcpfs.TokenEOF, nil); err != nil {
		return err
	}
	if err := s.expect(tcpfs.TokenEOF); err != nil {
		return err
	}
	if err := s.handler.store.Put(p.Channel.Name, p.Value, buf.Bytes()); err != nil {
		return s.fail(err.Error())
	}
	if err := s.sendState(tcpfs.TokenDone, nil); err != nil {
		return err
	}
	sum := blake3.Sum256(buf.Bytes())
	errors.LogInfo(ctx, "stored ", buf.Count(), " bytes in ", buf.Chunks(), " chunks, blake3 ", hex.EncodeToString(sum[:]))
	s.handler.hub.broadcastUpdate(p.Channel.Name, s.client)
	return nil
}

// stream handles a download: STREAM both ways, chunks, EOF, DONE.
func (s *serverSession) stream(ctx context.Context, p tcpfs.StartPayload) error {
	data, err := s.handler.store.Get(p.Channel.Name, p.Value)
	if err != nil {
		return s.fail(err.Error())
	}
	size, err := tcpfs.NewPayload(tcpfs.StreamPayload{Size: int64(len(data))})
	if err != nil {
		return err
	}
	if err := s.sendState(tcpfs.TokenStream, size); err != nil {
		return err
	}
	if err := s.expect(tcpfs.TokenStream); err != nil {
		return err
	}

	buf := tcpfs.NewUploadBuffer(data, s.handler.config.ChunkSize, nil)
	for {
		chunk, ok := buf.NextChunk()
		if !ok {
			break
		}
		if err := s.conn.Send(chunk); err != nil {
			return err
		}
	}

	if err := s.expect(tcpfs.TokenEOF); err != nil {
		return err
	}
	if s.handler.config.EchoEOF {
		if err := s.sendState(tcpfs.TokenEOF, nil); err != nil {
			return err
		}
	}
	if err := s.sendState(tcpfs.TokenDone, nil); err != nil {
		return err
	}
	errors.LogInfo(ctx, "sent ", len(data), " bytes in ", buf.Chunks(), " chunks")
	return nil
}
