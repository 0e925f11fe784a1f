// Package outbound is the client side of tcpfs: a Session owns one server connection and runs
// commands and transfers over it.
package outbound

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"h12.io/socks"

	"github.com/tcpfs/tcpfs/common/errors"
	"github.com/tcpfs/tcpfs/common/log"
	"github.com/tcpfs/tcpfs/common/retry"
	"github.com/tcpfs/tcpfs/proxy/tcpfs"
)

// Handlers receive server pushes. They run one at a time on a goroutine owned by the Session,
// never on the read loop, so they may call back into the Session. When handlers fall behind,
// the oldest queued notifications are dropped.
type Handlers struct {
	// OnUpdate is called when the server announces that the file list changed.
	OnUpdate func()
	// OnConnectedUsers receives the list pushed after SubscribeConnectedUsers.
	OnConnectedUsers func(users []string)
	// OnClose is called once with the error that ended the session.
	OnClose func(err error)
}

type commandResult struct {
	msg tcpfs.Message
	err error
}

type pendingCommand struct {
	req     tcpfs.Req
	resp    chan commandResult
	once    sync.Once
	release func()
}

func (p *pendingCommand) finish(r commandResult) {
	p.once.Do(func() {
		p.resp <- r
		p.release()
	})
}

// Session is a connection to a tcpfs server.
//
// Commands and transfers share the connection and run one at a time; a call waits for its
// turn until its context is done. All methods are safe for concurrent use.
type Session struct {
	config   Config
	handlers Handlers
	ctx      context.Context
	conn     *tcpfs.Conn

	// slot holds a token while a command or transfer owns the wire.
	slot chan struct{}

	access  sync.Mutex
	machine *tcpfs.Machine
	pending *pendingCommand
	task    *Task
	channel string
	cid     int
	hasCID  bool

	notifications chan func()
	notifierDone  chan struct{}
	done          chan struct{}
	err           error
}

// Dial connects to config.Address, through config.Socks when set, retrying with exponential
// backoff.
func Dial(ctx context.Context, config Config, handlers Handlers) (*Session, error) {
	config = config.withDefaults()
	if config.Address == "" {
		return nil, errors.New("server address is not set")
	}
	dial := dialer(config)

	var conn net.Conn
	err := retry.ExponentialBackoff(config.DialAttempts, uint32(config.RetryDelay.Milliseconds())).OnContext(ctx, func() error {
		rawConn, err := dial(ctx, config.Address)
		if err != nil {
			errors.LogDebugInner(ctx, err, "dial ", config.Address, " failed")
			return err
		}
		conn = rawConn
		return nil
	})
	if err != nil {
		return nil, &tcpfs.ConnectionError{Op: "dial", Err: err}
	}
	return New(ctx, conn, config, handlers), nil
}

func dialer(config Config) func(context.Context, string) (net.Conn, error) {
	if config.Socks != "" {
		dial := socks.Dial(config.Socks)
		return func(_ context.Context, addr string) (net.Conn, error) {
			return dial("tcp", addr)
		}
	}
	d := &net.Dialer{Timeout: config.DialTimeout}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// New runs a Session over an established connection. ctx only carries logging fields; the
// session lives until Close or until the connection fails.
func New(ctx context.Context, conn net.Conn, config Config, handlers Handlers) *Session {
	config = config.withDefaults()
	ctx = log.ContextWithFields(ctx, logrus.Fields{"peer": conn.RemoteAddr().String()})
	c := tcpfs.NewConn(conn)
	s := &Session{
		config:        config,
		handlers:      handlers,
		ctx:           ctx,
		conn:          c,
		slot:          make(chan struct{}, 1),
		machine:       tcpfs.NewMachine(ctx, c, config.ChunkSize),
		channel:       config.Channel,
		notifications: make(chan func(), 64),
		notifierDone:  make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.notifier()
	go s.loop()
	errors.LogInfo(ctx, "session started on channel ", config.Channel)
	return s
}

// Channel returns the channel used by new commands and transfers.
func (s *Session) Channel() string {
	s.access.Lock()
	defer s.access.Unlock()
	return s.channel
}

// SetChannel selects the channel for commands and transfers started afterwards.
func (s *Session) SetChannel(name string) {
	s.access.Lock()
	s.channel = name
	s.access.Unlock()
}

// State returns the state of the transfer machine.
func (s *Session) State() tcpfs.Token {
	s.access.Lock()
	defer s.access.Unlock()
	return s.machine.State()
}

// Reset clears a failed transfer so a new one can start.
func (s *Session) Reset() error {
	s.access.Lock()
	defer s.access.Unlock()
	return s.machine.Reset()
}

// ID returns the identity cached by CID, if any.
func (s *Session) ID() (int, bool) {
	s.access.Lock()
	defer s.access.Unlock()
	return s.cid, s.hasCID
}

// Done is closed once the session ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session ended, or nil while it runs.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close shuts the connection down and fails any command or transfer in flight.
func (s *Session) Close() error {
	s.conn.Close()
	<-s.done
	<-s.notifierDone
	return nil
}

func (s *Session) closedError() error {
	if s.err != nil {
		return s.err
	}
	return &tcpfs.ConnectionError{Op: "read", Err: tcpfs.ErrClosed}
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case <-s.done:
		return s.closedError()
	default:
	}
	select {
	case s.slot <- struct{}{}:
		if s.config.ReadTimeout > 0 {
			s.conn.SetIdleDeadline(s.config.ReadTimeout)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.closedError()
	}
}

func (s *Session) release() {
	if s.config.ReadTimeout > 0 {
		s.conn.SetIdleDeadline(0)
	}
	<-s.slot
}

// ListChannels returns the channel names known to the server.
func (s *Session) ListChannels(ctx context.Context) ([]string, error) {
	return s.list(ctx, tcpfs.ReqListChannels, "")
}

// ListFiles returns the file names of the current channel. A null payload is an empty list.
func (s *Session) ListFiles(ctx context.Context) ([]string, error) {
	return s.list(ctx, tcpfs.ReqListFiles, s.Channel())
}

// ConnectedUsers returns the identities of the clients connected to the server.
func (s *Session) ConnectedUsers(ctx context.Context) ([]string, error) {
	return s.list(ctx, tcpfs.ReqConnectedUsers, "")
}

func (s *Session) list(ctx context.Context, req tcpfs.Req, channel string) ([]string, error) {
	msg, err := s.roundTrip(ctx, req, channel)
	if err != nil {
		return nil, err
	}
	list, err := tcpfs.DecodeStrings(msg.Command.Payload)
	if err != nil {
		return nil, &tcpfs.ProtocolError{Req: req, Code: msg.Response, Reason: err.Error()}
	}
	return list, nil
}

// CID returns the numeric identity the server assigned to this connection. The first answer
// is cached.
func (s *Session) CID(ctx context.Context) (int, error) {
	if id, ok := s.ID(); ok {
		return id, nil
	}
	msg, err := s.roundTrip(ctx, tcpfs.ReqCID, "")
	if err != nil {
		return 0, err
	}
	id, err := tcpfs.DecodeCID(msg.Command.Payload)
	if err != nil {
		return 0, &tcpfs.ProtocolError{Req: tcpfs.ReqCID, Code: msg.Response, Reason: err.Error()}
	}
	s.access.Lock()
	s.cid, s.hasCID = id, true
	s.access.Unlock()
	return id, nil
}

// CreateChannel asks the server to create a channel. The response is not awaited.
func (s *Session) CreateChannel(ctx context.Context, name string) error {
	return s.send(ctx, tcpfs.ReqCreateChannel, name)
}

// Subscribe registers for UPDATE pushes on the current channel.
func (s *Session) Subscribe(ctx context.Context) error {
	return s.send(ctx, tcpfs.ReqSubscribe, s.Channel())
}

// SubscribeConnectedUsers registers for connected user pushes, delivered to
// Handlers.OnConnectedUsers.
func (s *Session) SubscribeConnectedUsers(ctx context.Context) error {
	return s.send(ctx, tcpfs.ReqSubscribeToListConnectedUsers, "")
}

func (s *Session) send(ctx context.Context, req tcpfs.Req, channel string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if err := s.conn.SendMessage(tcpfs.NewCommandRequest(req, channel)); err != nil {
		return err
	}
	errors.LogDebug(s.ctx, req, " sent")
	return nil
}

func (s *Session) roundTrip(ctx context.Context, req tcpfs.Req, channel string) (tcpfs.Message, error) {
	if err := s.acquire(ctx); err != nil {
		return tcpfs.Message{}, err
	}
	p := &pendingCommand{req: req, resp: make(chan commandResult, 1), release: s.release}
	s.access.Lock()
	s.pending = p
	s.access.Unlock()

	if err := s.conn.SendMessage(tcpfs.NewCommandRequest(req, channel)); err != nil {
		s.access.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.access.Unlock()
		p.finish(commandResult{err: err})
		return tcpfs.Message{}, err
	}
	errors.LogDebug(s.ctx, req, " sent")

	// A caller leaving early keeps the slot busy until the response arrives, so the next
	// command is not paired with this one's answer.
	select {
	case r := <-p.resp:
		return r.msg, r.err
	case <-ctx.Done():
		return tcpfs.Message{}, ctx.Err()
	}
}

// Upload stores data as file in the current channel.
func (s *Session) Upload(ctx context.Context, file string, data []byte) (*Task, error) {
	req := tcpfs.Request{Action: tcpfs.ActionUpload, File: file, Channel: s.Channel()}
	return s.startTransfer(ctx, req, data, nil)
}

// Download fetches file from the current channel. When dest is set the received bytes are
// written to it before the task reports completion.
func (s *Session) Download(ctx context.Context, file string, dest io.Writer) (*Task, error) {
	req := tcpfs.Request{Action: tcpfs.ActionDownload, File: file, Channel: s.Channel()}
	return s.startTransfer(ctx, req, nil, dest)
}

func (s *Session) startTransfer(ctx context.Context, req tcpfs.Request, data []byte, dest io.Writer) (*Task, error) {
	// Fail fast without queueing behind another exchange.
	s.access.Lock()
	if s.machine.State() == tcpfs.TokenError {
		s.access.Unlock()
		return nil, tcpfs.ErrNeedsReset
	}
	s.access.Unlock()

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	t := newTask(req, dest)
	cb := tcpfs.Callbacks{
		Progress: t.report,
		Done: func(res tcpfs.Result) {
			s.endTransfer(t, res, nil)
		},
		Failed: func(err error) {
			s.endTransfer(t, tcpfs.Result{}, err)
		},
	}

	s.access.Lock()
	var err error
	switch req.Action {
	case tcpfs.ActionUpload:
		err = s.machine.StartUpload(data, req, cb)
	case tcpfs.ActionDownload:
		err = s.machine.StartDownload(req, cb)
	default:
		err = errors.New("unknown action ", uint8(req.Action))
	}
	if err == nil {
		t.id = s.machine.ID()
		s.task = t
	}
	s.access.Unlock()

	if err != nil {
		s.release()
		return nil, err
	}
	return t, nil
}

// endTransfer runs under s.access from a machine callback.
func (s *Session) endTransfer(t *Task, res tcpfs.Result, err error) {
	if s.task == t {
		s.task = nil
	}
	s.release()
	t.finish(res, err)
}

func (s *Session) loop() {
	var err error
	for {
		frame, rerr := s.conn.ReceiveNext()
		if rerr != nil {
			err = rerr
			break
		}
		if herr := s.handleFrame(frame); herr != nil && tcpfs.IsConnectionError(herr) {
			err = herr
			break
		}
	}
	s.shutdown(err)
}

func (s *Session) handleFrame(frame []byte) error {
	kind := tcpfs.Classify(frame)
	var msg tcpfs.Message
	var decodeErr error
	if kind == tcpfs.KindMessage {
		msg, decodeErr = tcpfs.DecodeMessage(frame)
		if decodeErr == nil && msg.IsPush() {
			s.onPush(msg)
			return nil
		}
	}

	s.access.Lock()
	defer s.access.Unlock()
	// Transfer control messages never carry a command, so a late acknowledgement of a
	// fire-and-forget command is not fed to the machine.
	if decodeErr == nil && msg.Command != nil {
		s.onResponse(msg)
		return nil
	}
	if s.machine.InProgress() {
		return s.machine.Handle(frame)
	}
	switch kind {
	case tcpfs.KindMessage:
		if decodeErr != nil {
			s.failPending(func(req tcpfs.Req) error {
				return &tcpfs.ProtocolError{Req: req, Reason: "undecodable response: " + decodeErr.Error()}
			})
			return nil
		}
		s.onResponse(msg)
	case tcpfs.KindArray:
		s.onBareList(frame)
	case tcpfs.KindRaw:
		errors.LogDebug(s.ctx, "raw frame of ", len(frame), " bytes dropped outside a transfer")
	}
	return nil
}

func (s *Session) failPending(build func(tcpfs.Req) error) {
	p := s.pending
	if p == nil {
		errors.LogDebug(s.ctx, "undecodable frame dropped")
		return
	}
	s.pending = nil
	p.finish(commandResult{err: build(p.req)})
}

// onResponse runs under s.access.
func (s *Session) onResponse(msg tcpfs.Message) {
	p := s.pending
	if msg.Command == nil {
		if p != nil && msg.State == tcpfs.TokenError {
			s.pending = nil
			p.finish(commandResult{msg: msg, err: tcpfs.CheckResponse(msg, p.req)})
			return
		}
		errors.LogDebug(s.ctx, "stray state message ", msg.State, " dropped")
		return
	}
	if p == nil || p.req != msg.Command.Req {
		if tcpfs.IsFireAndForget(msg.Command.Req) {
			if err := tcpfs.CheckResponse(msg, msg.Command.Req); err != nil {
				errors.LogWarningInner(s.ctx, err, msg.Command.Req, " rejected")
			}
			return
		}
		if p == nil {
			errors.LogWarning(s.ctx, "unsolicited ", msg.Command.Req, " response dropped")
			return
		}
	}
	s.pending = nil
	err := tcpfs.CheckResponse(msg, p.req)
	if err != nil {
		errors.LogWarningInner(s.ctx, err, p.req, " failed")
	}
	p.finish(commandResult{msg: msg, err: err})
}

// onBareList accepts a JSON array frame as the answer of a pending list command. Older
// servers answer this way.
func (s *Session) onBareList(frame []byte) {
	p := s.pending
	if p == nil {
		errors.LogDebug(s.ctx, "array frame dropped, no command pending")
		return
	}
	switch p.req {
	case tcpfs.ReqListChannels, tcpfs.ReqListFiles, tcpfs.ReqConnectedUsers:
		s.pending = nil
		p.finish(commandResult{msg: tcpfs.Message{
			Response: tcpfs.CodeOK,
			Command:  &tcpfs.Command{Req: p.req, Payload: frame},
		}})
	default:
		s.pending = nil
		p.finish(commandResult{err: &tcpfs.ProtocolError{Req: p.req, Reason: "array frame"}})
	}
}

func (s *Session) onPush(msg tcpfs.Message) {
	if msg.Response == tcpfs.CodeUpdate {
		errors.LogDebug(s.ctx, "UPDATE received")
		if h := s.handlers.OnUpdate; h != nil {
			s.notify(h)
		}
		return
	}
	users, err := tcpfs.DecodeStrings(msg.Command.Payload)
	if err != nil {
		errors.LogWarningInner(s.ctx, err, "invalid connected users push")
		return
	}
	if h := s.handlers.OnConnectedUsers; h != nil {
		s.notify(func() { h(users) })
	}
}

// notify is only called from the read loop. It never blocks: with a full queue the oldest
// notification makes room for f.
func (s *Session) notify(f func()) {
	for {
		select {
		case s.notifications <- f:
			return
		default:
		}
		select {
		case <-s.notifications:
			errors.LogDebug(s.ctx, "handlers are behind, oldest notification dropped")
		default:
		}
	}
}

func (s *Session) notifier() {
	defer close(s.notifierDone)
	for f := range s.notifications {
		f()
	}
}

func (s *Session) shutdown(err error) {
	s.conn.Close()
	if err == nil || errors.Is(err, tcpfs.ErrClosed) {
		err = &tcpfs.ConnectionError{Op: "read", Err: tcpfs.ErrClosed}
	}

	s.access.Lock()
	s.err = err
	s.machine.Abort(err)
	if p := s.pending; p != nil {
		s.pending = nil
		p.finish(commandResult{err: err})
	}
	s.access.Unlock()
	close(s.done)

	if errors.Is(err, tcpfs.ErrClosed) {
		errors.LogInfo(s.ctx, "session closed")
	} else {
		errors.LogWarningInner(s.ctx, err, "session ended")
	}
	if h := s.handlers.OnClose; h != nil {
		s.notifications <- func() { h(err) }
	}
	close(s.notifications)
}
