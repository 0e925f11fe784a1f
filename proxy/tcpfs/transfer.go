package tcpfs

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/tcpfs/tcpfs/common/errors"
	"github.com/tcpfs/tcpfs/common/log"
)

// Result describes a finished transfer.
type Result struct {
	ID      string
	Action  Action
	File    string
	Channel string
	// Chunks counts the chunks this side sent or read, each at most the machine's chunk
	// size. A download counts ReceiveExactly reads, however the peer split its frames.
	Chunks int
	Size   int64
	// Data holds the received bytes of a download.
	Data   []byte
	Digest [32]byte
}

// DigestHex is the BLAKE3 digest of the transferred bytes in hex.
func (r Result) DigestHex() string {
	return hex.EncodeToString(r.Digest[:])
}

// Callbacks receive the outcome of one transfer. Exactly one of Done or Failed is called.
type Callbacks struct {
	Progress ProgressFunc
	Done     func(Result)
	Failed   func(error)
}

// Machine sequences one transfer at a time over a Transport.
//
// Upload:   START -> DATA -> EOF -> DONE -> START
// Download: START -> STREAM -> EOF -> DONE -> START
//
// Any unexpected token moves the machine to ERROR, which only Reset leaves.
// Machine is not safe for concurrent use.
type Machine struct {
	ctx       context.Context
	transport Transport
	chunkSize int

	state Token
	id    string
	req   Request
	src   []byte
	buf   *ChunkBuffer
	cb    Callbacks
	err   error
}

// NewMachine returns an idle machine. chunkSize <= 0 selects DefaultChunkSize.
func NewMachine(ctx context.Context, t Transport, chunkSize int) *Machine {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Machine{
		ctx:       ctx,
		transport: t,
		chunkSize: chunkSize,
		state:     TokenStart,
	}
}

// State returns the current state token.
func (m *Machine) State() Token { return m.state }

// InProgress reports whether a transfer is running and incoming control frames belong to it.
func (m *Machine) InProgress() bool {
	switch m.state {
	case TokenStart, TokenError:
		return false
	case TokenData, TokenStream, TokenEOF, TokenDone:
		return true
	}
	return false
}

// Err returns the failure that moved the machine to ERROR.
func (m *Machine) Err() error { return m.err }

// Request returns the transfer in flight or the last one that failed.
func (m *Machine) Request() Request { return m.req }

// Received returns the bytes of the current or failed download.
func (m *Machine) Received() []byte {
	if m.buf == nil {
		return nil
	}
	return m.buf.Bytes()
}

// Reset moves the machine from ERROR back to START.
func (m *Machine) Reset() error {
	if m.InProgress() {
		return ErrBusy
	}
	m.clear()
	m.err = nil
	m.state = TokenStart
	return nil
}

func (m *Machine) clear() {
	m.id = ""
	m.req = Request{}
	m.src = nil
	m.buf = nil
	m.cb = Callbacks{}
}

func (m *Machine) canStart() error {
	switch m.state {
	case TokenStart:
		return nil
	case TokenError:
		return ErrNeedsReset
	case TokenData, TokenStream, TokenEOF, TokenDone:
		return ErrBusy
	}
	return ErrBusy
}

// StartUpload sends START for an upload of data. req.Size is taken from len(data).
func (m *Machine) StartUpload(data []byte, req Request, cb Callbacks) error {
	if err := m.canStart(); err != nil {
		return err
	}
	req.Action = ActionUpload
	req.Size = int64(len(data))
	if err := req.validate(); err != nil {
		return err
	}
	if err := m.begin(req, cb); err != nil {
		return err
	}
	m.src = data
	m.state = TokenData
	return nil
}

// StartDownload sends START for a download.
func (m *Machine) StartDownload(req Request, cb Callbacks) error {
	if err := m.canStart(); err != nil {
		return err
	}
	req.Action = ActionDownload
	req.Size = 0
	if err := req.validate(); err != nil {
		return err
	}
	if err := m.begin(req, cb); err != nil {
		return err
	}
	m.state = TokenStream
	return nil
}

func (m *Machine) begin(req Request, cb Callbacks) error {
	msg, err := NewStartMessage(req)
	if err != nil {
		return err
	}
	m.clear()
	m.err = nil
	m.id = uuid.NewString()
	m.req = req
	m.cb = cb
	if err := m.send(msg); err != nil {
		m.state = TokenError
		m.err = err
		return err
	}
	errors.LogInfo(m.logContext(), "start message sent")
	return nil
}

// ID returns the identifier of the transfer in flight.
func (m *Machine) ID() string { return m.id }

func (m *Machine) logContext() context.Context {
	return log.ContextWithFields(m.ctx, logrus.Fields{
		"transfer": m.id,
		"action":   m.req.Action.String(),
		"file":     m.req.File,
		"channel":  m.req.Channel,
	})
}

// Handle feeds one control frame to the machine. It returns the error that failed the
// transfer, if any; a ConnectionError means the socket is no longer usable.
func (m *Machine) Handle(frame []byte) error {
	switch m.state {
	case TokenData:
		return m.onData(frame)
	case TokenStream:
		return m.onStream(frame)
	case TokenEOF:
		return m.onEOF(frame)
	case TokenDone:
		return m.onDone(frame)
	case TokenStart, TokenError:
		return errors.New("no transfer in progress, frame dropped").AtDebug()
	}
	return errors.New("unknown state ", uint8(m.state))
}

// Abort fails the transfer in flight with err, typically because the connection closed.
func (m *Machine) Abort(err error) {
	if !m.InProgress() {
		return
	}
	m.fail(err)
}

func (m *Machine) expect(frame []byte, want Token) (Message, error) {
	if Classify(frame) != KindMessage {
		return Message{}, &StateMismatchError{Expected: want, Reason: Classify(frame).String() + " frame"}
	}
	msg, err := DecodeMessage(frame)
	if err != nil {
		return Message{}, &StateMismatchError{Expected: want, Reason: "undecodable control message: " + err.Error()}
	}
	if msg.State != want {
		reason := msg.ServerError()
		if msg.State == 0 {
			reason = "message without state"
			if msg.Command != nil {
				reason = "command response " + msg.Command.Req.String()
			}
		}
		return msg, &StateMismatchError{Expected: want, Got: msg.State, Reason: reason}
	}
	return msg, nil
}

func (m *Machine) onData(frame []byte) error {
	if _, err := m.expect(frame, TokenData); err != nil {
		return m.fail(err)
	}
	errors.LogDebug(m.logContext(), "STATE=DATA confirmed")

	m.buf = NewUploadBuffer(m.src, m.chunkSize, m.cb.Progress)
	for {
		chunk, ok := m.buf.NextChunk()
		if !ok {
			break
		}
		if err := m.transport.Send(chunk); err != nil {
			return m.fail(err)
		}
	}
	m.state = TokenEOF
	errors.LogDebug(m.logContext(), m.buf.Chunks(), " chunks sent")
	return nil
}

func (m *Machine) onStream(frame []byte) error {
	msg, err := m.expect(frame, TokenStream)
	if err != nil {
		return m.fail(err)
	}
	var p StreamPayload
	if err := msg.Data.Decode(&p); err != nil {
		return m.fail(&StateMismatchError{Expected: TokenStream, Got: TokenStream, Reason: "invalid STREAM payload: " + err.Error()})
	}
	if p.Size < 0 {
		return m.fail(&StateMismatchError{Expected: TokenStream, Got: TokenStream, Reason: "negative size"})
	}
	m.req.Size = p.Size
	m.buf = NewDownloadBuffer(p.Size, m.cb.Progress)
	if err := m.send(NewStateMessage(TokenStream)); err != nil {
		return m.fail(err)
	}
	errors.LogDebug(m.logContext(), "STATE=STREAM confirmed, size ", p.Size)

	for !m.buf.IsDone() {
		want := int64(m.chunkSize)
		if r := m.buf.Remaining(); r < want {
			want = r
		}
		chunk, err := m.transport.ReceiveExactly(int(want))
		if err != nil {
			return m.fail(err)
		}
		m.buf.Append(chunk)
		if m.buf.IsOverflowed() {
			return m.fail(&OverflowError{Declared: m.buf.Size(), Actual: m.buf.Count()})
		}
	}

	if err := m.send(NewStateMessage(TokenEOF)); err != nil {
		return m.fail(err)
	}
	m.state = TokenEOF
	errors.LogDebug(m.logContext(), "EOF message sent")
	return nil
}

func (m *Machine) onEOF(frame []byte) error {
	switch m.req.Action {
	case ActionUpload:
		if _, err := m.expect(frame, TokenEOF); err != nil {
			return m.fail(err)
		}
		if err := m.send(NewStateMessage(TokenEOF)); err != nil {
			return m.fail(err)
		}
		m.state = TokenDone
		errors.LogDebug(m.logContext(), "EOF message sent")
		return nil
	case ActionDownload:
		// The server may echo EOF before DONE, or answer DONE directly.
		msg, err := m.expect(frame, TokenEOF)
		if err == nil {
			m.state = TokenDone
			return nil
		}
		if msg.State == TokenDone {
			m.complete()
			return nil
		}
		return m.fail(err)
	}
	return m.fail(errors.New("unknown action ", uint8(m.req.Action)))
}

func (m *Machine) onDone(frame []byte) error {
	if _, err := m.expect(frame, TokenDone); err != nil {
		return m.fail(err)
	}
	m.complete()
	return nil
}

func (m *Machine) complete() {
	res := Result{
		ID:      m.id,
		Action:  m.req.Action,
		File:    m.req.File,
		Channel: m.req.Channel,
		Size:    m.req.Size,
	}
	if m.buf != nil {
		res.Chunks = m.buf.Chunks()
	}
	switch m.req.Action {
	case ActionUpload:
		res.Digest = blake3.Sum256(m.src)
	case ActionDownload:
		if m.buf != nil {
			res.Data = m.buf.Bytes()
		}
		res.Digest = blake3.Sum256(res.Data)
	}
	errors.LogInfo(m.logContext(), "transfer done, ", res.Chunks, " chunks")

	cb := m.cb
	m.clear()
	m.state = TokenStart
	if cb.Done != nil {
		cb.Done(res)
	}
}

func (m *Machine) fail(err error) error {
	if IsConnectionError(err) {
		errors.LogWarningInner(m.logContext(), err, "transfer aborted")
	} else {
		errors.LogWarningInner(m.logContext(), err, "transfer failed in state ", m.state)
	}
	m.state = TokenError
	m.err = err
	cb := m.cb
	m.cb = Callbacks{}
	if cb.Failed != nil {
		cb.Failed(err)
	}
	return err
}

func (m *Machine) send(msg StateMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return m.transport.Send(b)
}
