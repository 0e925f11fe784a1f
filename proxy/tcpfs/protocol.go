// Package tcpfs implements the client side of the tcpfs file transfer protocol: length-prefixed
// frames carrying JSON control messages and raw payload chunks over one TCP connection.
package tcpfs

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/tcpfs/tcpfs/common/errors"
)

// DefaultChunkSize is the number of payload bytes moved per chunk frame.
const DefaultChunkSize = 1024

// Token is the state carried by a transfer control message.
type Token uint8

const (
	TokenStart Token = iota + 1
	TokenData
	TokenStream
	TokenEOF
	TokenDone
	TokenError
)

func (t Token) String() string {
	switch t {
	case TokenStart:
		return "START"
	case TokenData:
		return "DATA"
	case TokenStream:
		return "STREAM"
	case TokenEOF:
		return "EOF"
	case TokenDone:
		return "DONE"
	case TokenError:
		return "ERROR"
	}
	return "NONE"
}

// ParseToken accepts the wire name of a token in any letter case.
func ParseToken(s string) (Token, error) {
	switch strings.ToUpper(s) {
	case "START":
		return TokenStart, nil
	case "DATA":
		return TokenData, nil
	case "STREAM":
		return TokenStream, nil
	case "EOF":
		return TokenEOF, nil
	case "DONE":
		return TokenDone, nil
	case "ERROR":
		return TokenError, nil
	}
	return 0, errors.New("invalid state value: ", s)
}

func (t Token) MarshalText() ([]byte, error) {
	if t < TokenStart || t > TokenError {
		return nil, errors.New("invalid state token ", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Token) UnmarshalText(b []byte) error {
	v, err := ParseToken(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Action is the direction of a transfer. It travels as its ordinal.
type Action uint8

const (
	ActionUpload Action = iota
	ActionDownload
)

func (a Action) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	}
	return "unknown"
}

func (a *Action) UnmarshalJSON(b []byte) error {
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return errors.New("invalid action").Base(err)
	}
	switch Action(v) {
	case ActionUpload, ActionDownload:
		*a = Action(v)
		return nil
	}
	return errors.New("invalid action ", v)
}

// Req names a command request.
type Req uint8

const (
	ReqListChannels Req = iota + 1
	ReqListFiles
	ReqCID
	ReqCreateChannel
	ReqSubscribe
	ReqConnectedUsers
	ReqSubscribeToListConnectedUsers
)

func (r Req) String() string {
	switch r {
	case ReqListChannels:
		return "LIST_CHANNELS"
	case ReqListFiles:
		return "LIST_FILES"
	case ReqCID:
		return "CID"
	case ReqCreateChannel:
		return "CREATE_CHANNEL"
	case ReqSubscribe:
		return "SUBSCRIBE"
	case ReqConnectedUsers:
		return "CONNECTED_USERS"
	case ReqSubscribeToListConnectedUsers:
		return "SUBSCRIBE_TO_LIST_CONNECTED_USERS"
	}
	return "NONE"
}

// ParseReq maps a wire request name to a Req.
func ParseReq(s string) (Req, error) {
	switch s {
	case "LIST_CHANNELS":
		return ReqListChannels, nil
	case "LIST_FILES":
		return ReqListFiles, nil
	case "CID":
		return ReqCID, nil
	case "CREATE_CHANNEL":
		return ReqCreateChannel, nil
	case "SUBSCRIBE":
		return ReqSubscribe, nil
	case "CONNECTED_USERS":
		return ReqConnectedUsers, nil
	case "SUBSCRIBE_TO_LIST_CONNECTED_USERS":
		return ReqSubscribeToListConnectedUsers, nil
	}
	return 0, errors.New("invalid command request: ", s)
}

func (r Req) MarshalText() ([]byte, error) {
	if r < ReqListChannels || r > ReqSubscribeToListConnectedUsers {
		return nil, errors.New("invalid command request ", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Req) UnmarshalText(b []byte) error {
	v, err := ParseReq(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Code is the response code of a command response.
type Code int

const (
	CodeConnect Code = iota
	CodeQuit
	// CodeUpdate is pushed by the server when the file list changed.
	CodeUpdate
	CodeOK
)

// Payload is the Data field of a control message: a JSON document sent as a byte string.
// A nil Payload encodes as null.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return json.Marshal([]byte(p))
}

// UnmarshalJSON accepts null, a base64 string, or an array of byte values (signed or not).
func (p *Payload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*p = nil
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return errors.New("payload is not base64").Base(err)
		}
		*p = raw
		return nil
	case b[0] == '[':
		var values []int
		if err := json.Unmarshal(b, &values); err != nil {
			return errors.New("payload is not a byte array").Base(err)
		}
		raw := make([]byte, len(values))
		for i, v := range values {
			if v < -128 || v > 255 {
				return errors.New("payload byte out of range: ", v)
			}
			raw[i] = byte(v)
		}
		*p = raw
		return nil
	}
	return errors.New("unsupported payload encoding")
}

// Decode unmarshals the JSON document carried by p into v.
func (p Payload) Decode(v interface{}) error {
	if len(p) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(p, v)
}

// NewPayload encodes v as a Payload.
func NewPayload(v interface{}) (Payload, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Payload(b), nil
}

// Command is the Command object of requests and responses.
type Command struct {
	Req     Req             `json:"REQ"`
	Channel string          `json:"CHANNEL,omitempty"`
	Payload json.RawMessage `json:"PAYLOAD,omitempty"`
}

// Message is any control message read from the wire.
type Message struct {
	Response Code     `json:"Response,omitempty"`
	Command  *Command `json:"Command,omitempty"`
	State    Token    `json:"State,omitempty"`
	Data     Payload  `json:"Data,omitempty"`
}

// StateMessage is a transfer control message as written by the client. Data is always present.
type StateMessage struct {
	State Token   `json:"State"`
	Data  Payload `json:"Data"`
}

// ChannelRef is how a channel is named inside a StartPayload.
type ChannelRef struct {
	Name string `json:"Name"`
}

// StartPayload describes a transfer in the START message.
type StartPayload struct {
	Action  Action     `json:"Action"`
	Value   string     `json:"Value"`
	Size    int64      `json:"Size"`
	Channel ChannelRef `json:"Channel"`
}

// StreamPayload announces the size of a download.
type StreamPayload struct {
	Size int64 `json:"Size"`
}

// ErrorPayload is sent by the server along with the ERROR token.
type ErrorPayload struct {
	Message string `json:"Message"`
}

// Request is one transfer as initiated by the caller.
type Request struct {
	Action  Action
	File    string
	Channel string
	// Size is the declared byte count; zero for downloads until the server reports it.
	Size int64
}

func (r Request) StartPayload() StartPayload {
	return StartPayload{
		Action:  r.Action,
		Value:   r.File,
		Size:    r.Size,
		Channel: ChannelRef{Name: r.Channel},
	}
}

func (r Request) validate() error {
	if r.File == "" {
		return errors.New("missing file name")
	}
	if r.Channel == "" {
		return errors.New("missing channel name")
	}
	if r.Size < 0 {
		return errors.New("negative size ", r.Size)
	}
	return nil
}

// NewStartMessage builds the START control message for r.
func NewStartMessage(r Request) (StateMessage, error) {
	p, err := NewPayload(r.StartPayload())
	if err != nil {
		return StateMessage{}, err
	}
	return StateMessage{State: TokenStart, Data: p}, nil
}

// NewStateMessage builds a control message carrying t and no data.
func NewStateMessage(t Token) StateMessage {
	return StateMessage{State: t}
}

// DecodeMessage parses a control frame.
func DecodeMessage(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ServerError returns the message carried by an ERROR token, if any.
func (m Message) ServerError() string {
	if m.State != TokenError || len(m.Data) == 0 {
		return ""
	}
	var p ErrorPayload
	if err := m.Data.Decode(&p); err != nil {
		return ""
	}
	return p.Message
}

// IsPush reports whether m is a notification the server sends outside of any exchange.
func (m Message) IsPush() bool {
	if m.State != 0 {
		return false
	}
	if m.Response == CodeUpdate {
		return true
	}
	return m.Command != nil && m.Command.Req == ReqSubscribeToListConnectedUsers
}
