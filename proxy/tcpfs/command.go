package tcpfs

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tcpfs/tcpfs/common/errors"
)

// NewCommandRequest builds a request for req. channel is only sent when not empty.
func NewCommandRequest(req Req, channel string) Message {
	return Message{Command: &Command{Req: req, Channel: channel}}
}

// IsFireAndForget reports whether the client does not wait for the response of req.
func IsFireAndForget(req Req) bool {
	switch req {
	case ReqCreateChannel, ReqSubscribe, ReqSubscribeToListConnectedUsers:
		return true
	case ReqListChannels, ReqListFiles, ReqCID, ReqConnectedUsers:
		return false
	}
	return false
}

// CheckResponse validates msg as the response of a req command.
func CheckResponse(msg Message, req Req) error {
	if msg.Command == nil {
		return &ProtocolError{Req: req, Code: msg.Response, Reason: "response without command"}
	}
	if msg.Command.Req != req {
		return &ProtocolError{Req: req, Code: msg.Response, Reason: "response to " + msg.Command.Req.String()}
	}
	if msg.Response != CodeOK {
		reason := msg.ServerError()
		if reason == "" {
			reason = "response not OK"
		}
		return &ProtocolError{Req: req, Code: msg.Response, Reason: reason}
	}
	return nil
}

// DecodeStrings reads a list payload. The server sends the list as a JSON string holding a
// JSON array, a null payload for an empty list, or the array itself.
func DecodeStrings(payload json.RawMessage) ([]string, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return []string{}, nil
	}
	if payload[0] == '"' {
		var inner string
		if err := json.Unmarshal(payload, &inner); err != nil {
			return []string{}, err
		}
		return DecodeStrings(json.RawMessage(inner))
	}
	var list []string
	if err := json.Unmarshal(payload, &list); err != nil {
		return []string{}, errors.New("invalid list payload").Base(err)
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

// DecodeCID reads a session identity sent either as a number or a decimal string.
func DecodeCID(payload json.RawMessage) (int, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return 0, errors.New("empty CID payload")
	}
	if payload[0] == '"' {
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return 0, err
		}
		id, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, errors.New("invalid CID payload").Base(err)
		}
		return id, nil
	}
	var id int
	if err := json.Unmarshal(payload, &id); err != nil {
		return 0, errors.New("invalid CID payload").Base(err)
	}
	return id, nil
}

// EncodeStrings is the server side of DecodeStrings: a JSON string holding the JSON list,
// "null" for a nil list.
func EncodeStrings(list []string) json.RawMessage {
	inner, _ := json.Marshal(list)
	outer, _ := json.Marshal(string(inner))
	return outer
}

// EncodeString wraps s as a PAYLOAD value.
func EncodeString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
