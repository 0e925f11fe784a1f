package tcpfs

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStrings(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    []string
	}{
		{"absent", ``, []string{}},
		{"null", `null`, []string{}},
		{"null in string", `"null"`, []string{}},
		{"list in string", `"[\"test\",\"docs\"]"`, []string{"test", "docs"}},
		{"bare list", `["a.txt"]`, []string{"a.txt"}},
		{"empty list", `"[]"`, []string{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := DecodeStrings(json.RawMessage(c.payload))
			require.NoError(t, err)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("DecodeStrings(%s) mismatch (-want +got):\n%s", c.payload, diff)
			}
		})
	}

	_, err := DecodeStrings(json.RawMessage(`{"a":1}`))
	assert.Error(t, err)
	_, err = DecodeStrings(json.RawMessage(`"[1,2]"`))
	assert.Error(t, err)
}

func TestEncodeStringsMatchesDecode(t *testing.T) {
	for _, list := range [][]string{nil, {}, {"one"}, {"a", "b"}} {
		got, err := DecodeStrings(EncodeStrings(list))
		require.NoError(t, err)
		assert.Len(t, got, len(list))
	}
	assert.Equal(t, `"null"`, string(EncodeStrings(nil)))
}

func TestDecodeCID(t *testing.T) {
	id, err := DecodeCID(json.RawMessage(`"42"`))
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	id, err = DecodeCID(json.RawMessage(`7`))
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	for _, bad := range []string{``, `"x"`, `[1]`, `null`} {
		_, err := DecodeCID(json.RawMessage(bad))
		assert.Error(t, err, bad)
	}
}

func TestCheckResponse(t *testing.T) {
	ok := Message{Response: CodeOK, Command: &Command{Req: ReqListChannels}}
	assert.NoError(t, CheckResponse(ok, ReqListChannels))

	var pe *ProtocolError
	err := CheckResponse(ok, ReqListFiles)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReqListFiles, pe.Req)

	err = CheckResponse(Message{Response: CodeQuit, Command: &Command{Req: ReqCID}}, ReqCID)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeQuit, pe.Code)

	data, _ := NewPayload(ErrorPayload{Message: "no such channel"})
	err = CheckResponse(Message{Command: &Command{Req: ReqListFiles}, State: TokenError, Data: data}, ReqListFiles)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "no such channel", pe.Reason)

	err = CheckResponse(Message{Response: CodeOK}, ReqCID)
	assert.ErrorAs(t, err, &pe)
}

func TestIsFireAndForget(t *testing.T) {
	assert.True(t, IsFireAndForget(ReqCreateChannel))
	assert.True(t, IsFireAndForget(ReqSubscribe))
	assert.True(t, IsFireAndForget(ReqSubscribeToListConnectedUsers))
	assert.False(t, IsFireAndForget(ReqListFiles))
	assert.False(t, IsFireAndForget(ReqCID))
}
