package conf_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/tcpfs/tcpfs/infra/conf"
	"github.com/tcpfs/tcpfs/proxy/tcpfs/outbound"
)

const jsonConfig = `{
  "log": {"level": "debug", "format": "json"},
  "client": {
    "address": "files.example.com:9000",
    "channel": "docs",
    "readTimeout": "20s",
    "retryDelay": 0.5,
    "socks": "socks5://127.0.0.1:1080"
  },
  "server": {"listen": ":8080", "channels": ["test", "docs"], "echoEOF": true},
  "bridge": {"listen": ":8081", "path": "/users"}
}`

const yamlConfig = `
log:
  level: debug
  format: json
client:
  address: files.example.com:9000
  channel: docs
  readTimeout: 20s
  retryDelay: 0.5
  socks: socks5://127.0.0.1:1080
server:
  listen: ":8080"
  channels: [test, docs]
  echoEOF: true
bridge:
  listen: ":8081"
  path: /users
`

const tomlConfig = `
[log]
level = "debug"
format = "json"

[client]
address = "files.example.com:9000"
channel = "docs"
readTimeout = "20s"
retryDelay = 0.5
socks = "socks5://127.0.0.1:1080"

[server]
listen = ":8080"
channels = ["test", "docs"]
echoEOF = true

[bridge]
listen = ":8081"
path = "/users"
`

func TestDecodeFormatsAgree(t *testing.T) {
	want := &outbound.Config{
		Address:     "files.example.com:9000",
		Channel:     "docs",
		ReadTimeout: 20 * time.Second,
		RetryDelay:  500 * time.Millisecond,
		Socks:       "socks5://127.0.0.1:1080",
	}
	for format, data := range map[string]string{"json": jsonConfig, "yaml": yamlConfig, "toml": tomlConfig} {
		t.Run(format, func(t *testing.T) {
			config, err := Decode([]byte(data), format)
			require.NoError(t, err)

			client, err := config.Client.Build()
			require.NoError(t, err)
			if diff := cmp.Diff(want, client); diff != "" {
				t.Errorf("client config mismatch (-want +got):\n%s", diff)
			}

			server, err := config.Server.Build()
			require.NoError(t, err)
			assert.True(t, server.EchoEOF)
			assert.Equal(t, []string{"test", "docs"}, config.Server.Channels)

			bridge, err := config.Bridge.Build()
			require.NoError(t, err)
			assert.Equal(t, "/users", bridge.Path)

			logConfig, err := config.Log.Build()
			require.NoError(t, err)
			assert.Equal(t, "debug", logConfig.Level)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte(`{"client": {"adress": "x"}}`), "json")
	assert.Error(t, err, "unknown fields are rejected")

	_, err = Decode([]byte(`{}`), "ini")
	assert.Error(t, err)

	_, err = Decode([]byte(`{"client": {"readTimeout": "soon"}}`), "json")
	assert.Error(t, err)
}

func TestBuildValidates(t *testing.T) {
	_, err := (&ClientConfig{Socks: "http://proxy"}).Build()
	assert.Error(t, err)
	_, err = (&ClientConfig{ChunkSize: -1}).Build()
	assert.Error(t, err)
	_, err = (&BridgeConfig{Path: "users"}).Build()
	assert.Error(t, err)
	_, err = (&LogConfig{Format: "xml"}).Build()
	assert.Error(t, err)
}

func TestMissingSectionsBuildDefaults(t *testing.T) {
	config, err := Decode([]byte(``), "yaml")
	require.NoError(t, err)

	client, err := config.Client.Build()
	require.NoError(t, err)
	assert.Equal(t, &outbound.Config{}, client)

	_, err = config.Server.Build()
	assert.NoError(t, err)
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tcpfs.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o600))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "docs", config.Client.Channel)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
