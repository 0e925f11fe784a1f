// Package conf reads the tcpfs configuration file and builds the runtime configs of each
// component from it.
package conf

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pelletier/go-toml"

	"github.com/tcpfs/tcpfs/common/errors"
	"github.com/tcpfs/tcpfs/common/log"
	"github.com/tcpfs/tcpfs/proxy/tcpfs/bridge"
	"github.com/tcpfs/tcpfs/proxy/tcpfs/inbound"
	"github.com/tcpfs/tcpfs/proxy/tcpfs/outbound"
)

// Duration reads "20s" style strings, or a plain number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return errors.New("invalid duration ", s).Base(err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(b, &seconds); err != nil {
		return errors.New("invalid duration ", string(b)).Base(err)
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func (c *LogConfig) Build() (log.Config, error) {
	if c == nil {
		return log.Config{}, nil
	}
	switch strings.ToLower(c.Format) {
	case "", "text", "json":
	default:
		return log.Config{}, errors.New("unknown log format ", c.Format)
	}
	return log.Config{Level: c.Level, Format: c.Format}, nil
}

type ClientConfig struct {
	Address      string   `json:"address"`
	Channel      string   `json:"channel"`
	ChunkSize    int      `json:"chunkSize"`
	DialTimeout  Duration `json:"dialTimeout"`
	DialAttempts int      `json:"dialAttempts"`
	RetryDelay   Duration `json:"retryDelay"`
	ReadTimeout  Duration `json:"readTimeout"`
	Socks        string   `json:"socks"`
}

func (c *ClientConfig) Build() (*outbound.Config, error) {
	if c == nil {
		return &outbound.Config{}, nil
	}
	if c.ChunkSize < 0 {
		return nil, errors.New("negative chunk size ", c.ChunkSize)
	}
	if c.Socks != "" && !strings.HasPrefix(c.Socks, "socks") {
		return nil, errors.New("socks proxy must be a socks4://, socks4a:// or socks5:// URI: ", c.Socks)
	}
	return &outbound.Config{
		Address:      c.Address,
		Channel:      c.Channel,
		ChunkSize:    c.ChunkSize,
		DialTimeout:  time.Duration(c.DialTimeout),
		DialAttempts: c.DialAttempts,
		RetryDelay:   time.Duration(c.RetryDelay),
		ReadTimeout:  time.Duration(c.ReadTimeout),
		Socks:        c.Socks,
	}, nil
}

type ServerConfig struct {
	Listen        string   `json:"listen"`
	Channels      []string `json:"channels"`
	ChunkSize     int      `json:"chunkSize"`
	ReadTimeout   Duration `json:"readTimeout"`
	EchoEOF       bool     `json:"echoEOF"`
	ProxyProtocol bool     `json:"proxyProtocol"`
}

func (c *ServerConfig) Build() (*inbound.Config, error) {
	if c == nil {
		return &inbound.Config{}, nil
	}
	if c.ChunkSize < 0 {
		return nil, errors.New("negative chunk size ", c.ChunkSize)
	}
	return &inbound.Config{
		ChunkSize:   c.ChunkSize,
		ReadTimeout: time.Duration(c.ReadTimeout),
		EchoEOF:     c.EchoEOF,
	}, nil
}

type BridgeConfig struct {
	Listen string `json:"listen"`
	Path   string `json:"path"`
}

func (c *BridgeConfig) Build() (*bridge.Config, error) {
	if c == nil {
		return &bridge.Config{}, nil
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return nil, errors.New("bridge path must start with /: ", c.Path)
	}
	return &bridge.Config{Listen: c.Listen, Path: c.Path}, nil
}

// Config is the whole configuration file. Every section is optional.
type Config struct {
	Log    *LogConfig    `json:"log"`
	Client *ClientConfig `json:"client"`
	Server *ServerConfig `json:"server"`
	Bridge *BridgeConfig `json:"bridge"`
}

// Decode reads a configuration in format "json", "yaml" or "toml".
func Decode(data []byte, format string) (*Config, error) {
	var (
		raw []byte
		err error
	)
	switch strings.ToLower(format) {
	case "json":
		raw = data
	case "yaml", "yml":
		raw, err = yaml.YAMLToJSON(data)
		if err != nil {
			return nil, errors.New("failed to read YAML config").Base(err)
		}
	case "toml":
		tree, terr := toml.LoadBytes(data)
		if terr != nil {
			return nil, errors.New("failed to read TOML config").Base(terr)
		}
		raw, err = json.Marshal(tree.ToMap())
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unknown config format ", format)
	}

	config := new(Config)
	if len(bytes.TrimSpace(raw)) == 0 {
		return config, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(config); err != nil {
		return nil, errors.New("invalid ", format, " config").Base(err)
	}
	return config, nil
}

// Load reads the file at path. The format follows the extension; files without a known
// extension are read as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("failed to read config ", path).Base(err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch format {
	case "yaml", "yml", "toml", "json":
	default:
		format = "json"
	}
	return Decode(data, format)
}
