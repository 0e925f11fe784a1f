// Command tcpfs is a command line client for tcpfs servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tcpfs/tcpfs/common/errors"
	"github.com/tcpfs/tcpfs/common/log"
	"github.com/tcpfs/tcpfs/infra/conf"
	"github.com/tcpfs/tcpfs/proxy/tcpfs/bridge"
	"github.com/tcpfs/tcpfs/proxy/tcpfs/outbound"
)

const usage = `usage: tcpfs [flags] <command> [args]

commands:
  channels                  list channels
  files                     list the files of the channel
  cid                       print the identity assigned by the server
  users                     list connected users
  mkchan <name>             create a channel
  upload <path> [name]      upload a local file
  download <name> [path]    download a file, to stdout when path is -
  bridge                    republish connected users over WebSocket

flags:
`

type options struct {
	config   string
	address  string
	channel  string
	socks    string
	timeout  time.Duration
	logLevel string
	quiet    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.config, "config", "", "configuration file (json, yaml or toml)")
	flag.StringVar(&opts.address, "addr", "", "server address, default localhost:8080")
	flag.StringVar(&opts.channel, "channel", "", "channel, default "+outbound.DefaultChannel)
	flag.StringVar(&opts.socks, "socks", "", "dial through a SOCKS proxy, e.g. socks5://127.0.0.1:1080")
	flag.DurationVar(&opts.timeout, "timeout", 0, "server read timeout while a request is outstanding")
	flag.StringVar(&opts.logLevel, "log-level", "", "log level")
	flag.BoolVar(&opts.quiet, "q", false, "do not print transfer progress")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, opts, flag.Args()); err != nil {
		errors.LogError(ctx, err)
		cancel()
		os.Exit(1)
	}
}

func loadConfig(opts options) (*conf.Config, error) {
	config := &conf.Config{}
	if opts.config != "" {
		loaded, err := conf.Load(opts.config)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if config.Client == nil {
		config.Client = &conf.ClientConfig{}
	}
	if config.Log == nil {
		config.Log = &conf.LogConfig{}
	}
	if opts.address != "" {
		config.Client.Address = opts.address
	}
	if config.Client.Address == "" {
		config.Client.Address = "localhost"
	}
	if opts.channel != "" {
		config.Client.Channel = opts.channel
	}
	if opts.socks != "" {
		config.Client.Socks = opts.socks
	}
	if opts.timeout > 0 {
		config.Client.ReadTimeout = conf.Duration(opts.timeout)
	}
	if opts.logLevel != "" {
		config.Log.Level = opts.logLevel
	}
	return config, nil
}

func run(ctx context.Context, opts options, args []string) error {
	config, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logConfig, err := config.Log.Build()
	if err != nil {
		return err
	}
	logConfig.Output = os.Stderr
	logger, err := log.New(logConfig)
	if err != nil {
		return err
	}
	log.SetLogger(logger)

	clientConfig, err := config.Client.Build()
	if err != nil {
		return err
	}

	command, args := args[0], args[1:]
	if command == "bridge" {
		return runBridge(ctx, config, *clientConfig)
	}

	session, err := outbound.Dial(ctx, *clientConfig, outbound.Handlers{})
	if err != nil {
		return err
	}
	defer session.Close()

	switch command {
	case "channels":
		return printList(session.ListChannels(ctx))
	case "files":
		return printList(session.ListFiles(ctx))
	case "users":
		return printList(session.ConnectedUsers(ctx))
	case "cid":
		id, err := session.CID(ctx)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	case "mkchan":
		if len(args) != 1 {
			return errors.New("mkchan takes a channel name")
		}
		return session.CreateChannel(ctx, args[0])
	case "upload":
		return upload(ctx, session, args, opts.quiet)
	case "download":
		return download(ctx, session, args, opts.quiet)
	}
	return errors.New("unknown command ", command)
}

func printList(list []string, err error) error {
	if err != nil {
		return err
	}
	for _, item := range list {
		fmt.Println(item)
	}
	return nil
}

func upload(ctx context.Context, session *outbound.Session, args []string, quiet bool) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("upload takes a path and an optional name")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.New("failed to read ", args[0]).Base(err)
	}
	name := filepath.Base(args[0])
	if len(args) == 2 {
		name = args[1]
	}
	t, err := session.Upload(ctx, name, data)
	if err != nil {
		return err
	}
	return report(ctx, t, quiet)
}

func download(ctx context.Context, session *outbound.Session, args []string, quiet bool) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("download takes a name and an optional path")
	}
	path := args[0]
	if len(args) == 2 {
		path = args[1]
	}

	if path == "-" {
		t, err := session.Download(ctx, args[0], os.Stdout)
		if err != nil {
			return err
		}
		return report(ctx, t, true)
	}

	f, err := createPartial(path)
	if err != nil {
		return err
	}
	t, err := session.Download(ctx, args[0], f)
	if err == nil {
		err = report(ctx, t, quiet)
	}
	return f.finish(err)
}

// partialFile is written next to its target and renamed over it only when the download
// succeeded, so a failed transfer leaves nothing behind.
type partialFile struct {
	*os.File
	path string
}

func createPartial(path string) (*partialFile, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return nil, errors.New("failed to create ", path).Base(err)
	}
	return &partialFile{File: f, path: path}, nil
}

func (f *partialFile) finish(err error) error {
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.New("failed to write ", f.path).Base(cerr)
	}
	if err == nil {
		if rerr := os.Rename(f.Name(), f.path); rerr != nil {
			err = errors.New("failed to rename to ", f.path).Base(rerr)
		}
	}
	if err != nil {
		os.Remove(f.Name())
	}
	return err
}

func report(ctx context.Context, t *outbound.Task, quiet bool) error {
	for fraction := range t.Progress() {
		if !quiet {
			fmt.Fprintf(os.Stderr, "\r%s %s %3.0f%%", t.Action(), t.File(), fraction*100)
		}
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}
	res, err := t.Wait(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s %s/%s: %d bytes, %d chunks, blake3 %s\n",
		strings.ToLower(res.Action.String()), res.Channel, res.File, res.Size, res.Chunks, res.DigestHex())
	return nil
}

func runBridge(ctx context.Context, config *conf.Config, clientConfig outbound.Config) error {
	bridgeConfig, err := config.Bridge.Build()
	if err != nil {
		return err
	}
	b := bridge.New(*bridgeConfig)
	session, err := outbound.Dial(ctx, clientConfig, outbound.Handlers{
		OnConnectedUsers: b.Publish,
	})
	if err != nil {
		return err
	}
	defer session.Close()
	if err := session.SubscribeConnectedUsers(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-session.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := b.ListenAndServe(ctx); err != nil {
		return err
	}
	return session.Err()
}
