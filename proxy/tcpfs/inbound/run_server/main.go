// Command run_server starts an in-memory tcpfs server.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pires/go-proxyproto"

	"github.com/tcpfs/tcpfs/common/errors"
	"github.com/tcpfs/tcpfs/common/log"
	"github.com/tcpfs/tcpfs/infra/conf"
	"github.com/tcpfs/tcpfs/proxy/tcpfs/inbound"
)

func main() {
	var (
		configPath = flag.String("config", "", "configuration file (json, yaml or toml)")
		listen     = flag.String("listen", "", "listen address, default 127.0.0.1:8080")
		channels   = flag.String("channels", "", "comma separated channels to create at start")
		echoEOF    = flag.Bool("echo-eof", false, "answer EOF before DONE at the end of downloads")
		proxyProto = flag.Bool("proxy-protocol", false, "accept PROXY protocol headers")
		logLevel   = flag.String("log-level", "", "log level")
	)
	flag.Parse()

	config := &conf.Config{}
	if *configPath != "" {
		loaded, err := conf.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		config = loaded
	}
	if config.Server == nil {
		config.Server = &conf.ServerConfig{}
	}
	if config.Log == nil {
		config.Log = &conf.LogConfig{}
	}
	if *listen != "" {
		config.Server.Listen = *listen
	}
	if config.Server.Listen == "" {
		config.Server.Listen = "127.0.0.1:8080"
	}
	if *channels != "" {
		config.Server.Channels = strings.Split(*channels, ",")
	}
	if *echoEOF {
		config.Server.EchoEOF = true
	}
	if *proxyProto {
		config.Server.ProxyProtocol = true
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}

	logConfig, err := config.Log.Build()
	if err != nil {
		fatal(err)
	}
	logger, err := log.New(logConfig)
	if err != nil {
		fatal(err)
	}
	log.SetLogger(logger)

	serverConfig, err := config.Server.Build()
	if err != nil {
		fatal(err)
	}
	handler := inbound.New(*serverConfig, inbound.NewStore(config.Server.Channels...))

	ln, err := net.Listen("tcp", config.Server.Listen)
	if err != nil {
		fatal(errors.New("failed to listen on ", config.Server.Listen).Base(err))
	}
	if config.Server.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	errors.LogInfo(ctx, "tcpfs server listening on ", ln.Addr())
	if err := handler.Serve(ctx, ln); err != nil {
		fatal(err)
	}
	errors.LogInfo(ctx, "tcpfs server stopped")
}

func fatal(err error) {
	errors.LogError(context.Background(), err)
	os.Exit(1)
}
