package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/adrenak/Matilda/pkg/codec"
	"github.com/adrenak/Matilda/pkg/config"
	"github.com/adrenak/Matilda/pkg/dispatch"
	"github.com/adrenak/Matilda/pkg/observability"
	"github.com/adrenak/Matilda/pkg/transport"
	"github.com/adrenak/Matilda/pkg/transport/quic"
	"github.com/adrenak/Matilda/pkg/transport/tcp"
	"github.com/adrenak/Matilda/pkg/transport/udp"
	"github.com/adrenak/Matilda/pkg/transport/winpipe"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("matilda-node started", zap.String("app", cfg.AppName), zap.String("mode", cfg.Mode))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	node, err := buildNode(cfg)
	if err != nil {
		zap.L().Error("failed to start transport", zap.Error(err))
		return 1
	}

	c, err := buildCodec(cfg)
	if err != nil {
		zap.L().Error("failed to select codec", zap.Error(err))
		return 1
	}

	d := dispatch.New(node, c,
		dispatch.WithLogger(logger),
		dispatch.WithRequestTimeout(time.Duration(cfg.RequestTimeoutMS)*time.Millisecond),
	)

	// Built-in diagnostic surface: any peer can probe liveness and wire
	// round-tripping without application code.
	d.Respond("ping", func(dispatch.Message) (any, error) {
		return map[string]any{"app": cfg.AppName, "time": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	})
	d.Respond("echo", func(req dispatch.Message) (any, error) {
		var v any
		if err := req.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	zap.L().Info("node is running; send SIGINT/SIGTERM to exit")
	<-sig

	zap.L().Info("shutting down")
	if err := d.Close(); err != nil {
		zap.L().Warn("close", zap.Error(err))
	}
	return 0
}

// buildNode constructs the transport Node described by the config.
func buildNode(cfg *config.Config) (transport.Node, error) {
	server := cfg.Mode == "server"
	addr := cfg.Transport.Address
	switch cfg.Transport.Kind {
	case "tcp":
		if server {
			return tcp.Listen(addr)
		}
		return tcp.Dial(addr)
	case "udp":
		if server {
			return udp.Listen(addr)
		}
		return udp.Dial(addr)
	case "quic":
		if server {
			return quic.Listen(addr)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return quic.Dial(ctx, addr)
	case "winpipe":
		if server {
			return winpipe.Listen(addr)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return winpipe.Dial(ctx, addr)
	case "mem":
		return nil, fmt.Errorf("mem transport is in-process only; pick tcp, udp, quic or winpipe")
	default:
		return nil, fmt.Errorf("unknown transport kind: %q", cfg.Transport.Kind)
	}
}

// buildCodec selects the payload codec named by the config.
func buildCodec(cfg *config.Config) (codec.Codec, error) {
	reg := codec.NewRegistry()
	var ct string
	switch cfg.Codec {
	case "json":
		ct = codec.ContentJSON
	case "cbor":
		ct = codec.ContentCBOR
	case "proto":
		ct = codec.ContentProto
	default:
		return nil, fmt.Errorf("unknown codec: %q", cfg.Codec)
	}
	c := reg.Get(ct)
	if c == nil {
		return nil, fmt.Errorf("codec not registered: %s", ct)
	}
	return c, nil
}
