// Command libmux-probe connects to a backend, lists a directory, prints
// the connection health and optionally streams path events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sonirico/libmux"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		rawURL     string
		legacyURL  string
		path       string
		codec      string
		logLevel   string
		watch      bool
	)

	flagSet := pflag.NewFlagSet("libmux-probe", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&rawURL, "url", "", "websocket endpoint (overrides the config)")
	flagSet.StringVar(&legacyURL, "legacy-url", "", "legacy REST base url, enables fallback")
	flagSet.StringVarP(&path, "path", "p", ".", "directory to list")
	flagSet.StringVar(&codec, "codec", "", "wire codec: json or cbor")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, error or off")
	flagSet.BoolVarP(&watch, "watch", "w", false, "stream path events until interrupted")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(configPath, rawURL)
	if err != nil {
		return err
	}
	if legacyURL != "" {
		cfg.Legacy.Enabled = true
		cfg.Legacy.BaseURL = legacyURL
	}
	if codec != "" {
		cfg.Codec = codec
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(libmux.ZerologLevel(libmux.ParseLogLevel(cfg.LogLevel))).
		With().Timestamp().Logger()

	svc, err := libmux.NewService(cfg, libmux.WithLogger(libmux.NewZerologLogger(zl)))
	if err != nil {
		return err
	}
	defer svc.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.On(libmux.EventFallback, func(ev libmux.Event) {
		zl.Warn().Str("method", ev.Method).Msg("using legacy transport")
	})
	svc.On(libmux.EventOperationFailed, func(ev libmux.Event) {
		zl.Error().Str("method", ev.Method).Stringer("kind", ev.Kind).Err(ev.Err).Msg("operation failed")
	})

	entries, err := svc.ReadDirectory(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "list %s", path)
	}
	for _, e := range entries {
		kind := "f"
		if e.IsDir {
			kind = "d"
		}
		fmt.Printf("%s %10d %s\n", kind, e.Size, e.Path)
	}

	h := svc.Health()
	fmt.Printf("connection %s state=%s latency=%s outstanding=%d queued=%d reconnects=%d\n",
		h.ConnectionID, h.State, h.Latency, h.Outstanding, h.Queued, h.Reconnects)

	if !watch {
		return nil
	}

	sub, err := svc.Subscribe([]string{
		libmux.TopicPathCreated,
		libmux.TopicPathDeleted,
		libmux.TopicPathMoved,
	}, func(ev libmux.TopicEvent) {
		var p libmux.PathEvent
		if err := ev.Decode(&p); err != nil {
			zl.Warn().Err(err).Msg("bad path event")
			return
		}
		if p.From != "" {
			fmt.Printf("%s %s -> %s\n", ev.Type, p.From, p.Path)
			return
		}
		fmt.Printf("%s %s\n", ev.Type, p.Path)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	svc.On(libmux.EventHealth, func(ev libmux.Event) {
		zl.Debug().Dur("latency", ev.Health.Latency).Int("queued", ev.Health.Queued).Msg("health")
	})

	<-ctx.Done()
	return nil
}

func loadConfig(path, rawURL string) (*libmux.Config, error) {
	if path == "" {
		if rawURL == "" {
			return nil, errors.New("either --config or --url is required")
		}
		return libmux.DefaultConfig(rawURL), nil
	}

	cfg, err := libmux.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if rawURL != "" {
		cfg.URL = rawURL
	}
	return cfg, nil
}
