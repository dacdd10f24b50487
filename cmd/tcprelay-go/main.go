package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/database64128/tcprelay-go/jsonhelper"
	"github.com/database64128/tcprelay-go/service"
	"github.com/database64128/tcprelay-go/tslog"
)

var (
	testConf   bool
	confPath   string
	saveConf   string
	zapConf    string
	logKind    string
	logNoColor bool
	logNoTime  bool
	logLevel   slog.Level
	rf         relayFlags
)

func init() {
	flag.BoolVar(&testConf, "testConf", false, "Test the configuration without starting the services")
	flag.StringVar(&confPath, "confPath", "", "Path to JSON configuration file")
	flag.StringVar(&saveConf, "saveConf", "", "Save the configuration, with defaults applied, to this path and exit")
	flag.StringVar(&logKind, "logKind", tslog.KindTint, "Log handler.\nAvailable kinds: tint, text, json, zap")
	flag.StringVar(&zapConf, "zapConf", "", "Preset name or path to JSON configuration file for building the zap logger, when -logKind is zap.\nAvailable presets: console (default), console-nocolor, console-notime, systemd, production, development")
	flag.BoolVar(&logNoColor, "logNoColor", false, "Disable color output")
	flag.BoolVar(&logNoTime, "logNoTime", false, "Disable timestamps")
	flag.TextVar(&logLevel, "logLevel", slog.LevelInfo, "Log level.\nAvailable levels: debug, info, warn, error")

	flag.BoolVar(&rf.encrypt, "client", false, "Run a single relay that encrypts toward -forward (alias of -encrypt)")
	flag.BoolVar(&rf.encrypt, "encrypt", false, "Run a single relay that encrypts toward -forward")
	flag.BoolVar(&rf.decrypt, "server", false, "Run a single relay that decrypts toward -forward (alias of -decrypt)")
	flag.BoolVar(&rf.decrypt, "decrypt", false, "Run a single relay that decrypts toward -forward")
	flag.BoolVar(&rf.passthrough, "proxy", false, "Run a single relay that forwards bytes unchanged (alias of -passthrough)")
	flag.BoolVar(&rf.passthrough, "passthrough", false, "Run a single relay that forwards bytes unchanged")
	flag.StringVar(&rf.listen, "listen", "", "Address to accept connections on, for a single relay")
	flag.StringVar(&rf.listen, "l", "", "Shorthand for -listen")
	flag.StringVar(&rf.forward, "forward", "", "Address of the next hop, for a single relay")
	flag.StringVar(&rf.forward, "f", "", "Shorthand for -forward")
}

func main() {
	flag.Parse()

	logCfg := tslog.Config{
		Level:     logLevel,
		NoColor:   logNoColor,
		NoTime:    logNoTime,
		Kind:      logKind,
		ZapPreset: zapConf,
	}

	logger, err := logCfg.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to create logger:", err)
		os.Exit(1)
	}

	sc, err := loadConfig()
	if err != nil {
		logger.Error("Failed to load config", slog.String("confPath", confPath), tslog.Err(err))
		exit(logger, 1)
	}

	m, err := sc.Manager(logger)
	if err != nil {
		logger.Error("Failed to create service manager", slog.String("confPath", confPath), tslog.Err(err))
		exit(logger, 1)
	}

	if testConf {
		logger.Info("Config test OK", slog.String("confPath", confPath))
		exit(logger, 0)
	}

	if saveConf != "" {
		if err = jsonhelper.Save(saveConf, &sc); err != nil {
			logger.Error("Failed to save config", slog.String("saveConf", saveConf), tslog.Err(err))
			exit(logger, 1)
		}
		logger.Info("Saved config", slog.String("saveConf", saveConf))
		exit(logger, 0)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received exit signal", slog.Any("signal", sig))
		signal.Stop(sigCh)
		cancel()
	}()

	if err = m.Start(ctx); err != nil {
		logger.Error("Failed to start services", tslog.Err(err))
		exit(logger, 1)
	}

	<-ctx.Done()
	m.Stop()
	exit(logger, 0)
}

// loadConfig loads the configuration file, or builds a single relay config from flags.
func loadConfig() (sc service.Config, err error) {
	if confPath == "" {
		return rf.Config()
	}
	if rf.isSet() {
		return sc, errors.New("-confPath cannot be combined with single relay flags")
	}
	if err = jsonhelper.OpenAndDecodeDisallowUnknownFields(confPath, &sc); err != nil {
		return sc, err
	}
	return sc, nil
}

func exit(logger *tslog.Logger, code int) {
	_ = logger.Sync()
	os.Exit(code)
}
