package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kimpers/yotp-charity/env"
	"github.com/kimpers/yotp-charity/telemetry"
)

const (
	configFileName string = "charityfeed.json"
	configFileRoot string = "yotp-charity"
)

func makeConfigPath(root string) (string, error) {
	configRootPath := filepath.Join(root, configFileRoot)

	if err := os.MkdirAll(configRootPath, 0o755); err != nil {
		return "", err
	}

	return filepath.Join(configRootPath, configFileName), nil
}

func main() {
	opts := slog.HandlerOptions{AddSource: true, Level: slog.LevelInfo}
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &opts))
	slog.SetDefault(slogger)

	configPath, err := makeConfigPath(env.ConfigPath())
	if err != nil {
		panic(err)
	}

	conf, err := GetOrMakeConfig(configPath)
	if err != nil {
		panic(err)
	}

	tp, err := telemetry.Setup(context.Background())
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			slogger.Error("telemetry shutdown", "error", err)
		}
	}()

	s := NewService(conf, tp, slogger)
	go s.run()

	errChan, cancel := watchFile(configPath, s, slogger)
	defer cancel()

	if err := <-errChan; err != nil {
		s.Stop()
		slogger.Error("config watcher", "error", err)
		os.Exit(1)
	}
}
