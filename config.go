package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kimpers/yotp-charity/env"
	"github.com/kimpers/yotp-charity/feed"
	"github.com/kimpers/yotp-charity/frontend"
	"github.com/kimpers/yotp-charity/source"
	"github.com/kimpers/yotp-charity/store"
)

type ConfigFile struct {
	Source                   string         `json:"source"`
	Frontend                 string         `json:"frontend"`
	ReconciliationIntervalMs int64          `json:"reconciliationIntervalMs"`
	SubscriberTimeoutMs      int64          `json:"subscriberTimeoutMs"`
	InitialSinceSequence     store.Sequence `json:"initialSinceSequence"`
	LookbackBlocks           uint64         `json:"lookbackBlocks"`
}

var defaultConfig = ConfigFile{
	Source:                   "File",
	Frontend:                 "REST",
	ReconciliationIntervalMs: 5000,
	SubscriberTimeoutMs:      2000,
}

func (c *ConfigFile) validate() error {
	if source.ToSourceType(c.Source) == 0 {
		return fmt.Errorf("invalid source %q", c.Source)
	}
	if frontend.ToFrontendType(c.Frontend) == 0 {
		return fmt.Errorf("invalid frontend %q", c.Frontend)
	}
	if c.ReconciliationIntervalMs < 0 || c.SubscriberTimeoutMs < 0 {
		return errors.New("intervals must not be negative")
	}
	return nil
}

func (c *ConfigFile) FeedOptions(sl *slog.Logger) feed.Options {
	return feed.Options{
		ReconciliationInterval: time.Duration(c.ReconciliationIntervalMs) * time.Millisecond,
		SubscriberTimeout:      time.Duration(c.SubscriberTimeoutMs) * time.Millisecond,
		InitialSince:           c.InitialSinceSequence,
		Lookback:               c.LookbackBlocks,
		Telemetry:              env.OTLPEndpoint() != "",
		Logger:                 sl,
	}
}

type reloader interface {
	Reload(*ConfigFile) error
}

func watchFile(configPath string, s reloader, sl *slog.Logger) (<-chan error, context.CancelFunc) {
	errs := make(chan error, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errs <- err
		return errs, func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				conf, err := GetConfig(configPath)
				if err != nil {
					sl.Error("config change ignored", "error", err)
					continue
				}

				sl.Info("config change detected, reloading", "source", conf.Source, "frontend", conf.Frontend)
				if err := s.Reload(conf); err != nil {
					errs <- err
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				errs <- err
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := watcher.Add(configPath); err != nil {
		errs <- err
		return errs, cancel
	}

	sl.Info("config watcher", "watching", configPath)

	return errs, cancel
}

func GetConfig(configPath string) (*ConfigFile, error) {
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	conf := defaultConfig
	if err := json.Unmarshal(file, &conf); err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func GetOrMakeConfig(configPath string) (*ConfigFile, error) {
	existingConf, err := GetConfig(configPath)
	if existingConf != nil && err == nil {
		return existingConf, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	contents, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(configPath, contents, 0o644); err != nil {
		return nil, err
	}

	conf := defaultConfig
	return &conf, nil
}
