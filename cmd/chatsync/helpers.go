package main

import (
	"context"
	"fmt"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/internal/logging"
)

// session is a signed-in controller plus the resources it holds.
type session struct {
	cfg     *Config
	ctrl    *chatsync.Controller
	storage chatsync.Storage
}

// openSession loads the effective config, builds a controller and restores
// the configured identity.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, err
	}
	initLogging(cfg)

	if cfg.Default.BaseURL == "" {
		return nil, fmt.Errorf("no base URL. Run 'chatsync config set default.base_url <url>' first")
	}

	var storage chatsync.Storage
	if cfg.Default.CacheDir != "" {
		bs, err := chatsync.OpenBadgerStorage(cfg.Default.CacheDir)
		if err != nil {
			return nil, err
		}
		storage = bs
	}

	client := chatsync.NewClient(cfg.Default.BaseURL)
	ctrl := chatsync.NewController(client, controllerConfig(cfg, storage))

	s := &session{cfg: cfg, ctrl: ctrl, storage: storage}
	if err := ctrl.Bootstrap(ctx, configRestorer(cfg)); err != nil {
		s.Close()
		return nil, err
	}
	if !ctrl.Session().SignedIn() {
		s.Close()
		return nil, fmt.Errorf("no identity. Run 'chatsync login <user-id>' first")
	}
	return s, nil
}

// Close signs out, waits for notifications, and releases the cache.
func (s *session) Close() {
	s.ctrl.SignOut()
	s.ctrl.Drain()
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			logging.Logger.Warn().Err(err).Msg("closing cache failed")
		}
	}
}

func controllerConfig(cfg *Config, storage chatsync.Storage) chatsync.Config {
	return chatsync.Config{
		BaseURL:             cfg.Default.BaseURL,
		HeartbeatInterval:   cfg.Sync.HeartbeatInterval.Std(),
		ReconnectDelay:      cfg.Sync.ReconnectDelay.Std(),
		RosterPollInterval:  cfg.Sync.RosterPollInterval.Std(),
		MessagePollInterval: cfg.Sync.MessagePollInterval.Std(),
		TitleLookupLimit:    cfg.Sync.TitleLookupLimit,
		Storage:             storage,
	}
}

// configRestorer restores the identity written by 'chatsync login'.
func configRestorer(cfg *Config) chatsync.SessionRestorer {
	return chatsync.RestorerFunc(func(context.Context) (chatsync.User, error) {
		if cfg.Auth.UserID == "" {
			return chatsync.User{}, chatsync.ErrNoSession
		}
		return chatsync.User{ID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName}, nil
	})
}

// initLogging applies the config file's log settings unless a flag set them.
func initLogging(cfg *Config) {
	lc := logging.DefaultConfig()
	lc.Level = firstNonEmpty(logLevelFlag, cfg.Log.Level, lc.Level)
	lc.Format = firstNonEmpty(logFormatFlag, cfg.Log.Format, lc.Format)
	logging.Init(lc)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
