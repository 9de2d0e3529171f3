package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/heartline-app/chatsync"
	"go.uber.org/zap"
)

// session bundles a Messenger with the resources the CLI opened for it.
type session struct {
	cfg       *Config
	log       *zap.Logger
	messenger *chatsync.Messenger
	storage   *chatsync.SQLiteStorage
}

func (s *session) Close() {
	if err := s.messenger.Close(); err != nil {
		s.log.Warn("flush on close failed", zap.Error(err))
	}
	if s.storage != nil {
		s.storage.Close()
	}
	s.log.Sync()
}

// openSession builds a Messenger from the config and warms it from the
// local cache.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no credentials. Run 'chatsync init <token> <user-id>' first")
	}
	log := newLogger(cfg.Default.LogLevel)

	opts := []chatsync.ClientOption{chatsync.WithToken(cfg.Auth.Token)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	client := chatsync.NewClient(opts...)

	cachePath := cfg.Default.CachePath
	if cachePath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		cachePath = filepath.Join(dir, "cache.db")
	}
	storage, err := chatsync.OpenSQLiteStorage(cachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	mopts := &chatsync.Options{
		PageSize: cfg.Sync.PageSize,
		Storage:  storage,
		Logger:   log,
	}
	if cfg.Sync.SendTimeout != "" {
		d, err := time.ParseDuration(cfg.Sync.SendTimeout)
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("invalid sync.send_timeout: %w", err)
		}
		mopts.SendTimeout = d
	}

	m := chatsync.NewMessenger(client, mopts)
	s := &session{cfg: cfg, log: log, messenger: m, storage: storage}
	if err := m.Restore(ctx); err != nil {
		log.Warn("cache restore failed", zap.Error(err))
	}
	return s, nil
}

// connect opens the socket and waits until it is up.
func (s *session) connect(ctx context.Context, wait time.Duration) error {
	if err := s.messenger.Connect(ctx, s.cfg.Auth.Token, s.cfg.Auth.UserID); err != nil {
		if chatsync.IsAuthError(err) {
			return fmt.Errorf("%w (run 'chatsync init' with a fresh token)", err)
		}
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for st := range s.messenger.ObserveConnectivity(wctx) {
		if st == chatsync.StateConnected {
			return nil
		}
	}
	return fmt.Errorf("not connected after %s", wait)
}

func printMessage(m chatsync.Message, self string) {
	who := m.SenderID
	if who == self {
		who = "me"
	}
	id := m.ID
	if id == "" {
		id = "~" + m.TempID
	}
	status := string(m.Status)
	if m.FailReason != "" {
		status += " (" + m.FailReason + ")"
	}
	fmt.Printf("%-14s %-10s %-18s %s\n", humanize.Time(m.CreatedAt), who, status, m.Content)
	if verbose {
		fmt.Printf("%14s id=%s\n", "", id)
	}
}

func describePresence(rec chatsync.PresenceRecord) string {
	if rec.IsOnline {
		return "online"
	}
	if rec.LastSeen != nil {
		return "last seen " + humanize.Time(*rec.LastSeen)
	}
	return "offline"
}
