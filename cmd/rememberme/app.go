// Copyright 2025 The RememberMe Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Carcadons/RememberMe-2.0/internal/cliconfig"
	"github.com/Carcadons/RememberMe-2.0/localstore"
	"github.com/Carcadons/RememberMe-2.0/syncclient"
	"github.com/Carcadons/RememberMe-2.0/syncserver"
)

// session is the persisted login state for this device.
type session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// App wires the config, local store, and sync client for one CLI invocation.
type App struct {
	Config  *cliconfig.Config
	Store   *localstore.Store
	Client  *syncclient.Client
	Session *session
	logger  *slog.Logger
	baseDir string
}

// newApp loads config and session state. withStore controls whether the
// local database is opened (commands like signin don't need it).
func newApp(withStore bool) (*App, error) {
	baseDir, err := cliconfig.DefaultBaseDir()
	if err != nil {
		return nil, err
	}
	configPath, err := cliconfig.DefaultPath()
	if err != nil {
		return nil, err
	}
	cfg, err := cliconfig.ReadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config (run 'rememberme config init' first): %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	app := &App{Config: cfg, logger: logger, baseDir: baseDir}
	app.Session, _ = loadSession(baseDir)

	if !withStore {
		return app, nil
	}

	if app.Session == nil {
		return nil, errors.New("not signed in (run 'rememberme signin' first)")
	}

	passphrase := os.Getenv("REMEMBERME_PASSPHRASE")
	if passphrase == "" {
		return nil, errors.New("REMEMBERME_PASSPHRASE is not set")
	}

	store, err := localstore.Open(cfg.DatabasePath, app.Session.UserID, localstore.Options{
		Passphrase: []byte(passphrase),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}
	app.Store = store

	client, err := syncclient.NewClient(store, cfg.ServerURL, app.tokenFunc, nil, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	app.Client = client

	return app, nil
}

// Close releases the local store.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
}

func (a *App) tokenFunc(ctx context.Context) (string, error) {
	if a.Session == nil || a.Session.Token == "" {
		return "", errors.New("not signed in")
	}
	return a.Session.Token, nil
}

// Authenticate signs up or signs in against the server and persists the
// session state.
func (a *App) Authenticate(ctx context.Context, path, username, password string) error {
	body, err := json.Marshal(map[string]string{
		"username":  username,
		"password":  password,
		"device_id": a.Config.DeviceID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Config.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp syncserver.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Message != "" {
			return errors.New(errResp.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var token syncserver.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}

	a.Session = &session{
		Token:     token.Token,
		UserID:    token.UserID,
		ExpiresAt: time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}
	return saveSession(a.baseDir, a.Session)
}

// Signout revokes the server session and removes the local session file.
func (a *App) Signout(ctx context.Context) error {
	if a.Session == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Config.ServerURL+"/auth/signout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.Session.Token)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}

	a.Session = nil
	return os.Remove(sessionPath(a.baseDir))
}

func sessionPath(baseDir string) string {
	return filepath.Join(baseDir, "session.json")
}

func loadSession(baseDir string) (*session, error) {
	data, err := os.ReadFile(sessionPath(baseDir))
	if err != nil {
		return nil, err
	}
	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func saveSession(baseDir string, s *session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(sessionPath(baseDir), data, 0o600)
}
