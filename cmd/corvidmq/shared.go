package main

import (
	"time"

	"corvidmq/engine"
	"corvidmq/internal/config"
	"corvidmq/internal/logging"
	"corvidmq/internal/store"

	"github.com/lithammer/shortuuid"
)

// connectedClient bundles the pieces a subcommand needs to issue work
// against a freshly-connected handle and tear it down cleanly on exit.
type connectedClient struct {
	eng    *engine.Engine
	handle engine.ClientHandle
}

// dialAndConnect creates a client against cfg.ServerURI, and
// blocks until CONNECT either succeeds or exhausts its retries.
func dialAndConnect(cfg *config.EngineConfig, onMessage func(topic string, payload []byte, qos uint8, retained bool) bool) (*connectedClient, error) {
	eng := engine.Default()

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = shortuuid.New()
		logging.NewEntry("cli").Infof("using generated client id %s", clientID)
	}

	var persistence store.Store
	if cfg.PersistenceDir != "" {
		fs, err := store.NewFileStore(cfg.PersistenceDir, clientID)
		if err != nil {
			return nil, logging.LoggedErrorf("opening persistence store: %w", err)
		}
		persistence = fs
	}

	handle, err := eng.Create(cfg.ServerURI, clientID, persistence)
	if err != nil {
		return nil, logging.LoggedErrorf("creating client: %w", err)
	}

	if onMessage == nil {
		onMessage = func(string, []byte, uint8, bool) bool { return true }
	}
	if err := eng.SetCallbacks(handle, engine.Callbacks{
		OnMessageArrived: onMessage,
		OnConnectionLost: func(err error) {
			logging.NewEntry("cli").WithError(err).Warn("connection lost")
		},
	}); err != nil {
		return nil, logging.LoggedErrorf("setting callbacks: %w", err)
	}

	opts := []engine.ConnectOption{
		engine.WithKeepAlive(cfg.KeepAlive),
		engine.WithCleanSession(cfg.CleanSession),
		engine.WithConnectTimeout(cfg.ConnectTimeout),
		engine.WithRetryInterval(cfg.RetryInterval),
	}
	if cfg.Username != "" {
		opts = append(opts, engine.WithCredentials(cfg.Username, cfg.Password))
	}

	tok, err := eng.Connect(handle, opts...)
	if err != nil {
		return nil, logging.LoggedErrorf("connect: %w", err)
	}
	if err := eng.WaitForCompletion(tok, cfg.ConnectTimeout+5*time.Second); err != nil {
		return nil, logging.LoggedErrorf("connect did not complete: %w", err)
	}

	return &connectedClient{eng: eng, handle: handle}, nil
}

// disconnect waits briefly for outstanding work to drain, then destroys the
// client so the engine's shared workers can shut down.
func (c *connectedClient) disconnect() {
	tok, err := c.eng.Disconnect(c.handle, 5*time.Second)
	if err == nil {
		_ = c.eng.WaitForCompletion(tok, 10*time.Second)
	}
	if err := c.eng.Destroy(c.handle); err != nil {
		logging.LoggedErrorf("destroying client: %w", err)
	}
}

func loadConfig() (*config.EngineConfig, error) {
	return config.Load(configFile)
}
