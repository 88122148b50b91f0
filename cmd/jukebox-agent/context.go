package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/jukebox-core/internal/checkpoint"
	"github.com/nerrad567/jukebox-core/internal/checksum"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/config"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/retry"
	"github.com/nerrad567/jukebox-core/internal/throttle"
	"github.com/nerrad567/jukebox-core/internal/transfer"
)

const defaultConfigPath = "configs/agent.yaml"

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) configPath() string {
	if c.configFlag != nil {
		if path := strings.TrimSpace(*c.configFlag); path != "" {
			return path
		}
	}
	if path := os.Getenv("JUKEBOX_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.LoadAgent(c.configPath())
		if err != nil {
			c.configErr = fmt.Errorf("loading config: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *logging.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.Default()
	}
	return logging.New(cfg.Logging, version)
}

// openCheckpoints opens the configured checkpoint backend.
func (c *commandContext) openCheckpoints(ctx context.Context) (checkpoint.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.NewStore(ctx, cfg.Transfer.CheckpointBackend, cfg.Transfer.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	return store, nil
}

// newTransferManager builds the transfer stack from configuration. The
// caller closes both the manager and the store.
func (c *commandContext) newTransferManager(ctx context.Context, log *logging.Logger) (*transfer.Manager, checkpoint.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}

	sums, err := checksum.New(checksum.Algorithm(cfg.Transfer.DigestAlgorithm))
	if err != nil {
		return nil, nil, err
	}
	store, err := c.openCheckpoints(ctx)
	if err != nil {
		return nil, nil, err
	}

	manager, err := transfer.NewManager(transfer.Options{
		Dir:         cfg.Transfer.ContentDir,
		Checkpoints: store,
		Throttle:    throttle.New(cfg.Transfer.MaxBytesPerSec),
		Retry: retry.New(retry.Config{
			MaxRetries:   cfg.Transfer.Retry.MaxRetries,
			InitialDelay: cfg.GetRetryInitialDelay(),
			MaxDelay:     cfg.GetRetryMaxDelay(),
		}),
		Checksum: sums,
		Client: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.GetRequestTimeout(),
			IdleConnTimeout:       90 * time.Second,
		}},
		Quantum: cfg.Transfer.CheckpointQuantum,
		Logger:  log,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return manager, store, nil
}
