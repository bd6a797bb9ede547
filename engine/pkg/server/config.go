package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/engine/pkg/submit"
	"github.com/tannatlabs/stakevault/engine/pkg/tier"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Readiness reports whether a background component has completed its first
// pass. nil checks are treated as ready.
type Readiness func() bool

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Engine *stake.Engine
	Tiers  *tier.Catalog
	Queue  *submit.Queue // optional
	Ready  Readiness     // optional
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.Tiers == nil {
		return errors.New("tier catalog is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}
