package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jo-hoe/reelcut/internal/config"
)

const (
	envAPIKey   = "REELCUT_API_KEY" // #nosec G101 - environment variable name, not a credential
	defaultAddr = "http://localhost:8080"
)

type commandContext struct {
	configFlag *string
	addrFlag   *string
	apiKeyFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, addrFlag, apiKeyFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		addrFlag:   addrFlag,
		apiKeyFlag: apiKeyFlag,
	}
}

// ensureConfig loads the configuration once. Without an explicit path and
// without a config.yaml in the working directory, defaults are used.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		if path == "" && os.Getenv(config.EnvConfigPath) == "" {
			if _, err := os.Stat("config.yaml"); errors.Is(err, fs.ErrNotExist) {
				cfg := config.Default()
				if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
					c.configErr = fmt.Errorf("ensure storageDir: %w", err)
					return
				}
				c.config = cfg
				return
			}
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) serverAddr() string {
	if c.addrFlag == nil || strings.TrimSpace(*c.addrFlag) == "" {
		return defaultAddr
	}
	return strings.TrimRight(strings.TrimSpace(*c.addrFlag), "/")
}

func (c *commandContext) apiKey() string {
	if c.apiKeyFlag != nil && strings.TrimSpace(*c.apiKeyFlag) != "" {
		return strings.TrimSpace(*c.apiKeyFlag)
	}
	return os.Getenv(envAPIKey)
}

func (c *commandContext) client() *apiClient {
	return &apiClient{
		base:   c.serverAddr(),
		apiKey: c.apiKey(),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}
