package main

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/weiawesome/thumbing/internal/config"
	pkgconfig "github.com/weiawesome/thumbing/pkg/config"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig loads the pipeline configuration once, from --config or
// THUMBING_CONFIG when given. A path is split into the directory and file
// name viper searches for.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		if path == "" {
			path = pkgconfig.GetEnv("THUMBING_CONFIG", "")
		}
		var cfg *config.Config
		var err error
		if path == "" {
			cfg, err = config.Load()
		} else {
			name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			cfg, err = config.LoadFrom(filepath.Dir(path), name)
		}
		if err != nil {
			c.configErr = err
			return
		}
		// Logs go to stderr so command output stays pipeable.
		pkglog.Init(pkglog.Config{
			Level:       cfg.Log.Level,
			Pretty:      true,
			ServiceName: "thumbingctl",
			Output:      os.Stderr,
		})
		c.config = cfg
	})
	return c.config, c.configErr
}
