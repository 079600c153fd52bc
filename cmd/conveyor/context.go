package main

import (
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"conveyor/internal/config"
)

type commandContext struct {
	serverFlag *string
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(serverFlag, configFlag *string) *commandContext {
	return &commandContext{
		serverFlag: serverFlag,
		configFlag: configFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) client() (*apiClient, error) {
	if c.serverFlag != nil && strings.TrimSpace(*c.serverFlag) != "" {
		return newAPIClient(strings.TrimSpace(*c.serverFlag)), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if !strings.HasPrefix(bind, "http://") && !strings.HasPrefix(bind, "https://") {
		bind = "http://" + bind
	}
	return newAPIClient(bind), nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
