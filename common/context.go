package common

import "io"

// A context bundles the ambient services every component needs.
type Context interface {
	io.Closer

	Config() Config
	Logger() Logger
	Control() Control
}

type ctx struct {
	config  Config
	logger  Logger
	control Control
}

func NewContext(config Config) Context {
	return &ctx{config: config, logger: NewStandardLogger(config), control: NewControl(nil)}
}

// Builds a context around an existing logger.
func NewContextWithLogger(config Config, logger Logger) Context {
	return &ctx{config: config, logger: logger, control: NewControl(nil)}
}

func (c *ctx) Close() error {
	defer c.logger.Sync()
	return c.control.Close()
}

func (c *ctx) Config() Config {
	return c.config
}

func (c *ctx) Logger() Logger {
	return c.logger
}

func (c *ctx) Control() Control {
	return c.control
}
