package common

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// The goal of this package is to move configuration to a mostly runtime
// consideration.  Lookups never fail on a missing key: each accessor takes the
// default to fall back on.  A key that is present but of the wrong type is a
// deployment bug and panics.

// In order to support a more robust configuration system, some config
// values will be encoded as different types than what is returned.
// Durations are stored as a normal integer (type: int) and interpreted as
// milliseconds.
type ConfigType string

const (
	Bool     ConfigType = "bool"
	Int      ConfigType = "int"
	String   ConfigType = "string"
	Duration ConfigType = "int(milliseconds)"
)

type ConfigMissingError struct {
	key string
}

func (c ConfigMissingError) Error() string {
	return fmt.Sprintf("Config is missing key [%s]", c.key)
}

type ConfigParsingError struct {
	expected ConfigType
	key      string
	val      interface{}
}

func (c ConfigParsingError) Error() string {
	return fmt.Sprintf("Error parsing config key [%s].  Expected type [%s], which can't be converted from [%v]", c.key, c.expected, c.val)
}

type Config interface {
	Optional(key string, def string) string
	OptionalInt(key string, def int) int
	OptionalBool(key string, def bool) bool
	OptionalDuration(key string, def time.Duration) time.Duration
}

func NewEmptyConfig() Config {
	return NewConfig(nil)
}

func NewConfig(internal map[string]interface{}) Config {
	if internal == nil {
		internal = make(map[string]interface{})
	}

	return &config{internal}
}

type config struct {
	internal map[string]interface{}
}

func (c *config) Optional(key string, def string) string {
	val, ok := c.internal[key]
	if !ok {
		return def
	}

	ret, ok := val.(string)
	if !ok {
		panic(ConfigParsingError{String, key, val})
	}
	return ret
}

func (c *config) OptionalInt(key string, def int) int {
	val, err := readInt(c.internal, key)
	return orDefault(err, val, def).(int)
}

func (c *config) OptionalBool(key string, def bool) bool {
	val, err := readBool(c.internal, key)
	return orDefault(err, val, def).(bool)
}

func (c *config) OptionalDuration(key string, def time.Duration) time.Duration {
	val, err := readDuration(c.internal, key)
	return orDefault(err, val, def).(time.Duration)
}

func orDefault(err error, val interface{}, def interface{}) interface{} {
	if err == nil {
		return val
	}

	switch err.(type) {
	case ConfigMissingError:
		return def
	}

	panic(err)
}

func readInt(m map[string]interface{}, key string) (int, error) {
	val, ok := m[key]
	if !ok {
		return 0, ConfigMissingError{key}
	}

	ret, ok := val.(int)
	if !ok {
		return 0, ConfigParsingError{Int, key, val}
	}

	return ret, nil
}

func readBool(m map[string]interface{}, key string) (bool, error) {
	val, ok := m[key]
	if !ok {
		return false, ConfigMissingError{key}
	}

	ret, ok := val.(bool)
	if !ok {
		return false, ConfigParsingError{Bool, key, val}
	}

	return ret, nil
}

func readDuration(m map[string]interface{}, key string) (time.Duration, error) {
	val, ok := m[key]
	if !ok {
		return 0, ConfigMissingError{key}
	}

	ret, ok := val.(int)
	if !ok {
		return 0, ConfigParsingError{Duration, key, val}
	}

	return time.Duration(ret) * time.Millisecond, nil
}

// Adapts a viper instance (typically loaded from a yaml file) to
// the config interface.
func NewViperConfig(v *viper.Viper) Config {
	return &viperConfig{v}
}

type viperConfig struct {
	v *viper.Viper
}

func (c *viperConfig) Optional(key string, def string) string {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetString(key)
}

func (c *viperConfig) OptionalInt(key string, def int) int {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetInt(key)
}

func (c *viperConfig) OptionalBool(key string, def bool) bool {
	if !c.v.IsSet(key) {
		return def
	}
	return c.v.GetBool(key)
}

func (c *viperConfig) OptionalDuration(key string, def time.Duration) time.Duration {
	if !c.v.IsSet(key) {
		return def
	}
	return time.Duration(c.v.GetInt(key)) * time.Millisecond
}
