// Package config loads the settings of the thp-probe driver from a YAML file
// and THP_ environment variables.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opd-ai/thp/transport"
	"github.com/opd-ai/thp/wire"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	domain = "config"

	// EnvPrefix is prepended to every environment override, e.g.
	// THP_EMULATOR_ADDRESS.
	EnvPrefix = "THP"
	// BaseDir is the directory under the user's home holding config.yaml.
	BaseDir = ".thp"

	DefaultAddress     = "127.0.0.1:21324"
	DefaultPasswordEnv = "THP_CREDENTIAL_PASSWORD"
)

// Keys understood by Load.
const (
	KeyAddress           = "emulator.address"
	KeyPacketSize        = "packet.size"
	KeyRetransmitTimeout = "link.retransmit_timeout"
	KeyMaxRetransmits    = "link.max_retransmits"
	KeyRate              = "link.rate"
	KeyBurst             = "link.burst"
	KeyCredentialsDir    = "credentials.dir"
	KeyPasswordEnv       = "credentials.password_env"
	KeyTryToUnlock       = "handshake.try_to_unlock"
)

// ErrNoPassword is returned when a credential directory is configured but
// the password variable is empty.
var ErrNoPassword = errors.New("config: credential password not set")

// Config is the resolved driver configuration.
type Config struct {
	Address           string
	PacketSize        int
	RetransmitTimeout time.Duration
	MaxRetransmits    int
	Rate              float64
	Burst             int
	CredentialsDir    string
	PasswordEnv       string
	TryToUnlock       bool
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	link := transport.DefaultConfig()
	v.SetDefault(KeyAddress, DefaultAddress)
	v.SetDefault(KeyPacketSize, wire.DefaultPacketLen)
	v.SetDefault(KeyRetransmitTimeout, link.RetransmitTimeout)
	v.SetDefault(KeyMaxRetransmits, link.MaxRetransmits)
	v.SetDefault(KeyRate, link.Rate)
	v.SetDefault(KeyBurst, link.Burst)
	v.SetDefault(KeyCredentialsDir, "")
	v.SetDefault(KeyPasswordEnv, DefaultPasswordEnv)
	v.SetDefault(KeyTryToUnlock, false)
}

// Load reads file into v. An empty file searches $HOME/.thp/config.yaml and
// tolerates its absence; an explicit file must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, BaseDir))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, oops.In(domain).With("file", file).Wrapf(err, "read config")
		}
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"package":  domain,
		}).Debug("No config file, using defaults")
	} else {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"package":  domain,
			"file":     v.ConfigFileUsed(),
		}).Debug("Using config file")
	}
	return FromViper(v)
}

// FromViper resolves and validates the current settings of v.
func FromViper(v *viper.Viper) (*Config, error) {
	c := &Config{
		Address:           v.GetString(KeyAddress),
		PacketSize:        v.GetInt(KeyPacketSize),
		RetransmitTimeout: v.GetDuration(KeyRetransmitTimeout),
		MaxRetransmits:    v.GetInt(KeyMaxRetransmits),
		Rate:              v.GetFloat64(KeyRate),
		Burst:             v.GetInt(KeyBurst),
		CredentialsDir:    v.GetString(KeyCredentialsDir),
		PasswordEnv:       v.GetString(KeyPasswordEnv),
		TryToUnlock:       v.GetBool(KeyTryToUnlock),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges that the link would otherwise silently correct.
func (c *Config) Validate() error {
	errb := oops.In(domain).Code("invalid_config")
	switch {
	case c.Address == "":
		return errb.Errorf("%s must not be empty", KeyAddress)
	case c.PacketSize < wire.MinPacketLen:
		return errb.With("value", c.PacketSize).Errorf("%s must be at least %d", KeyPacketSize, wire.MinPacketLen)
	case c.RetransmitTimeout <= 0:
		return errb.With("value", c.RetransmitTimeout).Errorf("%s must be positive", KeyRetransmitTimeout)
	case c.MaxRetransmits < 0:
		return errb.With("value", c.MaxRetransmits).Errorf("%s must not be negative", KeyMaxRetransmits)
	case c.Rate < 0:
		return errb.With("value", c.Rate).Errorf("%s must not be negative", KeyRate)
	}
	return nil
}

// Link converts c into transport options.
func (c *Config) Link() transport.Config {
	return transport.Config{
		PacketLen:         c.PacketSize,
		RetransmitTimeout: c.RetransmitTimeout,
		MaxRetransmits:    c.MaxRetransmits,
		Rate:              c.Rate,
		Burst:             c.Burst,
	}
}

// Password returns the credential store password from the configured
// environment variable.
func (c *Config) Password() (string, error) {
	pw := os.Getenv(c.PasswordEnv)
	if pw == "" {
		return "", oops.In(domain).With("variable", c.PasswordEnv).Wrap(ErrNoPassword)
	}
	return pw, nil
}
