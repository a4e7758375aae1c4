package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/mural/src/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultConfigFile is the base name of the configuration file read by
	// the command line, in any format supported by viper.
	DefaultConfigFile = "mural"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultBindAddr          = "127.0.0.1:1337"
	DefaultServiceAddr       = "127.0.0.1:8000"
	DefaultTCPTimeout        = 1000 * time.Millisecond
	DefaultRequestTimeout    = 5000 * time.Millisecond
	DefaultPendingTimeout    = 10000 * time.Millisecond
	DefaultStore             = false
	DefaultVersions          = 16
	DefaultInstanceCacheSize = 64 << 20
	DefaultInstanceCacheAge  = time.Minute
	DefaultThreadModel       = "draw-sync"
	DefaultLatency           = 1
	DefaultPipes             = 1
	DefaultWindows           = 1
	DefaultChannels          = 1
)

// Config contains all the configuration properties of a mural node.
type Config struct {
	// DataDir is the top-level directory containing mural configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of the log output.
	LogFile string `mapstructure:"log-file"`

	// NodeID is the identity of the node. A random id is generated when it is
	// empty.
	NodeID string `mapstructure:"node-id"`

	// BindAddr is the local address:port where this node exchanges packets
	// with other nodes.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service. If not
	// specified, and "no-service" is not set, the API handlers are registered
	// with the DefaultServerMux of the http package.
	ServiceAddr string `mapstructure:"service-listen"`

	// TCPTimeout is the timeout of transport connections and writes.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// RequestTimeout bounds the wait for a reply from another node: connection
	// handshakes, master lookups, mappings and stage lifecycle commands.
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// PendingTimeout is the time after which a received command that could not
	// be dispatched is considered obsolete and dropped.
	PendingTimeout time.Duration `mapstructure:"pending-timeout"`

	// Store activates persistant storage of the version history of master
	// objects.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Versions is the number of versions a master object keeps for late
	// mappings.
	Versions int `mapstructure:"versions"`

	// InstanceCacheSize is the number of bytes of instance data kept for
	// re-mapping objects.
	InstanceCacheSize int `mapstructure:"instance-cache-size"`

	// InstanceCacheAge is the age after which cached instance data is
	// released.
	InstanceCacheAge time.Duration `mapstructure:"instance-cache-age"`

	// ThreadModel is the frame synchronisation of the stages: async,
	// draw-sync or local-sync.
	ThreadModel string `mapstructure:"thread-model"`

	// Latency is the number of frames the driver may start ahead of the last
	// finished frame.
	Latency int `mapstructure:"latency"`

	// Pipes, Windows and Channels define the shape of the local stage tree.
	Pipes    int `mapstructure:"pipes"`
	Windows  int `mapstructure:"windows"`
	Channels int `mapstructure:"channels"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		BindAddr:          DefaultBindAddr,
		ServiceAddr:       DefaultServiceAddr,
		TCPTimeout:        DefaultTCPTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		PendingTimeout:    DefaultPendingTimeout,
		Store:             DefaultStore,
		DatabaseDir:       DefaultDatabaseDir(),
		Versions:          DefaultVersions,
		InstanceCacheSize: DefaultInstanceCacheSize,
		InstanceCacheAge:  DefaultInstanceCacheAge,
		ThreadModel:       DefaultThreadModel,
		Latency:           DefaultLatency,
		Pipes:             DefaultPipes,
		Windows:           DefaultWindows,
		Channels:          DefaultChannels,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.RequestTimeout = 2 * time.Second
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level mural directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// SetLogger replaces the logger returned by Logger.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "mural".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "mural")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level mural config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Mural")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Mural")
		} else {
			return filepath.Join(home, ".mural")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
