package commands

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mosaicnetworks/mural/src/config"
	"github.com/mosaicnetworks/mural/src/mural"
	"github.com/mosaicnetworks/mural/src/object"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

//NewRunCmd returns the command that starts a Mural node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runMural,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runMural(cmd *cobra.Command, args []string) error {
	engine := mural.NewMural(&_config.Mural)

	if err := engine.Init(); err != nil {
		_config.Mural.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.RunAsync()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if _config.Frames > 0 {
		go driveFrames(engine)
	}

	<-signalCh

	engine.Shutdown()

	return nil
}

// driveFrames initialises the local stages and runs them through the
// configured number of frames.
func driveFrames(engine *mural.Mural) {
	logger := _config.Mural.Logger()

	if err := engine.Driver.ConfigInit(1); err != nil {
		logger.WithError(err).Error("Initializing stages")
		return
	}

	ticker := time.NewTicker(_config.FrameInterval)
	defer ticker.Stop()

	for i := 1; i <= _config.Frames; i++ {
		<-ticker.C
		if _, err := engine.Driver.StartFrame(uint32(i), object.VersionNone); err != nil {
			logger.WithError(err).WithField("frame", i).Error("Starting frame")
			return
		}
	}

	if err := engine.Driver.FinishAllFrames(_config.Mural.RequestTimeout); err != nil {
		logger.WithError(err).Error("Finishing frames")
	}

	if err := engine.Driver.ConfigExit(); err != nil {
		logger.WithError(err).Error("Exiting stages")
		return
	}

	logger.WithField("frames", _config.Frames).Info("Frames done")
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.Mural.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.Mural.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.Mural.LogFile, "Also write the log to this file")
	cmd.Flags().String("moniker", _config.Mural.Moniker, "Optional name")
	cmd.Flags().String("node-id", _config.Mural.NodeID, "Node UUID, random if empty")

	// Network
	cmd.Flags().StringP("listen", "l", _config.Mural.BindAddr, "Listen IP:Port for mural node")
	cmd.Flags().StringP("advertise", "a", _config.Mural.AdvertiseAddr, "Advertise IP:Port for mural node")
	cmd.Flags().DurationP("timeout", "t", _config.Mural.TCPTimeout, "TCP Timeout")
	cmd.Flags().Duration("request-timeout", _config.Mural.RequestTimeout, "Timeout of requests to other nodes")
	cmd.Flags().Duration("pending-timeout", _config.Mural.PendingTimeout, "Time after which undispatched commands are dropped")

	// Service
	cmd.Flags().Bool("no-service", _config.Mural.NoService, "Disable HTTP service")
	cmd.Flags().StringP("service-listen", "s", _config.Mural.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Mural.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.Mural.DatabaseDir, "Dabatabase directory")
	cmd.Flags().Int("versions", _config.Mural.Versions, "Number of versions kept by master objects")

	// Instance cache
	cmd.Flags().Int("instance-cache-size", _config.Mural.InstanceCacheSize, "Bytes of instance data cached for re-mapping")
	cmd.Flags().Duration("instance-cache-age", _config.Mural.InstanceCacheAge, "Age after which cached instance data is released")

	// Stages
	cmd.Flags().String("thread-model", _config.Mural.ThreadModel, "async, draw-sync or local-sync")
	cmd.Flags().Int("latency", _config.Mural.Latency, "Number of frames started ahead of the last finished frame")
	cmd.Flags().Int("pipes", _config.Mural.Pipes, "Number of pipe stages")
	cmd.Flags().Int("windows", _config.Mural.Windows, "Number of window stages per pipe")
	cmd.Flags().Int("channels", _config.Mural.Channels, "Number of channel stages per window")
	cmd.Flags().Int("frames", _config.Frames, "Number of frames driven through the local stages")
	cmd.Flags().Duration("frame-interval", _config.FrameInterval, "Minimum time between frames")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Mural.SetDataDir(_config.Mural.DataDir)

	logger, err := newLogger(&_config.Mural)
	if err != nil {
		return err
	}
	_config.Mural.SetLogger(logger)

	logFields := logrus.Fields{
		"mural.DataDir":           _config.Mural.DataDir,
		"mural.NodeID":            _config.Mural.NodeID,
		"mural.BindAddr":          _config.Mural.BindAddr,
		"mural.AdvertiseAddr":     _config.Mural.AdvertiseAddr,
		"mural.ServiceAddr":       _config.Mural.ServiceAddr,
		"mural.NoService":         _config.Mural.NoService,
		"mural.Store":             _config.Mural.Store,
		"mural.LogLevel":          _config.Mural.LogLevel,
		"mural.Moniker":           _config.Mural.Moniker,
		"mural.TCPTimeout":        _config.Mural.TCPTimeout,
		"mural.RequestTimeout":    _config.Mural.RequestTimeout,
		"mural.PendingTimeout":    _config.Mural.PendingTimeout,
		"mural.Versions":          _config.Mural.Versions,
		"mural.InstanceCacheSize": _config.Mural.InstanceCacheSize,
		"mural.InstanceCacheAge":  _config.Mural.InstanceCacheAge,
		"mural.ThreadModel":       _config.Mural.ThreadModel,
		"mural.Latency":           _config.Mural.Latency,
		"Frames":                  _config.Frames,
	}

	if _config.Mural.Store {
		logFields["mural.DatabaseDir"] = _config.Mural.DatabaseDir
	}

	_config.Mural.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// .env files set variables that are not already in the environment
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("mural")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/mural.toml (.json, .yaml also work)
	viper.SetConfigName(config.DefaultConfigFile) // name of config file (without extension)
	viper.AddConfigPath(_config.Mural.DataDir)    // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Mural.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Mural.Logger().Debugf("No config file found in: %s", _config.Mural.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

// newLogger creates the logger of the node. When a log file is configured,
// every level is also written to it.
func newLogger(conf *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Level = config.LogLevel(conf.LogLevel)
	logger.Formatter = new(prefixed.TextFormatter)

	if conf.LogFile != "" {
		f, err := os.OpenFile(conf.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		f.Close()

		pathMap := lfshook.PathMap{}
		for _, level := range logrus.AllLevels {
			pathMap[level] = conf.LogFile
		}

		logger.Hooks.Add(lfshook.NewHook(
			pathMap,
			&logrus.TextFormatter{},
		))
	}

	return logger, nil
}
