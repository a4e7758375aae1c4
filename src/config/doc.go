// Package config defines the configuration for a mural node.
//
// Regardless of how mural is started, directly from Go code or as a standalone
// process from the command line, it uses the Config object defined in this
// package to store and forward configuration options. On top of these
// configuration options, mural relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//  mural.toml // (optional) configuration file, also read as .yaml or .json.
//  peers.json // (optional) a JSON file containing the nodes to connect to.
//  .env // (optional) MURAL_* environment variables loaded by the command line.
package config
