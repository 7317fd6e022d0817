// Package config defines the settings of a vmpilot server and the CLI.
//
// A [Config] starts from [Default], is overlaid by an optional YAML file and
// then by VMPILOT_* environment variables (a .env file may supply those), and
// is finally validated. The conversion helpers turn it into the option
// structs of the individual components so those packages stay free of
// file and environment handling.
//
// Secrets (API tokens, storage keys) are not part of the file. They are
// resolved through the credentials package.
package config
