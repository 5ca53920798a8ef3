// Package env provides configuration shared by the commands, from flags,
// MBOT_* environment variables and an optional YAML file.
package env
