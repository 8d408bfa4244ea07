// Package config loads the daemon configuration from JSON or YAML with
// strict unknown-field rejection.
package config
