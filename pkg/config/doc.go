// Package config defines ccproxy's configuration model: YAML file loading,
// compiled defaults, and CCPROXY_* environment overrides.
//
// Precedence, lowest to highest: compiled defaults, config file, environment.
package config
