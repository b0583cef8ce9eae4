// Copyright (c) 2025 The grpcsqlproxy Authors
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads and stores CLI configuration in the XDG config dir.
// Only non-secret settings are kept here; the connection string may also be
// kept in the OS keychain.
//
// Values are resolved in order: defaults, config file, SQLPROXY_* environment
// variables. Command flags override the result.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"grpcsqlproxy/internal/xdg"
)

const (
	DefaultURL        = "localhost:3000"
	DefaultListen     = ":3000"
	DefaultMetrics    = ":9090"
	DefaultPacketSize = 1000
	DefaultLogLevel   = "info"
)

// Config holds non-sensitive CLI settings.
type Config struct {
	LogLevel string       `json:"log_level"`
	Client   ClientConfig `json:"client"`
	Server   ServerConfig `json:"server"`
	DB       DBConfig     `json:"db"`
}

// ClientConfig holds the defaults used by query and exec.
type ClientConfig struct {
	URL        string `json:"url"`
	Compress   bool   `json:"compress"`
	PacketSize int    `json:"packet_size"`
}

// ServerConfig holds serve settings.
type ServerConfig struct {
	Listen        string `json:"listen"`
	MetricsListen string `json:"metrics_listen"`
}

// DBConfig holds database connection settings.
type DBConfig struct {
	DSN      string `json:"dsn,omitempty"`
	Provided bool   `json:"provided"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Client:   ClientConfig{URL: DefaultURL, PacketSize: DefaultPacketSize},
		Server:   ServerConfig{Listen: DefaultListen, MetricsListen: DefaultMetrics},
	}
}

// path returns the path to the config file.
func path() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads configuration; missing file returns defaults. Environment
// overrides are applied in both cases.
func Load() (Config, error) {
	c := Defaults()
	p, err := path()
	if err != nil {
		return c, err
	}
	data, err := os.ReadFile(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return c, err
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return c, err
		}
	}
	if err := applyEnv(&c, os.LookupEnv); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("SQLPROXY_URL"); ok && v != "" {
		c.Client.URL = v
	}
	if v, ok := lookup("SQLPROXY_DSN"); ok && v != "" {
		c.DB.DSN = v
		c.DB.Provided = true
	}
	if v, ok := lookup("SQLPROXY_COMPRESS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("SQLPROXY_COMPRESS must be a boolean")
		}
		c.Client.Compress = b
	}
	if v, ok := lookup("SQLPROXY_PACKET_SIZE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("SQLPROXY_PACKET_SIZE must be an integer")
		}
		c.Client.PacketSize = n
	}
	if v, ok := lookup("SQLPROXY_LISTEN"); ok && v != "" {
		c.Server.Listen = v
	}
	if v, ok := lookup("SQLPROXY_LOG_LEVEL"); ok && v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	return nil
}

// Save writes configuration with 0600 permissions. The DSN is never
// persisted here.
func Save(c Config) error {
	p, err := path()
	if err != nil {
		return err
	}
	c.DB.DSN = ""
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, b, 0o600)
}
