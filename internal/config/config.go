// Package config provides shared configuration utilities for PaperMinder.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// FindConfigFile searches for a config file in platform-appropriate
// locations. Returns the path and data if found, or an error if not found
// in any search path.
func FindConfigFile(filename string) (string, []byte, error) {
	searchPaths := GetConfigSearchPaths(filename)

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns an ordered list of paths to search for
// config files, system directories first.
func GetConfigSearchPaths(filename string) []string {
	var searchPaths []string

	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "PaperMinder", filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "PaperMinder", filename))
	default:
		searchPaths = append(searchPaths, filepath.Join("/etc/paperminder", filename))
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "windows":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "AppData", "Local", "PaperMinder", filename))
		case "darwin":
			searchPaths = append(searchPaths, filepath.Join(homeDir, "Library", "Application Support", "PaperMinder", filename))
		default:
			searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "paperminder", filename))
		}
	}

	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	searchPaths = append(searchPaths, filepath.Join(".", filename))

	return searchPaths
}

// GetDataDirectory returns the appropriate directory for storing application
// data. Service mode uses system-wide directories; interactive mode uses the
// user's profile.
func GetDataDirectory(isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "PaperMinder")
		default:
			dataDir = "/var/lib/paperminder"
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}

		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "PaperMinder")
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "PaperMinder")
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", "paperminder")
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// GetLogDirectory returns the appropriate directory for storing logs.
func GetLogDirectory(isService bool) (string, error) {
	var logDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "PaperMinder", "logs")
		default:
			logDir = "/var/log/paperminder"
		}
	} else {
		logDir = "logs"
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	return logDir, nil
}

// WriteDefaultTOML writes a default TOML configuration file with the
// provided structure.
func WriteDefaultTOML(configPath string, config interface{}) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadTOML loads a TOML configuration file into the provided structure.
func LoadTOML(configPath string, config interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// DatabaseConfig holds database settings. URL is either a SQLite path or a
// postgres:// DSN.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// ApplyDatabaseEnvOverrides applies environment variable overrides for
// database settings.
func ApplyDatabaseEnvOverrides(cfg *DatabaseConfig) {
	if val := os.Getenv("DATABASE_URL"); val != "" {
		cfg.URL = val
	}
}

// ApplyLoggingEnvOverrides applies environment variable overrides for
// logging settings.
func ApplyLoggingEnvOverrides(cfg *LoggingConfig) {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Level = val
	}
}
