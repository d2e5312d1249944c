package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("PaperMinder Server service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)

	if p.svcLogger != nil {
		p.svcLogger.Info("PaperMinder Server service running")
	}

	if err := runServer(p.ctx, runOptions{isService: true}); err != nil && p.svcLogger != nil {
		p.svcLogger.Errorf("PaperMinder Server exited with error: %v", err)
	}

	if p.svcLogger != nil {
		p.svcLogger.Info("PaperMinder Server service stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	// Service is stopping, cancel context and wait for shutdown
	if p.svcLogger != nil {
		p.svcLogger.Info("PaperMinder Server service stop requested")
	}

	if p.cancel != nil {
		p.cancel()
	}

	// Wait for run() to finish with timeout
	timeout := time.After(30 * time.Second)
	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("PaperMinder Server service stopped gracefully")
		}
	case <-timeout:
		if p.svcLogger != nil {
			p.svcLogger.Warning("PaperMinder Server service stopped with timeout")
		}
	}

	return nil
}

// getServiceConfig returns the service configuration for the current platform
func getServiceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "PaperMinder", "server")
	case "darwin":
		workingDir = "/Library/Application Support/PaperMinder/server"
	default:
		workingDir = "/var/lib/paperminder/server"
	}

	return &service.Config{
		Name:             "PaperMinderServer",
		DisplayName:      "PaperMinder Server",
		Description:      "PaperMinder coordination server. Routes messages between web clients and thermal printers and manages firmware rollouts.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			// Windows service options
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"Dependencies":           "",
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			// Linux systemd options
			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			// macOS launchd options
			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}

// setupServiceDirectories creates necessary directories for service operation
func setupServiceDirectories() error {
	var dirs []string
	var configPath string

	switch runtime.GOOS {
	case "windows":
		baseDir := filepath.Join(os.Getenv("ProgramData"), "PaperMinder")
		serverDir := filepath.Join(baseDir, "server")
		dirs = []string{
			baseDir,
			serverDir,
			filepath.Join(serverDir, "logs"),
		}
		configPath = filepath.Join(baseDir, "server.toml")
	case "darwin":
		baseDir := "/Library/Application Support/PaperMinder"
		serverDir := filepath.Join(baseDir, "server")
		dirs = []string{
			baseDir,
			serverDir,
			filepath.Join(serverDir, "logs"),
			"/var/log/paperminder",
		}
		configPath = filepath.Join(baseDir, "server.toml")
	default: // Linux
		dirs = []string{
			"/var/lib/paperminder",
			"/var/lib/paperminder/server",
			"/var/log/paperminder",
			"/etc/paperminder",
		}
		configPath = "/etc/paperminder/server.toml"
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// Generate a default server.toml if one does not exist yet.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				fmt.Printf("Configuration already exists at: %s\n", configPath)
			} else {
				return fmt.Errorf("failed to generate default config at %s: %w", configPath, err)
			}
		} else {
			fmt.Printf("Generated default configuration at: %s\n", configPath)
		}
	} else {
		fmt.Printf("Configuration already exists at: %s\n", configPath)
	}

	return nil
}
