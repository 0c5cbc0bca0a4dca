package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "io.gridrelay.receiver"
	systemdUnit  = "gridrelay.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install gridrelay serve as a user service (launchd/systemd)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := filepath.Abs(resolveConfigPath())
			if err != nil {
				return err
			}
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(home, execPath, cfgPath)
			case "linux":
				return installSystemd(home, execPath, cfgPath)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gridrelay user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path, err := servicePath(home, runtime.GOOS)
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Service removed: %s\n", path)
			return nil
		},
	}
}

func servicePath(home, goos string) (string, error) {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

func renderService(tmpl, execPath, cfgPath, logDir string) string {
	return strings.NewReplacer(
		"{{EXEC}}", execPath,
		"{{CONFIG}}", cfgPath,
		"{{LABEL}}", launchdLabel,
		"{{LOG}}", filepath.Join(logDir, "gridrelay.log"),
		"{{ERR_LOG}}", filepath.Join(logDir, "gridrelay-error.log"),
	).Replace(tmpl)
}

func writeService(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func installLaunchd(home, execPath, cfgPath string) error {
	path, _ := servicePath(home, "darwin")
	logDir := filepath.Join(home, ".gridrelay", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	if err := writeService(path, renderService(launchdTemplate, execPath, cfgPath, logDir)); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start: launchctl load %s\n", path)
	fmt.Printf("To stop:  launchctl unload %s\n", path)
	return nil
}

func installSystemd(home, execPath, cfgPath string) error {
	path, _ := servicePath(home, "linux")
	if err := writeService(path, renderService(systemdTemplate, execPath, cfgPath, "")); err != nil {
		return err
	}
	fmt.Printf("Service installed: %s\n", path)
	fmt.Printf("To start:  systemctl --user start gridrelay\n")
	fmt.Printf("To enable: systemctl --user enable gridrelay\n")
	return nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{EXEC}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{CONFIG}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{ERR_LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=gridrelay Event Grid receiver
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{EXEC}} serve --config {{CONFIG}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target`
