package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "castkeeper",
		Short: "CastKeeper - consent-driven screen capture service",
		Long: `CastKeeper runs a local screen capture session on behalf of other
applications. Capture only starts after the desktop's own consent flow
grants permission, and a visible indicator with a Stop action stays up
for as long as the screen is being shared.

Features:
  • xdg-desktop-portal ScreenCast consent with PipeWire frames (Wayland)
  • X11 root window capture
  • One session at a time, with guaranteed resource cleanup
  • Tray indicator and idle inhibition while sharing
  • REST + WebSocket API and a live MJPEG preview`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/castkeeper/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("backend", "", "capture backend (auto, portal, x11)")
	rootCmd.PersistentFlags().Bool("no-tray", false, "do not show the tray indicator")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("no_tray", rootCmd.PersistentFlags().Lookup("no-tray"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
