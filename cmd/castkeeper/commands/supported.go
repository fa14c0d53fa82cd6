package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/CastKeeper/internal/backend"
	"github.com/bryanchriswhite/CastKeeper/internal/capture"
)

var supportedCmd = &cobra.Command{
	Use:   "supported",
	Short: "Check whether screen capture is available",
	Long: `Select a capture backend the same way 'serve' does and report whether
it can capture this desktop. Nothing is captured and no consent is asked for.`,
	Example: `  # Check the automatically selected backend
  castkeeper supported

  # Check the X11 backend specifically
  castkeeper supported --backend x11`,
	RunE: runSupported,
}

func init() {
	rootCmd.AddCommand(supportedCmd)
}

func runSupported(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	be, err := backend.Select(configMgr.Get())
	if err != nil {
		fmt.Println("❌ No capture backend available")
		return err
	}
	defer be.Close()

	coord := capture.NewCoordinator(be.Platform)
	supported := coord.IsCaptureSupported()

	fmt.Printf("Backend:        %s\n", be.Name)
	fmt.Printf("Supported:      %t\n", supported)
	fmt.Printf("Consent host:   %t\n", be.Platform.HostAvailable())
	if !supported {
		return capture.ErrUnsupported
	}
	return nil
}
