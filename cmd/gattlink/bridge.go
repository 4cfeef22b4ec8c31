package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/gattlink/internal/ppog"
	"github.com/srg/gattlink/internal/ptybridge"
	"github.com/srg/gattlink/internal/stack"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Expose the device's byte stream as a pseudo-terminal",
	Long: fmt.Sprintf(`Connects to a device, opens the reliable stream transport and pumps it to a
pseudo-terminal, so tools that expect a serial port can talk to the device.
The tty survives transport resets and reconnects; it disappears only when
the command exits.

With --stdio the stream attaches to the current terminal instead: stdin is
forwarded byte for byte in raw mode and stream data goes to stdout. Leave
interactive mode with Ctrl+].

Examples:
  # Bridge to a PTY and symlink it to a stable path
  gattlink bridge %s --symlink /tmp/watch

  # Talk to the device from this terminal
  gattlink bridge %s --stdio

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeSymlink   string
	bridgeStdio     bool
	bridgeRandom    bool
	bridgeNoPairing bool
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g. /tmp/watch)")
	bridgeCmd.Flags().BoolVar(&bridgeStdio, "stdio", false, "Bridge to the current terminal instead of a PTY")
	bridgeCmd.Flags().BoolVar(&bridgeRandom, "random", false, "Treat the address as a random static address")
	bridgeCmd.Flags().BoolVar(&bridgeNoPairing, "no-pairing", false, "Do not wait for link encryption before opening the session")
	bridgeCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}

func runBridge(cmd *cobra.Command, args []string) error {
	address := args[0]

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if bridgeSymlink != "" {
		cfg.Bridge.SymlinkPath = bridgeSymlink
	}
	if bridgeNoPairing {
		cfg.Stack.PairingRequired = false
	}
	target, err := parseTarget(address, bridgeRandom)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signalContext(logger)
	defer stop()

	progress := NewProgressPrinter(fmt.Sprintf("Bridging %s", address), "Connecting", "Attached")
	progress.Start()
	defer progress.Stop()

	bs := openStack(cfg, logger)
	defer bs.Close()

	var (
		uplink  ppog.Uplink
		cleanup func()
	)
	if bridgeStdio {
		sb := newStdioBridge(logger, progress.Callback(), stop)
		if term.IsTerminal(int(os.Stdin.Fd())) {
			state, err := term.MakeRaw(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("failed to put the terminal in raw mode: %w", err)
			}
			sb.raw = true
			defer term.Restore(int(os.Stdin.Fd()), state)
		}
		sb.start(ctx)
		uplink = sb
		cleanup = sb.Close
	} else {
		pb := ptybridge.New(cfg.Bridge, logger)
		pb.SetStateCallback(func(st ptybridge.SessionState) {
			reportBridgeState(st, progress.Callback())
		})
		uplink = pb
		cleanup = func() { _ = pb.Close() }
	}

	kernel := bs.Stack.Client(stack.ClientKernel)
	mgr := ppog.NewManager(logger, cfg.Transport, kernel, uplink)
	mgr.Start(ctx)

	if err := kernel.Connect(target, true, cfg.Stack.PairingRequired); err != nil {
		mgr.Stop()
		cleanup()
		return err
	}

	<-ctx.Done()
	progress.Stop()

	// Stop the transport before the uplink so no upcall lands on a closed
	// bridge.
	mgr.Stop()
	cleanup()
	return ctx.Err()
}

// reportBridgeState prints PTY endpoint lifecycle lines.
func reportBridgeState(st ptybridge.SessionState, phase func(string)) {
	switch st.Phase {
	case ptybridge.PhaseOpen:
		phase("Attached")
		line := fmt.Sprintf("Stream attached: %s", st.TTYName)
		if st.Symlink != "" {
			line += fmt.Sprintf(" (symlink %s)", st.Symlink)
		}
		fmt.Fprintln(os.Stderr, line)
	case ptybridge.PhaseParked:
		fmt.Fprintf(os.Stderr, "Stream detached, %s stays open for the reconnect\n", st.TTYName)
	}
}
