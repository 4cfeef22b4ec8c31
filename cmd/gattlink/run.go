package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/ppog"
	"github.com/srg/gattlink/internal/stack"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <device-address>",
	Short: "Keep a stream session open and dump received data",
	Long: fmt.Sprintf(`Connects to a device, brings up the reliable stream transport and keeps the
session open until interrupted. Received stream bytes go to stdout: raw by
default, as a hex dump with --hex. Session lifecycle lines go to stderr, so
stdout stays a clean byte stream.

The connect intent auto-reconnects and the session re-opens after protocol
resets, so the command rides out range drops.

Examples:
  # Capture the stream to a file
  gattlink run %s > stream.bin

  # Watch traffic as a hex dump
  gattlink run %s --hex

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

var (
	runHex       bool
	runRandom    bool
	runNoPairing bool
)

func init() {
	runCmd.Flags().BoolVar(&runHex, "hex", false, "Hex dump received data; raw bytes by default")
	runCmd.Flags().BoolVar(&runRandom, "random", false, "Treat the address as a random static address")
	runCmd.Flags().BoolVar(&runNoPairing, "no-pairing", false, "Do not wait for link encryption before opening the session")
	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}

func runSession(cmd *cobra.Command, args []string) error {
	address := args[0]

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if runNoPairing {
		cfg.Stack.PairingRequired = false
	}
	target, err := parseTarget(address, runRandom)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signalContext(logger)
	defer stop()

	progress := NewProgressPrinter(fmt.Sprintf("Opening stream to %s", address), "Connecting", "Session open")
	progress.Start()
	defer progress.Stop()

	bs := openStack(cfg, logger)
	defer bs.Close()

	sink := &streamSink{out: os.Stdout, hex: runHex, phase: progress.Callback()}
	kernel := bs.Stack.Client(stack.ClientKernel)
	mgr := ppog.NewManager(logger, cfg.Transport, kernel, sink)
	mgr.Start(ctx)
	defer mgr.Stop()

	if err := kernel.Connect(target, true, cfg.Stack.PairingRequired); err != nil {
		return err
	}

	<-ctx.Done()

	progress.Stop()
	printRunStats(bs.Stack.Stats(), mgr.Stats())
	return ctx.Err()
}

// streamSink is the run command's uplink: received bytes to out, lifecycle
// lines to stderr. The transport worker serializes all calls.
type streamSink struct {
	out   io.Writer
	hex   bool
	phase func(string)
}

func (s *streamSink) TransportOpened(t *ppog.Conn) {
	s.phase("Session open")
	meta := t.Meta()
	fmt.Fprintf(os.Stderr, "Session open: conn %d, protocol v%d, app %s\n",
		t.ConnID(), t.Version(), meta.AppKind())
}

func (s *streamSink) TransportClosed(t *ppog.Conn, err error) {
	fmt.Fprintf(os.Stderr, "Session closed: %v\n", err)
}

func (s *streamSink) HandleData(t *ppog.Conn, data []byte) {
	if s.hex {
		_, _ = io.WriteString(s.out, hex.Dump(data))
		return
	}
	_, _ = s.out.Write(data)
}

func (s *streamSink) ReadyToSend(t *ppog.Conn) {}

func printRunStats(ss stack.Stats, ts ppog.Stats) {
	fmt.Fprintf(os.Stderr, "Stack: %d connection(s), %d intent(s), %d pending op(s)\n",
		ss.Connections, ss.Intents, ss.PendingOps)
	fmt.Fprintf(os.Stderr, "Transport: %d session(s), %d open, %d reset(s), %d inbound drop(s), %d forced disconnect(s)\n",
		ts.Sessions, ts.OpenSessions, ts.Resets, ts.InboundDrops, ts.ForcedDisconnects)
}
