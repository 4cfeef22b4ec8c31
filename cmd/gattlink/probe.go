package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/ppog"
	"github.com/srg/gattlink/internal/stack"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe <device-address>",
	Short: "Connect to a device and print its GATT profile",
	Long: fmt.Sprintf(`Connects to a device, discovers its services, characteristics and
descriptors and prints the tree. When the device carries the stream transport
service, its meta characteristic is read and decoded as well.

Examples:
  # Print the full GATT profile
  gattlink probe %s

  # Random static address, longer connect budget
  gattlink probe %s --random --connect-timeout 60s

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

var (
	probeConnectTimeout  time.Duration
	probeDiscoverTimeout time.Duration
	probeRandom          bool
)

func init() {
	probeCmd.Flags().DurationVar(&probeConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	probeCmd.Flags().DurationVar(&probeDiscoverTimeout, "discover-timeout", 15*time.Second, "Service discovery timeout")
	probeCmd.Flags().BoolVar(&probeRandom, "random", false, "Treat the address as a random static address")
	probeCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}

func runProbe(cmd *cobra.Command, args []string) error {
	address := args[0]

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Driver.ConnectTimeout = probeConnectTimeout

	target, err := parseTarget(address, probeRandom)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signalContext(logger)
	defer stop()

	progress := NewProgressPrinter(fmt.Sprintf("Probing %s", address), "Connecting")
	progress.Start()
	defer progress.Stop()

	bs := openStack(cfg, logger)
	defer bs.Close()

	app := bs.Stack.Client(stack.ClientApp)
	// One-shot intent, no pairing gate: a probe should see whatever the
	// device exposes to an unpaired central.
	if err := app.Connect(target, false, false); err != nil {
		return err
	}
	defer app.Cleanup()

	ev, err := awaitEvent(ctx, app, probeConnectTimeout, func(ev stack.Event) (bool, error) {
		_, ok := ev.(stack.VirtualConnected)
		return ok, nil
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", address, err)
	}
	conn := ev.(stack.VirtualConnected).Conn

	progress.Callback()("Discovering services")

	// The stack installs the complete tree before emitting the first
	// ServiceAdded, so one event means the copy-out below sees everything.
	_, err = awaitEvent(ctx, app, probeDiscoverTimeout, func(ev stack.Event) (bool, error) {
		switch e := ev.(type) {
		case stack.ServiceAdded:
			return e.Conn == conn, nil
		case stack.VirtualDisconnected:
			if e.Conn == conn {
				return false, ErrConnectionLost
			}
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("discovering services on %s: %w", address, err)
	}

	report, err := buildProbeReport(app, conn)
	if err != nil {
		return err
	}

	if !report.metaRef.IsZero() {
		progress.Callback()("Reading transport meta")
		meta, err := readMeta(ctx, app, conn, report.metaRef)
		if err != nil {
			logger.WithError(err).Warn("Transport meta read failed")
		} else {
			report.meta = &meta
		}
	}

	progress.Stop()
	printProbeReport(report)
	return nil
}

// ----------------------------------------------------------------------------
// Report assembly
// ----------------------------------------------------------------------------

type probeReport struct {
	dev      driver.Device
	mtu      int
	services []probeService
	metaRef  stack.Ref
	meta     *ppog.Meta
}

type probeService struct {
	info  stack.ServiceInfo
	chars []probeChar
}

type probeChar struct {
	uuid  gatt.UUID
	props gatt.Property
	descs []gatt.UUID
}

// buildProbeReport copies the discovered tree out of the stack. A rediscovery
// racing the copy surfaces as a stale-ref error; the probe just fails then.
func buildProbeReport(app *stack.Client, conn stack.ConnID) (*probeReport, error) {
	r := &probeReport{}

	dev, err := app.DeviceOf(conn)
	if err != nil {
		return nil, err
	}
	r.dev = dev
	if mtu, err := app.MTUOf(conn); err == nil {
		r.mtu = mtu
	}

	svcs, err := app.Services(conn)
	if err != nil {
		return nil, err
	}
	for _, svc := range svcs {
		ps := probeService{info: svc}
		chars, err := app.Characteristics(svc.Ref, nil)
		if err != nil {
			return nil, err
		}
		for _, chRef := range chars {
			uuid, err := app.UUIDOf(chRef)
			if err != nil {
				return nil, err
			}
			props, err := app.PropertiesOf(chRef)
			if err != nil {
				return nil, err
			}
			pc := probeChar{uuid: uuid, props: props}
			descs, err := app.Descriptors(chRef)
			if err != nil {
				return nil, err
			}
			for _, dRef := range descs {
				dUUID, err := app.UUIDOf(dRef)
				if err != nil {
					return nil, err
				}
				pc.descs = append(pc.descs, dUUID)
			}
			if svc.UUID == ppog.ServiceUUID && uuid == ppog.MetaCharUUID {
				r.metaRef = chRef
			}
			ps.chars = append(ps.chars, pc)
		}
		r.services = append(r.services, ps)
	}
	return r, nil
}

// readMeta reads and decodes the transport meta characteristic.
func readMeta(ctx context.Context, app *stack.Client, conn stack.ConnID, ref stack.Ref) (ppog.Meta, error) {
	if err := app.Read(ref); err != nil {
		return ppog.Meta{}, err
	}
	ev, err := awaitEvent(ctx, app, 5*time.Second, func(ev stack.Event) (bool, error) {
		switch e := ev.(type) {
		case stack.OpDone:
			return e.Ref == ref, nil
		case stack.VirtualDisconnected:
			if e.Conn == conn {
				return false, ErrConnectionLost
			}
		}
		return false, nil
	})
	if err != nil {
		return ppog.Meta{}, err
	}
	done := ev.(stack.OpDone)
	if done.Err != nil {
		return ppog.Meta{}, done.Err
	}
	return ppog.ParseMeta(app.ConsumeReadResult(ref, done.Length))
}

// ----------------------------------------------------------------------------
// Output
// ----------------------------------------------------------------------------

var (
	probeServiceColor = color.New(color.FgCyan)
	probeNameColor    = color.New(color.FgGreen)
)

// uuidLabel renders the assigned-numbers name when one is known.
func uuidLabel(u gatt.UUID) string {
	if name := gatt.KnownName(u); name != "" {
		return " " + probeNameColor.Sprint(name)
	}
	return ""
}

func printProbeReport(r *probeReport) {
	fmt.Printf("Device %s", r.dev)
	if r.mtu > 0 {
		fmt.Printf(", MTU %d", r.mtu)
	}
	fmt.Printf(", %d service(s)\n\n", len(r.services))

	for _, svc := range r.services {
		fmt.Printf("%s%s  handles 0x%04x..0x%04x\n",
			probeServiceColor.Sprint(svc.info.UUID.Short()), uuidLabel(svc.info.UUID),
			svc.info.StartHandle, svc.info.EndHandle)
		for _, ch := range svc.chars {
			fmt.Printf("  %s%s  [%s]\n", ch.uuid.Short(), uuidLabel(ch.uuid), ch.props)
			for _, d := range ch.descs {
				fmt.Printf("    %s%s\n", d.Short(), uuidLabel(d))
			}
		}
	}

	if r.meta != nil {
		m := r.meta
		fmt.Printf("\nStream transport: protocol versions %d..%d, app %s", m.MinVersion, m.MaxVersion, m.AppKind())
		if m.HasSessionType {
			fmt.Printf(", session type %d", m.SessionType)
		}
		fmt.Println()
	}
}
