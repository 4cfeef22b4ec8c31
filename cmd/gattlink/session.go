package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/driver/goble"
	"github.com/srg/gattlink/internal/stack"
	"github.com/srg/gattlink/pkg/config"
)

// loadConfig reads the optional --config YAML over the built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// parseTarget turns an address argument into a connect target.
func parseTarget(address string, random bool) (stack.Target, error) {
	addr, err := driver.ParseBDAddr(address)
	if err != nil {
		return stack.Target{}, err
	}
	return stack.TargetDevice(driver.Device{Addr: addr, IsRandom: random}), nil
}

// bleStack bundles the host adapter with the connection stack riding on it.
type bleStack struct {
	log     *logrus.Logger
	Adapter *goble.Adapter
	Stack   *stack.Stack
}

// openStack builds the driver adapter and the stack and wires the event path
// between them. Close releases the radio.
func openStack(cfg *config.Config, log *logrus.Logger) *bleStack {
	adapter := goble.New(cfg.Driver, log)
	st := stack.New(cfg.Stack, adapter, log)
	adapter.Bind(st.HandleDriverEvent)
	return &bleStack{log: log, Adapter: adapter, Stack: st}
}

func (b *bleStack) Close() {
	if err := b.Adapter.Close(); err != nil {
		b.log.WithError(err).Warn("Radio shutdown reported an error")
	}
}

// signalContext returns a context that SIGINT/SIGTERM cancels. The returned
// stop function releases the signal registration and cancels the context.
func signalContext(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// awaitEvent drains the client's event queue until match accepts an event,
// match aborts with an error, the timeout passes, or ctx ends. Declined
// events are discarded.
func awaitEvent(ctx context.Context, cl *stack.Client, timeout time.Duration, match func(stack.Event) (bool, error)) (stack.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("timed out after %s", timeout)
		case ev := <-cl.Events():
			ok, err := match(ev)
			if err != nil {
				return nil, err
			}
			if ok {
				return ev, nil
			}
		}
	}
}
