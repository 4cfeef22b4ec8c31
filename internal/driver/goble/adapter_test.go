package goble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/pkg/config"
)

const (
	waitFor  = 3 * time.Second
	pollTick = 2 * time.Millisecond
)

var devFake = driver.Device{Addr: driver.BDAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}}

// hostProfile is what the fake host serves: a heart-rate style service with
// a notify characteristic behind a CCCD and a writable characteristic
// carrying a user-description descriptor.
func hostProfile() *ble.Profile {
	hrm := &ble.Characteristic{
		UUID:        ble.UUID16(0x2a37),
		Property:    ble.CharNotify | ble.CharIndicate,
		Handle:      2,
		ValueHandle: 3,
	}
	hrm.Descriptors = []*ble.Descriptor{{UUID: ble.UUID16(0x2902), Handle: 4}}
	hrm.CCCD = hrm.Descriptors[0]

	body := &ble.Characteristic{
		UUID:        ble.UUID16(0x2a38),
		Property:    ble.CharRead | ble.CharWrite | ble.CharWriteNR,
		Handle:      5,
		ValueHandle: 6,
	}
	body.Descriptors = []*ble.Descriptor{{UUID: ble.UUID16(0x2901), Handle: 7}}

	return &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.UUID16(0x180d),
		Handle:          1,
		EndHandle:       7,
		Characteristics: []*ble.Characteristic{hrm, body},
	}}}
}

type adapterHarness struct {
	dev *fakeDevice
	cli *fakeClient
	ad  *Adapter

	mu     sync.Mutex
	evs    []driver.Event
	cursor int
}

// newAdapterHarness wires an adapter to an in-memory host. qdepth overrides
// the per-link op queue depth when positive.
func newAdapterHarness(t *testing.T, qdepth int) *adapterHarness {
	t.Helper()
	cli := newFakeClient(hostProfile())
	dev := &fakeDevice{client: cli}

	prev := DeviceFactory
	DeviceFactory = func() (ble.Device, error) { return dev, nil }
	t.Cleanup(func() { DeviceFactory = prev })

	cfg := config.DefaultConfig().Driver
	cfg.ConnectTimeout = time.Second
	if qdepth > 0 {
		cfg.OpQueueDepth = qdepth
	}
	ad := New(cfg, testutils.NewTestHelper(t).Logger)

	h := &adapterHarness{dev: dev, cli: cli, ad: ad}
	ad.Bind(h.sink)
	t.Cleanup(func() { _ = ad.Close() })
	return h
}

func (h *adapterHarness) sink(ev driver.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evs = append(h.evs, ev)
}

// next pops the oldest undelivered event, waiting for it to arrive.
func (h *adapterHarness) next(t *testing.T) driver.Event {
	t.Helper()
	var ev driver.Event
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.cursor < len(h.evs) {
			ev = h.evs[h.cursor]
			h.cursor++
			return true
		}
		return false
	}, waitFor, pollTick, "no driver event arrived")
	return ev
}

func nextAs[T driver.Event](t *testing.T, h *adapterHarness) T {
	t.Helper()
	ev := h.next(t)
	typed, ok := ev.(T)
	require.True(t, ok, "expected %T, got %#v", typed, ev)
	return typed
}

func (h *adapterHarness) requireNoMoreEvents(t *testing.T) {
	t.Helper()
	time.Sleep(30 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, h.cursor, len(h.evs), "unexpected extra events")
}

// connect admits the fake peer and consumes the link bring-up sequence.
func (h *adapterHarness) connect(t *testing.T) driver.LinkID {
	t.Helper()
	require.NoError(t, h.ad.AllowConnection(devFake))

	up := nextAs[driver.LinkUp](t, h)
	require.Equal(t, driver.HCIStatusSuccess, up.Status)
	require.Equal(t, devFake, up.Dev)
	require.True(t, up.LocalIsMaster)

	mtu := nextAs[driver.MTUUpdated](t, h)
	require.Equal(t, up.Link, mtu.Link)
	require.Equal(t, 185, mtu.MTU)

	enc := nextAs[driver.EncryptionChanged](t, h)
	require.True(t, enc.Encrypted)

	disc := nextAs[driver.ServicesDiscovered](t, h)
	require.Equal(t, up.Link, disc.Link)
	require.Len(t, disc.Services, 1)
	return up.Link
}

func TestConnectPostsLinkSequence(t *testing.T) {
	h := newAdapterHarness(t, 0)
	h.connect(t)

	h.mu.Lock()
	disc := h.evs[3].(driver.ServicesDiscovered)
	h.mu.Unlock()

	svc := disc.Services[0]
	require.Equal(t, gatt.UUID("180d"), svc.UUID)
	require.Equal(t, uint16(1), svc.StartHandle)
	require.Equal(t, uint16(7), svc.EndHandle)
	require.Len(t, svc.Characteristics, 2)

	hrm := svc.Characteristics[0]
	require.Equal(t, gatt.UUID("2a37"), hrm.UUID)
	require.Equal(t, gatt.PropNotify|gatt.PropIndicate, hrm.Properties)
	require.Equal(t, uint16(2), hrm.DeclHandle)
	require.Equal(t, uint16(3), hrm.ValueHandle)
	require.Equal(t, []driver.DiscoveredDescriptor{{UUID: gatt.CCCDUUID, Handle: 4}}, hrm.Descriptors)

	body := svc.Characteristics[1]
	require.Equal(t, gatt.UUID("2a38"), body.UUID)
	require.Equal(t, gatt.PropRead|gatt.PropWrite|gatt.PropWriteNoResponse, body.Properties)
	require.Equal(t, uint16(6), body.ValueHandle)
	require.Equal(t, []driver.DiscoveredDescriptor{{UUID: gatt.UUID("2901"), Handle: 7}}, body.Descriptors)
}

func TestDialFailureReportsStatus(t *testing.T) {
	h := newAdapterHarness(t, 0)
	h.dev.dialErr = errors.New("page timeout")

	require.NoError(t, h.ad.AllowConnection(devFake))
	up := nextAs[driver.LinkUp](t, h)
	require.Equal(t, statusConnFailed, up.Status)
	require.Equal(t, devFake, up.Dev)
	h.requireNoMoreEvents(t)
}

func TestDenyConnectionCancelsDial(t *testing.T) {
	h := newAdapterHarness(t, 0)
	h.dev.gate = make(chan struct{})

	require.NoError(t, h.ad.AllowConnection(devFake))
	require.Eventually(t, func() bool { return h.dev.dialCount() == 1 }, waitFor, pollTick)

	require.NoError(t, h.ad.DenyConnection(devFake))
	up := nextAs[driver.LinkUp](t, h)
	require.Equal(t, driver.HCIStatusUnknownConnection, up.Status)
	h.requireNoMoreEvents(t)
}

func TestAllowConnectionDedupesDials(t *testing.T) {
	h := newAdapterHarness(t, 0)
	gate := make(chan struct{})
	h.dev.gate = gate

	require.NoError(t, h.ad.AllowConnection(devFake))
	require.Eventually(t, func() bool { return h.dev.dialCount() == 1 }, waitFor, pollTick)

	// A second admit while the dial is in flight must not dial again.
	require.NoError(t, h.ad.AllowConnection(devFake))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, h.dev.dialCount())

	close(gate)
	up := nextAs[driver.LinkUp](t, h)
	require.Equal(t, driver.HCIStatusSuccess, up.Status)

	// Admitting a connected device is a no-op too.
	require.NoError(t, h.ad.AllowConnection(devFake))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, h.dev.dialCount())
}

func TestReadCharacteristicCompletes(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)
	h.cli.setRead("2a38", []byte{0x11, 0x22})

	require.NoError(t, h.ad.Read(link, 6, 77))
	op := nextAs[driver.OpCompleted](t, h)
	require.Equal(t, driver.OpToken(77), op.Token)
	require.Equal(t, uint16(6), op.Handle)
	require.Zero(t, op.ATTError)
	require.Equal(t, []byte{0x11, 0x22}, op.Value)
}

func TestReadDescriptorCompletes(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)
	h.cli.setRead("2901", []byte("Body Sensor"))

	require.NoError(t, h.ad.Read(link, 7, 5))
	op := nextAs[driver.OpCompleted](t, h)
	require.Zero(t, op.ATTError)
	require.Equal(t, []byte("Body Sensor"), op.Value)
}

func TestUnknownHandleRejected(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	require.Error(t, h.ad.Read(link, 0x99, 1))
	require.Error(t, h.ad.Write(link, 0x99, []byte{1}, 2))
	require.Error(t, h.ad.WriteNoResponse(link, 0x99, []byte{1}))
	h.requireNoMoreEvents(t)
}

func TestCCCDWriteTranslatesToSubscribe(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	require.NoError(t, h.ad.Write(link, 4, []byte{0x01, 0x00}, 9))
	op := nextAs[driver.OpCompleted](t, h)
	require.Equal(t, driver.OpToken(9), op.Token)
	require.Zero(t, op.ATTError)

	handler := h.cli.handler("2a37", false)
	require.NotNil(t, handler, "host subscription not installed")
	// The descriptor itself must not be written; the host owns it.
	for _, w := range h.cli.writesSnapshot() {
		require.NotEqual(t, "2902", w.uuid)
	}

	src := []byte{0x06, 0x48}
	handler(src)
	src[0] = 0xFF
	n := nextAs[driver.Notification](t, h)
	require.Equal(t, link, n.Link)
	require.Equal(t, uint16(3), n.Handle)
	require.False(t, n.Indication)
	require.Equal(t, []byte{0x06, 0x48}, n.Value, "payload must be copied out of the host buffer")
}

func TestCCCDRewriteSwitchesMode(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	require.NoError(t, h.ad.Write(link, 4, []byte{0x01, 0x00}, 1))
	nextAs[driver.OpCompleted](t, h)

	require.NoError(t, h.ad.Write(link, 4, []byte{0x02, 0x00}, 2))
	nextAs[driver.OpCompleted](t, h)

	require.Contains(t, h.cli.unsubscribedSnapshot(), "2a37/notify")
	require.NotNil(t, h.cli.handler("2a37", true))

	h.cli.handler("2a37", true)([]byte{0xAB})
	n := nextAs[driver.Notification](t, h)
	require.True(t, n.Indication)
	require.Equal(t, uint16(3), n.Handle)
}

func TestCCCDReleaseUnsubscribes(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	require.NoError(t, h.ad.Write(link, 4, []byte{0x01, 0x00}, 1))
	nextAs[driver.OpCompleted](t, h)

	require.NoError(t, h.ad.Write(link, 4, []byte{0x00, 0x00}, 2))
	op := nextAs[driver.OpCompleted](t, h)
	require.Zero(t, op.ATTError)
	require.Contains(t, h.cli.unsubscribedSnapshot(), "2a37/notify")
	require.Nil(t, h.cli.handler("2a37", false))
}

func TestCCCDReadReflectsWrittenState(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	require.NoError(t, h.ad.Read(link, 4, 1))
	op := nextAs[driver.OpCompleted](t, h)
	require.Equal(t, []byte{0x00, 0x00}, op.Value)

	require.NoError(t, h.ad.Write(link, 4, []byte{0x01, 0x00}, 2))
	nextAs[driver.OpCompleted](t, h)

	require.NoError(t, h.ad.Read(link, 4, 3))
	op = nextAs[driver.OpCompleted](t, h)
	require.Equal(t, []byte{0x01, 0x00}, op.Value)
}

func TestCCCDSubscribeErrorMapsToATT(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)
	h.cli.setSubscribeErr(errors.New("ATT request failed: insufficient authentication"))

	require.NoError(t, h.ad.Write(link, 4, []byte{0x01, 0x00}, 4))
	op := nextAs[driver.OpCompleted](t, h)
	require.Equal(t, attInsufficientAuthn, op.ATTError)

	// The failed write must not stick.
	require.NoError(t, h.ad.Read(link, 4, 5))
	op = nextAs[driver.OpCompleted](t, h)
	require.Equal(t, []byte{0x00, 0x00}, op.Value)
}

func TestWritePathsReachTheHost(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	require.NoError(t, h.ad.Write(link, 6, []byte{0xDE, 0xAD}, 11))
	op := nextAs[driver.OpCompleted](t, h)
	require.Zero(t, op.ATTError)

	require.NoError(t, h.ad.Write(link, 7, []byte{0x01}, 12))
	nextAs[driver.OpCompleted](t, h)

	require.NoError(t, h.ad.WriteNoResponse(link, 6, []byte{0xBE, 0xEF}))
	require.Eventually(t, func() bool { return len(h.cli.writesSnapshot()) == 3 }, waitFor, pollTick)
	h.requireNoMoreEvents(t)

	writes := h.cli.writesSnapshot()
	require.Equal(t, fakeWrite{uuid: "2a38", value: []byte{0xDE, 0xAD}}, writes[0])
	require.Equal(t, fakeWrite{uuid: "2901", value: []byte{0x01}}, writes[1])
	require.Equal(t, fakeWrite{uuid: "2a38", value: []byte{0xBE, 0xEF}, noRsp: true}, writes[2])
}

func TestWriteNoResponseBusyOnFullQueue(t *testing.T) {
	h := newAdapterHarness(t, 1)
	link := h.connect(t)

	gate := make(chan struct{})
	h.cli.setReadGate(gate)
	require.NoError(t, h.ad.Read(link, 6, 1))
	require.Eventually(t, func() bool { return h.cli.readsHeld.Load() == 1 }, waitFor, pollTick)

	// Worker is blocked; the single queue slot takes one write, the next
	// must bounce.
	require.NoError(t, h.ad.WriteNoResponse(link, 6, []byte{1}))
	err := h.ad.WriteNoResponse(link, 6, []byte{2})
	require.ErrorIs(t, err, driver.ErrBusy)

	close(gate)
	op := nextAs[driver.OpCompleted](t, h)
	require.Equal(t, driver.OpToken(1), op.Token)
	require.Eventually(t, func() bool { return len(h.cli.writesSnapshot()) == 1 }, waitFor, pollTick)
}

func TestRemoteDropPostsLinkDown(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	h.cli.dropLink()
	down := nextAs[driver.LinkDown](t, h)
	require.Equal(t, link, down.Link)
	require.Equal(t, driver.ReasonRemote, down.Reason)

	require.Error(t, h.ad.Read(link, 6, 1))
	h.requireNoMoreEvents(t)
}

func TestLocalDisconnect(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	require.NoError(t, h.ad.Disconnect(link))
	down := nextAs[driver.LinkDown](t, h)
	require.Equal(t, driver.ReasonLocal, down.Reason)
	require.Eventually(t, func() bool { return h.cli.cancelCount() >= 1 }, waitFor, pollTick)
	h.requireNoMoreEvents(t)

	require.Error(t, h.ad.Disconnect(link), "link record must be gone")
}

func TestCloseReportsRadioShutdown(t *testing.T) {
	h := newAdapterHarness(t, 0)
	h.connect(t)

	require.NoError(t, h.ad.Close())
	down := nextAs[driver.LinkDown](t, h)
	require.Equal(t, driver.ReasonRadioShutdown, down.Reason)
	require.Equal(t, 1, h.dev.stopCount())

	require.ErrorIs(t, h.ad.AllowConnection(devFake), errClosed)
}

func TestRediscoveryClearsHostSubscriptions(t *testing.T) {
	h := newAdapterHarness(t, 0)
	link := h.connect(t)

	require.NoError(t, h.ad.Write(link, 4, []byte{0x01, 0x00}, 1))
	nextAs[driver.OpCompleted](t, h)

	require.NoError(t, h.ad.Discover(link))
	disc := nextAs[driver.ServicesDiscovered](t, h)
	require.Len(t, disc.Services, 1)
	require.Equal(t, 1, h.cli.clearCount())

	// Subscription state restarts from zero after the tree is rebuilt.
	require.NoError(t, h.ad.Read(link, 4, 2))
	op := nextAs[driver.OpCompleted](t, h)
	require.Equal(t, []byte{0x00, 0x00}, op.Value)
}

func TestInitialDiscoveryFailureDropsLink(t *testing.T) {
	h := newAdapterHarness(t, 0)
	h.cli.setDiscoverErr(errors.New("connection reset"))

	require.NoError(t, h.ad.AllowConnection(devFake))
	up := nextAs[driver.LinkUp](t, h)
	require.Equal(t, driver.HCIStatusSuccess, up.Status)
	nextAs[driver.MTUUpdated](t, h)
	nextAs[driver.EncryptionChanged](t, h)

	down := nextAs[driver.LinkDown](t, h)
	require.Equal(t, up.Link, down.Link)
	require.Equal(t, driver.ReasonLocal, down.Reason)
	require.Eventually(t, func() bool { return h.cli.cancelCount() >= 1 }, waitFor, pollTick)
}

func TestReconnectAfterDropGetsFreshLink(t *testing.T) {
	h := newAdapterHarness(t, 0)
	first := h.connect(t)

	h.cli.dropLink()
	nextAs[driver.LinkDown](t, h)

	h.dev.setClient(newFakeClient(hostProfile()))
	second := h.connect(t)
	require.NotEqual(t, first, second, "link ids are not recycled")
	require.Equal(t, 2, h.dev.dialCount())
}
