package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
)

// fakeWrite records one write that reached the fake host.
type fakeWrite struct {
	uuid  string
	value []byte
	noRsp bool
}

// fakeClient is an in-memory ble.Client. Calls are recorded before injected
// errors are applied, so tests can assert that a call happened even when it
// was made to fail.
type fakeClient struct {
	mu sync.Mutex

	profile      *ble.Profile
	discoverErr  error
	discoverRuns int

	mtu    int
	mtuErr error

	readData  map[string][]byte
	readErr   error
	readGate  chan struct{}
	readsHeld atomic.Int32

	writes   []fakeWrite
	writeErr error

	subs         map[string]ble.NotificationHandler
	subscribeErr error
	unsubscribed []string
	cleared      int

	down      chan struct{}
	downOnce  sync.Once
	cancelled int
}

func newFakeClient(profile *ble.Profile) *fakeClient {
	return &fakeClient{
		profile:  profile,
		mtu:      185,
		readData: make(map[string][]byte),
		subs:     make(map[string]ble.NotificationHandler),
		down:     make(chan struct{}),
	}
}

func subKey(c *ble.Characteristic, ind bool) string {
	if ind {
		return c.UUID.String() + "/indicate"
	}
	return c.UUID.String() + "/notify"
}

// handler returns the notification callback installed for the
// characteristic, or nil.
func (f *fakeClient) handler(uuid string, ind bool) ble.NotificationHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ind {
		return f.subs[uuid+"/indicate"]
	}
	return f.subs[uuid+"/notify"]
}

func (f *fakeClient) writesSnapshot() []fakeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeWrite(nil), f.writes...)
}

func (f *fakeClient) unsubscribedSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

func (f *fakeClient) setRead(uuid string, v []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readData[uuid] = v
}

func (f *fakeClient) setReadGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readGate = gate
}

func (f *fakeClient) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *fakeClient) setDiscoverErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverErr = err
}

func (f *fakeClient) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeClient) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

func (f *fakeClient) dropLink() {
	f.downOnce.Do(func() { close(f.down) })
}

func (f *fakeClient) Addr() ble.Addr { return ble.NewAddr("aa:bb:cc:dd:ee:01") }

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Profile() *ble.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

func (f *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoverRuns++
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.profile, nil
}

func (f *fakeClient) DiscoverServices([]ble.UUID) ([]*ble.Service, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) DiscoverIncludedServices([]ble.UUID, *ble.Service) ([]*ble.Service, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) DiscoverCharacteristics([]ble.UUID, *ble.Service) ([]*ble.Characteristic, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) DiscoverDescriptors([]ble.UUID, *ble.Characteristic) ([]*ble.Descriptor, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	f.mu.Lock()
	gate := f.readGate
	err := f.readErr
	data := f.readData[c.UUID.String()]
	f.mu.Unlock()
	if gate != nil {
		f.readsHeld.Add(1)
		<-gate
		f.readsHeld.Add(-1)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *fakeClient) ReadLongCharacteristic(c *ble.Characteristic) ([]byte, error) {
	return f.ReadCharacteristic(c)
}

func (f *fakeClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fakeWrite{
		uuid:  c.UUID.String(),
		value: append([]byte(nil), value...),
		noRsp: noRsp,
	})
	return f.writeErr
}

func (f *fakeClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.readData[d.UUID.String()], nil
}

func (f *fakeClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fakeWrite{
		uuid:  d.UUID.String(),
		value: append([]byte(nil), v...),
	})
	return f.writeErr
}

func (f *fakeClient) ReadRSSI() int { return -50 }

func (f *fakeClient) ExchangeMTU(int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mtuErr != nil {
		return 0, f.mtuErr
	}
	return f.mtu, nil
}

func (f *fakeClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subs[subKey(c, ind)] = h
	return nil
}

func (f *fakeClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := subKey(c, ind)
	f.unsubscribed = append(f.unsubscribed, key)
	delete(f.subs, key)
	return nil
}

func (f *fakeClient) ClearSubscriptions() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.subs = make(map[string]ble.NotificationHandler)
	return nil
}

func (f *fakeClient) CancelConnection() error {
	f.mu.Lock()
	f.cancelled++
	f.mu.Unlock()
	f.dropLink()
	return nil
}

func (f *fakeClient) Disconnected() <-chan struct{} { return f.down }

func (f *fakeClient) Conn() ble.Conn { return nil }

var _ ble.Client = (*fakeClient)(nil)

// fakeDevice is an in-memory ble.Device whose Dial hands out the prepared
// client. A non-nil gate makes Dial block until the gate closes or the dial
// context ends, which is how cancellation tests hold a dial in flight.
type fakeDevice struct {
	mu      sync.Mutex
	client  *fakeClient
	dialErr error
	dialed  []string
	gate    chan struct{}
	stopped int
}

func (d *fakeDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, a.String())
	gate := d.gate
	err := d.dialErr
	cli := d.client
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if err != nil {
		return nil, err
	}
	return cli, nil
}

func (d *fakeDevice) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func (d *fakeDevice) setClient(cli *fakeClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.client = cli
}

func (d *fakeDevice) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func (d *fakeDevice) AddService(*ble.Service) error { return errors.New("not supported") }

func (d *fakeDevice) RemoveAllServices() error { return errors.New("not supported") }

func (d *fakeDevice) SetServices([]*ble.Service) error { return errors.New("not supported") }
func (d *fakeDevice) Advertise(context.Context, ble.Advertisement) error {
	return errors.New("not supported")
}

func (d *fakeDevice) AdvertiseNameAndServices(context.Context, string, ...ble.UUID) error {
	return errors.New("not supported")
}

func (d *fakeDevice) AdvertiseMfgData(context.Context, uint16, []byte) error {
	return errors.New("not supported")
}

func (d *fakeDevice) AdvertiseServiceData16(context.Context, uint16, []byte) error {
	return errors.New("not supported")
}

func (d *fakeDevice) AdvertiseIBeaconData(context.Context, []byte) error {
	return errors.New("not supported")
}

func (d *fakeDevice) AdvertiseIBeacon(context.Context, ble.UUID, uint16, uint16, int8) error {
	return errors.New("not supported")
}

func (d *fakeDevice) Scan(ctx context.Context, _ bool, _ ble.AdvHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

var _ ble.Device = (*fakeDevice)(nil)
