package goble

import (
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/driver"
)

// Discover queues a full profile (re)discovery on the link worker, behind
// any ATT operations already in flight.
func (a *Adapter) Discover(id driver.LinkID) error {
	l := a.lookup(id)
	if l == nil {
		return fmt.Errorf("%w %d", errUnknown, id)
	}
	return l.enqueue(func() { a.discoverOp(l) })
}

// Read queues an attribute read. The result arrives as an OpCompleted event
// carrying tok.
func (a *Adapter) Read(id driver.LinkID, handle uint16, tok driver.OpToken) error {
	l := a.lookup(id)
	if l == nil {
		return fmt.Errorf("%w %d", errUnknown, id)
	}
	at := l.attr(handle)
	if at == nil {
		return fmt.Errorf("goble: link %d has no attribute 0x%04x", id, handle)
	}
	return l.enqueue(func() {
		var (
			value []byte
			err   error
		)
		switch {
		case at.cccd:
			// go-ble owns the real descriptor; answer from the value the
			// stack last wrote through us.
			var v [2]byte
			binary.LittleEndian.PutUint16(v[:], l.cccdValue(handle))
			value = v[:]
		case at.desc != nil:
			value, err = l.client.ReadDescriptor(at.desc)
		default:
			value, err = l.client.ReadCharacteristic(at.char)
		}
		a.completeOp(l, tok, handle, value, err)
	})
}

// Write queues an attribute write. Writes to a CCCD handle are translated
// into host subscribe calls; everything else goes to the peer as-is.
func (a *Adapter) Write(id driver.LinkID, handle uint16, value []byte, tok driver.OpToken) error {
	l := a.lookup(id)
	if l == nil {
		return fmt.Errorf("%w %d", errUnknown, id)
	}
	at := l.attr(handle)
	if at == nil {
		return fmt.Errorf("goble: link %d has no attribute 0x%04x", id, handle)
	}
	buf := append([]byte(nil), value...)
	return l.enqueue(func() {
		var err error
		switch {
		case at.cccd:
			err = a.applyCCCD(l, at, handle, buf)
		case at.desc != nil:
			err = l.client.WriteDescriptor(at.desc, buf)
		default:
			err = l.client.WriteCharacteristic(at.char, buf, false)
		}
		a.completeOp(l, tok, handle, nil, err)
	})
}

// WriteNoResponse queues a write-without-response. A full queue reports
// driver.ErrBusy; failures after queueing are logged and dropped, matching
// the fire-and-forget contract.
func (a *Adapter) WriteNoResponse(id driver.LinkID, handle uint16, value []byte) error {
	l := a.lookup(id)
	if l == nil {
		return fmt.Errorf("%w %d", errUnknown, id)
	}
	at := l.attr(handle)
	if at == nil || at.char == nil {
		return fmt.Errorf("goble: link %d has no characteristic value 0x%04x", id, handle)
	}
	buf := append([]byte(nil), value...)
	return l.enqueue(func() {
		if err := l.client.WriteCharacteristic(at.char, buf, true); err != nil {
			a.log.WithError(NormalizeError(err)).WithFields(logrus.Fields{
				"link": l.id, "handle": fmt.Sprintf("0x%04x", handle),
			}).Debug("Write without response failed")
		}
	})
}

// completeOp posts the completion for one queued ATT operation.
func (a *Adapter) completeOp(l *link, tok driver.OpToken, handle uint16, value []byte, err error) {
	ev := driver.OpCompleted{Link: l.id, Token: tok, Handle: handle}
	if err != nil {
		ev.ATTError = attErrorCode(err)
		a.log.WithError(NormalizeError(err)).WithFields(logrus.Fields{
			"link": l.id, "handle": fmt.Sprintf("0x%04x", handle), "att": ev.ATTError,
		}).Debug("ATT operation failed")
	} else {
		ev.Value = value
	}
	a.postLink(l, ev)
}

// applyCCCD maps a written CCCD value onto the host's subscription calls.
// go-ble writes the descriptor itself inside Subscribe and Unsubscribe.
func (a *Adapter) applyCCCD(l *link, at *attr, cccdHandle uint16, value []byte) error {
	if len(value) != 2 {
		return attError(attInvalidLength)
	}
	want := binary.LittleEndian.Uint16(value)
	cur := l.cccdValue(cccdHandle)
	if want == cur {
		return nil
	}

	var err error
	switch want {
	case 0x0000:
		err = NormalizeError(l.client.Unsubscribe(at.owner, cur == 0x0002))
	case 0x0001, 0x0002:
		if cur != 0x0000 {
			if err = NormalizeError(l.client.Unsubscribe(at.owner, cur == 0x0002)); err != nil {
				return err
			}
		}
		indicate := want == 0x0002
		err = NormalizeError(l.client.Subscribe(at.owner, indicate, a.notifyHandler(l, at.ownerValue, indicate)))
	default:
		return attError(attCCCDImproperlyConfigured)
	}
	if err != nil {
		return err
	}
	l.setCCCD(cccdHandle, want)
	return nil
}

// notifyHandler builds the host callback for one characteristic value
// handle. The host reuses its receive buffer across callbacks, so the
// payload is copied before it reaches the sink.
func (a *Adapter) notifyHandler(l *link, valueHandle uint16, indication bool) ble.NotificationHandler {
	return func(req []byte) {
		a.postLink(l, driver.Notification{
			Link:       l.id,
			Handle:     valueHandle,
			Indication: indication,
			Value:      append([]byte(nil), req...),
		})
	}
}

// discoverOp runs on the link worker so discovery serializes with other ATT
// traffic. A failed discovery drops the link: the stack cannot operate a
// connection it has no tree for.
func (a *Adapter) discoverOp(l *link) {
	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		a.log.WithError(NormalizeError(err)).WithField("link", l.id).Warn("Profile discovery failed, dropping link")
		a.teardown(l, driver.ReasonLocal)
		_ = l.client.CancelConnection()
		return
	}

	// Rediscovery invalidates every subscription on both sides; reset the
	// host bookkeeping so later CCCD writes start from a clean slate.
	l.mu.Lock()
	hadSubs := len(l.subs) > 0
	l.mu.Unlock()
	if hadSubs {
		if err := l.client.ClearSubscriptions(); err != nil {
			a.log.WithError(NormalizeError(err)).WithField("link", l.id).Debug("Clearing host subscriptions failed")
		}
	}

	services, attrs := buildProfile(profile)
	l.mu.Lock()
	l.attrs = attrs
	l.subs = make(map[uint16]uint16)
	l.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"link": l.id, "services": len(services), "attributes": len(attrs),
	}).Info("Profile discovered")
	a.postLink(l, driver.ServicesDiscovered{Link: l.id, Services: services})
}

var _ driver.Driver = (*Adapter)(nil)
