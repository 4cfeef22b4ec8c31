package stack

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/driver"
)

// Bond is a persisted pairing record supplied by the embedder; the stack
// does not own bond storage.
type Bond struct {
	Identity driver.Device
	// Key is nil when the peer never exchanged a usable identity-resolving
	// key. Such bonds match by identity address instead.
	Key *driver.IdentityKey
}

// Target is what a connect intent aims at: a plain device address or a bond.
type Target struct {
	dev  driver.Device
	bond *Bond
}

// TargetDevice makes a device-addressed target.
func TargetDevice(dev driver.Device) Target {
	return Target{dev: dev}
}

// TargetBond makes a bond-addressed target.
func TargetBond(bond Bond) Target {
	return Target{dev: bond.Identity, bond: &bond}
}

func (t Target) String() string {
	if t.bond != nil {
		return "bond:" + t.bond.Identity.String()
	}
	return t.dev.String()
}

// intent tracks one desired connection and which clients want it. An intent
// with no owning client is removed immediately.
type intent struct {
	// dev is the current target address; for bond intents it is updated to
	// the live connection's address once one matches.
	dev         driver.Device
	bond        *Bond
	clients     [numClients]intentClient
	whitelisted bool
}

type intentClient struct {
	used            bool
	pairingRequired bool
	autoReconnect   bool
	// connected mirrors what this client has been told. Fan-out flips it
	// exactly once per edge, so clients never see duplicate events.
	connected bool
}

func (in *intent) ownerCount() int {
	n := 0
	for k := range in.clients {
		if in.clients[k].used {
			n++
		}
	}
	return n
}

// ----------------------------------------------------------------------------
// Connect / cancel entry points
// ----------------------------------------------------------------------------

func (s *Stack) connectLocked(t Target, autoReconnect, pairingRequired bool, k ClientKind) error {
	in := s.findIntentLocked(t)
	if in != nil && in.clients[k].used {
		return statusErrorf(InvalidState, "client %s already holds an intent for %s", k, t)
	}
	if in == nil {
		if len(s.intents) >= s.cfg.MaxIntents {
			return statusErrorf(Exhausted, "intent table full (%d)", s.cfg.MaxIntents)
		}
		in = &intent{dev: t.dev, bond: t.bond}
		s.intents = append(s.intents, in)
	}
	in.clients[k] = intentClient{
		used:            true,
		pairingRequired: pairingRequired,
		autoReconnect:   autoReconnect,
	}

	s.log.WithFields(logrus.Fields{
		"client": k, "target": t.String(),
		"auto_reconnect": autoReconnect, "pairing_required": pairingRequired,
	}).Info("Connect intent registered")

	if conn := s.connForIntentLocked(in); conn != nil {
		in.dev = conn.dev
		s.reportIntentConnectedLocked(in, conn)
	} else if in.bond == nil && !in.whitelisted {
		s.whitelistAddLocked(in)
	}
	return nil
}

func (s *Stack) cancelConnectLocked(t Target, k ClientKind) error {
	in := s.findIntentLocked(t)
	if in == nil || !in.clients[k].used {
		return statusErrorf(NotFound, "no intent for %s held by %s", t, k)
	}
	s.dropIntentClientLocked(in, k, driver.ReasonLocal)
	return nil
}

func (s *Stack) cancelAllLocked(k ClientKind) {
	// dropIntentClientLocked can shrink s.intents, so walk a snapshot.
	owned := make([]*intent, 0, len(s.intents))
	for _, in := range s.intents {
		if in.clients[k].used {
			owned = append(owned, in)
		}
	}
	for _, in := range owned {
		s.dropIntentClientLocked(in, k, driver.ReasonLocal)
	}
}

// dropIntentClientLocked unmarks one client and tears the intent down when
// it was the last owner. A client that believed itself connected gets a
// synthesized virtual disconnect.
func (s *Stack) dropIntentClientLocked(in *intent, k ClientKind, reason driver.DisconnectReason) {
	wasConnected := in.clients[k].connected
	in.clients[k] = intentClient{}

	if wasConnected {
		conn := s.connForIntentLocked(in)
		var id ConnID
		if conn != nil {
			id = conn.id
		}
		s.emit(k, VirtualDisconnected{Conn: id, Dev: in.dev, Reason: reason})
	}

	if in.ownerCount() > 0 {
		return
	}
	s.removeIntentLocked(in)
}

// removeIntentLocked deletes an ownerless intent. A connected link is torn
// down unless another intent still wants it; an unconnected one leaves the
// whitelist.
func (s *Stack) removeIntentLocked(in *intent) {
	for i, cur := range s.intents {
		if cur == in {
			s.intents = append(s.intents[:i], s.intents[i+1:]...)
			break
		}
	}

	if conn := s.connForIntentLocked(in); conn != nil {
		if !s.connWantedLocked(conn) {
			link := conn.link
			s.deferCall(func() {
				if err := s.drv.Disconnect(link); err != nil {
					s.log.WithError(err).WithField("link", link).Warn("Disconnect request failed")
				}
			})
		}
	} else if in.whitelisted {
		s.whitelistRemoveLocked(in)
	}
	s.log.WithField("target", in.dev.String()).Info("Connect intent removed")
}

func (s *Stack) hasIntentLocked(t Target, k ClientKind) bool {
	in := s.findIntentLocked(t)
	return in != nil && in.clients[k].used
}

func (s *Stack) findIntentLocked(t Target) *intent {
	for _, in := range s.intents {
		if t.bond != nil {
			if in.bond != nil && in.bond.Identity == t.bond.Identity {
				return in
			}
			continue
		}
		if in.bond == nil && in.dev == t.dev {
			return in
		}
	}
	return nil
}

// connForIntentLocked finds the live connection satisfying an intent. Bond
// intents match on the identity-resolving key with the legacy fallback to
// address equality; device intents match on address.
func (s *Stack) connForIntentLocked(in *intent) *Connection {
	if in.bond != nil {
		return s.reg.byBondLocked(in.bond.Identity, in.bond.Key)
	}
	return s.reg.byDeviceLocked(in.dev)
}

// connWantedLocked reports whether any intent still targets the connection.
func (s *Stack) connWantedLocked(conn *Connection) bool {
	for _, in := range s.intents {
		if s.intentMatchesConnLocked(in, conn) && in.ownerCount() > 0 {
			return true
		}
	}
	return false
}

func (s *Stack) intentMatchesConnLocked(in *intent, conn *Connection) bool {
	if in.bond != nil {
		if in.bond.Key != nil {
			return conn.irk != nil && *conn.irk == *in.bond.Key
		}
		return conn.identity == in.bond.Identity || conn.dev == in.bond.Identity
	}
	return conn.matchesDevice(in.dev)
}

// ----------------------------------------------------------------------------
// Whitelist bookkeeping
// ----------------------------------------------------------------------------

func (s *Stack) whitelistAddLocked(in *intent) {
	in.whitelisted = true
	dev := in.dev
	s.deferCall(func() {
		if err := s.drv.AllowConnection(dev); err != nil {
			s.log.WithError(err).WithField("device", dev.String()).Warn("Whitelist add failed")
		}
	})
}

func (s *Stack) whitelistRemoveLocked(in *intent) {
	in.whitelisted = false
	dev := in.dev
	s.deferCall(func() {
		if err := s.drv.DenyConnection(dev); err != nil {
			s.log.WithError(err).WithField("device", dev.String()).Warn("Whitelist remove failed")
		}
	})
}

// refreshWhitelistLocked re-evaluates which unconnected device intents still
// need a whitelist entry. Called after every connect/disconnect completion.
func (s *Stack) refreshWhitelistLocked() {
	for _, in := range s.intents {
		if in.bond == nil && !in.whitelisted && s.connForIntentLocked(in) == nil {
			s.whitelistAddLocked(in)
		}
	}
}

// ----------------------------------------------------------------------------
// Driver event handling
// ----------------------------------------------------------------------------

func (s *Stack) handleLinkUpLocked(ev driver.LinkUp) {
	if ev.Status != driver.HCIStatusSuccess {
		// A cancelled create-connection completes with "unknown connection";
		// that is the expected answer to DenyConnection.
		if ev.Status != driver.HCIStatusUnknownConnection {
			s.log.WithFields(logrus.Fields{
				"device": ev.Dev.String(), "status": ev.Status,
			}).Warn("Connection attempt failed")
		}
		s.refreshWhitelistLocked()
		return
	}

	conn, err := s.reg.addLocked(ev.Link, ev.Dev, ev.LocalIsMaster)
	if err != nil {
		s.log.WithError(err).WithField("device", ev.Dev.String()).Error("Cannot register connection")
		link := ev.Link
		s.deferCall(func() { _ = s.drv.Disconnect(link) })
		return
	}
	s.log.WithFields(logrus.Fields{
		"conn": conn.id, "link": ev.Link, "device": ev.Dev.String(),
	}).Info("Physical link up")

	for _, in := range s.intents {
		if !s.intentMatchesConnLocked(in, conn) {
			continue
		}
		in.dev = conn.dev
		if in.whitelisted {
			s.whitelistRemoveLocked(in)
		}
		s.reportIntentConnectedLocked(in, conn)
	}
	s.refreshWhitelistLocked()
}

func (s *Stack) handleLinkDownLocked(ev driver.LinkDown) {
	conn := s.reg.byLinkLocked(ev.Link)
	if conn == nil {
		s.log.WithField("link", ev.Link).Debug("Disconnect for unknown link ignored")
		return
	}
	s.log.WithFields(logrus.Fields{
		"conn": conn.id, "reason": ev.Reason.String(),
	}).Info("Physical link down")

	s.dropConnOpsLocked(conn.id)
	s.releaseConnSubscriptionsLocked(conn)
	s.broadcastLocked(ServicesInvalidated{Conn: conn.id})

	// Snapshot the matchers, then drop the record so intent teardown below
	// cannot mistake the dying link for a live one.
	matching := s.intentsForConnLocked(conn)
	s.reg.removeLocked(conn.id)

	for _, in := range matching {
		for k := ClientKind(0); k < numClients; k++ {
			ic := &in.clients[k]
			if !ic.used {
				continue
			}
			if ic.connected {
				ic.connected = false
				s.emit(k, VirtualDisconnected{Conn: conn.id, Dev: conn.dev, Reason: ev.Reason})
			}
			// One-shot intents are consumed by a real disconnect, but a
			// radio shutdown must leave them in place.
			if !ic.autoReconnect && ev.Reason != driver.ReasonRadioShutdown {
				ic.used = false
			}
		}
		if in.ownerCount() == 0 {
			s.removeIntentLocked(in)
		}
	}

	s.refreshWhitelistLocked()
}

func (s *Stack) handleEncryptionLocked(ev driver.EncryptionChanged) {
	conn := s.reg.byLinkLocked(ev.Link)
	if conn == nil {
		return
	}
	conn.encrypted = ev.Encrypted
	if !ev.Encrypted {
		return
	}
	// Clients that were gated on pairing can be reported now.
	for _, in := range s.intentsForConnLocked(conn) {
		s.reportIntentConnectedLocked(in, conn)
	}
}

func (s *Stack) handleIdentityResolvedLocked(ev driver.IdentityResolved) {
	conn := s.reg.byLinkLocked(ev.Link)
	if conn == nil {
		return
	}
	s.reg.setIdentityLocked(conn.id, ev.Identity, ev.Key)
	s.log.WithFields(logrus.Fields{
		"conn": conn.id, "identity": ev.Identity.String(),
	}).Debug("Peer identity resolved")

	// Bond intents may only now be able to match this connection.
	for _, in := range s.intents {
		if in.bond == nil || !s.intentMatchesConnLocked(in, conn) {
			continue
		}
		in.dev = conn.dev
		if in.whitelisted {
			s.whitelistRemoveLocked(in)
		}
		s.reportIntentConnectedLocked(in, conn)
	}
}

// reportIntentConnectedLocked fires virtual-connect events for every owning
// client whose observable state changes, holding back clients that require
// pairing until the link encrypts.
func (s *Stack) reportIntentConnectedLocked(in *intent, conn *Connection) {
	for k := ClientKind(0); k < numClients; k++ {
		ic := &in.clients[k]
		if !ic.used || ic.connected {
			continue
		}
		if ic.pairingRequired && !conn.encrypted {
			continue
		}
		ic.connected = true
		s.emit(k, VirtualConnected{Conn: conn.id, Dev: conn.dev})
	}
}

func (s *Stack) intentsForConnLocked(conn *Connection) []*intent {
	var out []*intent
	for _, in := range s.intents {
		if s.intentMatchesConnLocked(in, conn) {
			out = append(out, in)
		}
	}
	return out
}
