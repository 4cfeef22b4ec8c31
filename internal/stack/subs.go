package stack

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
)

// subNode tracks one characteristic with at least one client subscription.
// It lives on the owning Connection and dies with the tree.
type subNode struct {
	charIdx     int
	valueHandle uint16
	cccdHandle  uint16
	perClient   [numClients]subClientState
}

type subClientState struct {
	// typ is the client's desired subscription type. It is recorded as soon
	// as the subscribe is accepted; pending marks that the remote CCCD write
	// confirming it is still in flight.
	typ     gatt.SubscriptionType
	pending bool
}

// prevailing folds all clients' desired types into the one value the remote
// CCCD must hold: notify outranks indicate outranks none.
func (n *subNode) prevailing() gatt.SubscriptionType {
	p := gatt.SubscriptionNone
	for k := range n.perClient {
		if n.perClient[k].typ.Outranks(p) {
			p = n.perClient[k].typ
		}
	}
	return p
}

func (n *subNode) active() bool {
	return n.prevailing() != gatt.SubscriptionNone
}

func (c *Connection) subNodeByCharLocked(charIdx int) *subNode {
	for _, n := range c.subs {
		if n.charIdx == charIdx {
			return n
		}
	}
	return nil
}

func (c *Connection) removeSubNodeLocked(charIdx int) {
	for i, n := range c.subs {
		if n.charIdx == charIdx {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// cccdWrite is the context of one in-flight remote CCCD write, carrying what
// a failure must undo.
type cccdWrite struct {
	conn      ConnID
	charIdx   int
	requester ClientKind
	prev      gatt.SubscriptionType
	newNode   bool
	retained  bool
	released  bool
	// finalizing writes come from client cleanup; failures are logged, not
	// rolled back, because the requester is gone.
	finalizing bool
}

// subPrep carries the remote-write half of a subscribe out of the lock.
type subPrep struct {
	needWrite bool
	tok       driver.OpToken
	link      driver.LinkID
	handle    uint16
	value     []byte
}

// ----------------------------------------------------------------------------
// Subscribe / unsubscribe
// ----------------------------------------------------------------------------

func (s *Stack) prepareSubscribeLocked(r Ref, want gatt.SubscriptionType, k ClientKind) (subPrep, error) {
	conn, charIdx, err := s.resolveRefLocked(r, RefCharacteristic)
	if err != nil {
		return subPrep{}, err
	}
	ch := &conn.chars[charIdx]
	cccdIdx := conn.cccdOfLocked(charIdx)
	if cccdIdx < 0 {
		return subPrep{}, statusErrorf(InvalidParameter, "characteristic %s has no CCCD", ch.uuid)
	}
	if want != gatt.SubscriptionNone && !want.Supported(ch.props) {
		return subPrep{}, statusErrorf(InvalidParameter,
			"characteristic %s does not support %s", ch.uuid, want)
	}

	node := conn.subNodeByCharLocked(charIdx)
	if node == nil && want == gatt.SubscriptionNone {
		return subPrep{}, statusErrorf(InvalidState, "characteristic %s is not subscribed", ch.uuid)
	}
	created := false
	if node == nil {
		node = &subNode{
			charIdx:     charIdx,
			valueHandle: ch.valueHandle,
			cccdHandle:  conn.descs[cccdIdx].handle,
		}
		conn.subs = append(conn.subs, node)
		created = true
	}

	st := &node.perClient[k]
	if st.typ == want {
		return subPrep{}, statusErrorf(InvalidState, "client %s already holds %s on %s", k, want, ch.uuid)
	}

	prev := st.typ
	prevPrevailing := node.prevailing()
	st.typ = want

	ctx := &cccdWrite{conn: conn.id, charIdx: charIdx, requester: k, prev: prev, newNode: created}
	if prev == gatt.SubscriptionNone && want != gatt.SubscriptionNone {
		s.retainBufferLocked(k)
		ctx.retained = true
	} else if prev != gatt.SubscriptionNone && want == gatt.SubscriptionNone {
		s.releaseBufferLocked(k)
		ctx.released = true
	}

	newPrevailing := node.prevailing()
	if newPrevailing == prevPrevailing {
		// The remote CCCD already holds the right value; confirm without a
		// round trip.
		if !node.active() {
			conn.removeSubNodeLocked(charIdx)
		}
		s.emit(k, SubscriptionUpdated{Ref: r, Type: want})
		return subPrep{}, nil
	}

	tok := s.newTokenLocked()
	st.pending = true
	s.ops.Set(tok, &pendingOp{
		class:  opClassCCCD,
		client: k,
		conn:   conn.id,
		ref:    r,
		handle: node.cccdHandle,
		sub:    ctx,
	})
	s.log.WithFields(logrus.Fields{
		"conn": conn.id, "char": ch.uuid, "client": k,
		"from": prevPrevailing.String(), "to": newPrevailing.String(),
	}).Debug("CCCD write issued")

	return subPrep{
		needWrite: true,
		tok:       tok,
		link:      conn.link,
		handle:    node.cccdHandle,
		value:     cccdPayload(newPrevailing),
	}, nil
}

func cccdPayload(t gatt.SubscriptionType) []byte {
	v := t.CCCDValue()
	return []byte{byte(v), byte(v >> 8)}
}

// rollbackCCCDLocked undoes a prepared subscribe whose driver dispatch was
// rejected. The remote never saw the write, so only local state unwinds.
func (s *Stack) rollbackCCCDLocked(tok driver.OpToken) {
	op, ok := s.ops.Get(tok)
	if !ok || op.sub == nil {
		return
	}
	s.ops.Delete(tok)
	s.undoSubscribeLocked(op.sub)
}

func (s *Stack) undoSubscribeLocked(ctx *cccdWrite) {
	conn := s.reg.byIDLocked(ctx.conn)
	if conn == nil {
		return
	}
	node := conn.subNodeByCharLocked(ctx.charIdx)
	if node == nil {
		return
	}
	st := &node.perClient[ctx.requester]
	st.typ = ctx.prev
	st.pending = false
	if ctx.retained {
		s.releaseBufferLocked(ctx.requester)
	}
	if ctx.released {
		s.retainBufferLocked(ctx.requester)
	}
	if ctx.newNode {
		conn.removeSubNodeLocked(ctx.charIdx)
	}
}

// handleCCCDResponseLocked finishes a subscribe when its CCCD write response
// arrives: confirm on success, unwind on remote rejection.
func (s *Stack) handleCCCDResponseLocked(op *pendingOp, attErr uint8) {
	ctx := op.sub
	conn := s.reg.byIDLocked(ctx.conn)
	if conn == nil {
		return
	}
	node := conn.subNodeByCharLocked(ctx.charIdx)
	if node == nil {
		return
	}

	if ctx.finalizing {
		if attErr != 0 {
			s.log.WithFields(logrus.Fields{
				"conn": ctx.conn, "att_error": attErr,
			}).Debug("Cleanup CCCD write rejected")
		}
		return
	}

	st := &node.perClient[ctx.requester]
	st.pending = false

	if attErr != 0 {
		s.undoSubscribeLocked(ctx)
		s.emit(ctx.requester, SubscriptionUpdated{
			Ref:  op.ref,
			Type: ctx.prev,
			Err:  &RemoteError{Handle: op.handle, Code: attErr},
		})
		return
	}

	confirmed := st.typ
	if !node.active() {
		conn.removeSubNodeLocked(ctx.charIdx)
	}
	s.emit(ctx.requester, SubscriptionUpdated{Ref: op.ref, Type: confirmed})
}

// ----------------------------------------------------------------------------
// Notification buffers
// ----------------------------------------------------------------------------

// retainBufferLocked counts one more active subscription for the client,
// creating its buffer on the first.
func (s *Stack) retainBufferLocked(k ClientKind) {
	if s.bufRefs[k] == 0 {
		s.buffers[k] = newNotifyBuffer(s.cfg.NotifyBufferSize)
	}
	s.bufRefs[k]++
}

// releaseBufferLocked drops one subscription; the buffer is freed with the
// last one, discarding anything undelivered.
func (s *Stack) releaseBufferLocked(k ClientKind) {
	if s.bufRefs[k] <= 0 {
		panic("notify buffer release without retain")
	}
	s.bufRefs[k]--
	if s.bufRefs[k] == 0 {
		s.notifyDrops[k] += s.buffers[k].droppedCount()
		s.buffers[k] = nil
	}
}

// notifyDelivery is one client's share of an inbound notification, pushed
// outside the stack lock.
type notifyDelivery struct {
	client ClientKind
	buf    *notifyBuffer
	header notifyHeader
}

// prepareNotificationLocked fans an inbound notification out to every client
// holding a live subscription on the handle. The actual buffer pushes happen
// after the stack lock is released so bounded waits cannot stall the lock.
func (s *Stack) prepareNotificationLocked(ev driver.Notification) []notifyDelivery {
	conn := s.reg.byLinkLocked(ev.Link)
	if conn == nil {
		return nil
	}
	charIdx := conn.charByValueHandleLocked(ev.Handle)
	if charIdx < 0 {
		s.log.WithFields(logrus.Fields{
			"conn": conn.id, "handle": ev.Handle,
		}).Debug("Notification for unknown handle dropped")
		return nil
	}
	node := conn.subNodeByCharLocked(charIdx)
	if node == nil {
		return nil
	}

	ref := conn.charRef(charIdx)
	var out []notifyDelivery
	for k := ClientKind(0); k < numClients; k++ {
		if node.perClient[k].typ == gatt.SubscriptionNone {
			continue
		}
		buf := s.buffers[k]
		if buf == nil {
			continue
		}
		out = append(out, notifyDelivery{
			client: k,
			buf:    buf,
			header: notifyHeader{Conn: conn.id, Ref: ref, Length: len(ev.Value)},
		})
	}
	return out
}

// releaseConnSubscriptionsLocked tears down every subscription node of a
// dying or rediscovered connection, returning buffer retains.
func (s *Stack) releaseConnSubscriptionsLocked(conn *Connection) {
	for _, node := range conn.subs {
		for k := ClientKind(0); k < numClients; k++ {
			if node.perClient[k].typ != gatt.SubscriptionNone {
				s.releaseBufferLocked(k)
			}
		}
	}
	conn.subs = nil
}

// unsubscribeClientLocked force-drops every subscription a client holds, on
// every connection. Nodes left inactive are freed immediately and the remote
// CCCDs are rewritten fire-and-forget.
func (s *Stack) unsubscribeClientLocked(k ClientKind) {
	s.reg.forEachLocked(func(conn *Connection) bool {
		for _, node := range append([]*subNode(nil), conn.subs...) {
			st := &node.perClient[k]
			if st.typ == gatt.SubscriptionNone {
				continue
			}
			prevPrevailing := node.prevailing()
			st.typ = gatt.SubscriptionNone
			st.pending = false
			s.releaseBufferLocked(k)

			newPrevailing := node.prevailing()
			if newPrevailing != prevPrevailing {
				tok := s.newTokenLocked()
				s.ops.Set(tok, &pendingOp{
					class:  opClassCCCD,
					client: k,
					conn:   conn.id,
					ref:    conn.charRef(node.charIdx),
					handle: node.cccdHandle,
					sub: &cccdWrite{
						conn: conn.id, charIdx: node.charIdx,
						requester: k, finalizing: true,
					},
				})
				link := conn.link
				handle := node.cccdHandle
				value := cccdPayload(newPrevailing)
				drvTok := tok
				s.deferCall(func() {
					if err := s.drv.Write(link, handle, value, drvTok); err != nil {
						s.log.WithError(err).WithField("handle", handle).
							Debug("Cleanup CCCD write dispatch failed")
						s.mu.Lock()
						s.ops.Delete(drvTok)
						s.mu.Unlock()
					}
				})
			}
			if !node.active() {
				conn.removeSubNodeLocked(node.charIdx)
			}
		}
		return true
	})
}
