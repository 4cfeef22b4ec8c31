package stack

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/driver"
	"github.com/srg/gattlink/internal/gatt"
)

// opClass distinguishes how a completion is routed.
type opClass uint8

const (
	opClassRead opClass = iota
	opClassWrite
	opClassCCCD
)

// pendingOp is the per-operation context correlating a driver completion
// back to its requester. Contexts torn down by disconnect or client cleanup
// leave late completions unmatched, which is the signal to drop them.
type pendingOp struct {
	class  opClass
	client ClientKind
	conn   ConnID
	ref    Ref
	handle uint16
	sub    *cccdWrite
}

// readResult is a completed read waiting for the owner to collect it.
type readResult struct {
	ref    Ref
	handle uint16
	value  []byte
}

// opPrep is what a prepare step hands to the unlock phase for the actual
// driver call.
type opPrep struct {
	tok    driver.OpToken
	link   driver.LinkID
	handle uint16
}

// ----------------------------------------------------------------------------
// Ref resolution
// ----------------------------------------------------------------------------

// resolveRefLocked validates an untrusted ref end to end: live connection
// slot, matching kind, matching tree generation, in-range index.
func (s *Stack) resolveRefLocked(r Ref, want RefKind) (*Connection, int, error) {
	if uint32(r)&refHighBit == 0 {
		return nil, 0, statusErrorf(InvalidParameter, "bad ref 0x%08x", uint32(r))
	}
	conn := s.reg.byIDLocked(ConnID(r.slot() + 1))
	if conn == nil {
		return nil, 0, statusErrorf(NotFound, "ref 0x%08x has no live connection", uint32(r))
	}
	idx, err := conn.resolveLocked(r, want)
	if err != nil {
		return nil, 0, err
	}
	return conn, idx, nil
}

// attHandleLocked maps a char or descriptor ref to the ATT handle operations
// act on. Service refs carry no operable handle.
func (s *Stack) attHandleLocked(r Ref) (*Connection, uint16, gatt.Property, error) {
	switch r.kind() {
	case RefCharacteristic:
		conn, idx, err := s.resolveRefLocked(r, RefCharacteristic)
		if err != nil {
			return nil, 0, 0, err
		}
		ch := &conn.chars[idx]
		return conn, ch.valueHandle, ch.props, nil
	case RefDescriptor:
		conn, idx, err := s.resolveRefLocked(r, RefDescriptor)
		if err != nil {
			return nil, 0, 0, err
		}
		// Descriptors carry no property bits; treat them as readable and
		// writable and let the remote judge.
		return conn, conn.descs[idx].handle, gatt.PropRead | gatt.PropWrite, nil
	default:
		return nil, 0, 0, statusErrorf(InvalidParameter, "ref 0x%08x is not operable", uint32(r))
	}
}

// ----------------------------------------------------------------------------
// Operation issue (prepare under lock, dispatch outside)
// ----------------------------------------------------------------------------

func (s *Stack) newTokenLocked() driver.OpToken {
	s.nextToken++
	return s.nextToken
}

func (s *Stack) prepareReadLocked(r Ref, k ClientKind) (opPrep, error) {
	conn, handle, props, err := s.attHandleLocked(r)
	if err != nil {
		return opPrep{}, err
	}
	if !props.Has(gatt.PropRead) {
		return opPrep{}, statusErrorf(InvalidParameter, "%s is not readable", r.kind())
	}
	tok := s.newTokenLocked()
	s.ops.Set(tok, &pendingOp{
		class: opClassRead, client: k, conn: conn.id, ref: r, handle: handle,
	})
	return opPrep{tok: tok, link: conn.link, handle: handle}, nil
}

func (s *Stack) prepareWriteLocked(r Ref, k ClientKind) (opPrep, error) {
	conn, handle, props, err := s.attHandleLocked(r)
	if err != nil {
		return opPrep{}, err
	}
	if !props.Has(gatt.PropWrite) {
		return opPrep{}, statusErrorf(InvalidParameter, "%s is not writable", r.kind())
	}
	tok := s.newTokenLocked()
	s.ops.Set(tok, &pendingOp{
		class: opClassWrite, client: k, conn: conn.id, ref: r, handle: handle,
	})
	return opPrep{tok: tok, link: conn.link, handle: handle}, nil
}

func (s *Stack) prepareWriteNoResponseLocked(r Ref) (opPrep, error) {
	conn, handle, props, err := s.attHandleLocked(r)
	if err != nil {
		return opPrep{}, err
	}
	if !props.Has(gatt.PropWriteNoResponse) {
		return opPrep{}, statusErrorf(InvalidParameter, "%s does not accept unacknowledged writes", r.kind())
	}
	return opPrep{link: conn.link, handle: handle}, nil
}

// dropOpLocked forgets a context whose driver dispatch failed.
func (s *Stack) dropOpLocked(tok driver.OpToken) {
	s.ops.Delete(tok)
}

// ----------------------------------------------------------------------------
// Completion routing
// ----------------------------------------------------------------------------

func (s *Stack) handleOpCompletedLocked(ev driver.OpCompleted) {
	op, ok := s.ops.Get(ev.Token)
	if !ok {
		// Torn down by disconnect or client cleanup before the response
		// arrived.
		s.log.WithField("token", ev.Token).Debug("Completion for retired operation ignored")
		return
	}
	s.ops.Delete(ev.Token)

	if op.class == opClassCCCD {
		s.handleCCCDResponseLocked(op, ev.ATTError)
		return
	}

	var opErr error
	if ev.ATTError != 0 {
		opErr = &RemoteError{Handle: op.handle, Code: ev.ATTError}
	}

	done := OpDone{Ref: op.ref, Handle: op.handle, Err: opErr}
	switch op.class {
	case opClassRead:
		done.Kind = OpRead
		if opErr == nil {
			value := append([]byte(nil), ev.Value...)
			s.readResults[op.client] = append(s.readResults[op.client], readResult{
				ref: op.ref, handle: op.handle, value: value,
			})
			done.Length = len(value)
		}
	case opClassWrite:
		done.Kind = OpWrite
	}
	s.emit(op.client, done)
}

// consumeReadResultLocked pops the client's oldest buffered read. The caller
// states the ref and length it saw in the OpDone event; disagreement means
// the consumer lost track of its own completions, which is a contract
// violation.
func (s *Stack) consumeReadResultLocked(k ClientKind, r Ref, length int) []byte {
	queue := s.readResults[k]
	if len(queue) == 0 {
		panic("no pending read result for client " + k.String())
	}
	res := queue[0]
	if res.ref != r || len(res.value) != length {
		panic("read result consumption does not match the completed operation")
	}
	s.readResults[k] = queue[1:]
	if len(s.readResults[k]) == 0 {
		s.readResults[k] = nil
	}
	return res.value
}

// dropClientOpsLocked frees every outstanding context and unconsumed read
// result owned by a client.
func (s *Stack) dropClientOpsLocked(k ClientKind) {
	var stale []driver.OpToken
	for pair := s.ops.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.client == k {
			stale = append(stale, pair.Key)
		}
	}
	for _, tok := range stale {
		s.ops.Delete(tok)
	}
	s.readResults[k] = nil
	if len(stale) > 0 {
		s.log.WithFields(logrus.Fields{
			"client": k, "count": len(stale),
		}).Debug("Dropped outstanding operations")
	}
}

// dropConnOpsLocked retires contexts pointing at a dying connection. Their
// completions, if any still arrive, are ignored.
func (s *Stack) dropConnOpsLocked(id ConnID) {
	var stale []driver.OpToken
	for pair := s.ops.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.conn == id {
			stale = append(stale, pair.Key)
		}
	}
	for _, tok := range stale {
		s.ops.Delete(tok)
	}
}
