package transaction

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
	"github.com/1ph/calypsogo/command"
	"github.com/1ph/calypsogo/reader"
)

// ProcessOpening opens a Secure Session at level: it
// takes a card-image backup, requests a terminal challenge, folds the first
// queued single-record read into the Open Secure Session APDU when one is
// queued, resolves the session key from the response or the configured
// default, checks authorization, and seeds the running session MAC.
func (t *Transaction) ProcessOpening(level calypsocard.AccessLevel) error {
	if t.state != stateIdle {
		return calypsoerr.New(calypsoerr.IllegalState, "ProcessOpening: transaction is %s, want IDLE", t.State())
	}

	backup := t.card.Backup()

	challenge, err := t.crypto.InitTerminalSecureSessionContext()
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "ProcessOpening: terminal challenge")
	}
	t.crypto.SetDefaultKeyDiversifier(t.card.SerialNumber)

	extended := t.card.IsExtendedModeSupported && t.crypto.IsExtendedModeSupported()
	if extended {
		t.crypto.EnableCardExtendedMode()
	}

	open := &command.OpenSession{AccessLevel: level, TerminalChallenge: challenge, Extended: extended}
	var foldedRecordNo int
	if fold, ok := t.peekFoldableRead(); ok {
		open.FoldedSFI = fold.SFI
		open.FoldedRecordNo = fold.RecordNo
		foldedRecordNo = fold.RecordNo
		t.queue = t.queue[1:]
	}

	req := open.BuildRequest(t.class())
	resp, audit, err := t.transmitOne(req)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() && resp.SWOf() != apdu.SWPostponedData {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "ProcessOpening: %s", resp.SWOf()).WithAudit(audit)
	}
	result, err := command.ParseOpenSessionResponse(resp.Data, extended)
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.InconsistentData, err, "ProcessOpening: malformed response").WithAudit(audit)
	}
	t.card.RunningCardChallenge = result.CardChallenge
	t.card.IsDfRatified = result.Ratified
	if open.FoldedSFI != 0 && len(result.FoldedRecord) > 0 {
		ef := t.card.PutFile(calypsocard.FileHeader{SFI: open.FoldedSFI, Type: calypsocard.FileTypeLinear, RecordSize: len(result.FoldedRecord)})
		ef.Data.SetRecord(foldedRecordNo, result.FoldedRecord)
	}

	kif, kvc, err := t.resolveSessionKey(level, result)
	if err != nil {
		t.state = stateSessionAborted
		return err
	}
	if !t.settings.isSessionKeyAuthorized(kif, kvc) {
		t.state = stateSessionAborted
		return calypsoerr.New(calypsoerr.UnauthorizedKey, "ProcessOpening: KIF=%02X KVC=%02X not authorized", kif, kvc).WithAudit(audit)
	}

	if err := t.crypto.InitTerminalSessionMac(result.RawResponse, kif, kvc); err != nil {
		t.state = stateSessionAborted
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "ProcessOpening: InitTerminalSessionMac").WithAudit(audit)
	}

	t.backup = backup
	t.accessLevel = level
	t.card.ResetModificationsCounter()
	t.state = stateSessionOpen
	t.svPreparedThisSession = false
	t.svPostponedDataIndex = 0
	return nil
}

// resolveSessionKey applies the "no invented defaults" rule: a
// missing KIF or KVC in the Open Secure Session response is only
// acceptable if the settings object was configured with a default for this
// access level.
func (t *Transaction) resolveSessionKey(level calypsocard.AccessLevel, result *command.OpenSessionResult) (kif, kvc byte, err error) {
	if result.KIF != nil {
		kif = *result.KIF
	} else if k, ok := t.settings.defaultKif(level); ok {
		kif = k
	} else {
		return 0, 0, calypsoerr.New(calypsoerr.UnauthorizedKey, "ProcessOpening: card omitted KIF and no default is configured for %s", level)
	}
	if result.KVC != nil {
		kvc = *result.KVC
	} else if k, ok := t.settings.defaultKvc(level); ok {
		kvc = k
	} else {
		return 0, 0, calypsoerr.New(calypsoerr.UnauthorizedKey, "ProcessOpening: card omitted KVC and no default is configured for %s", level)
	}
	return kif, kvc, nil
}

// peekFoldableRead reports whether the head of the queue is a single-record
// ReadRecord eligible for first-record folding into Open Secure Session.
func (t *Transaction) peekFoldableRead() (*command.ReadRecord, bool) {
	if len(t.queue) == 0 {
		return nil, false
	}
	rr, ok := t.queue[0].(*command.ReadRecord)
	if !ok || rr.SFI == 0 {
		return nil, false
	}
	return rr, true
}

// ProcessCommands flushes the prepared-command queue without closing the
// Secure Session, splitting across a micro-close/re-open pair if the
// session buffer would overflow and MULTIPLE mode is configured.
func (t *Transaction) ProcessCommands() error {
	if t.state != stateSessionOpen {
		return t.runOutOfSessionQueue()
	}
	return t.runInSessionQueue(false)
}

// ProcessClosing flushes any remaining prepared commands and closes the
// Secure Session.
func (t *Transaction) ProcessClosing() error {
	if t.state != stateSessionOpen {
		return calypsoerr.New(calypsoerr.IllegalState, "ProcessClosing: transaction is %s, want SESSION_OPEN", t.State())
	}
	return t.runInSessionQueue(true)
}

// ProcessCancel aborts the open session: the card image is rolled back to
// the pre-opening snapshot and a best-effort Close Secure Session
// (not-ratified) is sent so the card channel is left in a known state.
func (t *Transaction) ProcessCancel() error {
	if t.state != stateSessionOpen && t.state != stateSessionAborted {
		return calypsoerr.New(calypsoerr.IllegalState, "ProcessCancel: transaction is %s, want SESSION_OPEN or SESSION_ABORTED", t.State())
	}
	t.queue = nil
	if t.backup != nil {
		t.card.Restore(t.backup)
	}
	sigLen := 4
	if t.crypto.IsExtendedModeSupported() && t.card.IsExtendedModeSupported {
		sigLen = 8
	}
	closeCmd := &command.CloseSession{Ratify: false, TerminalSignature: make([]byte, sigLen)}
	_, _, _ = t.transmitOne(closeCmd.BuildRequest(t.class())) // best-effort; errors are swallowed
	t.state = stateIdle
	return nil
}

// runOutOfSessionQueue transmits queued non-session-buffer commands (reads,
// SELECT FILE, GET DATA, ...) when no Secure Session is open. A modifying
// command reaching this path is a caller bug: modifying commands always
// require an open session.
func (t *Transaction) runOutOfSessionQueue() error {
	for len(t.queue) > 0 {
		cmd := t.queue[0]
		if cmd.IsSessionBufferUsed() {
			return calypsoerr.New(calypsoerr.IllegalState, "ProcessCommands: %s requires an open Secure Session", cmd.Kind())
		}
		t.queue = t.queue[1:]
		req := cmd.BuildRequest(t.class())
		resp, audit, err := t.transmitOne(req)
		if err != nil {
			return err
		}
		if perr := cmd.ParseResponse(t.card, resp); perr != nil {
			if isBestEffortEligible(cmd.Kind(), resp) {
				continue
			}
			return decorateParseError(perr, audit)
		}
	}
	return nil
}

// runInSessionQueue implements the atomic/multi-session split engine: it
// repeatedly takes the longest prefix of the queue that fits the shadow
// modifications counter, transmits it, and on overflow either fails
// (ATOMIC) or micro-closes and reopens a continuation session (MULTIPLE).
func (t *Transaction) runInSessionQueue(closing bool) error {
	for {
		fits, overflowAt := t.splitForBuffer(t.queue)
		isLastChunk := overflowAt < 0

		if !isLastChunk && t.settings.sessionModificationMode == ModificationModeAtomic {
			return calypsoerr.New(calypsoerr.SessionBufferOverflow, "session modifications buffer exhausted before %s", t.queue[overflowAt].Kind())
		}

		// Every non-last chunk must close its sub-session (a micro-close,
		// never ratified) regardless of whether the overall call is
		// ProcessCommands or ProcessClosing.
		doClose := closing || !isLastChunk
		isFinal := closing && isLastChunk
		ratify := isFinal && t.settings.ratificationMode == RatificationModeCloseRatified
		if err := t.transmitChunk(fits, doClose, ratify, isFinal); err != nil {
			return err
		}
		t.queue = t.queue[len(fits):]

		if isLastChunk {
			if closing {
				t.state = stateIdle
				t.backup = nil
			}
			return nil
		}

		// MULTIPLE: the fitting prefix has just been micro-closed above;
		// open a continuation session before retrying the remainder.
		if err := t.reopenContinuationSession(); err != nil {
			return err
		}
	}
}

// splitForBuffer returns the longest prefix of queue whose session-buffer
// commands fit the card's current shadow counter, and the index of the
// first command that would overflow it (-1 if the whole queue fits).
func (t *Transaction) splitForBuffer(queue []command.Command) (fits []command.Command, overflowAt int) {
	counter := t.card.ModificationsCounter
	unit := t.unit()
	for i, cmd := range queue {
		if !cmd.IsSessionBufferUsed() {
			continue
		}
		cost := cmd.Cost(unit)
		if counter-cost < 0 {
			return queue[:i], i
		}
		counter -= cost
	}
	return queue, -1
}

// postponedCounterRef records where a postponed Increase/Decrease command's
// confirmed new value lands in a Close Secure Session response's postponed
// data list.
type postponedCounterRef struct {
	sfi     byte
	counter int
	index   int
}

// transmitChunk sends chunk to the card and feeds the running session MAC
// as it goes. When doClose is set, only the trailing run of Anticipatable
// commands is batched together with Close Secure Session: their response
// must be predicted before transmission, since nothing has actually been
// sent to the card yet at the point Close's own signature is computed.
// Anything earlier in chunk (reads, or a modifying command not part of
// that trailing run) is transmitted for real first, so its actual response
// feeds the MAC instead.
func (t *Transaction) transmitChunk(chunk []command.Command, doClose, ratify, isFinal bool) error {
	if !doClose {
		return t.transmitPlain(chunk)
	}

	split := len(chunk)
	for split > 0 {
		if _, ok := chunk[split-1].(command.Anticipatable); !ok {
			break
		}
		split--
	}
	prefix, tail := chunk[:split], chunk[split:]

	if len(prefix) > 0 {
		if err := t.transmitPlain(prefix); err != nil {
			return err
		}
	}
	return t.transmitClosingTail(tail, ratify, isFinal)
}

// transmitPlain sends chunk with no Close Secure Session attached, feeding
// the running MAC from each command's actual response. Used both for
// in-session chunks that don't close and for the non-anticipatable prefix
// of one that does.
func (t *Transaction) transmitPlain(chunk []command.Command) error {
	requests := make([]*apdu.Request, len(chunk))
	for i, cmd := range chunk {
		requests[i] = cmd.BuildRequest(t.class())
	}

	card := &reader.CardRequest{APDUs: requests, StopOnUnsuccessful: false}
	cardResp, rerr := t.rdr.TransmitCardRequest(card, t.channelControl())
	resp := responsesOf(cardResp)
	audit := buildAudit(requests, resp)
	t.audit = append(t.audit, audit...)
	if rerr != nil {
		return mapReaderError(rerr, audit)
	}
	if len(resp) != len(requests) {
		return calypsoerr.New(calypsoerr.InconsistentData, "received %d response(s) for %d request(s)", len(resp), len(requests)).WithAudit(audit)
	}

	for i, cmd := range chunk {
		r := resp[i]
		if err := t.crypto.UpdateTerminalSessionMac(requests[i].Bytes()); err != nil {
			return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "session MAC update")
		}
		if err := t.crypto.UpdateTerminalSessionMac(responseBytes(r)); err != nil {
			return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "session MAC update")
		}
		if perr := cmd.ParseResponse(t.card, r); perr != nil {
			return decorateParseError(perr, audit)
		}
		if cmd.IsSessionBufferUsed() {
			t.card.ModificationsCounter -= cmd.Cost(t.unit())
		}
	}
	return nil
}

// transmitClosingTail anticipates every command in tail (all Anticipatable
// by construction), appends Close Secure Session and, on the transaction's
// real final close when Close does not ratify, the ratification mechanism is
// enabled and the reader is contactless, an explicit ratification APDU, and
// transmits the whole batch in one CardRequest. A command batched this way is always
// in-session, so any parse error on its actual response propagates rather
// than being treated as best-effort.
func (t *Transaction) transmitClosingTail(tail []command.Command, ratify, isFinal bool) error {
	requests := make([]*apdu.Request, 0, len(tail)+2)
	for _, cmd := range tail {
		requests = append(requests, cmd.BuildRequest(t.class()))
	}

	postponedSeen := 0
	var postponedCounters []postponedCounterRef
	for i, cmd := range tail {
		ac := cmd.(command.Anticipatable)
		anticipated, err := ac.AnticipatedResponse(t.card)
		if err != nil {
			return calypsoerr.Wrap(calypsoerr.IllegalState, err, "anticipating response for %s", cmd.Kind())
		}
		if err := t.crypto.UpdateTerminalSessionMac(requests[i].Bytes()); err != nil {
			return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "session MAC update")
		}
		if err := t.crypto.UpdateTerminalSessionMac(anticipatedBytes(anticipated)); err != nil {
			return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "session MAC update")
		}
		// The Close Secure Session response's postponed-data list carries
		// one entry per SV or postponed-counter command, in command order;
		// record each one's position before advancing the running count.
		if anticipated.SWOf() != apdu.SWPostponedData {
			continue
		}
		switch cmd.Kind() {
		case command.KindSvReload, command.KindSvDebit, command.KindSvUndebit:
			t.svPostponedDataIndex = postponedSeen
		case command.KindIncrease:
			inc := cmd.(*command.Increase)
			postponedCounters = append(postponedCounters, postponedCounterRef{inc.SFI, inc.Counter, postponedSeen})
		case command.KindDecrease:
			dec := cmd.(*command.Decrease)
			postponedCounters = append(postponedCounters, postponedCounterRef{dec.SFI, dec.Counter, postponedSeen})
		}
		postponedSeen++
	}
	sig, err := t.crypto.FinalizeTerminalSessionMac()
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "finalizing session MAC")
	}
	extended := t.crypto.IsExtendedModeSupported() && t.card.IsExtendedModeSupported
	closeCmd := &command.CloseSession{Ratify: ratify, TerminalSignature: sig, Extended: extended}
	requests = append(requests, closeCmd.BuildRequest(t.class()))
	includeRatification := false
	if isFinal && !ratify && t.settings.isRatificationMechanismEnabled && t.rdr.IsContactless() {
		includeRatification = true
		requests = append(requests, (&command.Ratification{}).BuildRequest(t.class()))
	}

	card := &reader.CardRequest{APDUs: requests, StopOnUnsuccessful: false}
	cardResp, rerr := t.rdr.TransmitCardRequest(card, t.channelControl())
	resp := responsesOf(cardResp)
	audit := buildAudit(requests, resp)
	t.audit = append(t.audit, audit...)
	if rerr != nil {
		return mapReaderError(rerr, audit)
	}

	expected := len(requests)
	if includeRatification && len(resp) == expected-1 {
		// ratification's own response is allowed to never arrive: a
		// contactless deselect may race the reply.
		expected--
	}
	if len(resp) > len(requests) {
		return calypsoerr.New(calypsoerr.InconsistentData, "received %d response(s) for %d request(s)", len(resp), len(requests)).WithAudit(audit)
	}

	idx := 0
	for _, cmd := range tail {
		if idx >= len(resp) {
			return calypsoerr.New(calypsoerr.InconsistentData, "missing response for %s", cmd.Kind()).WithAudit(audit)
		}
		r := resp[idx]
		idx++
		if perr := cmd.ParseResponse(t.card, r); perr != nil {
			return decorateParseError(perr, audit)
		}
		if cmd.IsSessionBufferUsed() {
			t.card.ModificationsCounter -= cmd.Cost(t.unit())
		}
	}

	if idx >= len(resp) {
		return calypsoerr.New(calypsoerr.InconsistentData, "missing Close Secure Session response").WithAudit(audit)
	}
	closeResp := resp[idx]
	idx++
	result, err := command.ParseCloseSessionResponse(closeResp.Data, closeCmd.Extended)
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.InconsistentData, err, "CloseSession: malformed response").WithAudit(audit)
	}
	if verr := t.crypto.VerifyCardSessionMac(result.CardSignature); verr != nil {
		return calypsoerr.Wrap(calypsoerr.CardSignatureNotVerifiable, verr, "CloseSession: card signature rejected").WithAudit(audit)
	}
	if t.svPreparedThisSession {
		if t.svPostponedDataIndex >= len(result.PostponedData) {
			return calypsoerr.New(calypsoerr.InconsistentData, "CloseSession: missing SV postponed data").WithAudit(audit)
		}
		if verr := t.crypto.VerifyCardSvMac(result.PostponedData[t.svPostponedDataIndex]); verr != nil {
			return calypsoerr.Wrap(calypsoerr.CardSignatureNotVerifiable, verr, "CloseSession: SV signature rejected").WithAudit(audit)
		}
		// the SV sub-protocol allows exactly one modifying command per
		// session; once its postponed data has been verified against
		// this close, a further micro-close in the same split has
		// nothing left to check.
		t.svPreparedThisSession = false
	}
	for _, pc := range postponedCounters {
		if pc.index >= len(result.PostponedData) {
			return calypsoerr.New(calypsoerr.InconsistentData, "CloseSession: missing postponed counter data for sfi=%02X counter=%d", pc.sfi, pc.counter).WithAudit(audit)
		}
		value, verr := command.DecodePostponedCounterValue(result.PostponedData[pc.index])
		if verr != nil {
			return calypsoerr.Wrap(calypsoerr.InconsistentData, verr, "CloseSession: sfi=%02X counter=%d", pc.sfi, pc.counter).WithAudit(audit)
		}
		ef := t.card.PutFile(calypsocard.FileHeader{SFI: pc.sfi, Type: calypsocard.FileTypeCounters})
		ef.Data.SetCounter(pc.counter, value)
	}

	if len(resp) > idx {
		return calypsoerr.New(calypsoerr.InconsistentData, "%d unconsumed response(s) after chunk", len(resp)-idx).WithAudit(audit)
	}
	return nil
}

// reopenContinuationSession opens a continuation session at the same access
// level right after a micro-close, resetting the shadow modifications
// counter to the card's advertised maximum.
func (t *Transaction) reopenContinuationSession() error {
	challenge, err := t.crypto.InitTerminalSecureSessionContext()
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "micro-close: terminal challenge")
	}
	extended := t.card.IsExtendedModeSupported && t.crypto.IsExtendedModeSupported()
	open := &command.OpenSession{AccessLevel: t.accessLevel, TerminalChallenge: challenge, Extended: extended}
	resp, audit, err := t.transmitOne(open.BuildRequest(t.class()))
	if err != nil {
		return err
	}
	if !resp.IsSuccess() && resp.SWOf() != apdu.SWPostponedData {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "micro-close: reopen %s", resp.SWOf()).WithAudit(audit)
	}
	result, err := command.ParseOpenSessionResponse(resp.Data, extended)
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.InconsistentData, err, "micro-close: malformed reopen response").WithAudit(audit)
	}
	t.card.RunningCardChallenge = result.CardChallenge
	t.card.IsDfRatified = result.Ratified
	kif, kvc, err := t.resolveSessionKey(t.accessLevel, result)
	if err != nil {
		return err
	}
	if err := t.crypto.InitTerminalSessionMac(result.RawResponse, kif, kvc); err != nil {
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "micro-close: InitTerminalSessionMac")
	}
	t.card.ResetModificationsCounter()
	return nil
}

// transmitOne sends a single APDU and returns its response plus a one-entry
// audit trail.
func (t *Transaction) transmitOne(req *apdu.Request) (*apdu.Response, []calypsoerr.Exchange, error) {
	card := &reader.CardRequest{APDUs: []*apdu.Request{req}, StopOnUnsuccessful: false}
	cardResp, rerr := t.rdr.TransmitCardRequest(card, t.channelControl())
	resp := responsesOf(cardResp)
	audit := buildAudit([]*apdu.Request{req}, resp)
	t.audit = append(t.audit, audit...)
	if rerr != nil {
		return nil, audit, mapReaderError(rerr, audit)
	}
	if len(resp) == 0 {
		return nil, audit, calypsoerr.New(calypsoerr.InconsistentData, "no response received").WithAudit(audit)
	}
	return resp[0], audit, nil
}

func responsesOf(r *reader.CardResponse) []*apdu.Response {
	if r == nil {
		return nil
	}
	return r.APDUs
}

func buildAudit(requests []*apdu.Request, responses []*apdu.Response) []calypsoerr.Exchange {
	n := len(requests)
	if len(responses) < n {
		n = len(responses)
	}
	out := make([]calypsoerr.Exchange, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, calypsoerr.Exchange{Request: requests[i].Bytes(), Response: responseBytes(responses[i])})
	}
	return out
}

func responseBytes(r *apdu.Response) []byte {
	out := append([]byte(nil), r.Data...)
	return append(out, r.SW1, r.SW2)
}

func anticipatedBytes(r *apdu.Response) []byte {
	return responseBytes(r)
}

func mapReaderError(err error, audit []calypsoerr.Exchange) error {
	switch e := err.(type) {
	case *reader.ErrCardBrokenCommunication:
		return calypsoerr.Wrap(calypsoerr.CardIO, e.Cause, "card channel broken").WithAudit(audit)
	case *reader.ErrReaderBrokenCommunication:
		return calypsoerr.Wrap(calypsoerr.ReaderIO, e.Cause, "reader channel broken").WithAudit(audit)
	case *reader.ErrUnexpectedStatusWord:
		return calypsoerr.New(calypsoerr.UnexpectedStatusWord, "unexpected status word %s", e.SW).WithAudit(audit)
	default:
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "reader transmission failed").WithAudit(audit)
	}
}

func decorateParseError(err error, audit []calypsoerr.Exchange) error {
	if te, ok := err.(*calypsoerr.TransactionError); ok {
		return te.WithAudit(audit)
	}
	return calypsoerr.Wrap(calypsoerr.UnexpectedCommandStatus, err, "command response rejected").WithAudit(audit)
}

// isBestEffortEligible reports whether a read-family command
// (ReadRecord, ReadRecordMultiple, ReadBinary, SearchRecordMultiple) failing
// with a card-data-access status word (file/record not found) is
// swallowed rather than propagated, when read out of a Secure Session.
// SELECT FILE errors are never best-effort; they always surface as a
// SelectFile-kind failure regardless of session state.
func isBestEffortEligible(kind command.Kind, resp *apdu.Response) bool {
	if !resp.SWOf().IsCardDataAccessError() {
		return false
	}
	switch kind {
	case command.KindReadRecord, command.KindReadRecordMultiple, command.KindReadBinary, command.KindSearchRecordMultiple:
		return true
	default:
		return false
	}
}
