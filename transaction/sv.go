package transaction

import (
	"github.com/1ph/calypsogo/calypsoerr"
	"github.com/1ph/calypsogo/command"
)

// PrepareSvGet queues an SV Get for operation (reload or debit), the
// mandatory first step of the Stored Value sub-protocol: the card only
// accepts a reload/debit/undebit immediately preceded, in the same session,
// by the matching SV Get. action records whether the modifying command to
// follow commits (SvActionDo) or reverses (SvActionUndo) a transaction, and
// is checked against the Prepare call actually used later in the session.
//
// On a non-extended-mode card, a single SV Get only returns the load log or
// the debit log, whichever matches operation. When the settings object
// requires both logs (WithLoadAndDebitSvLogEnabled), and the card doesn't
// support extended mode, a second SV Get for the other operation is queued
// first, purely to harvest its log; the mandatory, protocol-significant SV
// Get for operation is still queued last, immediately preceding the
// modifying command.
func (t *Transaction) PrepareSvGet(operation command.SvOperation, action command.SvAction) {
	if t.settings.isLoadAndDebitSvLogEnabled && !t.card.IsExtendedModeSupported {
		other := command.SvOperationDebit
		if operation == command.SvOperationDebit {
			other = command.SvOperationReload
		}
		t.queue = append(t.queue, &command.SvGet{Operation: other})
	}
	t.queue = append(t.queue, &command.SvGet{Operation: operation})
	t.svGetAction = action
	t.svGetActionSet = true
}

// PrepareSvReload queues a purse credit. The card must already reflect a
// successful SV Get, and at most one SV
// modifying command may be prepared per session.
func (t *Transaction) PrepareSvReload(amount int, date, time uint16, free []byte) error {
	if err := t.checkSvModifyingAllowed(command.SvActionDo); err != nil {
		return err
	}
	c := command.NewSvReload(amount, date, time, free)
	if err := t.sealSvSecurityData(c); err != nil {
		return err
	}
	t.queue = append(t.queue, c)
	t.svPreparedThisSession = true
	return nil
}

// PrepareSvDebit queues a purse debit. A resulting negative balance is
// rejected at prepare time unless the settings object authorizes it, so the
// rejection happens before any APDU for this command is ever built.
func (t *Transaction) PrepareSvDebit(amount int, date, time uint16) error {
	if err := t.checkSvModifyingAllowed(command.SvActionDo); err != nil {
		return err
	}
	if !t.settings.isSvNegativeBalanceAuthorized && t.card.SV.Balance()-int32(amount) < 0 {
		return calypsoerr.New(calypsoerr.IllegalArgument, "SvDebit: amount %d would bring balance %d negative and negative balance is not authorized", amount, t.card.SV.Balance())
	}
	c := command.NewSvDebit(amount, date, time)
	if err := t.sealSvSecurityData(c); err != nil {
		return err
	}
	t.queue = append(t.queue, c)
	t.svPreparedThisSession = true
	return nil
}

// PrepareSvUndebit reverses a previously committed SvDebit within the same
// Secure Session.
func (t *Transaction) PrepareSvUndebit(amount int, date, time uint16) error {
	if err := t.checkSvModifyingAllowed(command.SvActionUndo); err != nil {
		return err
	}
	c := command.NewSvUndebit(amount, date, time)
	if err := t.sealSvSecurityData(c); err != nil {
		return err
	}
	t.queue = append(t.queue, c)
	t.svPreparedThisSession = true
	return nil
}

// checkSvModifyingAllowed enforces the one-SV-modifying-command-per-session
// invariant, requires a prior successful SV Get, and checks that the SV Get
// was prepared for the action (do/undo) actually being requested now.
func (t *Transaction) checkSvModifyingAllowed(action command.SvAction) error {
	if t.svPreparedThisSession {
		return calypsoerr.New(calypsoerr.IllegalState, "SV: at most one reload/debit/undebit is allowed per Secure Session")
	}
	if !t.card.SV.IsValid() {
		return calypsoerr.New(calypsoerr.IllegalState, "SV: no successful SV Get observed in this session")
	}
	if t.svGetActionSet && t.svGetAction != action {
		return calypsoerr.New(calypsoerr.IllegalState, "SV: SV Get was prepared for a different action (do/undo) than this command")
	}
	t.svGetActionSet = false
	return nil
}

// svSecuritySealer is satisfied by SvReload/SvDebit/SvUndebit: the crypto
// driver signs DataWithoutSecurity() and the result is installed back onto
// the command before it is ever queued, so BuildRequest (called later, at
// flush time) already sees the complete APDU data field.
type svSecuritySealer interface {
	DataWithoutSecurity() []byte
	SetSecurityData(data []byte)
}

func (t *Transaction) sealSvSecurityData(c svSecuritySealer) error {
	req, rsp := t.card.SV.LastGetData()
	data, err := t.crypto.GenerateSvCommandSecurityData(req, rsp, c.DataWithoutSecurity())
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "SV: GenerateSvCommandSecurityData")
	}
	c.SetSecurityData(data)
	return nil
}
