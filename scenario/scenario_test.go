package scenario_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/command"
	"github.com/1ph/calypsogo/cryptosession/samsim"
	"github.com/1ph/calypsogo/reader"
	"github.com/1ph/calypsogo/scenario"
	"github.com/1ph/calypsogo/transaction"
)

func ok(data []byte) *apdu.Response   { return &apdu.Response{Data: data, SW1: 0x90, SW2: 0x00} }
func postponed() *apdu.Response       { return &apdu.Response{SW1: 0x62, SW2: 0x00} }
func sw(b1, b2 byte) *apdu.Response   { return &apdu.Response{SW1: b1, SW2: b2} }
func responseBytes(r *apdu.Response) []byte {
	return append(append([]byte(nil), r.Data...), r.SW1, r.SW2)
}

// mirrorCloseSignature replays the exact InitTerminalSessionMac/
// UpdateTerminalSessionMac/FinalizeTerminalSessionMac call sequence a live
// session would make, on a throwaway driver sharing the same keys. samsim's
// session MAC depends only on that call sequence, so this gives the test the
// signature bytes to script into a response before the real driver (fed the
// same sequence by the transaction manager) ever computes them.
func mirrorCloseSignature(keys samsim.MapKeyStore, extended bool, openRespData []byte, kif, kvc byte, exchanges [][2][]byte) []byte {
	m := samsim.New(keys)
	if extended {
		m.EnableCardExtendedMode()
	}
	_ = m.InitTerminalSessionMac(openRespData, kif, kvc)
	for _, pair := range exchanges {
		_ = m.UpdateTerminalSessionMac(pair[0])
		_ = m.UpdateTerminalSessionMac(pair[1])
	}
	sig, _ := m.FinalizeTerminalSessionMac()
	return sig
}

// --- S1: plain read, no SAM -------------------------------------------

func s1PlainRead(t *testing.T) (string, error) {
	card := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, byte(apdu.ClassISO), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	recordBytes := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	rdr := reader.NewFakeReader(false, []*apdu.Response{ok(recordBytes)})
	tr := transaction.New(rdr, samsim.New(samsim.MapKeyStore{}), card, transaction.NewSecuritySetting("s1"))

	tr.PrepareReadRecord(0x07, 1)
	if err := tr.ProcessCommands(); err != nil {
		return "", fmt.Errorf("ProcessCommands: %w", err)
	}

	got := rdr.Requests[0].APDUs[0].Bytes()
	want := []byte{0x00, 0xB2, 0x01, 0x3C, 0x00}
	if !bytes.Equal(got, want) {
		return "", fmt.Errorf("Read Record APDU = %X, want %X", got, want)
	}
	content, err := card.RecordContent(0x07, 1)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(content, recordBytes) {
		return "", fmt.Errorf("record content = %X, want %X", content, recordBytes)
	}
	return "00B2013C00 round-tripped, record content matches", nil
}

// --- S2: open/close with a folded read and one update ------------------

func s2OpenCloseReadUpdate(t *testing.T) (string, error) {
	keys := samsim.MapKeyStore{{0x21, 0x7E}: {KIF: 0x21, KVC: 0x7E, DESKey: bytes.Repeat([]byte{0x5A}, 16)}}
	driver := samsim.New(keys)

	card := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, byte(apdu.ClassISO), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	card.ModificationsCounterMax = 1000

	foldedRecord := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	openRespData := []byte{0x43, 0x7E, 0xCA, 0xFE, 0xBA, 0xBE} // flags=(kif<<1)|ratified, kvc, 4-byte challenge
	openRespData = append(openRespData, foldedRecord...)

	updateData := []byte{0x11, 0x22, 0x33, 0x44}
	updateReqBytes := (&command.UpdateRecord{SFI: 0x08, RecordNo: 1, Data: updateData}).BuildRequest(apdu.ClassISO).Bytes()
	sig := mirrorCloseSignature(keys, false, openRespData, 0x21, 0x7E, [][2][]byte{
		{updateReqBytes, responseBytes(ok(nil))},
	})

	rdr := reader.NewFakeReader(false,
		[]*apdu.Response{ok(openRespData)},
		[]*apdu.Response{ok(nil), ok(sig)},
	)
	settings := transaction.NewSecuritySetting("s2").WithAuthorizedSessionKey(0x21, 0x7E)
	tr := transaction.New(rdr, driver, card, settings)

	tr.PrepareReadRecord(0x07, 1)
	if err := tr.ProcessOpening(calypsocard.AccessLevelDebit); err != nil {
		return "", fmt.Errorf("ProcessOpening: %w", err)
	}

	openReq := rdr.Requests[0].APDUs[0]
	// Open-Session P1/P2 follow the normative formula (AccessLevel+1)<<3 |
	// FoldedSFI and FoldedRecordNo<<3 | fold-bit; the scenario text's
	// illustrative 0x18/0x08 does not reconcile against that formula for
	// DEBIT+SFI 0x07 and is not reproduced here.
	if openReq.P1 != 0x1F || openReq.P2 != 0x09 {
		return "", fmt.Errorf("Open-Session P1/P2 = %02X/%02X, want 1F/09", openReq.P1, openReq.P2)
	}

	tr.PrepareUpdateRecord(0x08, 1, updateData)
	if err := tr.ProcessClosing(); err != nil {
		return "", fmt.Errorf("ProcessClosing: %w", err)
	}

	rec7, err := card.RecordContent(0x07, 1)
	if err != nil || !bytes.Equal(rec7, foldedRecord) {
		return "", fmt.Errorf("folded record = %X, %v, want %X", rec7, err, foldedRecord)
	}
	rec8, err := card.RecordContent(0x08, 1)
	if err != nil || !bytes.Equal(rec8, updateData) {
		return "", fmt.Errorf("updated record = %X, %v, want %X", rec8, err, updateData)
	}
	if !card.IsDfRatified {
		return "", fmt.Errorf("IsDfRatified = false, want true")
	}
	return "folded read + update committed, card signature verified, DF ratified", nil
}

// --- S3: buffer overflow, MULTIPLE vs ATOMIC ----------------------------

// newBufferCards builds two identically-keyed sessions, sized so two
// session-buffer commands of 60 units each overflow a 100-unit counter on
// the second: cardMax < sum ≤ 2·cardMax, the regime where MULTIPLE splits
// into exactly two sessions and ATOMIC fails before any modifying APDU.
func newBufferCards() (*calypsocard.CardImage, []byte) {
	card := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, byte(apdu.ClassISO), []byte{9, 9, 9, 9, 9, 9, 9, 9})
	card.ModificationsCounterMax = 100
	return card, bytes.Repeat([]byte{0x01}, 59) // cost = 59+1 = 60
}

func s3MultipleModeSplits(t *testing.T) (string, error) {
	keys := samsim.MapKeyStore{{0x10, 0x10}: {KIF: 0x10, KVC: 0x10, DESKey: bytes.Repeat([]byte{0x11}, 16)}}
	card, data := newBufferCards()
	openRespData := []byte{0x21, 0x10, 0x01, 0x02, 0x03, 0x04} // kif=0x10, ratified bit set

	req0 := (&command.UpdateRecord{SFI: 0x08, RecordNo: 1, Data: data}).BuildRequest(apdu.ClassISO).Bytes()
	req1 := (&command.UpdateRecord{SFI: 0x08, RecordNo: 2, Data: data}).BuildRequest(apdu.ClassISO).Bytes()

	microCloseSig := mirrorCloseSignature(keys, false, openRespData, 0x10, 0x10, [][2][]byte{{req0, responseBytes(ok(nil))}})
	// Re-opening a continuation session re-seeds the MAC from its own Open
	// response, so the final close signature only chains from there.
	reopenRespData := []byte{0x20, 0x10, 0x05, 0x06, 0x07, 0x08} // kif=0x10, ratified bit clear
	finalSig := mirrorCloseSignature(keys, false, reopenRespData, 0x10, 0x10, [][2][]byte{{req1, responseBytes(ok(nil))}})

	rdr := reader.NewFakeReader(false,
		[]*apdu.Response{ok(openRespData)},             // Open
		[]*apdu.Response{ok(nil), ok(microCloseSig)},    // Update#1, micro-close
		[]*apdu.Response{ok(reopenRespData)},            // Open#2
		[]*apdu.Response{ok(nil), ok(finalSig)},         // Update#2, Close
	)
	settings := transaction.NewSecuritySetting("s3-multiple").
		WithAuthorizedSessionKey(0x10, 0x10).
		WithSessionModificationMode(transaction.ModificationModeMultiple)
	tr := transaction.New(rdr, samsim.New(keys), card, settings)

	if err := tr.ProcessOpening(calypsocard.AccessLevelDebit); err != nil {
		return "", fmt.Errorf("ProcessOpening: %w", err)
	}
	tr.PrepareUpdateRecord(0x08, 1, data)
	tr.PrepareUpdateRecord(0x08, 2, data)
	if err := tr.ProcessClosing(); err != nil {
		return "", fmt.Errorf("ProcessClosing: %w", err)
	}

	if len(rdr.Requests) != 4 {
		return "", fmt.Errorf("card request count = %d, want 4 (Open, micro-close, Open#2, Close)", len(rdr.Requests))
	}
	return "MULTIPLE mode emitted Open, Update#1+micro-close, Open#2, Update#2+Close", nil
}

func s3AtomicModeRejects(t *testing.T) (string, error) {
	keys := samsim.MapKeyStore{{0x10, 0x10}: {KIF: 0x10, KVC: 0x10, DESKey: bytes.Repeat([]byte{0x11}, 16)}}
	card, data := newBufferCards()
	openRespData := []byte{0x21, 0x10, 0x01, 0x02, 0x03, 0x04}

	// No batch is scripted past Open: an ATOMIC overflow must be rejected
	// before any modifying APDU reaches the reader.
	rdr := reader.NewFakeReader(false, []*apdu.Response{ok(openRespData)})
	settings := transaction.NewSecuritySetting("s3-atomic").
		WithAuthorizedSessionKey(0x10, 0x10).
		WithSessionModificationMode(transaction.ModificationModeAtomic)
	tr := transaction.New(rdr, samsim.New(keys), card, settings)

	if err := tr.ProcessOpening(calypsocard.AccessLevelDebit); err != nil {
		return "", fmt.Errorf("ProcessOpening: %w", err)
	}
	tr.PrepareUpdateRecord(0x08, 1, data)
	tr.PrepareUpdateRecord(0x08, 2, data)
	err := tr.ProcessClosing()
	if err == nil {
		return "", fmt.Errorf("ProcessClosing succeeded, want SessionBufferOverflow")
	}
	if len(rdr.Requests) != 1 {
		return "", fmt.Errorf("card request count = %d, want 1 (Open only, no modifying APDU sent)", len(rdr.Requests))
	}
	return "ATOMIC mode rejected the overflow before transmitting Update#2", nil
}

// --- S4: SV debit inside a session ---------------------------------------

func s4SvDebit(t *testing.T) (string, error) {
	keys := samsim.MapKeyStore{{0x31, 0x7F}: {KIF: 0x31, KVC: 0x7F, AESKey: bytes.Repeat([]byte{0x22}, 16)}}
	driver := samsim.New(keys)

	card := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, byte(apdu.ClassISO), []byte{1, 1, 1, 1, 1, 1, 1, 1})
	card.IsExtendedModeSupported = true
	card.ModificationsCounterMax = 1000

	openRespData := append([]byte{0x63, 0x7F}, []byte{1, 2, 3, 4, 5, 6, 7, 8}...) // 8-byte challenge, extended
	svGetReq := (&command.SvGet{Operation: command.SvOperationDebit}).BuildRequest(apdu.ClassISO).Bytes()
	svGetRespData := []byte{0x00, 0x03, 0xE8, 0x00, 0x01} // balance=1000, tNum=1

	// sealSvSecurityData runs against the live driver once SvGet's
	// request/response are known; replicate that exact call here to learn
	// the security data the live code will also produce, and build the
	// SvDebit request bytes for the close-chunk MAC mirror.
	secDriver := samsim.New(keys)
	secDriver.EnableCardExtendedMode()
	_ = secDriver.InitTerminalSessionMac(openRespData, 0x31, 0x7F)
	svDebit := command.NewSvDebit(2, 0, 0)
	secData, err := secDriver.GenerateSvCommandSecurityData(svGetReq, svGetRespData, svDebit.DataWithoutSecurity())
	if err != nil {
		return "", fmt.Errorf("GenerateSvCommandSecurityData: %w", err)
	}
	svDebit.SetSecurityData(secData)
	svDebitReq := svDebit.BuildRequest(apdu.ClassISO).Bytes()

	sig := mirrorCloseSignature(keys, true, openRespData, 0x31, 0x7F, [][2][]byte{
		{svGetReq, responseBytes(ok(svGetRespData))},
		{svDebitReq, responseBytes(postponed())},
	})
	closeData := append(append([]byte(nil), sig[:4]...), 0x01, 0x01, 0xAB) // count=1, one 1-byte postponed item

	rdr := reader.NewFakeReader(false,
		[]*apdu.Response{ok(openRespData)},
		[]*apdu.Response{ok(svGetRespData)},
		[]*apdu.Response{postponed(), ok(closeData)},
	)
	settings := transaction.NewSecuritySetting("s4").WithAuthorizedSessionKey(0x31, 0x7F)
	tr := transaction.New(rdr, driver, card, settings)

	tr.PrepareSvGet(command.SvOperationDebit, command.SvActionDo)
	if err := tr.ProcessOpening(calypsocard.AccessLevelDebit); err != nil {
		return "", fmt.Errorf("ProcessOpening: %w", err)
	}
	if err := tr.ProcessCommands(); err != nil {
		return "", fmt.Errorf("ProcessCommands (SV Get): %w", err)
	}
	if !card.SV.IsValid() || card.SV.Balance() != 1000 {
		return "", fmt.Errorf("SV state after Get: valid=%v balance=%d, want valid balance=1000", card.SV.IsValid(), card.SV.Balance())
	}
	if err := tr.PrepareSvDebit(2, 0, 0); err != nil {
		return "", fmt.Errorf("PrepareSvDebit: %w", err)
	}
	if err := tr.ProcessClosing(); err != nil {
		return "", fmt.Errorf("ProcessClosing: %w", err)
	}
	if card.SV.Balance() != 998 {
		return "", fmt.Errorf("balance after debit = %d, want 998", card.SV.Balance())
	}
	return "SV Get + debit closed, postponed SV data verified, balance 1000 -> 998", nil
}

// --- S5: cancel on error rolls back and aborts the session --------------

func s5CancelOnError(t *testing.T) (string, error) {
	keys := samsim.MapKeyStore{{0x10, 0x10}: {KIF: 0x10, KVC: 0x10, DESKey: bytes.Repeat([]byte{0x11}, 16)}}
	card := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, byte(apdu.ClassISO), []byte{1, 2, 3})
	card.ModificationsCounterMax = 1000
	card.PutFile(calypsocard.FileHeader{SFI: 0x08, Type: calypsocard.FileTypeLinear, RecordSize: 4}).Data.SetRecord(1, []byte{0, 0, 0, 0})

	openRespData := []byte{0x21, 0x10, 0x01, 0x02, 0x03, 0x04}
	rdr := reader.NewFakeReader(false,
		[]*apdu.Response{ok(openRespData)},
		[]*apdu.Response{sw(0x69, 0x85)}, // UpdateRecord rejected: conditions not satisfied
		[]*apdu.Response{sw(0x69, 0x85)}, // best-effort abort Close-Session reply, ignored
	)
	settings := transaction.NewSecuritySetting("s5").WithAuthorizedSessionKey(0x10, 0x10)
	tr := transaction.New(rdr, samsim.New(keys), card, settings)

	if err := tr.ProcessOpening(calypsocard.AccessLevelDebit); err != nil {
		return "", fmt.Errorf("ProcessOpening: %w", err)
	}
	tr.PrepareUpdateRecord(0x08, 1, []byte{0x11, 0x22, 0x33, 0x44})
	closingErr := tr.ProcessClosing()
	if closingErr == nil {
		return "", fmt.Errorf("ProcessClosing succeeded, want UpdateRecord rejection")
	}
	if cancelErr := tr.ProcessCancel(); cancelErr != nil {
		return "", fmt.Errorf("ProcessCancel: %w", cancelErr)
	}
	if tr.State() != "IDLE" {
		return "", fmt.Errorf("state after cancel = %s, want IDLE", tr.State())
	}
	content, err := card.RecordContent(0x08, 1)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(content, []byte{0, 0, 0, 0}) {
		return "", fmt.Errorf("record content after cancel = %X, want unchanged %X", content, []byte{0, 0, 0, 0})
	}
	return "UpdateRecord 6985h rejected, card restored, session aborted with a best-effort close", nil
}

// --- S6: encrypted PIN verify --------------------------------------------

func s6PinVerifyEncrypted(t *testing.T, finalSW *apdu.Response, wantBlocked bool, wantAttempts int, wantAttemptsKnown bool) (string, error) {
	keys := samsim.MapKeyStore{{0x12, 0x34}: {KIF: 0x12, KVC: 0x34, DESKey: bytes.Repeat([]byte{0x33}, 16)}}
	card := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, byte(apdu.ClassISO), []byte{1, 2, 3, 4})
	cardChallenge := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	rdr := reader.NewFakeReader(false,
		[]*apdu.Response{ok(cardChallenge)},
		[]*apdu.Response{finalSW},
	)
	settings := transaction.NewSecuritySetting("s6").
		WithPinTransmissionMode(transaction.PinTransmissionModeEncrypted).
		WithPinVerificationCipheringKey(0x12, 0x34)
	tr := transaction.New(rdr, samsim.New(keys), card, settings)

	err := tr.ProcessVerifyPin([]byte{1, 2, 3, 4})
	verifyReq := rdr.Requests[1].APDUs[0]
	if len(verifyReq.Data) != 8 {
		return "", fmt.Errorf("VerifyPin ciphered data length = %d, want 8", len(verifyReq.Data))
	}
	if card.Pin.IsBlocked() != wantBlocked {
		return "", fmt.Errorf("IsBlocked = %v, want %v", card.Pin.IsBlocked(), wantBlocked)
	}
	if n, known := card.Pin.AttemptsRemaining(); known != wantAttemptsKnown || (known && n != wantAttempts) {
		return "", fmt.Errorf("AttemptsRemaining = (%d, %v), want (%d, %v)", n, known, wantAttempts, wantAttemptsKnown)
	}
	if finalSW.IsSuccess() && err != nil {
		return "", fmt.Errorf("ProcessVerifyPin: %w", err)
	}
	if !finalSW.IsSuccess() && err == nil {
		return "", fmt.Errorf("ProcessVerifyPin succeeded, want rejection for %s", finalSW.SWOf())
	}
	return fmt.Sprintf("GetChallenge -> cipher -> VerifyPin(%s) handled", finalSW.SWOf()), nil
}

func TestEndToEndScenarios(t *testing.T) {
	suite := &scenario.Suite{}

	suite.Run("S1 plain read, no SAM", func() (string, error) { return s1PlainRead(t) })
	suite.Run("S2 open/close, read+update", func() (string, error) { return s2OpenCloseReadUpdate(t) })
	suite.Run("S3 MULTIPLE splits across two sessions", func() (string, error) { return s3MultipleModeSplits(t) })
	suite.Run("S3 ATOMIC rejects before transmitting", func() (string, error) { return s3AtomicModeRejects(t) })
	suite.Run("S4 SV debit inside a session", func() (string, error) { return s4SvDebit(t) })
	suite.Run("S5 cancel on error rolls back", func() (string, error) { return s5CancelOnError(t) })
	suite.Run("S6 PIN verify encrypted, success", func() (string, error) {
		return s6PinVerifyEncrypted(t, ok(nil), false, calypsocard.DefaultPinAttempts, true)
	})
	suite.Run("S6 PIN verify encrypted, wrong PIN", func() (string, error) {
		return s6PinVerifyEncrypted(t, sw(0x63, 0xC3), false, 3, true)
	})
	suite.Run("S6 PIN verify encrypted, blocked", func() (string, error) {
		return s6PinVerifyEncrypted(t, sw(0x69, 0x83), true, 0, true)
	})

	summary := suite.Summary()
	t.Log(summary.String())
	if summary.Failed > 0 {
		for _, r := range suite.Results {
			if !r.Passed {
				t.Errorf("%s: %v", r.Name, r.Err)
			}
		}
	}
}
