package calypsocard

import "fmt"

// DefaultPinAttempts is the attempts-remaining count a card reports after a
// successful VERIFY PIN / CHANGE PIN.
const DefaultPinAttempts = 3

// PinState is the on-card PIN presentation counter.
type PinState struct {
	attemptsRemaining int // -1 means unknown (never observed)
	blocked           bool
}

// AttemptsRemaining returns the last observed remaining-attempts count, or
// (-1, false) if never observed.
func (p *PinState) AttemptsRemaining() (int, bool) {
	if p.attemptsRemaining < 0 {
		return -1, false
	}
	return p.attemptsRemaining, true
}

// IsBlocked reports whether the PIN is known to be blocked (SW 6983h).
func (p *PinState) IsBlocked() bool { return p.blocked }

func (p *PinState) setAttempts(n int) {
	p.attemptsRemaining = n
	p.blocked = false
}

func (p *PinState) setBlocked() {
	p.attemptsRemaining = 0
	p.blocked = true
}

// CardImage is the in-memory projection of the selected Calypso
// application. It is owned by one Transaction for the lifetime
// of that transaction and is never persisted by the core.
type CardImage struct {
	ProductType ProductType
	ClassByte   byte
	AID         []byte
	SerialNumber []byte // full card serial, used as the default key diversifier
	FCI          []byte
	ATR          []byte

	ApplicationType      byte
	ApplicationSubtype   byte
	SoftwareIssuer       byte
	SoftwareVersion      byte
	SoftwareRevision     byte
	Platform             byte

	ModificationsCounter    int
	ModificationsCounterMax int
	ModificationsUnit       ModificationUnit

	IsExtendedModeSupported bool
	IsPinFeatureAvailable   bool
	IsSvFeatureAvailable    bool
	IsDfInvalidated         bool
	IsDfRatified            bool
	IsCounterValuePostponed bool

	Directory *DirectoryHeader

	efBySFI map[byte]*ElementaryFile
	efByLID map[uint16]*ElementaryFile

	SV  SvState
	Pin PinState

	RunningCardChallenge []byte
}

// NewCardImage constructs an empty card image for a freshly selected
// application. product, classByte and serial are normally supplied by the
// selection stage, which is out of scope for this engine.
func NewCardImage(product ProductType, classByte byte, serial []byte) *CardImage {
	return &CardImage{
		ProductType:  product,
		ClassByte:    classByte,
		SerialNumber: append([]byte(nil), serial...),
		efBySFI:      make(map[byte]*ElementaryFile),
		efByLID:      make(map[uint16]*ElementaryFile),
		Pin:          PinState{attemptsRemaining: -1},
	}
}

// FileBySFI returns the EF addressed by SFI, or (nil, false) if unobserved.
func (c *CardImage) FileBySFI(sfi byte) (*ElementaryFile, bool) {
	f, ok := c.efBySFI[sfi]
	return f, ok
}

// FileByLID returns the EF addressed by LID, or (nil, false) if unobserved.
func (c *CardImage) FileByLID(lid uint16) (*ElementaryFile, bool) {
	f, ok := c.efByLID[lid]
	return f, ok
}

// PutFile registers or replaces an EF's header, preserving already-observed
// data matched to the same SFI. It is the write path for both
// parser-synthesized minimal headers and for full headers learned
// from GET DATA EF_LIST.
func (c *CardImage) PutFile(h FileHeader) *ElementaryFile {
	var ef *ElementaryFile
	if existing, ok := c.efBySFI[h.SFI]; h.SFI != 0 && ok {
		existing.Header = h
		ef = existing
	} else {
		ef = newElementaryFile(h)
	}
	if h.SFI != 0 {
		c.efBySFI[h.SFI] = ef
	}
	if h.LID != 0 {
		c.efByLID[h.LID] = ef
	}
	return ef
}

// ensureFileBySFI returns the EF for sfi, synthesizing a minimal LINEAR
// header with the given record size if the EF has never been observed.
func (c *CardImage) ensureFileBySFI(sfi byte, inferredRecordSize int) *ElementaryFile {
	if ef, ok := c.efBySFI[sfi]; ok {
		return ef
	}
	return c.PutFile(FileHeader{
		SFI:        sfi,
		Type:       FileTypeLinear,
		RecordSize: inferredRecordSize,
	})
}

// RecordContent is a convenience accessor mirroring the public API: it
// returns record n of the EF addressed by sfi.
func (c *CardImage) RecordContent(sfi byte, n int) ([]byte, error) {
	ef, ok := c.efBySFI[sfi]
	if !ok {
		return nil, fmt.Errorf("calypsocard: no EF observed for SFI %02X", sfi)
	}
	b, ok := ef.Data.Record(n)
	if !ok {
		return nil, fmt.Errorf("calypsocard: record %d of SFI %02X not observed", n, sfi)
	}
	return b, nil
}

// SetPinAttempts records the attempts-remaining count observed from a
// VERIFY PIN / CHANGE PIN response.
func (c *CardImage) SetPinAttempts(n int) {
	c.Pin.setAttempts(n)
}

// SetPinBlocked marks the PIN as blocked (SW 6983h observed).
func (c *CardImage) SetPinBlocked() {
	c.Pin.setBlocked()
}

// RecordSvGet stores the outcome of a successful SV Get: balance, last
// transaction number, and the raw request/response bytes the crypto driver
// needs for SV command security data.
func (c *CardImage) RecordSvGet(balance int32, tNum uint16, req, rsp []byte) {
	c.SV.setFromGet(balance, tNum, req, rsp)
}

// RecordSvLoadLog appends a load-log entry observed via SV Get.
func (c *CardImage) RecordSvLoadLog(rec SvLogRecord) {
	c.SV.pushLoadLog(rec)
}

// RecordSvDebitLog appends a debit-log entry observed via SV Get.
func (c *CardImage) RecordSvDebitLog(rec SvLogRecord) {
	c.SV.pushDebitLog(rec)
}

// CommitSvTransaction applies delta to the locally-tracked SV balance once a
// reload/debit/undebit has been accepted (postponed to Close Session): the
// card itself only confirms the amount at Close, but the amount is known at
// prepare time, so the local shadow balance updates immediately.
func (c *CardImage) CommitSvTransaction(delta int32) {
	c.SV.commitBalance(delta)
}

// CounterValue is a convenience accessor used by command anticipation.
func (c *CardImage) CounterValue(sfi byte, counter int) (int, error) {
	ef, ok := c.efBySFI[sfi]
	if !ok {
		return 0, fmt.Errorf("calypsocard: illegal state: sfi %02X unknown for counter %d", sfi, counter)
	}
	v, ok := ef.Data.Counter(counter)
	if !ok {
		return 0, fmt.Errorf("calypsocard: illegal state: counter %d of sfi %02X unknown", counter, sfi)
	}
	return v, nil
}

// Snapshot is the deep-clone payload captured by Backup and restored by
// Restore.
type Snapshot struct {
	efBySFI                 map[byte]*ElementaryFile
	efByLID                 map[uint16]*ElementaryFile
	sv                      SvState
	pin                     PinState
	modificationsCounter    int
	modificationsCounterMax int
	isDfRatified            bool
}

// Backup takes a deep snapshot of the EF map, SV state, counters, and PIN
// state, to be restored by Restore on processCancel or a failed close.
func (c *CardImage) Backup() *Snapshot {
	sfiCopy := make(map[byte]*ElementaryFile, len(c.efBySFI))
	lidCopy := make(map[uint16]*ElementaryFile, len(c.efByLID))
	cloned := make(map[*ElementaryFile]*ElementaryFile, len(c.efBySFI))
	for sfi, ef := range c.efBySFI {
		cp, ok := cloned[ef]
		if !ok {
			cp = ef.clone()
			cloned[ef] = cp
		}
		sfiCopy[sfi] = cp
	}
	for lid, ef := range c.efByLID {
		cp, ok := cloned[ef]
		if !ok {
			cp = ef.clone()
			cloned[ef] = cp
		}
		lidCopy[lid] = cp
	}
	return &Snapshot{
		efBySFI:                 sfiCopy,
		efByLID:                 lidCopy,
		sv:                      *c.SV.clone(),
		pin:                     c.Pin,
		modificationsCounter:    c.ModificationsCounter,
		modificationsCounterMax: c.ModificationsCounterMax,
		isDfRatified:            c.IsDfRatified,
	}
}

// Restore swaps a prior Backup snapshot back into place.
func (c *CardImage) Restore(s *Snapshot) {
	c.efBySFI = s.efBySFI
	c.efByLID = s.efByLID
	c.SV = s.sv
	c.Pin = s.pin
	c.ModificationsCounter = s.modificationsCounter
	c.ModificationsCounterMax = s.modificationsCounterMax
	c.IsDfRatified = s.isDfRatified
}

// ResetModificationsCounter restores the shadow modifications-counter to
// the card's advertised maximum, used when a continuation session opens
// after a split.
func (c *CardImage) ResetModificationsCounter() {
	c.ModificationsCounter = c.ModificationsCounterMax
}
