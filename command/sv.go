package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

// SvGet reads the Stored Value purse balance, last transaction number, and
// (depending on Operation) the most recent load or debit log. Its raw request/response are retained on
// the card image for the crypto driver's SV security-data computation.
type SvGet struct {
	Operation    SvOperation
	builtRequest []byte
}

// SvOperation selects which SV command family is being prepared.
type SvOperation int

const (
	SvOperationReload SvOperation = iota
	SvOperationDebit
)

// SvAction selects whether an SV modifying command commits or reverses a
// prior one.
type SvAction int

const (
	SvActionDo SvAction = iota
	SvActionUndo
)

func (c *SvGet) Kind() Kind { return KindSvGet }

func (c *SvGet) BuildRequest(class apdu.Class) *apdu.Request {
	p1 := byte(0x01)
	if c.Operation == SvOperationDebit {
		p1 = 0x02
	}
	req := &apdu.Request{CLA: byte(class), INS: insSvGet, P1: p1, P2: 0x00, Le: apdu.Le(0)}
	c.builtRequest = req.Bytes()
	return req
}

func (c *SvGet) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "SvGet: %s", resp.SWOf())
	}
	if len(resp.Data) < 5 {
		return calypsoerr.New(calypsoerr.InconsistentData, "SvGet: response too short: %d byte(s)", len(resp.Data))
	}
	balance := parseSigned24(resp.Data[0:3])
	tNum := uint16(resp.Data[3])<<8 | uint16(resp.Data[4])
	img.RecordSvGet(balance, tNum, c.builtRequest, resp.Data)
	if len(resp.Data) >= 5+journalRecordSize {
		rec := decodeSvLogRecord(resp.Data[5 : 5+journalRecordSize])
		if c.Operation == SvOperationReload {
			img.RecordSvLoadLog(rec)
		} else {
			img.RecordSvDebitLog(rec)
		}
	}
	return nil
}

func (c *SvGet) IsSessionBufferUsed() bool                  { return false }
func (c *SvGet) Cost(unit calypsocard.ModificationUnit) int { return 0 }

const journalRecordSize = 15

func decodeSvLogRecord(b []byte) calypsocard.SvLogRecord {
	return calypsocard.SvLogRecord{
		Amount:  int32(parseSigned24(b[0:3])),
		Balance: int32(parseSigned24(b[3:6])),
		Date:    uint16(b[6])<<8 | uint16(b[7]),
		Time:    uint16(b[8])<<8 | uint16(b[9]),
		SamID:   uint32(b[10])<<24 | uint32(b[11])<<16 | uint32(b[12])<<8,
		KVC:     b[13],
		SvTNum:  uint16(b[14]),
	}
}

func parseSigned24(b []byte) int32 {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x00800000 != 0 {
		v |= ^int32(0xFFFFFF)
	}
	return v
}

func encodeSigned24(v int32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

// svModifyingCommand is shared by SvReload/SvDebit/SvUndebit: all three
// expect `6200h` (postponed to Close Session) and carry a
// crypto-driver-supplied security-data tail.
type svModifyingCommand struct {
	amount       int
	date, time   uint16
	free         []byte
	securityData []byte
}

func (c *svModifyingCommand) dataWithoutSecurity() []byte {
	out := make([]byte, 0, 8+len(c.free))
	out = append(out, encodeSigned24(int32(c.amount))...)
	out = append(out, byte(c.date>>8), byte(c.date))
	out = append(out, byte(c.time>>8), byte(c.time))
	out = append(out, c.free...)
	return out
}

func (c *svModifyingCommand) fullData() []byte {
	return append(c.dataWithoutSecurity(), c.securityData...)
}

// SvReload credits the purse.
type SvReload struct {
	svModifyingCommand
}

// NewSvReload builds an SvReload with amount/date/time/free set; SecurityData
// is filled in later by the manager from the crypto driver.
func NewSvReload(amount int, date, time uint16, free []byte) *SvReload {
	return &SvReload{svModifyingCommand{amount: amount, date: date, time: time, free: free}}
}

// SetSecurityData installs the crypto-driver-produced tail before
// transmission.
func (c *SvReload) SetSecurityData(data []byte) { c.securityData = data }

// DataWithoutSecurity exposes the bytes the crypto driver signs over.
func (c *SvReload) DataWithoutSecurity() []byte { return c.dataWithoutSecurity() }

func (c *SvReload) Kind() Kind { return KindSvReload }

func (c *SvReload) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insSvReload, P1: 0x00, P2: 0x00, Data: c.fullData(), Le: apdu.Le(0)}
}

func (c *SvReload) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if resp.SWOf() != apdu.SWPostponedData {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "SvReload: %s", resp.SWOf())
	}
	img.CommitSvTransaction(int32(c.amount))
	return nil
}

func (c *SvReload) IsSessionBufferUsed() bool { return true }
func (c *SvReload) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(c.fullData()), unit)
}
func (c *SvReload) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return postponedResponse(nil), nil
}

// SvDebit debits the purse, or SvUndebit reverses a prior debit.
type SvDebit struct {
	svModifyingCommand
}

func NewSvDebit(amount int, date, time uint16) *SvDebit {
	return &SvDebit{svModifyingCommand{amount: amount, date: date, time: time}}
}

func (c *SvDebit) SetSecurityData(data []byte)      { c.securityData = data }
func (c *SvDebit) DataWithoutSecurity() []byte      { return c.dataWithoutSecurity() }

func (c *SvDebit) Kind() Kind { return KindSvDebit }

func (c *SvDebit) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insSvDebit, P1: 0x00, P2: 0x00, Data: c.fullData(), Le: apdu.Le(0)}
}

func (c *SvDebit) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if resp.SWOf() != apdu.SWPostponedData {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "SvDebit: %s", resp.SWOf())
	}
	img.CommitSvTransaction(-int32(c.amount))
	return nil
}

func (c *SvDebit) IsSessionBufferUsed() bool { return true }
func (c *SvDebit) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(c.fullData()), unit)
}
func (c *SvDebit) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return postponedResponse(nil), nil
}

// SvUndebit reverses a previously-committed SvDebit.
type SvUndebit struct {
	svModifyingCommand
}

func NewSvUndebit(amount int, date, time uint16) *SvUndebit {
	return &SvUndebit{svModifyingCommand{amount: amount, date: date, time: time}}
}

func (c *SvUndebit) SetSecurityData(data []byte) { c.securityData = data }
func (c *SvUndebit) DataWithoutSecurity() []byte { return c.dataWithoutSecurity() }

func (c *SvUndebit) Kind() Kind { return KindSvUndebit }

func (c *SvUndebit) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insSvUndebit, P1: 0x00, P2: 0x00, Data: c.fullData(), Le: apdu.Le(0)}
}

func (c *SvUndebit) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if resp.SWOf() != apdu.SWPostponedData {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "SvUndebit: %s", resp.SWOf())
	}
	img.CommitSvTransaction(int32(c.amount))
	return nil
}

func (c *SvUndebit) IsSessionBufferUsed() bool { return true }
func (c *SvUndebit) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(c.fullData()), unit)
}
func (c *SvUndebit) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return postponedResponse(nil), nil
}
