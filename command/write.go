package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

// parseModifyingRecordResponse is shared by every record-modifying command: success
// is always 9000h with an empty data-out.
func parseModifyingRecordResponse(resp *apdu.Response, name string, sfi byte, recordNo int) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "%s(sfi=%02X, record=%d): %s", name, sfi, recordNo, resp.SWOf())
	}
	return nil
}

// AppendRecord adds a new record to a cyclic or linear EF.
type AppendRecord struct {
	SFI  byte
	Data []byte
}

func (c *AppendRecord) Kind() Kind { return KindAppendRecord }

func (c *AppendRecord) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insAppendRecord, P1: 0x00, P2: c.SFI << 3, Data: c.Data}
}

func (c *AppendRecord) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if err := parseModifyingRecordResponse(resp, "AppendRecord", c.SFI, 0); err != nil {
		return err
	}
	ef := img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeCyclic, RecordSize: len(c.Data)})
	nextRecord := len(ef.Data.AllRecords()) + 1
	ef.Data.SetRecord(nextRecord, c.Data)
	return nil
}

func (c *AppendRecord) IsSessionBufferUsed() bool { return true }
func (c *AppendRecord) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(c.Data), unit)
}
func (c *AppendRecord) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return successResponse(nil), nil
}

// UpdateRecord replaces a record's full content.
type UpdateRecord struct {
	SFI      byte
	RecordNo int
	Data     []byte
}

func (c *UpdateRecord) Kind() Kind { return KindUpdateRecord }

func (c *UpdateRecord) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insUpdateRecord, P1: byte(c.RecordNo), P2: c.SFI << 3, Data: c.Data}
}

func (c *UpdateRecord) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if err := parseModifyingRecordResponse(resp, "UpdateRecord", c.SFI, c.RecordNo); err != nil {
		return err
	}
	ef := img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeLinear, RecordSize: len(c.Data)})
	ef.Data.SetRecord(c.RecordNo, c.Data)
	return nil
}

func (c *UpdateRecord) IsSessionBufferUsed() bool { return true }
func (c *UpdateRecord) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(c.Data), unit)
}
func (c *UpdateRecord) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return successResponse(nil), nil
}

// WriteRecord performs a logical OR of new content into an existing record
// (write semantics differ from Update only on the card side; the codec
// shape is identical).
type WriteRecord struct {
	SFI      byte
	RecordNo int
	Data     []byte
}

func (c *WriteRecord) Kind() Kind { return KindWriteRecord }

func (c *WriteRecord) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insWriteRecord, P1: byte(c.RecordNo), P2: c.SFI << 3, Data: c.Data}
}

func (c *WriteRecord) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if err := parseModifyingRecordResponse(resp, "WriteRecord", c.SFI, c.RecordNo); err != nil {
		return err
	}
	ef := img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeLinear, RecordSize: len(c.Data)})
	ef.Data.SetRecord(c.RecordNo, c.Data)
	return nil
}

func (c *WriteRecord) IsSessionBufferUsed() bool { return true }
func (c *WriteRecord) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(c.Data), unit)
}
func (c *WriteRecord) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return successResponse(nil), nil
}

// UpdateBinary replaces bytes at offset in a binary EF.
type UpdateBinary struct {
	SFI    byte
	Offset int
	Data   []byte
}

func (c *UpdateBinary) Kind() Kind { return KindUpdateBinary }

func (c *UpdateBinary) BuildRequest(class apdu.Class) *apdu.Request {
	p1 := c.SFI<<3 | byte((c.Offset>>8)&0x07)
	if c.SFI == 0 {
		p1 = byte((c.Offset >> 8) & 0xFF)
	}
	return &apdu.Request{CLA: byte(class), INS: insUpdateBinary, P1: p1, P2: byte(c.Offset & 0xFF), Data: c.Data}
}

func (c *UpdateBinary) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if err := parseModifyingRecordResponse(resp, "UpdateBinary", c.SFI, c.Offset); err != nil {
		return err
	}
	ef := img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeBinary})
	return ef.Data.SetBinaryAt(c.Offset, c.Data)
}

func (c *UpdateBinary) IsSessionBufferUsed() bool { return true }
func (c *UpdateBinary) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(c.Data), unit)
}
func (c *UpdateBinary) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return successResponse(nil), nil
}

// WriteBinary ORs bytes at offset in a binary EF.
type WriteBinary struct {
	SFI    byte
	Offset int
	Data   []byte
}

func (c *WriteBinary) Kind() Kind { return KindWriteBinary }

func (c *WriteBinary) BuildRequest(class apdu.Class) *apdu.Request {
	p1 := c.SFI<<3 | byte((c.Offset>>8)&0x07)
	if c.SFI == 0 {
		p1 = byte((c.Offset >> 8) & 0xFF)
	}
	return &apdu.Request{CLA: byte(class), INS: insWriteBinary, P1: p1, P2: byte(c.Offset & 0xFF), Data: c.Data}
}

func (c *WriteBinary) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if err := parseModifyingRecordResponse(resp, "WriteBinary", c.SFI, c.Offset); err != nil {
		return err
	}
	ef := img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeBinary})
	return ef.Data.SetBinaryAt(c.Offset, c.Data)
}

func (c *WriteBinary) IsSessionBufferUsed() bool { return true }
func (c *WriteBinary) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(c.Data), unit)
}
func (c *WriteBinary) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return successResponse(nil), nil
}
