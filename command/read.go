package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

// ReadRecord reads exactly one record of an EF: response is exactly recordSize bytes.
type ReadRecord struct {
	SFI        byte
	RecordNo   int
	RecordSize int // used to synthesize a minimal header if the EF is unobserved
}

func (c *ReadRecord) Kind() Kind { return KindReadRecord }

func (c *ReadRecord) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{
		CLA: byte(class),
		INS: insReadRecords,
		P1:  byte(c.RecordNo),
		P2:  c.SFI<<3 | 0x04, // b3..b7 = SFI, b2..b0 = 100b "read one record"
		Le:  apdu.Le(0),
	}
}

func (c *ReadRecord) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return dataAccessError(resp.SWOf(), "ReadRecord", c.SFI, c.RecordNo)
	}
	ef, ok := img.FileBySFI(c.SFI)
	if !ok {
		ef = img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeLinear, RecordSize: c.RecordSize})
	}
	ef.Data.SetRecord(c.RecordNo, resp.Data)
	return nil
}

func (c *ReadRecord) IsSessionBufferUsed() bool                               { return false }
func (c *ReadRecord) Cost(unit calypsocard.ModificationUnit) int              { return 0 }

// ReadRecordMultiple reads several records of the same SFI in one APDU; the
// response is a concatenation of (recordNo, length, data) triplets.
// Restricted to PRIME_REVISION_3/LIGHT.
type ReadRecordMultiple struct {
	SFI         byte
	FromRecord  int
	NbRecords   int
	RecordSize  int
	Offset      int // nonzero selects "partial" framing: read nBytes starting at Offset per record
	PartialSize int
}

func (c *ReadRecordMultiple) Kind() Kind { return KindReadRecordMultiple }

func (c *ReadRecordMultiple) BuildRequest(class apdu.Class) *apdu.Request {
	p2 := c.SFI<<3 | 0x05 // "101b" multiple-record mode
	data := []byte{}
	le := byte(0)
	if c.Offset > 0 {
		data = []byte{byte(c.Offset), byte(c.PartialSize)}
	}
	return &apdu.Request{
		CLA:  byte(class),
		INS:  insReadRecords,
		P1:   byte(c.FromRecord),
		P2:   p2,
		Data: data,
		Le:   apdu.Le(le),
	}
}

func (c *ReadRecordMultiple) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return dataAccessError(resp.SWOf(), "ReadRecordMultiple", c.SFI, c.FromRecord)
	}
	ef := img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeLinear, RecordSize: c.RecordSize})
	data := resp.Data
	for len(data) >= 2 {
		recordNo := int(data[0])
		length := int(data[1])
		if len(data) < 2+length {
			return calypsoerr.New(calypsoerr.InconsistentData, "ReadRecordMultiple: truncated triplet for record %d", recordNo)
		}
		content := data[2 : 2+length]
		ef.Data.SetRecord(recordNo, content)
		data = data[2+length:]
	}
	return nil
}

func (c *ReadRecordMultiple) IsSessionBufferUsed() bool                  { return false }
func (c *ReadRecordMultiple) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// ReadBinary reads bytes from a binary EF starting at offset. When SFI is 0
// the offset's high byte is folded into P1 directly; otherwise P1 carries
// SFI<<3 | msb(offset) and P2 carries lsb(offset).
type ReadBinary struct {
	SFI    byte
	Offset int
	Length int
}

func (c *ReadBinary) Kind() Kind { return KindReadBinary }

func (c *ReadBinary) BuildRequest(class apdu.Class) *apdu.Request {
	p1 := c.SFI<<3 | byte((c.Offset>>8)&0x07)
	if c.SFI == 0 {
		p1 = byte((c.Offset >> 8) & 0xFF)
	}
	return &apdu.Request{
		CLA: byte(class),
		INS: insReadBinary,
		P1:  p1,
		P2:  byte(c.Offset & 0xFF),
		Le:  apdu.Le(byte(c.Length)),
	}
}

func (c *ReadBinary) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return dataAccessError(resp.SWOf(), "ReadBinary", c.SFI, 0)
	}
	ef := img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeBinary})
	if err := ef.Data.SetBinaryAt(c.Offset, resp.Data); err != nil {
		return calypsoerr.Wrap(calypsoerr.IllegalArgument, err, "ReadBinary: invalid offset")
	}
	return nil
}

func (c *ReadBinary) IsSessionBufferUsed() bool                  { return false }
func (c *ReadBinary) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// SelectBinaryFile is the mandatory preliminary "read one byte at offset 0"
// emitted before a Read Binary when SFI>0 and offset>255, since
// file-selection state is only set by a prior access.
type SelectBinaryFile struct {
	SFI byte
}

func (c *SelectBinaryFile) Kind() Kind { return KindReadBinary }

func (c *SelectBinaryFile) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{
		CLA: byte(class),
		INS: insReadBinary,
		P1:  c.SFI<<3 | 0x00,
		P2:  0x00,
		Le:  apdu.Le(1),
	}
}

func (c *SelectBinaryFile) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return dataAccessError(resp.SWOf(), "ReadBinary", c.SFI, 0)
	}
	return nil
}

func (c *SelectBinaryFile) IsSessionBufferUsed() bool                  { return false }
func (c *SelectBinaryFile) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// dataAccessError wraps a non-success SW as an UnexpectedCommandStatus; the
// manager decides separately, from the status word and command kind, whether
// a given failure is best-effort.
func dataAccessError(sw apdu.SW, cmdName string, sfi byte, recordOrOffset int) error {
	return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "%s(sfi=%02X, %d): %s", cmdName, sfi, recordOrOffset, sw)
}
