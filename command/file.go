package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
	"github.com/1ph/calypsogo/tlv"
)

// SelectFileControl chooses which DF/EF SELECT FILE addresses relative to
// the current selection.
type SelectFileControl int

const (
	SelectFileControlFirst SelectFileControl = iota
	SelectFileControlNext
	SelectFileControlCurrentDF
)

// SelectFile selects a DF or EF by LID or by navigation control. The
// response FCI TLV is decoded into the card image's DirectoryHeader.
type SelectFile struct {
	LID     uint16 // used when Control is unset (zero value acts as "by LID")
	Control SelectFileControl
	ByLID   bool
}

func (c *SelectFile) Kind() Kind { return KindSelectFile }

func (c *SelectFile) BuildRequest(class apdu.Class) *apdu.Request {
	if c.ByLID {
		return &apdu.Request{
			CLA:  byte(class),
			INS:  insSelectFile,
			P1:   0x08, // select by LID, return FCI
			P2:   0x00,
			Data: []byte{byte(c.LID >> 8), byte(c.LID)},
			Le:   apdu.Le(0),
		}
	}
	p1 := byte(0x00)
	switch c.Control {
	case SelectFileControlNext:
		p1 = 0x02
	case SelectFileControlCurrentDF:
		p1 = 0x09
	}
	return &apdu.Request{CLA: byte(class), INS: insSelectFile, P1: p1, P2: 0x00, Le: apdu.Le(0)}
}

func (c *SelectFile) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.SelectFile, "SelectFile: %s", resp.SWOf())
	}
	img.FCI = append([]byte(nil), resp.Data...)
	hdr, err := DecodeDirectoryHeaderFromFCI(resp.Data)
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.InconsistentData, err, "SelectFile: malformed FCI")
	}
	img.Directory = hdr
	return nil
}

func (c *SelectFile) IsSessionBufferUsed() bool                  { return false }
func (c *SelectFile) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// BER-TLV tags within the FCI/FCP proprietary template.
const (
	tagFCIProprietary uint32 = 0xA5
	tagDFName         uint32 = 0x84
	tagStartupInfo    uint32 = 0xC7 // LID, access conditions, key indexes, DF status, KVC/KIF per level
)

// DecodeDirectoryHeaderFromFCI extracts a DirectoryHeader from a SELECT
// FILE / GET DATA FCI response body.
func DecodeDirectoryHeaderFromFCI(fci []byte) (*calypsocard.DirectoryHeader, error) {
	proprietary, err := tlv.Find(fci, tagFCIProprietary)
	if err != nil {
		// Some cards return the startup info directly at the top level.
		proprietary = fci
	}
	startup, err := tlv.Find(proprietary, tagStartupInfo)
	if err != nil {
		return nil, calypsoerr.Wrap(calypsoerr.InconsistentData, err, "missing startup information tag")
	}
	if len(startup) < 15 {
		return nil, calypsoerr.New(calypsoerr.InconsistentData, "startup information too short: %d byte(s)", len(startup))
	}
	hdr := &calypsocard.DirectoryHeader{
		LID:      uint16(startup[0])<<8 | uint16(startup[1]),
		DFStatus: startup[2],
	}
	copy(hdr.AccessConditions[:], startup[3:7])
	copy(hdr.KeyIndexes[:], startup[7:11])
	copy(hdr.Kif[:], startup[11:14])
	hdr.Kvc[0] = startup[14]
	if len(startup) >= 17 {
		hdr.Kvc[1] = startup[15]
		hdr.Kvc[2] = startup[16]
	}
	return hdr, nil
}

// GetDataTag selects which GET DATA payload is requested.
type GetDataTag int

const (
	GetDataTagFCIForCurrentDF GetDataTag = iota
	GetDataTagFCPForCurrentFile
	GetDataTagEFList
	GetDataTagTraceabilityInformation
)

// GetData retrieves FCI, FCP, the EF list, or traceability information.
type GetData struct {
	Tag GetDataTag
}

func (c *GetData) Kind() Kind {
	switch c.Tag {
	case GetDataTagFCPForCurrentFile:
		return KindGetDataFCP
	case GetDataTagEFList:
		return KindGetDataEFList
	case GetDataTagTraceabilityInformation:
		return KindGetDataTraceability
	default:
		return KindGetDataFCI
	}
}

func (c *GetData) wireTag() uint16 {
	switch c.Tag {
	case GetDataTagFCPForCurrentFile:
		return tagFCP
	case GetDataTagEFList:
		return tagEFList
	case GetDataTagTraceabilityInformation:
		return tagTraceability
	default:
		return tagFCI
	}
}

func (c *GetData) BuildRequest(class apdu.Class) *apdu.Request {
	t := c.wireTag()
	return &apdu.Request{CLA: byte(class), INS: insGetData, P1: byte(t >> 8), P2: byte(t), Le: apdu.Le(0)}
}

func (c *GetData) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "GetData(%v): %s", c.Tag, resp.SWOf())
	}
	switch c.Tag {
	case GetDataTagFCIForCurrentDF, GetDataTagFCPForCurrentFile:
		img.FCI = append([]byte(nil), resp.Data...)
		hdr, err := DecodeDirectoryHeaderFromFCI(resp.Data)
		if err != nil {
			return calypsoerr.Wrap(calypsoerr.InconsistentData, err, "GetData(%v): malformed payload", c.Tag)
		}
		img.Directory = hdr
	case GetDataTagEFList:
		headers, err := DecodeEFListPayload(resp.Data)
		if err != nil {
			return calypsoerr.Wrap(calypsoerr.InconsistentData, err, "GetData(EF_LIST): malformed payload")
		}
		for _, h := range headers {
			img.PutFile(h)
		}
	case GetDataTagTraceabilityInformation:
		img.SerialNumber = append([]byte(nil), resp.Data...)
	}
	return nil
}

func (c *GetData) IsSessionBufferUsed() bool                  { return false }
func (c *GetData) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// efListEntrySize is the fixed-width encoding of one EF descriptor within
// the EF_LIST GET DATA payload: SFI, LID(2), type, recordSize(2),
// recordsNumber(2), accessConditions(4), keyIndexes(4), dfStatus.
const efListEntrySize = 17

// DecodeEFListPayload decodes the concatenated fixed-width EF descriptors
// returned by GET DATA EF_LIST.
func DecodeEFListPayload(data []byte) ([]calypsocard.FileHeader, error) {
	var out []calypsocard.FileHeader
	for len(data) >= efListEntrySize {
		h := calypsocard.FileHeader{
			SFI:           data[0],
			LID:           uint16(data[1])<<8 | uint16(data[2]),
			Type:          calypsocard.FileType(data[3]),
			RecordSize:    int(uint16(data[4])<<8 | uint16(data[5])),
			RecordsNumber: int(uint16(data[6])<<8 | uint16(data[7])),
			DFStatus:      data[16],
		}
		copy(h.AccessConditions[:], data[8:12])
		copy(h.KeyIndexes[:], data[12:16])
		out = append(out, h)
		data = data[efListEntrySize:]
	}
	if len(data) != 0 {
		return nil, calypsoerr.New(calypsoerr.InconsistentData, "EF_LIST: %d trailing byte(s)", len(data))
	}
	return out, nil
}
