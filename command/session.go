package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

// OpenSession opens a Secure Session: `P1 = (accessLevel+1)<<3 |
// (SFI & 07h)`, `P2 = recordNumber<<3 | mode-bits`, data = 8-byte terminal
// challenge. If FoldedSFI is nonzero, a one-record read is folded into this
// APDU as the first-record optimization.
type OpenSession struct {
	AccessLevel       calypsocard.AccessLevel
	TerminalChallenge []byte
	FoldedSFI         byte
	FoldedRecordNo    int
	Extended          bool // selects 8-byte (extended) vs 4-byte card challenge framing
}

// OpenSessionResult is the parsed body of the Open Secure Session response
//: card challenge, KIF/KVC (either may be absent), the
// ratification bit, and an optional folded record.
type OpenSessionResult struct {
	CardChallenge  []byte
	KIF            *byte // nil if undefined (00h)
	KVC            *byte // nil if absent (00h, legacy card)
	Ratified       bool
	FoldedRecord   []byte
	RawResponse    []byte
}

func (c *OpenSession) Kind() Kind { return KindOpenSession }

func (c *OpenSession) BuildRequest(class apdu.Class) *apdu.Request {
	p1 := byte(int(c.AccessLevel)+1)<<3 | (c.FoldedSFI & 0x07)
	p2 := byte(c.FoldedRecordNo<<3) & 0xF8
	if c.FoldedSFI != 0 {
		p2 |= 0x01 // "read folded record" mode bit
	}
	return &apdu.Request{
		CLA:  byte(class),
		INS:  insOpenSession,
		P1:   p1,
		P2:   p2,
		Data: c.TerminalChallenge,
		Le:   apdu.Le(0),
	}
}

func (c *OpenSession) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() && resp.SWOf() != apdu.SWPostponedData {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "OpenSession: %s", resp.SWOf())
	}
	result, err := ParseOpenSessionResponse(resp.Data, c.Extended)
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.InconsistentData, err, "OpenSession: malformed response")
	}
	img.RunningCardChallenge = result.CardChallenge
	img.IsDfRatified = result.Ratified
	if c.FoldedSFI != 0 && len(result.FoldedRecord) > 0 {
		ef := img.PutFile(calypsocard.FileHeader{SFI: c.FoldedSFI, Type: calypsocard.FileTypeLinear, RecordSize: len(result.FoldedRecord)})
		ef.Data.SetRecord(c.FoldedRecordNo, result.FoldedRecord)
	}
	return nil
}

// ParseOpenSessionResponse decodes the Open Secure Session data payload.
// Layout: [1-byte ratification/KIF flags][1-byte KVC, 00h if absent][N-byte card
// challenge][optional folded record]. Exact byte count of the challenge
// depends on Extended.
func ParseOpenSessionResponse(data []byte, extended bool) (*OpenSessionResult, error) {
	challengeLen := 4
	if extended {
		challengeLen = 8
	}
	if len(data) < 2+challengeLen {
		return nil, calypsoerr.New(calypsoerr.InconsistentData, "OpenSession response too short: %d byte(s)", len(data))
	}
	flags := data[0]
	kvcByte := data[1]
	challenge := data[2 : 2+challengeLen]
	folded := data[2+challengeLen:]

	result := &OpenSessionResult{
		CardChallenge: append([]byte(nil), challenge...),
		Ratified:      flags&0x01 != 0,
		RawResponse:   append([]byte(nil), data...),
	}
	kif := flags >> 1
	if kif != 0xFF && kif != 0x00 {
		result.KIF = &kif
	}
	if kvcByte != 0x00 {
		kvc := kvcByte
		result.KVC = &kvc
	}
	if len(folded) > 0 {
		result.FoldedRecord = append([]byte(nil), folded...)
	}
	return result, nil
}

func (c *OpenSession) IsSessionBufferUsed() bool                  { return false }
func (c *OpenSession) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// CloseSession closes a Secure Session: data = 4- or 8-byte
// terminal MAC; `P1 = 80h` if close-and-ratify, `00h` if close-not-ratified.
type CloseSession struct {
	Ratify            bool
	TerminalSignature []byte
	Extended          bool
}

// CloseSessionResult is the parsed Close Secure Session response: card MAC
// and, in extended mode, a list of postponed-data items.
type CloseSessionResult struct {
	CardSignature []byte
	PostponedData [][]byte
}

func (c *CloseSession) Kind() Kind { return KindCloseSession }

func (c *CloseSession) BuildRequest(class apdu.Class) *apdu.Request {
	p1 := byte(0x00)
	if c.Ratify {
		p1 = 0x80
	}
	return &apdu.Request{CLA: byte(class), INS: insCloseSession, P1: p1, P2: 0x00, Data: c.TerminalSignature, Le: apdu.Le(0)}
}

func (c *CloseSession) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "CloseSession: %s", resp.SWOf())
	}
	_, err := ParseCloseSessionResponse(resp.Data, c.Extended)
	return err
}

// ParseCloseSessionResponse decodes the Close Secure Session response body.
// Non-extended mode: 4-byte card MAC only. Extended mode: 4-byte card MAC
// followed by a 1-byte count and that many length-prefixed postponed-data
// items.
func ParseCloseSessionResponse(data []byte, extended bool) (*CloseSessionResult, error) {
	if len(data) < 4 {
		return nil, calypsoerr.New(calypsoerr.InconsistentData, "CloseSession response too short: %d byte(s)", len(data))
	}
	result := &CloseSessionResult{CardSignature: append([]byte(nil), data[:4]...)}
	if !extended {
		return result, nil
	}
	rest := data[4:]
	if len(rest) == 0 {
		return result, nil
	}
	count := int(rest[0])
	rest = rest[1:]
	for i := 0; i < count; i++ {
		if len(rest) < 1 {
			return nil, calypsoerr.New(calypsoerr.InconsistentData, "CloseSession: truncated postponed-data list")
		}
		n := int(rest[0])
		if len(rest) < 1+n {
			return nil, calypsoerr.New(calypsoerr.InconsistentData, "CloseSession: truncated postponed-data item %d", i)
		}
		result.PostponedData = append(result.PostponedData, append([]byte(nil), rest[1:1+n]...))
		rest = rest[1+n:]
	}
	return result, nil
}

func (c *CloseSession) IsSessionBufferUsed() bool                  { return false }
func (c *CloseSession) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// GetChallenge requests the card's challenge outside a Secure Session, used
// by PIN verify/change and Change Key.
type GetChallenge struct {
	Extended bool
}

func (c *GetChallenge) Kind() Kind { return KindGetChallenge }

func (c *GetChallenge) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insGetChallenge, P1: 0x00, P2: 0x00, Le: apdu.Le(0)}
}

func (c *GetChallenge) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "GetChallenge: %s", resp.SWOf())
	}
	img.RunningCardChallenge = append([]byte(nil), resp.Data...)
	return nil
}

func (c *GetChallenge) IsSessionBufferUsed() bool                  { return false }
func (c *GetChallenge) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// Ratification is the explicit ratification APDU sent after Close Session
// on a contactless reader when the ratification mechanism is enabled. Its
// own response is discarded by the manager even on failure.
type Ratification struct{}

func (c *Ratification) Kind() Kind { return KindRatification }

func (c *Ratification) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insRatification, P1: 0x00, P2: 0x00}
}

func (c *Ratification) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	return nil
}

func (c *Ratification) IsSessionBufferUsed() bool                  { return false }
func (c *Ratification) Cost(unit calypsocard.ModificationUnit) int { return 0 }
