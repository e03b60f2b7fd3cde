package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

// ChangeKey replaces one of the card's session keys"); keyIndex selects which key
// record (1, 2, or 3) to overwrite.
type ChangeKey struct {
	KeyIndex    byte
	CipheredKey []byte
}

func (c *ChangeKey) Kind() Kind { return KindChangeKey }

func (c *ChangeKey) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insChangeKey, P1: 0x00, P2: c.KeyIndex, Data: c.CipheredKey}
}

func (c *ChangeKey) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "ChangeKey: %s", resp.SWOf())
	}
	return nil
}

func (c *ChangeKey) IsSessionBufferUsed() bool                  { return false }
func (c *ChangeKey) Cost(unit calypsocard.ModificationUnit) int { return 0 }
