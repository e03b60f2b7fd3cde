package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

// VerifyPin presents a PIN, plain or ciphered depending on Encrypted.
type VerifyPin struct {
	Encrypted bool
	// PlainPin or CipherBlock, whichever Encrypted selects.
	PlainPin    []byte
	CipherBlock []byte
}

func (c *VerifyPin) Kind() Kind { return KindVerifyPin }

func (c *VerifyPin) BuildRequest(class apdu.Class) *apdu.Request {
	data := c.PlainPin
	if c.Encrypted {
		data = c.CipherBlock
	}
	return &apdu.Request{CLA: byte(class), INS: insVerifyPin, P1: 0x00, P2: 0x00, Data: data}
}

func (c *VerifyPin) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	sw := resp.SWOf()
	switch {
	case resp.IsSuccess():
		img.SetPinAttempts(calypsocard.DefaultPinAttempts)
		return nil
	case sw == apdu.SWAuthMethodBlocked:
		img.SetPinBlocked()
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "VerifyPin: PIN blocked")
	case byte(sw>>8) == 0x63 && byte(sw)&0xF0 == 0xC0:
		img.SetPinAttempts(int(byte(sw) & 0x0F))
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "VerifyPin: %s", sw)
	default:
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "VerifyPin: %s", sw)
	}
}

func (c *VerifyPin) IsSessionBufferUsed() bool                  { return false }
func (c *VerifyPin) Cost(unit calypsocard.ModificationUnit) int { return 0 }

// ChangePin replaces the PIN, out of session only.
type ChangePin struct {
	Encrypted   bool
	PlainNewPin []byte
	CipherBlock []byte
}

func (c *ChangePin) Kind() Kind { return KindChangePin }

func (c *ChangePin) BuildRequest(class apdu.Class) *apdu.Request {
	data := c.PlainNewPin
	if c.Encrypted {
		data = c.CipherBlock
	}
	return &apdu.Request{CLA: byte(class), INS: insChangePin, P1: 0x00, P2: 0x00, Data: data}
}

func (c *ChangePin) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "ChangePin: %s", resp.SWOf())
	}
	img.SetPinAttempts(calypsocard.DefaultPinAttempts)
	return nil
}

func (c *ChangePin) IsSessionBufferUsed() bool                  { return false }
func (c *ChangePin) Cost(unit calypsocard.ModificationUnit) int { return 0 }
