package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

// Invalidate marks the DF invalidated; the card refuses most subsequent
// commands until Rehabilitate.
type Invalidate struct{}

func (c *Invalidate) Kind() Kind { return KindInvalidate }

func (c *Invalidate) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insInvalidate, P1: 0x00, P2: 0x00}
}

func (c *Invalidate) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "Invalidate: %s", resp.SWOf())
	}
	img.IsDfInvalidated = true
	return nil
}

func (c *Invalidate) IsSessionBufferUsed() bool { return true }
func (c *Invalidate) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(0, unit)
}
func (c *Invalidate) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return successResponse(nil), nil
}

// Rehabilitate clears the DF-invalidated flag.
type Rehabilitate struct{}

func (c *Rehabilitate) Kind() Kind { return KindRehabilitate }

func (c *Rehabilitate) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insRehabilitate, P1: 0x00, P2: 0x00}
}

func (c *Rehabilitate) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "Rehabilitate: %s", resp.SWOf())
	}
	img.IsDfInvalidated = false
	return nil
}

func (c *Rehabilitate) IsSessionBufferUsed() bool { return true }
func (c *Rehabilitate) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(0, unit)
}
func (c *Rehabilitate) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return successResponse(nil), nil
}
