// Package reader defines the card reader contract the transaction manager
// transmits APDUs through, plus a PC/SC-backed implementation
// adapted from the original smart-card reader wrapper.
package reader

import (
	"fmt"

	"github.com/1ph/calypsogo/apdu"
)

// ChannelControl tells the reader what to do with the card channel once a
// card request has been transmitted.
type ChannelControl int

const (
	ChannelControlKeepOpen ChannelControl = iota
	ChannelControlCloseAfter
)

// CardRequest is a batch of APDUs to transmit in order, plus whether the
// reader should stop at the first unsuccessful status word.
type CardRequest struct {
	APDUs             []*apdu.Request
	StopOnUnsuccessful bool
}

// CardResponse is the reader's reply to a CardRequest: the APDUs actually
// received, in order, and whether the card channel is still open.
type CardResponse struct {
	APDUs         []*apdu.Response
	IsChannelOpen bool
}

// CardReader is the external collaborator the manager drives.
type CardReader interface {
	// TransmitCardRequest sends request and returns whatever was received
	// before any channel failure. On a broken card channel it returns
	// ErrCardBrokenCommunication; on a broken reader channel,
	// ErrReaderBrokenCommunication; on an unexpected status word with
	// StopOnUnsuccessful, ErrUnexpectedStatusWord — in all three cases the
	// partial CardResponse accumulated so far is also returned.
	TransmitCardRequest(request *CardRequest, control ChannelControl) (*CardResponse, error)
	// IsContactless selects the ratification strategy.
	IsContactless() bool
}

// ErrCardBrokenCommunication signals a card-channel failure.
type ErrCardBrokenCommunication struct {
	Partial *CardResponse
	Cause   error
}

func (e *ErrCardBrokenCommunication) Error() string {
	return fmt.Sprintf("reader: card channel broken: %v", e.Cause)
}

func (e *ErrCardBrokenCommunication) Unwrap() error { return e.Cause }

// ErrReaderBrokenCommunication signals a reader-channel failure below the
// card.
type ErrReaderBrokenCommunication struct {
	Partial *CardResponse
	Cause   error
}

func (e *ErrReaderBrokenCommunication) Error() string {
	return fmt.Sprintf("reader: reader channel broken: %v", e.Cause)
}

func (e *ErrReaderBrokenCommunication) Unwrap() error { return e.Cause }

// ErrUnexpectedStatusWord signals a non-success status word encountered
// while StopOnUnsuccessful was set.
type ErrUnexpectedStatusWord struct {
	Partial *CardResponse
	SW      apdu.SW
}

func (e *ErrUnexpectedStatusWord) Error() string {
	return fmt.Sprintf("reader: unexpected status word %s", e.SW)
}
