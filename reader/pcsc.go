package reader

import (
	"fmt"

	"github.com/ebfe/scard"

	"github.com/1ph/calypsogo/apdu"
)

// PCSCReader drives a physical card through PC/SC. Adapted from
// the original bare reader wrapper: the connection/reconnection shape is
// kept, generalized to the CardReader contract's batched-transmit and
// channel-control semantics.
type PCSCReader struct {
	ctx         *scard.Context
	card        *scard.Card
	name        string
	atr         []byte
	contactless bool
}

// ConnectPCSCReader establishes a PC/SC context and connects to the card
// present in the reader named name.
func ConnectPCSCReader(name string, contactless bool) (*PCSCReader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("reader: failed to establish PC/SC context: %w", err)
	}
	card, err := ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("reader: failed to connect to card in reader '%s': %w", name, err)
	}
	status, err := card.Status()
	if err != nil {
		card.Disconnect(scard.LeaveCard)
		ctx.Release()
		return nil, fmt.Errorf("reader: failed to get card status: %w", err)
	}
	return &PCSCReader{ctx: ctx, card: card, name: name, atr: status.Atr, contactless: contactless}, nil
}

// ListPCSCReaders enumerates PC/SC reader names (selection-stage plumbing,
// out of scope , kept as a convenience for the demo CLI).
func ListPCSCReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("reader: failed to establish PC/SC context: %w", err)
	}
	defer ctx.Release()
	names, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("reader: failed to list readers: %w", err)
	}
	return names, nil
}

// Name returns the underlying PC/SC reader name.
func (r *PCSCReader) Name() string { return r.name }

// ATR returns the card's Answer To Reset bytes captured at connection time.
func (r *PCSCReader) ATR() []byte { return r.atr }

// IsContactless reports the reader's configured channel kind.
func (r *PCSCReader) IsContactless() bool { return r.contactless }

// Close releases the PC/SC card handle and context.
func (r *PCSCReader) Close() error {
	if r.card != nil {
		r.card.Disconnect(scard.LeaveCard)
	}
	if r.ctx != nil {
		r.ctx.Release()
	}
	return nil
}

// TransmitCardRequest implements CardReader by transmitting each APDU in
// order, stopping early on the first unsuccessful status word if
// request.StopOnUnsuccessful is set, and disconnecting the card per
// control once all APDUs have gone out.
func (r *PCSCReader) TransmitCardRequest(request *CardRequest, control ChannelControl) (*CardResponse, error) {
	out := &CardResponse{IsChannelOpen: true}
	for _, req := range request.APDUs {
		raw, err := r.card.Transmit(req.Bytes())
		if err != nil {
			out.IsChannelOpen = false
			return out, &ErrCardBrokenCommunication{Partial: out, Cause: err}
		}
		resp, err := apdu.ParseResponse(raw)
		if err != nil {
			out.IsChannelOpen = false
			return out, &ErrCardBrokenCommunication{Partial: out, Cause: err}
		}
		out.APDUs = append(out.APDUs, resp)
		if request.StopOnUnsuccessful && !resp.IsSuccess() {
			return out, &ErrUnexpectedStatusWord{Partial: out, SW: resp.SWOf()}
		}
	}
	if control == ChannelControlCloseAfter {
		if err := r.card.Disconnect(scard.LeaveCard); err != nil {
			return out, &ErrReaderBrokenCommunication{Partial: out, Cause: err}
		}
		out.IsChannelOpen = false
	}
	return out, nil
}
