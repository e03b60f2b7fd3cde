package reader

import (
	"fmt"

	"github.com/1ph/calypsogo/apdu"
)

// FakeReader is a scripted CardReader double used by transaction and
// scenario tests: each TransmitCardRequest call consumes one scripted
// batch of responses, matched 1:1 against the prior CardRequest.APDUs.
type FakeReader struct {
	contactless bool
	batches     [][]*apdu.Response
	call        int
	Requests    []*CardRequest // every request seen, in call order
}

// NewFakeReader returns a FakeReader that replies with batches in order,
// one batch per TransmitCardRequest call.
func NewFakeReader(contactless bool, batches ...[]*apdu.Response) *FakeReader {
	return &FakeReader{contactless: contactless, batches: batches}
}

func (f *FakeReader) IsContactless() bool { return f.contactless }

func (f *FakeReader) TransmitCardRequest(request *CardRequest, control ChannelControl) (*CardResponse, error) {
	f.Requests = append(f.Requests, request)
	if f.call >= len(f.batches) {
		return nil, fmt.Errorf("reader: fake reader exhausted scripted batches at call %d", f.call)
	}
	batch := f.batches[f.call]
	f.call++

	out := &CardResponse{IsChannelOpen: control != ChannelControlCloseAfter}
	n := len(batch)
	if n > len(request.APDUs) {
		n = len(request.APDUs)
	}
	for i := 0; i < n; i++ {
		resp := batch[i]
		out.APDUs = append(out.APDUs, resp)
		if request.StopOnUnsuccessful && !resp.IsSuccess() {
			return out, &ErrUnexpectedStatusWord{Partial: out, SW: resp.SWOf()}
		}
	}
	if len(batch) > n {
		// scripted more responses than requests sent: fraud-shaped input
		out.APDUs = append(out.APDUs, batch[n:]...)
	}
	return out, nil
}
