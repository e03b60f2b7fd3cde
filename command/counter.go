package command

import (
	"encoding/binary"
	"sort"

	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

func threeBytes(v int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b[1:]
}

func parseThreeBytes(b []byte) int {
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}

// Increase adds to a counter; response is 3-byte new value unless the card
// postpones counter values to Close Session, in which case success is
// `6200h` with empty data.
type Increase struct {
	SFI     byte
	Counter int
	Amount  int
}

func (c *Increase) Kind() Kind { return KindIncrease }

func (c *Increase) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insIncrease, P1: byte(c.Counter), P2: c.SFI << 3, Data: threeBytes(c.Amount), Le: apdu.Le(3)}
}

func (c *Increase) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	return parseCounterResponse(img, resp, "Increase", c.SFI, c.Counter)
}

func (c *Increase) IsSessionBufferUsed() bool { return true }
func (c *Increase) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(threeBytes(c.Amount)), unit)
}

func (c *Increase) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return anticipatedCounterResponse(img, c.SFI, c.Counter, c.Amount)
}

// Decrease subtracts from a counter; same wire shape as Increase.
type Decrease struct {
	SFI     byte
	Counter int
	Amount  int
}

func (c *Decrease) Kind() Kind { return KindDecrease }

func (c *Decrease) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insDecrease, P1: byte(c.Counter), P2: c.SFI << 3, Data: threeBytes(c.Amount), Le: apdu.Le(3)}
}

func (c *Decrease) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	return parseCounterResponse(img, resp, "Decrease", c.SFI, c.Counter)
}

func (c *Decrease) IsSessionBufferUsed() bool { return true }
func (c *Decrease) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(threeBytes(c.Amount)), unit)
}

func (c *Decrease) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return anticipatedCounterResponse(img, c.SFI, c.Counter, -c.Amount)
}

func parseCounterResponse(img *calypsocard.CardImage, resp *apdu.Response, name string, sfi byte, counter int) error {
	sw := resp.SWOf()
	switch {
	case resp.IsSuccess():
		if len(resp.Data) != 3 {
			return calypsoerr.New(calypsoerr.InconsistentData, "%s(sfi=%02X, counter=%d): expected 3-byte new value", name, sfi, counter)
		}
		ef := img.PutFile(calypsocard.FileHeader{SFI: sfi, Type: calypsocard.FileTypeCounters})
		ef.Data.SetCounter(counter, parseThreeBytes(resp.Data))
		return nil
	case sw == apdu.SWPostponedData:
		img.IsCounterValuePostponed = true
		return nil
	default:
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "%s(sfi=%02X, counter=%d): %s", name, sfi, counter, sw)
	}
}

// anticipatedCounterResponse reads the counter's current value from the
// card image and applies delta (positive for Increase, negative for
// Decrease). When the card postpones counter confirmation to Close Session,
// the new value is stored provisionally — so a later read in the same
// session sees it — and is overwritten with the card-confirmed value once
// Close Session's postponed data is decoded.
func anticipatedCounterResponse(img *calypsocard.CardImage, sfi byte, counter, delta int) (*apdu.Response, error) {
	current, err := img.CounterValue(sfi, counter)
	if err != nil {
		return nil, calypsoerr.Wrap(calypsoerr.IllegalState, err, "counter anticipation: sfi=%02X counter=%d", sfi, counter)
	}
	newValue := current + delta
	if img.IsCounterValuePostponed {
		ef := img.PutFile(calypsocard.FileHeader{SFI: sfi, Type: calypsocard.FileTypeCounters})
		ef.Data.SetCounter(counter, newValue)
		return postponedResponse(nil), nil
	}
	return successResponse(threeBytes(newValue)), nil
}

// DecodePostponedCounterValue decodes one Close Session postponed-data
// entry into the counter's card-confirmed new value.
func DecodePostponedCounterValue(data []byte) (int, error) {
	if len(data) != 3 {
		return 0, calypsoerr.New(calypsoerr.InconsistentData, "postponed counter value is %d byte(s), want 3", len(data))
	}
	return parseThreeBytes(data), nil
}

// IncreaseMultiple increases several counters of the same SFI in one APDU;
// response is `(counter, 3-byte new value) * n || 9000h`.
type IncreaseMultiple struct {
	SFI      byte
	Counters map[int]int // counter number -> increase amount
}

func (c *IncreaseMultiple) Kind() Kind { return KindIncreaseMultiple }

func (c *IncreaseMultiple) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insIncrease, P1: 0x00, P2: c.SFI<<3 | 0x01, Data: encodeMultipleCounters(c.Counters)}
}

func (c *IncreaseMultiple) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	return parseMultipleCounterResponse(img, resp, "IncreaseMultiple", c.SFI)
}

func (c *IncreaseMultiple) IsSessionBufferUsed() bool { return true }
func (c *IncreaseMultiple) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(encodeMultipleCounters(c.Counters)), unit)
}
func (c *IncreaseMultiple) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	return anticipatedMultipleCounterResponse(img, c.SFI, c.Counters)
}

// DecreaseMultiple mirrors IncreaseMultiple with negated deltas.
type DecreaseMultiple struct {
	SFI      byte
	Counters map[int]int
}

func (c *DecreaseMultiple) Kind() Kind { return KindDecreaseMultiple }

func (c *DecreaseMultiple) BuildRequest(class apdu.Class) *apdu.Request {
	return &apdu.Request{CLA: byte(class), INS: insDecrease, P1: 0x00, P2: c.SFI<<3 | 0x01, Data: encodeMultipleCounters(c.Counters)}
}

func (c *DecreaseMultiple) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	return parseMultipleCounterResponse(img, resp, "DecreaseMultiple", c.SFI)
}

func (c *DecreaseMultiple) IsSessionBufferUsed() bool { return true }
func (c *DecreaseMultiple) Cost(unit calypsocard.ModificationUnit) int {
	return requestCost(len(encodeMultipleCounters(c.Counters)), unit)
}
func (c *DecreaseMultiple) AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error) {
	negated := make(map[int]int, len(c.Counters))
	for k, v := range c.Counters {
		negated[k] = -v
	}
	return anticipatedMultipleCounterResponse(img, c.SFI, negated)
}

func sortedCounterNumbers(counters map[int]int) []int {
	keys := make([]int, 0, len(counters))
	for n := range counters {
		keys = append(keys, n)
	}
	sort.Ints(keys)
	return keys
}

func encodeMultipleCounters(counters map[int]int) []byte {
	out := make([]byte, 0, len(counters)*4)
	for _, n := range sortedCounterNumbers(counters) {
		out = append(out, byte(n))
		out = append(out, threeBytes(counters[n])...)
	}
	return out
}

func parseMultipleCounterResponse(img *calypsocard.CardImage, resp *apdu.Response, name string, sfi byte) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "%s(sfi=%02X): %s", name, sfi, resp.SWOf())
	}
	ef := img.PutFile(calypsocard.FileHeader{SFI: sfi, Type: calypsocard.FileTypeCounters})
	data := resp.Data
	for len(data) >= 4 {
		n := int(data[0])
		ef.Data.SetCounter(n, parseThreeBytes(data[1:4]))
		data = data[4:]
	}
	return nil
}

func anticipatedMultipleCounterResponse(img *calypsocard.CardImage, sfi byte, deltas map[int]int) (*apdu.Response, error) {
	out := make([]byte, 0, len(deltas)*4)
	for _, n := range sortedCounterNumbers(deltas) {
		current, err := img.CounterValue(sfi, n)
		if err != nil {
			return nil, calypsoerr.Wrap(calypsoerr.IllegalState, err, "counter anticipation: sfi=%02X counter=%d", sfi, n)
		}
		out = append(out, byte(n))
		out = append(out, threeBytes(current+deltas[n])...)
	}
	return successResponse(out), nil
}
