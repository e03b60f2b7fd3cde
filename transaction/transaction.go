package transaction

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
	"github.com/1ph/calypsogo/command"
	"github.com/1ph/calypsogo/cryptosession"
	"github.com/1ph/calypsogo/reader"
)

// state is the Transaction Manager's state machine.
type state int

const (
	stateIdle state = iota
	stateSessionOpen
	stateSessionAborted
)

// Transaction is the fluent transaction handle: a single-threaded
// planner/executor over one reader+card+crypto-driver triple for
// the lifetime of one card presentation.
type Transaction struct {
	rdr      reader.CardReader
	crypto   cryptosession.Driver
	card     *calypsocard.CardImage
	settings *SecuritySetting

	state       state
	accessLevel calypsocard.AccessLevel

	queue []command.Command

	releaseChannelRequested bool
	svPreparedThisSession   bool
	svGetActionSet          bool
	svGetAction             command.SvAction
	backup                  *calypsocard.Snapshot

	// svPostponedDataIndex is the position of the SV modifying command's
	// entry within CloseSessionResult.PostponedData, which holds one item
	// per SV-or-postponed-counter command in chunk order; a session with no
	// postponed counters ahead of the SV command leaves it at 0.
	svPostponedDataIndex int

	audit []calypsoerr.Exchange
}

// New constructs a Transaction. The reader and crypto driver are taken as
// constructor arguments, not service-locator singletons.
func New(rdr reader.CardReader, crypto cryptosession.Driver, card *calypsocard.CardImage, settings *SecuritySetting) *Transaction {
	return &Transaction{
		rdr:      rdr,
		crypto:   crypto,
		card:     card,
		settings: settings,
		state:    stateIdle,
	}
}

// CardReader returns the reader this transaction drives.
func (t *Transaction) CardReader() reader.CardReader { return t.rdr }

// CalypsoCard returns the card image this transaction owns for its
// lifetime.
func (t *Transaction) CalypsoCard() *calypsocard.CardImage { return t.card }

// Exchanges returns every request/response pair transmitted so far, in
// order, across all Process* calls on this transaction.
func (t *Transaction) Exchanges() []calypsoerr.Exchange {
	out := make([]calypsoerr.Exchange, len(t.audit))
	copy(out, t.audit)
	return out
}

// SecuritySetting returns the settings this transaction was constructed
// with.
func (t *Transaction) SecuritySetting() *SecuritySetting { return t.settings }

func (t *Transaction) class() apdu.Class { return apdu.Class(t.card.ClassByte) }

func (t *Transaction) unit() calypsocard.ModificationUnit { return t.card.ModificationsUnit }

func (t *Transaction) channelControl() reader.ChannelControl {
	if t.releaseChannelRequested {
		return reader.ChannelControlCloseAfter
	}
	return reader.ChannelControlKeepOpen
}

// PrepareReleaseCardChannel arranges for the next card request this
// transaction issues to close the channel afterward.
func (t *Transaction) PrepareReleaseCardChannel() {
	t.releaseChannelRequested = true
}

// PrepareComputeSignature queues a generic signature computation
// piggybacked onto the next SAM flush.
func (t *Transaction) PrepareComputeSignature(data []byte) error {
	return t.crypto.PrepareComputeSignature(data)
}

// PrepareVerifySignature queues a generic signature verification.
func (t *Transaction) PrepareVerifySignature(data, signature []byte) error {
	return t.crypto.PrepareVerifySignature(data, signature)
}

// --- prepare* (enqueue) -----------------------------------------------

func (t *Transaction) PrepareReadRecord(sfi byte, recordNo int) {
	size := t.inferredRecordSize(sfi)
	t.queue = append(t.queue, &command.ReadRecord{SFI: sfi, RecordNo: recordNo, RecordSize: size})
}

// payloadCapacity is the largest response a short APDU can carry: Le is a
// single byte, so 255 bytes bounds one Read Binary or Read Record Multiple
// chunk.
const payloadCapacity = 255

// PrepareReadRecords queues a minimal number of commands covering records
// [fromRecord, toRecord] of sfi. On PRIME_REVISION_3 and LIGHT cards,
// consecutive records are batched into Read Record Multiple APDUs of
// nbRecordsPerApdu = payloadCapacity/(recordSize+2) records each, with the
// last record of the range always read individually to make the most of
// the session buffer; other product types get one Read Record per record.
func (t *Transaction) PrepareReadRecords(sfi byte, fromRecord, toRecord int) {
	if toRecord <= fromRecord {
		t.PrepareReadRecord(sfi, fromRecord)
		return
	}
	size := t.inferredRecordSize(sfi)
	if !t.card.ProductType.SupportsRecordMultiple() || size <= 0 {
		for r := fromRecord; r <= toRecord; r++ {
			t.PrepareReadRecord(sfi, r)
		}
		return
	}
	perApdu := payloadCapacity / (size + 2)
	if perApdu < 1 {
		perApdu = 1
	}
	r := fromRecord
	for toRecord-r+1 > perApdu {
		t.queue = append(t.queue, &command.ReadRecordMultiple{SFI: sfi, FromRecord: r, NbRecords: perApdu, RecordSize: size})
		r += perApdu
	}
	if toRecord-r+1 > 1 {
		t.queue = append(t.queue, &command.ReadRecordMultiple{SFI: sfi, FromRecord: r, NbRecords: toRecord - r, RecordSize: size})
		r = toRecord
	}
	t.PrepareReadRecord(sfi, r)
}

// PrepareReadRecordsPartially queues Read Record Multiple commands in
// "partial" framing, each returning nBytes starting at offset for every
// collected record, starting at fromRecord and continuing through
// toRecord. Only PRIME_REVISION_3 and LIGHT cards support this.
func (t *Transaction) PrepareReadRecordsPartially(sfi byte, fromRecord, toRecord, offset, nBytes int) error {
	if !t.card.ProductType.SupportsRecordMultiple() {
		return calypsoerr.New(calypsoerr.UnsupportedOperation, "ReadRecordsPartially requires PRIME_REVISION_3 or LIGHT, got %s", t.card.ProductType)
	}
	if nBytes <= 0 {
		return calypsoerr.New(calypsoerr.IllegalArgument, "ReadRecordsPartially: nBytes must be positive")
	}
	perApdu := payloadCapacity / nBytes
	if perApdu < 1 {
		perApdu = 1
	}
	size := t.inferredRecordSize(sfi)
	for r := fromRecord; r <= toRecord; {
		n := toRecord - r + 1
		if n > perApdu {
			n = perApdu
		}
		t.queue = append(t.queue, &command.ReadRecordMultiple{
			SFI: sfi, FromRecord: r, NbRecords: n, RecordSize: size,
			Offset: offset, PartialSize: nBytes,
		})
		r += n
	}
	return nil
}

// PrepareReadBinary queues Read Binary commands covering [offset,
// offset+length) of sfi, split into payloadCapacity-sized chunks, with the
// mandatory preliminary selection read prepended when SFI>0 and
// offset>255.
func (t *Transaction) PrepareReadBinary(sfi byte, offset, length int) {
	t.prepareBinarySelectionIfNeeded(sfi, offset)
	for at, remaining := offset, length; remaining > 0; {
		n := remaining
		if n > payloadCapacity {
			n = payloadCapacity
		}
		t.queue = append(t.queue, &command.ReadBinary{SFI: sfi, Offset: at, Length: n})
		at += n
		remaining -= n
	}
}

func (t *Transaction) PrepareAppendRecord(sfi byte, data []byte) {
	t.queue = append(t.queue, &command.AppendRecord{SFI: sfi, Data: data})
}

func (t *Transaction) PrepareUpdateRecord(sfi byte, recordNo int, data []byte) {
	t.queue = append(t.queue, &command.UpdateRecord{SFI: sfi, RecordNo: recordNo, Data: data})
}

func (t *Transaction) PrepareWriteRecord(sfi byte, recordNo int, data []byte) {
	t.queue = append(t.queue, &command.WriteRecord{SFI: sfi, RecordNo: recordNo, Data: data})
}

func (t *Transaction) PrepareUpdateBinary(sfi byte, offset int, data []byte) {
	t.prepareBinarySelectionIfNeeded(sfi, offset)
	t.queue = append(t.queue, &command.UpdateBinary{SFI: sfi, Offset: offset, Data: data})
}

func (t *Transaction) PrepareWriteBinary(sfi byte, offset int, data []byte) {
	t.prepareBinarySelectionIfNeeded(sfi, offset)
	t.queue = append(t.queue, &command.WriteBinary{SFI: sfi, Offset: offset, Data: data})
}

// prepareBinarySelectionIfNeeded emits the mandatory preliminary
// "Read Binary one byte at offset 0" when SFI>0 and offset>255.
func (t *Transaction) prepareBinarySelectionIfNeeded(sfi byte, offset int) {
	if sfi != 0 && offset > 255 {
		t.queue = append(t.queue, &command.SelectBinaryFile{SFI: sfi})
	}
}

func (t *Transaction) PrepareIncrease(sfi byte, counter, amount int) {
	t.queue = append(t.queue, &command.Increase{SFI: sfi, Counter: counter, Amount: amount})
}

func (t *Transaction) PrepareDecrease(sfi byte, counter, amount int) {
	t.queue = append(t.queue, &command.Decrease{SFI: sfi, Counter: counter, Amount: amount})
}

func (t *Transaction) PrepareIncreaseMultiple(sfi byte, amounts map[int]int) {
	t.queue = append(t.queue, &command.IncreaseMultiple{SFI: sfi, Counters: amounts})
}

func (t *Transaction) PrepareDecreaseMultiple(sfi byte, amounts map[int]int) {
	t.queue = append(t.queue, &command.DecreaseMultiple{SFI: sfi, Counters: amounts})
}

func (t *Transaction) PrepareSelectFile(lid uint16) {
	t.queue = append(t.queue, &command.SelectFile{LID: lid, ByLID: true})
}

func (t *Transaction) PrepareSelectFileControl(control command.SelectFileControl) {
	t.queue = append(t.queue, &command.SelectFile{Control: control})
}

func (t *Transaction) PrepareGetData(tag command.GetDataTag) {
	t.queue = append(t.queue, &command.GetData{Tag: tag})
}

func (t *Transaction) PrepareInvalidate() {
	t.queue = append(t.queue, &command.Invalidate{})
}

func (t *Transaction) PrepareRehabilitate() {
	t.queue = append(t.queue, &command.Rehabilitate{})
}

func (t *Transaction) PrepareSearchRecordMultiple(c *command.SearchRecordMultiple) error {
	if t.card.ProductType != calypsocard.ProductPrimeRevision3 {
		return calypsoerr.New(calypsoerr.UnsupportedOperation, "SearchRecordMultiple requires PRIME_REVISION_3, got %s", t.card.ProductType)
	}
	t.queue = append(t.queue, c)
	return nil
}

func (t *Transaction) inferredRecordSize(sfi byte) int {
	if ef, ok := t.card.FileBySFI(sfi); ok {
		return ef.Header.RecordSize
	}
	return 0
}

func (t *Transaction) State() string {
	switch t.state {
	case stateIdle:
		return "IDLE"
	case stateSessionOpen:
		return "SESSION_OPEN"
	case stateSessionAborted:
		return "SESSION_ABORTED"
	default:
		return "UNKNOWN"
	}
}
