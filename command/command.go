// Package command implements the per-Calypso-command request builders and
// response parsers. Each command is a tagged value, not a class in an
// inheritance hierarchy: the Command interface below is the trait every
// concrete command satisfies, and parsing writes into a *calypsocard.CardImage
// passed by the caller rather than held by the command.
package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
)

// Kind tags a command by the functional operation it performs.
type Kind int

const (
	KindReadRecord Kind = iota
	KindReadRecordMultiple
	KindReadBinary
	KindAppendRecord
	KindUpdateRecord
	KindWriteRecord
	KindUpdateBinary
	KindWriteBinary
	KindIncrease
	KindIncreaseMultiple
	KindDecrease
	KindDecreaseMultiple
	KindSvGet
	KindSvReload
	KindSvDebit
	KindSvUndebit
	KindOpenSession
	KindCloseSession
	KindGetChallenge
	KindGetDataFCI
	KindGetDataFCP
	KindGetDataEFList
	KindGetDataTraceability
	KindSelectFile
	KindVerifyPin
	KindChangePin
	KindChangeKey
	KindInvalidate
	KindRehabilitate
	KindSearchRecordMultiple
	KindRatification
)

func (k Kind) String() string {
	switch k {
	case KindReadRecord:
		return "READ_RECORD"
	case KindReadRecordMultiple:
		return "READ_RECORD_MULTIPLE"
	case KindReadBinary:
		return "READ_BINARY"
	case KindAppendRecord:
		return "APPEND_RECORD"
	case KindUpdateRecord:
		return "UPDATE_RECORD"
	case KindWriteRecord:
		return "WRITE_RECORD"
	case KindUpdateBinary:
		return "UPDATE_BINARY"
	case KindWriteBinary:
		return "WRITE_BINARY"
	case KindIncrease:
		return "INCREASE"
	case KindIncreaseMultiple:
		return "INCREASE_MULTIPLE"
	case KindDecrease:
		return "DECREASE"
	case KindDecreaseMultiple:
		return "DECREASE_MULTIPLE"
	case KindSvGet:
		return "SV_GET"
	case KindSvReload:
		return "SV_RELOAD"
	case KindSvDebit:
		return "SV_DEBIT"
	case KindSvUndebit:
		return "SV_UNDEBIT"
	case KindOpenSession:
		return "OPEN_SESSION"
	case KindCloseSession:
		return "CLOSE_SESSION"
	case KindGetChallenge:
		return "GET_CHALLENGE"
	case KindGetDataFCI:
		return "GET_DATA_FCI"
	case KindGetDataFCP:
		return "GET_DATA_FCP"
	case KindGetDataEFList:
		return "GET_DATA_EF_LIST"
	case KindGetDataTraceability:
		return "GET_DATA_TRACEABILITY"
	case KindSelectFile:
		return "SELECT_FILE"
	case KindVerifyPin:
		return "VERIFY_PIN"
	case KindChangePin:
		return "CHANGE_PIN"
	case KindChangeKey:
		return "CHANGE_KEY"
	case KindInvalidate:
		return "INVALIDATE"
	case KindRehabilitate:
		return "REHABILITATE"
	case KindSearchRecordMultiple:
		return "SEARCH_RECORD_MULTIPLE"
	case KindRatification:
		return "RATIFICATION"
	default:
		return "UNKNOWN"
	}
}

// Command is the trait every concrete command value satisfies.
type Command interface {
	// Kind identifies the functional operation.
	Kind() Kind
	// BuildRequest renders the command to wire format given the active
	// class byte, chosen per card-class variant.
	BuildRequest(class apdu.Class) *apdu.Request
	// ParseResponse updates img from resp, or returns a CardDataAccess-flavored
	// error the manager can treat as best-effort.
	ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error
	// IsSessionBufferUsed reports whether this command consumes the card's
	// modifications counter.
	IsSessionBufferUsed() bool
	// Cost returns the session-buffer units this command consumes, using
	// the unit (bytes or commands) the card image declares.
	Cost(unit calypsocard.ModificationUnit) int
}

// Anticipatable is satisfied by modifying commands the manager must predict
// a response for before asking the SAM for the terminal signature.
type Anticipatable interface {
	Command
	// AnticipatedResponse builds the response the manager expects the card
	// to produce, read against img where counter/postponed state matters.
	AnticipatedResponse(img *calypsocard.CardImage) (*apdu.Response, error)
}

// requestCost is the byte-mode session-buffer cost: request size plus a
// fixed overhead (+6 for header/MAC bytes, −5 for the stripped APDU
// header, net +1 over dataIn length).
func requestCost(dataInLen int, unit calypsocard.ModificationUnit) int {
	if unit == calypsocard.ModificationUnitCommands {
		return 1
	}
	return dataInLen + 1
}

func successResponse(data []byte) *apdu.Response {
	return &apdu.Response{Data: data, SW1: 0x90, SW2: 0x00}
}

func postponedResponse(data []byte) *apdu.Response {
	return &apdu.Response{Data: data, SW1: 0x62, SW2: 0x00}
}
