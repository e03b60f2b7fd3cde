// Package calypsocard implements the card image: the in-memory projection
// of the selected Calypso application that accumulates observed file
// metadata, record/binary/counter content, Stored Value data, and PIN
// status. Commands (package command) write into a CardImage by
// pointer at parse time; the image itself holds no back-pointers to
// commands.
package calypsocard

// ProductType distinguishes the Calypso revisions the engine must account
// for when choosing CLA bytes, session-buffer units, and which optional
// commands (Read Record Multiple, Search Record Multiple) are available.
type ProductType int

const (
	ProductUnknown ProductType = iota
	ProductPrimeRevision1
	ProductPrimeRevision2
	ProductPrimeRevision3
	ProductLight
	ProductBasic
)

func (p ProductType) String() string {
	switch p {
	case ProductPrimeRevision1:
		return "PRIME_REVISION_1"
	case ProductPrimeRevision2:
		return "PRIME_REVISION_2"
	case ProductPrimeRevision3:
		return "PRIME_REVISION_3"
	case ProductLight:
		return "LIGHT"
	case ProductBasic:
		return "BASIC"
	default:
		return "UNKNOWN"
	}
}

// SupportsRecordMultiple reports whether the product type implements Read
// Record Multiple / Search Record Multiple.
func (p ProductType) SupportsRecordMultiple() bool {
	return p == ProductPrimeRevision3 || p == ProductLight
}

// SupportsSearchRecordMultiple reports Search Record Multiple availability
// (PRIME_REVISION_3 only, ).
func (p ProductType) SupportsSearchRecordMultiple() bool {
	return p == ProductPrimeRevision3
}

// AccessLevel selects which session key family an Open Secure Session
// uses.
type AccessLevel int

const (
	AccessLevelPerso AccessLevel = iota
	AccessLevelLoad
	AccessLevelDebit
)

func (a AccessLevel) String() string {
	switch a {
	case AccessLevelPerso:
		return "PERSO"
	case AccessLevelLoad:
		return "LOAD"
	case AccessLevelDebit:
		return "DEBIT"
	default:
		return "UNKNOWN"
	}
}

// FileType is the EF structural type.
type FileType int

const (
	FileTypeLinear FileType = iota
	FileTypeBinary
	FileTypeCyclic
	FileTypeCounters
	FileTypeSimulatedCounters
)

func (t FileType) String() string {
	switch t {
	case FileTypeLinear:
		return "LINEAR"
	case FileTypeBinary:
		return "BINARY"
	case FileTypeCyclic:
		return "CYCLIC"
	case FileTypeCounters:
		return "COUNTERS"
	case FileTypeSimulatedCounters:
		return "SIMULATED_COUNTERS"
	default:
		return "UNKNOWN"
	}
}

// ModificationUnit is whether the card's session-modifications counter is
// denominated in bytes or in commands.
type ModificationUnit int

const (
	ModificationUnitBytes ModificationUnit = iota
	ModificationUnitCommands
)
