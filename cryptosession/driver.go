// Package cryptosession defines the contract between the transaction
// manager and an external symmetric cryptographic service (typically a
// SAM) — . The manager never touches key material directly; every
// cryptographic operation of a Secure Session, PIN presentation/change, key
// change, and Stored Value transaction is delegated through this interface.
package cryptosession

// Driver is the Symmetric Crypto Session Driver contract. No
// SAM-internal algorithm is specified — only the call contract; subpackage
// samsim ships one reference/test implementation.
type Driver interface {
	// InitTerminalSecureSessionContext returns the 8-byte terminal
	// challenge used to open a Secure Session, and primes the driver's
	// session-MAC context for the upcoming InitTerminalSessionMac call.
	InitTerminalSecureSessionContext() (terminalChallenge []byte, err error)

	// InitTerminalSessionMac seeds the running session MAC from the Open
	// Secure Session response payload and the resolved (KIF, KVC).
	InitTerminalSessionMac(openResponseData []byte, kif, kvc byte) error

	// UpdateTerminalSessionMac feeds one more element of the in-session
	// wire stream (a request, or a response/anticipated-response) into the
	// running MAC. Called twice per in-session exchange except Open's own
	// bytes.
	UpdateTerminalSessionMac(data []byte) error

	// FinalizeTerminalSessionMac returns the terminal signature (4 bytes,
	// or 8 in extended mode) appended to Close Secure Session.
	FinalizeTerminalSessionMac() (terminalSignature []byte, err error)

	// VerifyCardSessionMac checks the card's Close Secure Session MAC
	// against the session accumulated so far.
	VerifyCardSessionMac(cardSignature []byte) error

	// VerifyCardSvMac checks the postponed-data slice returned for an SV
	// modifying command against the SV command security data.
	VerifyCardSvMac(postponedData []byte) error

	// CipherPinForPresentation produces the encrypted PIN block for
	// VERIFY PIN in ENCRYPTED transmission mode.
	CipherPinForPresentation(cardChallenge, pin []byte, kif, kvc byte) (cipheredBlock []byte, err error)

	// CipherPinForModification produces the encrypted PIN block for
	// CHANGE PIN.
	CipherPinForModification(cardChallenge, currentPin, newPin []byte, kif, kvc byte) (cipheredBlock []byte, err error)

	// GenerateCipheredCardKey produces the ciphered key block for CHANGE
	// KEY.
	GenerateCipheredCardKey(cardChallenge []byte, issuerKif, issuerKvc, newKif, newKvc byte) (cipheredKey []byte, err error)

	// GenerateSvCommandSecurityData fills in the security data block
	// appended to an SV Reload/Debit/Undebit command, computed from the
	// SV Get request/response the card previously returned.
	GenerateSvCommandSecurityData(svGetRequest, svGetResponse, svCommandPartial []byte) (securityData []byte, err error)

	// SetDefaultKeyDiversifier sets the card's full serial number as the
	// default key diversifier for subsequent operations.
	SetDefaultKeyDiversifier(serialNumberFull []byte)

	// SetTransactionAuditData retains a record for inclusion in the SAM's
	// own audit trail.
	SetTransactionAuditData(record []byte)

	// EnableCardExtendedMode switches the driver to extended-mode framing
	// (8-byte challenges/signatures, AES session keys).
	EnableCardExtendedMode()

	// IsExtendedModeSupported reports whether the driver (and by
	// extension the SAM behind it) supports extended mode.
	IsExtendedModeSupported() bool

	// ProcessCommands flushes any commands queued on the SAM side
	// (PrepareComputeSignature/PrepareVerifySignature) and returns their
	// results; a no-op for drivers with no queued SAM-side commands.
	ProcessCommands() error

	// PrepareComputeSignature queues a generic signature computation over
	// data, piggybacked onto the next ProcessCommands flush.
	PrepareComputeSignature(data []byte) error

	// PrepareVerifySignature queues a generic signature verification.
	PrepareVerifySignature(data, signature []byte) error
}
