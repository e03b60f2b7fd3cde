// Package transaction implements the Transaction Manager: the state
// machine that batches prepared commands, opens/closes Secure Sessions,
// splits work across atomic sub-sessions when the card's modifications
// buffer would overflow, anticipates card responses for SAM MAC
// computation, and reconciles actual responses with card state.
package transaction

import "github.com/1ph/calypsogo/calypsocard"

// ModificationMode selects whether a session-buffer overflow fails outright
// or triggers a multi-session split.
type ModificationMode int

const (
	ModificationModeAtomic ModificationMode = iota
	ModificationModeMultiple
)

// RatificationMode selects whether Close Session asks the card to ratify
// immediately or waits for the deselect/explicit-ratification path.
type RatificationMode int

const (
	RatificationModeCloseRatified RatificationMode = iota
	RatificationModeCloseNotRatified
)

// PinTransmissionMode selects plain or SAM-ciphered PIN transport.
type PinTransmissionMode int

const (
	PinTransmissionModePlain PinTransmissionMode = iota
	PinTransmissionModeEncrypted
)

// keyPair is a (KIF, KVC) pair; a nil *keyPair in a per-level slot means
// "not configured".
type keyPair struct {
	Kif, Kvc byte
}

// SecuritySetting is the immutable value object describing authorized
// keys, session modification mode, ratification, PIN/SV rules.
// It is built once via NewSecuritySetting and a chain of With* calls and
// never mutated again.
type SecuritySetting struct {
	samProfileName          string
	sessionModificationMode ModificationMode
	ratificationMode        RatificationMode
	pinTransmissionMode     PinTransmissionMode

	defaultKeys [3]*keyPair // indexed by AccessLevel

	authorizedKvcList     map[byte]bool // empty ⇒ allow all
	authorizedSessionKeys map[[2]byte]bool
	authorizedSvKeys      map[[2]byte]bool

	pinVerificationKey  *keyPair
	pinModificationKey  *keyPair

	isLoadAndDebitSvLogEnabled    bool
	isSvNegativeBalanceAuthorized bool
	isPinPlainTransmissionEnabled bool
	isRatificationMechanismEnabled bool
	isMultipleSessionEnabled      bool
}

// NewSecuritySetting returns an empty settings object; every optional rule
// defaults to its most restrictive value (no authorized keys, ATOMIC mode,
// PLAIN PIN transmission disabled by default).
func NewSecuritySetting(samProfileName string) *SecuritySetting {
	return &SecuritySetting{
		samProfileName:        samProfileName,
		authorizedKvcList:     make(map[byte]bool),
		authorizedSessionKeys: make(map[[2]byte]bool),
		authorizedSvKeys:      make(map[[2]byte]bool),
	}
}

func (s *SecuritySetting) WithSessionModificationMode(m ModificationMode) *SecuritySetting {
	s.sessionModificationMode = m
	s.isMultipleSessionEnabled = m == ModificationModeMultiple
	return s
}

func (s *SecuritySetting) WithRatificationMode(m RatificationMode) *SecuritySetting {
	s.ratificationMode = m
	return s
}

func (s *SecuritySetting) WithPinTransmissionMode(m PinTransmissionMode) *SecuritySetting {
	s.pinTransmissionMode = m
	return s
}

// WithDefaultKeyForLevel sets the fallback KIF/KVC used when the Open
// Secure Session response omits one. There is no
// built-in default: callers that skip this call leave the slot nil and an
// Open Secure Session that needs it fails UnauthorizedKey.
func (s *SecuritySetting) WithDefaultKeyForLevel(level calypsocard.AccessLevel, kif, kvc byte) *SecuritySetting {
	s.defaultKeys[int(level)] = &keyPair{Kif: kif, Kvc: kvc}
	return s
}

func (s *SecuritySetting) WithAuthorizedKvc(kvc byte) *SecuritySetting {
	s.authorizedKvcList[kvc] = true
	return s
}

func (s *SecuritySetting) WithAuthorizedSessionKey(kif, kvc byte) *SecuritySetting {
	s.authorizedSessionKeys[[2]byte{kif, kvc}] = true
	return s
}

func (s *SecuritySetting) WithAuthorizedSvKey(kif, kvc byte) *SecuritySetting {
	s.authorizedSvKeys[[2]byte{kif, kvc}] = true
	return s
}

func (s *SecuritySetting) WithPinVerificationCipheringKey(kif, kvc byte) *SecuritySetting {
	s.pinVerificationKey = &keyPair{Kif: kif, Kvc: kvc}
	return s
}

func (s *SecuritySetting) WithPinModificationCipheringKey(kif, kvc byte) *SecuritySetting {
	s.pinModificationKey = &keyPair{Kif: kif, Kvc: kvc}
	return s
}

func (s *SecuritySetting) WithLoadAndDebitSvLogEnabled() *SecuritySetting {
	s.isLoadAndDebitSvLogEnabled = true
	return s
}

func (s *SecuritySetting) WithSvNegativeBalanceAuthorized() *SecuritySetting {
	s.isSvNegativeBalanceAuthorized = true
	return s
}

func (s *SecuritySetting) WithPinPlainTransmissionEnabled() *SecuritySetting {
	s.isPinPlainTransmissionEnabled = true
	return s
}

func (s *SecuritySetting) WithRatificationMechanismEnabled() *SecuritySetting {
	s.isRatificationMechanismEnabled = true
	return s
}

// defaultKif/defaultKvc read back a configured default, or (0, false) if
// the caller never set one for this level.
func (s *SecuritySetting) defaultKif(level calypsocard.AccessLevel) (byte, bool) {
	kp := s.defaultKeys[int(level)]
	if kp == nil {
		return 0, false
	}
	return kp.Kif, true
}

func (s *SecuritySetting) defaultKvc(level calypsocard.AccessLevel) (byte, bool) {
	kp := s.defaultKeys[int(level)]
	if kp == nil {
		return 0, false
	}
	return kp.Kvc, true
}

func (s *SecuritySetting) isSessionKeyAuthorized(kif, kvc byte) bool {
	if len(s.authorizedKvcList) > 0 && !s.authorizedKvcList[kvc] {
		return false
	}
	if len(s.authorizedSessionKeys) == 0 {
		return false
	}
	return s.authorizedSessionKeys[[2]byte{kif, kvc}]
}
