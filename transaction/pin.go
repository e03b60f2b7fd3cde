package transaction

import (
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
	"github.com/1ph/calypsogo/command"
)

// ProcessVerifyPin presents pin to the card outside any Secure Session.
// In PLAIN mode the PIN is sent in clear, and only if the settings object
// also enables plain transmission (otherwise IllegalState); in ENCRYPTED
// mode a card challenge is fetched and the PIN is ciphered through the
// crypto driver.
func (t *Transaction) ProcessVerifyPin(pin []byte) error {
	if t.state != stateIdle {
		return calypsoerr.New(calypsoerr.IllegalState, "ProcessVerifyPin: transaction is %s, want IDLE", t.State())
	}
	if len(t.queue) > 0 {
		return calypsoerr.New(calypsoerr.IllegalState, "ProcessVerifyPin: prepared command queue must be empty, has %d pending", len(t.queue))
	}
	cmd := &command.VerifyPin{}
	if t.settings.pinTransmissionMode == PinTransmissionModePlain {
		if !t.settings.isPinPlainTransmissionEnabled {
			return calypsoerr.New(calypsoerr.IllegalState, "ProcessVerifyPin: plain PIN transmission is not enabled in settings")
		}
		cmd.PlainPin = pin
	} else {
		challenge, kif, kvc, err := t.fetchChallengeForCiphering(t.settings.pinVerificationKey)
		if err != nil {
			return err
		}
		block, err := t.crypto.CipherPinForPresentation(challenge, pin, kif, kvc)
		if err != nil {
			return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "ProcessVerifyPin: CipherPinForPresentation")
		}
		cmd.Encrypted = true
		cmd.CipherBlock = block
	}
	return t.transmitStandalone(cmd)
}

// ProcessChangePin replaces the PIN outside any Secure Session. CHANGE PIN has no plain-transmission path; a card
// challenge is always fetched and the new PIN is always ciphered.
func (t *Transaction) ProcessChangePin(newPin []byte) error {
	if t.state != stateIdle {
		return calypsoerr.New(calypsoerr.IllegalState, "ProcessChangePin: transaction is %s, want IDLE", t.State())
	}
	challenge, kif, kvc, err := t.fetchChallengeForCiphering(t.settings.pinModificationKey)
	if err != nil {
		return err
	}
	block, err := t.crypto.CipherPinForModification(challenge, nil, newPin, kif, kvc)
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "ProcessChangePin: CipherPinForModification")
	}
	cmd := &command.ChangePin{Encrypted: true, CipherBlock: block}
	return t.transmitStandalone(cmd)
}

// ProcessChangeKey replaces one of the card's session keys outside any
// Secure Session. issuerKif/issuerKvc identify the key presently authorized to
// sign the change; newKif/newKvc identify the replacement.
func (t *Transaction) ProcessChangeKey(keyIndex, issuerKif, issuerKvc, newKif, newKvc byte) error {
	if t.state != stateIdle {
		return calypsoerr.New(calypsoerr.IllegalState, "ProcessChangeKey: transaction is %s, want IDLE", t.State())
	}
	if t.card.ProductType == calypsocard.ProductBasic {
		return calypsoerr.New(calypsoerr.UnsupportedOperation, "ProcessChangeKey: not available on BASIC product cards")
	}
	challenge, _, _, err := t.fetchChallengeForCiphering(nil)
	if err != nil {
		return err
	}
	cipheredKey, err := t.crypto.GenerateCipheredCardKey(challenge, issuerKif, issuerKvc, newKif, newKvc)
	if err != nil {
		return calypsoerr.Wrap(calypsoerr.ReaderIO, err, "ProcessChangeKey: GenerateCipheredCardKey")
	}
	cmd := &command.ChangeKey{KeyIndex: keyIndex, CipheredKey: cipheredKey}
	return t.transmitStandalone(cmd)
}

// fetchChallengeForCiphering issues a standalone GET CHALLENGE and resolves
// the KIF/KVC to cipher against: the explicit key configured in settings, or
// 00h/00h when key is nil.
func (t *Transaction) fetchChallengeForCiphering(key *keyPair) ([]byte, byte, byte, error) {
	extended := t.card.IsExtendedModeSupported && t.crypto.IsExtendedModeSupported()
	getChallenge := &command.GetChallenge{Extended: extended}
	resp, audit, err := t.transmitOne(getChallenge.BuildRequest(t.class()))
	if err != nil {
		return nil, 0, 0, err
	}
	if perr := getChallenge.ParseResponse(t.card, resp); perr != nil {
		return nil, 0, 0, decorateParseError(perr, audit)
	}
	if key == nil {
		return t.card.RunningCardChallenge, 0, 0, nil
	}
	return t.card.RunningCardChallenge, key.Kif, key.Kvc, nil
}

// transmitStandalone sends a single out-of-session APDU and parses its
// response, without touching the prepared-command queue.
func (t *Transaction) transmitStandalone(cmd command.Command) error {
	resp, audit, err := t.transmitOne(cmd.BuildRequest(t.class()))
	if err != nil {
		return err
	}
	if perr := cmd.ParseResponse(t.card, resp); perr != nil {
		return decorateParseError(perr, audit)
	}
	return nil
}
