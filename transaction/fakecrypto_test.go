package transaction

import "hash/fnv"

// fakeDriver is a scripted cryptosession.Driver double: it does not
// implement any real symmetric algorithm, it only accumulates the MAC
// stream deterministically so tests can assert on call order, and lets the
// test script the verify outcomes directly instead of computing a real SAM
// response.
type fakeDriver struct {
	extended bool

	challenge []byte
	mac       []byte // accumulated stream, for ordering assertions

	verifySessionMacErr error
	verifySvMacErr      error

	cipherPinPresentation []byte
	cipherPinModification []byte
	cipheredKey           []byte
	svSecurityData        []byte

	initCalls   int
	updateCalls [][]byte
	finalizeErr error

	processCommandsErr error
	preparedSignatures  [][]byte
	verifiedSignatures  [][2][]byte
}

func newFakeDriver(extended bool) *fakeDriver {
	return &fakeDriver{extended: extended, challenge: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
}

func (d *fakeDriver) InitTerminalSecureSessionContext() ([]byte, error) {
	d.mac = nil
	n := 4
	if d.extended {
		n = 8
	}
	return append([]byte(nil), d.challenge[:n]...), nil
}

func (d *fakeDriver) InitTerminalSessionMac(openResponseData []byte, kif, kvc byte) error {
	d.initCalls++
	d.mac = append(d.mac, openResponseData...)
	return nil
}

func (d *fakeDriver) UpdateTerminalSessionMac(data []byte) error {
	d.updateCalls = append(d.updateCalls, append([]byte(nil), data...))
	d.mac = append(d.mac, data...)
	return nil
}

func (d *fakeDriver) FinalizeTerminalSessionMac() ([]byte, error) {
	if d.finalizeErr != nil {
		return nil, d.finalizeErr
	}
	h := fnv.New32a()
	h.Write(d.mac)
	sum := h.Sum32()
	sig := []byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
	if d.extended {
		sig = append(sig, sig...)
	}
	return sig, nil
}

func (d *fakeDriver) VerifyCardSessionMac(cardSignature []byte) error { return d.verifySessionMacErr }
func (d *fakeDriver) VerifyCardSvMac(postponedData []byte) error     { return d.verifySvMacErr }

func (d *fakeDriver) CipherPinForPresentation(cardChallenge, pin []byte, kif, kvc byte) ([]byte, error) {
	return d.cipherPinPresentation, nil
}

func (d *fakeDriver) CipherPinForModification(cardChallenge, currentPin, newPin []byte, kif, kvc byte) ([]byte, error) {
	return d.cipherPinModification, nil
}

func (d *fakeDriver) GenerateCipheredCardKey(cardChallenge []byte, issuerKif, issuerKvc, newKif, newKvc byte) ([]byte, error) {
	return d.cipheredKey, nil
}

func (d *fakeDriver) GenerateSvCommandSecurityData(svGetRequest, svGetResponse, svCommandPartial []byte) ([]byte, error) {
	return d.svSecurityData, nil
}

func (d *fakeDriver) SetDefaultKeyDiversifier(serialNumberFull []byte) {}
func (d *fakeDriver) SetTransactionAuditData(record []byte)           {}
func (d *fakeDriver) EnableCardExtendedMode()                         { d.extended = true }
func (d *fakeDriver) IsExtendedModeSupported() bool                   { return d.extended }

func (d *fakeDriver) ProcessCommands() error { return d.processCommandsErr }

func (d *fakeDriver) PrepareComputeSignature(data []byte) error {
	d.preparedSignatures = append(d.preparedSignatures, data)
	return nil
}

func (d *fakeDriver) PrepareVerifySignature(data, signature []byte) error {
	d.verifiedSignatures = append(d.verifiedSignatures, [2][]byte{data, signature})
	return nil
}
