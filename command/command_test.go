package command

import (
	"reflect"
	"testing"

	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
)

func TestReadRecord_BuildAndParse(t *testing.T) {
	c := &ReadRecord{SFI: 0x07, RecordNo: 1, RecordSize: 4}
	req := c.BuildRequest(apdu.ClassISO)
	want := []byte{0x00, 0xB2, 0x01, 0x07<<3 | 0x04, 0x00}
	if got := req.Bytes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildRequest() = %X, want %X", got, want)
	}

	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	resp := &apdu.Response{Data: []byte{0x11, 0x22, 0x33, 0x44}, SW1: 0x90, SW2: 0x00}
	if err := c.ParseResponse(img, resp); err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	rec, err := img.RecordContent(0x07, 1)
	if err != nil {
		t.Fatalf("RecordContent() error = %v", err)
	}
	if !reflect.DeepEqual(rec, resp.Data) {
		t.Errorf("RecordContent() = %X, want %X", rec, resp.Data)
	}
}

func TestReadRecord_RecordNotFound_IsCardDataAccessError(t *testing.T) {
	c := &ReadRecord{SFI: 0x07, RecordNo: 9}
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	resp := &apdu.Response{SW1: 0x6A, SW2: 0x83}
	err := c.ParseResponse(img, resp)
	if err == nil {
		t.Fatal("expected error for record-not-found response")
	}
	if !resp.SWOf().IsCardDataAccessError() {
		t.Error("expected SW 6A83 to be classified as a card data access error")
	}
}

func TestUpdateRecord_AnticipatedResponse(t *testing.T) {
	c := &UpdateRecord{SFI: 0x08, RecordNo: 1, Data: []byte{0x11, 0x22, 0x33, 0x44}}
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	resp, err := c.AnticipatedResponse(img)
	if err != nil {
		t.Fatalf("AnticipatedResponse() error = %v", err)
	}
	if !resp.IsSuccess() || len(resp.Data) != 0 {
		t.Errorf("AnticipatedResponse() = %+v, want empty 9000h", resp)
	}
	if cost := c.Cost(calypsocard.ModificationUnitBytes); cost != 5 {
		t.Errorf("Cost() = %d, want 5 (4 data bytes + 1)", cost)
	}
	if cost := c.Cost(calypsocard.ModificationUnitCommands); cost != 1 {
		t.Errorf("Cost() in command-unit mode = %d, want 1", cost)
	}
}

func TestIncrease_AnticipatedResponse_ReadsCurrentValue(t *testing.T) {
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	ef := img.PutFile(calypsocard.FileHeader{SFI: 0x09, Type: calypsocard.FileTypeCounters})
	ef.Data.SetCounter(1, 100)

	c := &Increase{SFI: 0x09, Counter: 1, Amount: 5}
	resp, err := c.AnticipatedResponse(img)
	if err != nil {
		t.Fatalf("AnticipatedResponse() error = %v", err)
	}
	if !resp.IsSuccess() {
		t.Fatalf("expected success response, got %+v", resp)
	}
	if got := parseThreeBytes(resp.Data); got != 105 {
		t.Errorf("anticipated new value = %d, want 105", got)
	}
}

func TestIncrease_AnticipatedResponse_UnknownCounterIsIllegalState(t *testing.T) {
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	c := &Increase{SFI: 0x09, Counter: 1, Amount: 5}
	if _, err := c.AnticipatedResponse(img); err == nil {
		t.Fatal("expected error for unknown counter")
	}
}

func TestDecrease_AnticipatedResponse_Postponed(t *testing.T) {
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	ef := img.PutFile(calypsocard.FileHeader{SFI: 0x09, Type: calypsocard.FileTypeCounters})
	ef.Data.SetCounter(1, 100)
	img.IsCounterValuePostponed = true

	c := &Decrease{SFI: 0x09, Counter: 1, Amount: 5}
	resp, err := c.AnticipatedResponse(img)
	if err != nil {
		t.Fatalf("AnticipatedResponse() error = %v", err)
	}
	if resp.SWOf() != apdu.SWPostponedData {
		t.Errorf("expected postponed SW, got %s", resp.SWOf())
	}
}

func TestOpenSession_ParseResponse_FoldedRecord(t *testing.T) {
	c := &OpenSession{AccessLevel: calypsocard.AccessLevelDebit, FoldedSFI: 0x07, FoldedRecordNo: 1}
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)

	data := append([]byte{0x01, 0x7A, 0xAA, 0xBB, 0xCC, 0xDD}, []byte{0x11, 0x22, 0x33, 0x44}...)
	resp := &apdu.Response{Data: data, SW1: 0x90, SW2: 0x00}
	if err := c.ParseResponse(img, resp); err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if !img.IsDfRatified {
		t.Error("expected ratification bit set")
	}
	rec, err := img.RecordContent(0x07, 1)
	if err != nil {
		t.Fatalf("RecordContent() error = %v", err)
	}
	if !reflect.DeepEqual(rec, []byte{0x11, 0x22, 0x33, 0x44}) {
		t.Errorf("folded record = %X, want 11223344", rec)
	}
}

func TestCloseSession_ParseResponse_ExtendedPostponedData(t *testing.T) {
	c := &CloseSession{Extended: true}
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	mac := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data := append(append([]byte(nil), mac...), 0x01, 0x02, 0xAA, 0xBB)
	resp := &apdu.Response{Data: data, SW1: 0x90, SW2: 0x00}
	if err := c.ParseResponse(img, resp); err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	result, err := ParseCloseSessionResponse(data, true)
	if err != nil {
		t.Fatalf("ParseCloseSessionResponse() error = %v", err)
	}
	if !reflect.DeepEqual(result.CardSignature, mac) {
		t.Errorf("CardSignature = %X, want %X", result.CardSignature, mac)
	}
	if len(result.PostponedData) != 1 || !reflect.DeepEqual(result.PostponedData[0], []byte{0xAA, 0xBB}) {
		t.Errorf("PostponedData = %v, want [[AA BB]]", result.PostponedData)
	}
}

func TestSvGet_RecordsBalanceAndRequest(t *testing.T) {
	c := &SvGet{Operation: SvOperationDebit}
	req := c.BuildRequest(apdu.ClassISO)
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)

	data := []byte{0x00, 0x00, 0x64, 0x00, 0x05}
	resp := &apdu.Response{Data: data, SW1: 0x90, SW2: 0x00}
	if err := c.ParseResponse(img, resp); err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if img.SV.Balance() != 100 {
		t.Errorf("Balance() = %d, want 100", img.SV.Balance())
	}
	if img.SV.LastTNum() != 5 {
		t.Errorf("LastTNum() = %d, want 5", img.SV.LastTNum())
	}
	gotReq, gotRsp := img.SV.LastGetData()
	if !reflect.DeepEqual(gotReq, req.Bytes()) {
		t.Errorf("retained SV Get request = %X, want %X", gotReq, req.Bytes())
	}
	if !reflect.DeepEqual(gotRsp, data) {
		t.Errorf("retained SV Get response = %X, want %X", gotRsp, data)
	}
}

func TestSvDebit_ExpectsPostponedData(t *testing.T) {
	c := NewSvDebit(2, 0, 0)
	c.SetSecurityData([]byte{0x01, 0x02, 0x03, 0x04})
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)

	resp, err := c.AnticipatedResponse(img)
	if err != nil {
		t.Fatalf("AnticipatedResponse() error = %v", err)
	}
	if resp.SWOf() != apdu.SWPostponedData {
		t.Errorf("expected postponed SW, got %s", resp.SWOf())
	}

	if err := c.ParseResponse(img, &apdu.Response{SW1: 0x62, SW2: 0x00}); err != nil {
		t.Errorf("ParseResponse() error = %v, want nil for 6200h", err)
	}
	if err := c.ParseResponse(img, &apdu.Response{SW1: 0x90, SW2: 0x00}); err == nil {
		t.Error("expected error: SvDebit must return 6200h, not 9000h")
	}
}

func TestDecodeEFListPayload(t *testing.T) {
	entry := make([]byte, efListEntrySize)
	entry[0] = 0x07                     // SFI
	entry[1], entry[2] = 0x20, 0x07     // LID
	entry[3] = byte(calypsocard.FileTypeLinear)
	entry[4], entry[5] = 0x00, 0x1D // recordSize = 29
	entry[6], entry[7] = 0x00, 0x03 // recordsNumber = 3

	headers, err := DecodeEFListPayload(entry)
	if err != nil {
		t.Fatalf("DecodeEFListPayload() error = %v", err)
	}
	if len(headers) != 1 {
		t.Fatalf("len(headers) = %d, want 1", len(headers))
	}
	h := headers[0]
	if h.SFI != 0x07 || h.LID != 0x2007 || h.RecordSize != 29 || h.RecordsNumber != 3 {
		t.Errorf("decoded header = %+v, unexpected", h)
	}
}

func TestVerifyPin_StatusWordTransitions(t *testing.T) {
	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	c := &VerifyPin{Encrypted: false, PlainPin: []byte{1, 2, 3, 4}}

	if err := c.ParseResponse(img, &apdu.Response{SW1: 0x90, SW2: 0x00}); err != nil {
		t.Fatalf("ParseResponse(9000h) error = %v", err)
	}
	if n, ok := img.Pin.AttemptsRemaining(); !ok || n != calypsocard.DefaultPinAttempts {
		t.Errorf("attempts after success = %d,%v want %d,true", n, ok, calypsocard.DefaultPinAttempts)
	}

	if err := c.ParseResponse(img, &apdu.Response{SW1: 0x63, SW2: 0xC2}); err == nil {
		t.Fatal("expected error for 63C2h")
	}
	if n, ok := img.Pin.AttemptsRemaining(); !ok || n != 2 {
		t.Errorf("attempts after 63C2h = %d,%v want 2,true", n, ok)
	}

	if err := c.ParseResponse(img, &apdu.Response{SW1: 0x69, SW2: 0x83}); err == nil {
		t.Fatal("expected error for 6983h")
	}
	if !img.Pin.IsBlocked() {
		t.Error("expected PIN blocked after 6983h")
	}
}

func TestReadBinary_BuildAndParse(t *testing.T) {
	c := &ReadBinary{SFI: 0x07, Offset: 260, Length: 4}
	req := c.BuildRequest(apdu.ClassISO)
	wantP1 := byte(0x07<<3 | (260>>8)&0x07)
	if req.P1 != wantP1 || req.P2 != byte(260&0xFF) {
		t.Fatalf("BuildRequest() P1/P2 = %02X/%02X, want %02X/%02X", req.P1, req.P2, wantP1, byte(260&0xFF))
	}

	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	resp := &apdu.Response{Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}, SW1: 0x90, SW2: 0x00}
	if err := c.ParseResponse(img, resp); err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	ef, ok := img.FileBySFI(0x07)
	if !ok {
		t.Fatalf("expected EF 07h to be created")
	}
	content := ef.Data.Content()
	if got := content[260:264]; !reflect.DeepEqual(got, resp.Data) {
		t.Errorf("Content()[260:264] = %X, want %X", got, resp.Data)
	}
}

func TestSelectBinaryFile_BuildRequest(t *testing.T) {
	c := &SelectBinaryFile{SFI: 0x07}
	req := c.BuildRequest(apdu.ClassISO)
	want := []byte{0x00, 0xB0, 0x07 << 3, 0x00, 0x01}
	if got := req.Bytes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("BuildRequest() = %X, want %X", got, want)
	}
}

func TestReadRecordMultiple_BuildAndParse(t *testing.T) {
	c := &ReadRecordMultiple{SFI: 0x08, FromRecord: 1, NbRecords: 3, RecordSize: 4}
	req := c.BuildRequest(apdu.ClassISO)
	if req.P1 != 1 || req.P2 != 0x08<<3|0x05 {
		t.Fatalf("BuildRequest() P1/P2 = %02X/%02X, want 01/%02X", req.P1, req.P2, byte(0x08<<3|0x05))
	}

	img := calypsocard.NewCardImage(calypsocard.ProductPrimeRevision3, 0x00, nil)
	resp := &apdu.Response{
		Data: []byte{
			1, 2, 0x11, 0x22,
			2, 2, 0x33, 0x44,
		},
		SW1: 0x90, SW2: 0x00,
	}
	if err := c.ParseResponse(img, resp); err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	rec1, err := img.RecordContent(0x08, 1)
	if err != nil || !reflect.DeepEqual(rec1, []byte{0x11, 0x22}) {
		t.Errorf("RecordContent(1) = %X, %v, want 1122", rec1, err)
	}
	rec2, err := img.RecordContent(0x08, 2)
	if err != nil || !reflect.DeepEqual(rec2, []byte{0x33, 0x44}) {
		t.Errorf("RecordContent(2) = %X, %v, want 3344", rec2, err)
	}
}

func TestReadRecordMultiple_PartialFraming(t *testing.T) {
	c := &ReadRecordMultiple{SFI: 0x08, FromRecord: 1, NbRecords: 2, RecordSize: 29, Offset: 5, PartialSize: 3}
	req := c.BuildRequest(apdu.ClassISO)
	if !reflect.DeepEqual(req.Data, []byte{5, 3}) {
		t.Fatalf("BuildRequest() Data = %X, want [05 03]", req.Data)
	}
}
