package apdu

import (
	"reflect"
	"testing"
)

func TestResponse_IsSuccess(t *testing.T) {
	tests := []struct {
		name string
		sw1  byte
		sw2  byte
		want bool
	}{
		{"9000 OK", 0x90, 0x00, true},
		{"6200 postponed", 0x62, 0x00, false},
		{"6A82 file not found", 0x6A, 0x82, false},
		{"6983 blocked", 0x69, 0x83, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := &Response{SW1: tc.sw1, SW2: tc.sw2}
			if got := resp.IsSuccess(); got != tc.want {
				t.Errorf("IsSuccess() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte{0x11, 0x22, 0x33, 0x90, 0x00})
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if !reflect.DeepEqual(resp.Data, []byte{0x11, 0x22, 0x33}) {
		t.Errorf("Data = %X, want 112233", resp.Data)
	}
	if resp.SWOf() != SWOK {
		t.Errorf("SW = %04X, want 9000", resp.SWOf())
	}
}

func TestParseResponse_TooShort(t *testing.T) {
	if _, err := ParseResponse([]byte{0x90}); err == nil {
		t.Fatal("expected error for 1-byte response")
	}
}

func TestRequest_Bytes(t *testing.T) {
	le := Le(0x00)
	req := &Request{CLA: 0x00, INS: 0xB2, P1: 0x01, P2: 0x3C, Le: le}
	want := []byte{0x00, 0xB2, 0x01, 0x3C, 0x00}
	if got := req.Bytes(); !reflect.DeepEqual(got, want) {
		t.Errorf("Bytes() = %X, want %X", got, want)
	}
}

func TestRequest_Bytes_WithData(t *testing.T) {
	req := &Request{CLA: 0x00, INS: 0xDC, P1: 0x01, P2: 0x04, Data: []byte{0x11, 0x22, 0x33, 0x44}}
	want := []byte{0x00, 0xDC, 0x01, 0x04, 0x04, 0x11, 0x22, 0x33, 0x44}
	if got := req.Bytes(); !reflect.DeepEqual(got, want) {
		t.Errorf("Bytes() = %X, want %X", got, want)
	}
}

func TestSW_IsCardDataAccessError(t *testing.T) {
	tests := []struct {
		sw   SW
		want bool
	}{
		{SWFileNotFound, true},
		{SWRecordNotFound, true},
		{SWOK, false},
		{SWConditionsNotSatisfied, false},
	}
	for _, tc := range tests {
		if got := tc.sw.IsCardDataAccessError(); got != tc.want {
			t.Errorf("%04X.IsCardDataAccessError() = %v, want %v", uint16(tc.sw), got, tc.want)
		}
	}
}

func TestSW_String_PinAttempts(t *testing.T) {
	sw := SW(0x63C2)
	got := sw.String()
	want := "PIN verification failed, 2 attempt(s) remaining"
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestDecodeATR_ClassForATR(t *testing.T) {
	// ISO category indicator (0x80) in the first historical byte.
	raw := []byte{0x3B, 0x08, 0x80, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x90, 0x00}
	atr, err := DecodeATR(raw)
	if err != nil {
		t.Fatalf("DecodeATR() error = %v", err)
	}
	if got := atr.ClassForATR(); got != ClassISO {
		t.Errorf("ClassForATR() = %02X, want ISO (00h)", byte(got))
	}
}

func TestDecodeATR_TooShort(t *testing.T) {
	if _, err := DecodeATR([]byte{0x3B}); err == nil {
		t.Fatal("expected error for 1-byte ATR")
	}
}
