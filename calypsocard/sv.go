package calypsocard

// SvLogRecord is one Stored Value load or debit log entry. Load
// and debit logs share this shape; which ring buffer a record belongs to
// is determined by which method appended it.
type SvLogRecord struct {
	Amount  int32 // signed; debit logs carry a negative-sign convention at the caller's discretion
	Balance int32 // signed 24-bit balance snapshot after the operation
	Date    uint16
	Time    uint16
	Free    []byte
	KVC     byte
	SamID   uint32
	SvTNum  uint16
	SamTNum uint16
}

// SvState is the Stored Value purse state, defined only after a
// successful SV Get.
type SvState struct {
	valid      bool
	balance    int32 // signed 24-bit
	lastTNum   uint16
	loadLogs   []SvLogRecord // most recent first, capped at maxSvLogRecords
	debitLogs  []SvLogRecord
	lastGetReq []byte // retained for the crypto driver
	lastGetRsp []byte
}

// maxSvLogRecords bounds the ring buffers.
const maxSvLogRecords = 8

// IsValid reports whether SV Get has ever succeeded on this card image.
func (s *SvState) IsValid() bool { return s.valid }

// Balance returns the last observed SV balance.
func (s *SvState) Balance() int32 { return s.balance }

// LastTNum returns the last observed SV transaction number.
func (s *SvState) LastTNum() uint16 { return s.lastTNum }

// LoadLogs returns the retained load-log history, most recent first.
func (s *SvState) LoadLogs() []SvLogRecord {
	out := make([]SvLogRecord, len(s.loadLogs))
	copy(out, s.loadLogs)
	return out
}

// DebitLogs returns the retained debit-log history, most recent first.
func (s *SvState) DebitLogs() []SvLogRecord {
	out := make([]SvLogRecord, len(s.debitLogs))
	copy(out, s.debitLogs)
	return out
}

// LastGetData returns the raw SV Get request/response bytes the crypto
// driver needs to compute SV command security data.
func (s *SvState) LastGetData() (req, rsp []byte) {
	return s.lastGetReq, s.lastGetRsp
}

func (s *SvState) commitBalance(delta int32) {
	s.balance += delta
}

func (s *SvState) setFromGet(balance int32, tNum uint16, req, rsp []byte) {
	s.valid = true
	s.balance = balance
	s.lastTNum = tNum
	s.lastGetReq = append([]byte(nil), req...)
	s.lastGetRsp = append([]byte(nil), rsp...)
}

func (s *SvState) pushLoadLog(rec SvLogRecord) {
	s.loadLogs = append([]SvLogRecord{rec}, s.loadLogs...)
	if len(s.loadLogs) > maxSvLogRecords {
		s.loadLogs = s.loadLogs[:maxSvLogRecords]
	}
}

func (s *SvState) pushDebitLog(rec SvLogRecord) {
	s.debitLogs = append([]SvLogRecord{rec}, s.debitLogs...)
	if len(s.debitLogs) > maxSvLogRecords {
		s.debitLogs = s.debitLogs[:maxSvLogRecords]
	}
}

func (s *SvState) clone() *SvState {
	cp := *s
	cp.loadLogs = append([]SvLogRecord(nil), s.loadLogs...)
	cp.debitLogs = append([]SvLogRecord(nil), s.debitLogs...)
	cp.lastGetReq = append([]byte(nil), s.lastGetReq...)
	cp.lastGetRsp = append([]byte(nil), s.lastGetRsp...)
	return &cp
}
