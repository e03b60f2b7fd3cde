package command

import (
	"github.com/1ph/calypsogo/apdu"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

// SearchRecordMultiple scans an EF's records for one matching searchData
// under mask starting at StartRecord, PRIME_REVISION_3 only. The response carries the list of matching
// record numbers and the content of the first matching record.
type SearchRecordMultiple struct {
	SFI          byte
	StartRecord  int
	Offset       int
	SearchData   []byte
	Mask         []byte
	FetchContent bool

	lastResult *SearchRecordMultipleResult
}

// SearchRecordMultipleResult is the decoded response: every matching record
// number, and the content of the first match if FetchContent was set.
type SearchRecordMultipleResult struct {
	MatchingRecords []int
	FirstMatch      []byte
}

func (c *SearchRecordMultiple) Kind() Kind { return KindSearchRecordMultiple }

func (c *SearchRecordMultiple) BuildRequest(class apdu.Class) *apdu.Request {
	p2 := c.SFI<<3 | 0x04
	if c.FetchContent {
		p2 |= 0x01
	}
	data := make([]byte, 0, 2+len(c.SearchData)+len(c.Mask))
	data = append(data, byte(c.Offset), byte(len(c.SearchData)))
	data = append(data, c.SearchData...)
	data = append(data, c.Mask...)
	return &apdu.Request{CLA: byte(class), INS: insSearchRecordMulti, P1: byte(c.StartRecord), P2: p2, Data: data, Le: apdu.Le(0)}
}

func (c *SearchRecordMultiple) ParseResponse(img *calypsocard.CardImage, resp *apdu.Response) error {
	if !resp.IsSuccess() {
		return calypsoerr.New(calypsoerr.UnexpectedCommandStatus, "SearchRecordMultiple(sfi=%02X): %s", c.SFI, resp.SWOf())
	}
	data := resp.Data
	if len(data) == 0 {
		return calypsoerr.New(calypsoerr.InconsistentData, "SearchRecordMultiple: empty response")
	}
	n := int(data[0])
	data = data[1:]
	if len(data) < n {
		return calypsoerr.New(calypsoerr.InconsistentData, "SearchRecordMultiple: truncated match list")
	}
	result := &SearchRecordMultipleResult{}
	for i := 0; i < n; i++ {
		result.MatchingRecords = append(result.MatchingRecords, int(data[i]))
	}
	data = data[n:]
	if c.FetchContent && len(data) > 0 && len(result.MatchingRecords) > 0 {
		result.FirstMatch = append([]byte(nil), data...)
		ef := img.PutFile(calypsocard.FileHeader{SFI: c.SFI, Type: calypsocard.FileTypeLinear, RecordSize: len(data)})
		ef.Data.SetRecord(result.MatchingRecords[0], data)
	}
	c.lastResult = result
	return nil
}

// Result returns the decoded match list after ParseResponse has run; the
// match-number list has no home in the card image, unlike file content.
func (c *SearchRecordMultiple) Result() *SearchRecordMultipleResult { return c.lastResult }

func (c *SearchRecordMultiple) IsSessionBufferUsed() bool                  { return false }
func (c *SearchRecordMultiple) Cost(unit calypsocard.ModificationUnit) int { return 0 }
