// Package audit renders a Transaction's card image and exchange audit
// trail as terminal tables, for the demo CLI and for ad hoc debugging.
package audit

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/calypsoerr"
)

var (
	colorHeader  = text.Colors{text.FgCyan, text.Bold}
	colorLabel   = text.Colors{text.FgYellow}
	colorValue   = text.Colors{text.FgWhite}
	colorSuccess = text.Colors{text.FgGreen}
	colorError   = text.Colors{text.FgRed}
	colorWarn    = text.Colors{text.FgYellow}
)

func getTableStyle() table.Style {
	style := table.StyleRounded
	style.Color.Header = colorHeader
	style.Color.Row = text.Colors{text.FgWhite}
	style.Color.RowAlternate = text.Colors{text.FgHiWhite}
	style.Options.SeparateRows = false
	return style
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(getTableStyle())
	t.Style().Options.SeparateRows = false
	return t
}

// PrintCardImage renders the card's identity, product/class, session-buffer
// state, and invalidation/ratification flags.
func PrintCardImage(card *calypsocard.CardImage) {
	fmt.Println()
	t := newTable()
	t.SetTitle("CALYPSO CARD IMAGE")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 24},
		{Number: 2, Colors: colorValue, WidthMin: 40},
	})

	t.AppendRow(table.Row{"Product Type", card.ProductType})
	t.AppendRow(table.Row{"Class Byte", fmt.Sprintf("%02X", card.ClassByte)})
	t.AppendRow(table.Row{"AID", fmt.Sprintf("%X", card.AID)})
	t.AppendRow(table.Row{"Serial Number", fmt.Sprintf("%X", card.SerialNumber)})
	t.AppendRow(table.Row{"Extended Mode", yesNo(card.IsExtendedModeSupported)})
	t.AppendRow(table.Row{"Modifications Counter", fmt.Sprintf("%d / %d", card.ModificationsCounter, card.ModificationsCounterMax)})
	t.AppendRow(table.Row{"DF Invalidated", yesNo(card.IsDfInvalidated)})
	t.AppendRow(table.Row{"DF Ratified", yesNo(card.IsDfRatified)})
	if n, ok := card.Pin.AttemptsRemaining(); ok {
		t.AppendRow(table.Row{"PIN Attempts Remaining", n})
	}
	if card.Pin.IsBlocked() {
		t.AppendRow(table.Row{"PIN Status", colorError.Sprint("BLOCKED")})
	}
	if card.SV.IsValid() {
		t.AppendRow(table.Row{"SV Balance", card.SV.Balance()})
		t.AppendRow(table.Row{"SV Last TNum", card.SV.LastTNum()})
	}
	t.Render()
}

// PrintExchanges renders the ordered request/response audit trail attached
// to a *calypsoerr.TransactionError, or collected directly from a
// Transaction during development.
func PrintExchanges(exchanges []calypsoerr.Exchange) {
	fmt.Println()
	t := newTable()
	t.SetTitle("APDU EXCHANGE TRAIL")
	t.AppendHeader(table.Row{"#", "Request", "Response"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 4},
		{Number: 2, Colors: colorValue, WidthMax: 60},
		{Number: 3, Colors: colorValue, WidthMax: 60},
	})

	if len(exchanges) == 0 {
		t.AppendRow(table.Row{"-", "(none)", "-"})
	} else {
		for i, ex := range exchanges {
			t.AppendRow(table.Row{i + 1, fmt.Sprintf("%X", ex.Request), fmt.Sprintf("%X", ex.Response)})
		}
	}
	t.Render()
}

// PrintTransactionError renders a *calypsoerr.TransactionError's kind,
// message, and audit trail (if any), falling back to a plain error line for
// anything else.
func PrintTransactionError(err error) {
	if err == nil {
		return
	}
	te, ok := err.(*calypsoerr.TransactionError)
	if !ok {
		PrintError(err.Error())
		return
	}
	fmt.Println()
	t := newTable()
	t.SetTitle("TRANSACTION ERROR")
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Colors: colorLabel, WidthMin: 12},
		{Number: 2, Colors: colorValue, WidthMin: 50},
	})
	t.AppendRow(table.Row{"Kind", te.Kind.String()})
	t.AppendRow(table.Row{"Message", te.Message})
	if te.Cause != nil {
		t.AppendRow(table.Row{"Cause", te.Cause.Error()})
	}
	t.Render()
	if len(te.Audit) > 0 {
		PrintExchanges(te.Audit)
	}
}

func PrintError(msg string) {
	fmt.Println(colorError.Sprintf("✗ Error: %s", msg))
}

func PrintSuccess(msg string) {
	fmt.Println(colorSuccess.Sprintf("✓ %s", msg))
}

func PrintWarning(msg string) {
	fmt.Println(colorWarn.Sprintf("⚠ %s", msg))
}

func yesNo(b bool) string {
	if b {
		return colorSuccess.Sprint("yes")
	}
	return "no"
}
