package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1ph/calypsogo/audit"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/transaction"
)

var (
	writeSFI      uint8
	writeRecordNo int
	writeDataHex  string
	writeAppend   bool
	writeLevel    string
	writeNoRatify bool
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Open a Secure Session, write one record, close it",
	Long: `Update (or append) a single record inside a SAM-brokered Secure
Session: Open Session, the write
itself, then Close Session with the terminal's MAC.

Examples:
  calypsoctl write --sfi 0x08 --record 1 --data 11223344 \
    --sam-kif 21 --sam-kvc 7E --sam-des-key <32 hex chars>`,
	Run: runWrite,
}

func init() {
	writeCmd.Flags().Uint8Var(&writeSFI, "sfi", 0, "Short File Identifier")
	writeCmd.Flags().IntVar(&writeRecordNo, "record", 1, "Record number")
	writeCmd.Flags().StringVar(&writeDataHex, "data", "", "Record data, hex")
	writeCmd.Flags().BoolVar(&writeAppend, "append", false, "Append a new record instead of updating one in place")
	writeCmd.Flags().StringVar(&writeLevel, "level", "debit", "Access level: perso, load, debit")
	writeCmd.Flags().BoolVar(&writeNoRatify, "no-ratify", false, "Leave the session unratified on close")

	rootCmd.AddCommand(writeCmd)
}

func runWrite(cmd *cobra.Command, args []string) {
	data, err := hex.DecodeString(writeDataHex)
	if err != nil {
		printError(fmt.Sprintf("invalid --data: %v", err))
		return
	}
	level, err := parseAccessLevel(writeLevel)
	if err != nil {
		printError(err.Error())
		return
	}

	settings := transaction.NewSecuritySetting("cli")
	if writeNoRatify {
		settings = settings.WithRatificationMode(transaction.RatificationModeCloseNotRatified)
	}
	tr, rdr, err := newTransaction(settings)
	if err != nil {
		printError(err.Error())
		return
	}
	defer rdr.Close()

	if err := tr.ProcessOpening(level); err != nil {
		printError(fmt.Sprintf("open session failed: %v", err))
		audit.PrintExchanges(tr.Exchanges())
		return
	}

	if writeAppend {
		tr.PrepareAppendRecord(writeSFI, data)
	} else {
		tr.PrepareUpdateRecord(writeSFI, writeRecordNo, data)
	}

	if err := tr.ProcessClosing(); err != nil {
		printError(fmt.Sprintf("close session failed: %v", err))
		audit.PrintExchanges(tr.Exchanges())
		if cancelErr := tr.ProcessCancel(); cancelErr != nil {
			printWarning(fmt.Sprintf("cancel also failed: %v", cancelErr))
		}
		return
	}

	printSuccess(fmt.Sprintf("SFI %02X updated, DF ratified: %v", writeSFI, tr.CalypsoCard().IsDfRatified))
	if !outputJSON {
		audit.PrintCardImage(tr.CalypsoCard())
		audit.PrintExchanges(tr.Exchanges())
	}
}

func parseAccessLevel(s string) (calypsocard.AccessLevel, error) {
	switch s {
	case "perso":
		return calypsocard.AccessLevelPerso, nil
	case "load":
		return calypsocard.AccessLevelLoad, nil
	case "debit":
		return calypsocard.AccessLevelDebit, nil
	default:
		return 0, fmt.Errorf("unknown --level %q (want perso, load, debit)", s)
	}
}
