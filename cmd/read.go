package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1ph/calypsogo/audit"
	"github.com/1ph/calypsogo/transaction"
)

var (
	listReadersFlag bool
	readSFI         uint8
	readRecordNo    int
	readRecordSize  int
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a record out of session",
	Long: `Read a single record from an elementary file, outside of any
Secure Session.

Examples:
  # List available readers
  calypsoctl read --list

  # Read record 1 of SFI 07h
  calypsoctl read --sfi 0x07 --record 1`,
	Run: runRead,
}

func init() {
	readCmd.Flags().BoolVarP(&listReadersFlag, "list", "l", false,
		"List available PC/SC readers")
	readCmd.Flags().Uint8Var(&readSFI, "sfi", 0, "Short File Identifier")
	readCmd.Flags().IntVar(&readRecordNo, "record", 1, "Record number")
	readCmd.Flags().IntVar(&readRecordSize, "record-size", 29, "Record size, used only if the file has never been observed")

	rootCmd.AddCommand(readCmd)
}

func runRead(cmd *cobra.Command, args []string) {
	if listReadersFlag {
		if err := listReaders(); err != nil {
			printError(err.Error())
		}
		return
	}

	tr, rdr, err := newTransaction(transaction.NewSecuritySetting("cli"))
	if err != nil {
		printError(err.Error())
		return
	}
	defer rdr.Close()

	tr.PrepareReadRecord(readSFI, readRecordNo)
	if err := tr.ProcessCommands(); err != nil {
		printError(fmt.Sprintf("read failed: %v", err))
		audit.PrintExchanges(tr.Exchanges())
		return
	}

	content, err := tr.CalypsoCard().RecordContent(readSFI, readRecordNo)
	if err != nil {
		printError(err.Error())
		return
	}
	printSuccess(fmt.Sprintf("SFI %02X record %d: %X", readSFI, readRecordNo, content))
	if !outputJSON {
		audit.PrintExchanges(tr.Exchanges())
	}
}
