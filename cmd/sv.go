package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1ph/calypsogo/audit"
	"github.com/1ph/calypsogo/command"
	"github.com/1ph/calypsogo/transaction"
)

var (
	svOperation string
	svLevel     string
	svAmount    int
)

var svCmd = &cobra.Command{
	Use:   "sv",
	Short: "Run a Stored Value transaction (get, reload, debit, undebit)",
	Long: `Opens a Secure Session, issues SV Get followed by the requested SV
modifying command, then closes the session. "get" alone just reports the balance and exits the
session without a modifying command.

Examples:
  calypsoctl sv --op debit --amount 2 --sam-kif 31 --sam-kvc 7F \
    --sam-aes-key <32 hex chars> --extended`,
	Run: runSv,
}

func init() {
	svCmd.Flags().StringVar(&svOperation, "op", "get", "Operation: get, reload, debit, undebit")
	svCmd.Flags().StringVar(&svLevel, "level", "debit", "Access level: perso, load, debit")
	svCmd.Flags().IntVar(&svAmount, "amount", 0, "Amount for reload/debit/undebit")

	rootCmd.AddCommand(svCmd)
}

func runSv(cmd *cobra.Command, args []string) {
	level, err := parseAccessLevel(svLevel)
	if err != nil {
		printError(err.Error())
		return
	}

	var getOp command.SvOperation
	getAction := command.SvActionDo
	switch svOperation {
	case "get", "reload":
		getOp = command.SvOperationReload
	case "debit":
		getOp = command.SvOperationDebit
	case "undebit":
		getOp = command.SvOperationDebit
		getAction = command.SvActionUndo
	default:
		printError(fmt.Sprintf("unknown --op %q (want get, reload, debit, undebit)", svOperation))
		return
	}

	tr, rdr, err := newTransaction(transaction.NewSecuritySetting("cli"))
	if err != nil {
		printError(err.Error())
		return
	}
	defer rdr.Close()

	tr.PrepareSvGet(getOp, getAction)
	if err := tr.ProcessOpening(level); err != nil {
		printError(fmt.Sprintf("open session failed: %v", err))
		audit.PrintExchanges(tr.Exchanges())
		return
	}
	if err := tr.ProcessCommands(); err != nil {
		printError(fmt.Sprintf("SV Get failed: %v", err))
		audit.PrintExchanges(tr.Exchanges())
		tr.ProcessCancel()
		return
	}
	printSuccess(fmt.Sprintf("balance before: %d", tr.CalypsoCard().SV.Balance()))

	switch svOperation {
	case "reload":
		err = tr.PrepareSvReload(svAmount, 0, 0, nil)
	case "debit":
		err = tr.PrepareSvDebit(svAmount, 0, 0)
	case "undebit":
		err = tr.PrepareSvUndebit(svAmount, 0, 0)
	}
	if err != nil {
		printError(fmt.Sprintf("prepare %s failed: %v", svOperation, err))
		tr.ProcessCancel()
		return
	}

	if err := tr.ProcessClosing(); err != nil {
		printError(fmt.Sprintf("close session failed: %v", err))
		audit.PrintExchanges(tr.Exchanges())
		if cancelErr := tr.ProcessCancel(); cancelErr != nil {
			printWarning(fmt.Sprintf("cancel also failed: %v", cancelErr))
		}
		return
	}

	printSuccess(fmt.Sprintf("balance after: %d", tr.CalypsoCard().SV.Balance()))
	if !outputJSON {
		audit.PrintCardImage(tr.CalypsoCard())
		audit.PrintExchanges(tr.Exchanges())
	}
}
