package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/1ph/calypsogo/audit"
	"github.com/1ph/calypsogo/transaction"
)

var (
	pinCode       string
	pinNewCode    string
	pinEncrypted  bool
	pinChangeMode bool
	pinCipherKif  string
	pinCipherKvc  string
)

var pinCmd = &cobra.Command{
	Use:   "pin",
	Short: "Verify or change the cardholder PIN",
	Long: `Verifies (or, with --change, modifies) the cardholder PIN,
either in the clear or SAM-ciphered against a card-issued challenge.

Examples:
  calypsoctl pin --pin 1234
  calypsoctl pin --pin 1234 --change --new-pin 4321 --encrypted \
    --sam-kif 12 --sam-kvc 34 --sam-des-key <32 hex chars>`,
	Run: runPin,
}

func init() {
	pinCmd.Flags().StringVar(&pinCode, "pin", "", "Current PIN, 4 ASCII digits")
	pinCmd.Flags().StringVar(&pinNewCode, "new-pin", "", "New PIN, 4 ASCII digits (only with --change)")
	pinCmd.Flags().BoolVar(&pinEncrypted, "encrypted", false, "Cipher the PIN against a GET CHALLENGE instead of sending it plain")
	pinCmd.Flags().BoolVar(&pinChangeMode, "change", false, "Change the PIN instead of verifying it")
	pinCmd.Flags().StringVar(&pinCipherKif, "cipher-kif", "", "Ciphering key KIF, hex (defaults to --sam-kif)")
	pinCmd.Flags().StringVar(&pinCipherKvc, "cipher-kvc", "", "Ciphering key KVC, hex (defaults to --sam-kvc)")

	rootCmd.AddCommand(pinCmd)
}

func runPin(cmd *cobra.Command, args []string) {
	if len(pinCode) != 4 {
		printError("--pin must be exactly 4 ASCII digits")
		return
	}

	settings := transaction.NewSecuritySetting("cli")
	if pinEncrypted {
		settings = settings.WithPinTransmissionMode(transaction.PinTransmissionModeEncrypted)
		kif, kvc := pinCipherKif, pinCipherKvc
		if kif == "" {
			kif = samKif
		}
		if kvc == "" {
			kvc = samKvc
		}
		kifByte, err := decodeSingleByte(kif, "--cipher-kif")
		if err != nil {
			printError(err.Error())
			return
		}
		kvcByte, err := decodeSingleByte(kvc, "--cipher-kvc")
		if err != nil {
			printError(err.Error())
			return
		}
		settings = settings.WithPinVerificationCipheringKey(kifByte, kvcByte).WithPinModificationCipheringKey(kifByte, kvcByte)
	} else {
		settings = settings.WithPinPlainTransmissionEnabled()
	}

	tr, rdr, err := newTransaction(settings)
	if err != nil {
		printError(err.Error())
		return
	}
	defer rdr.Close()

	if pinChangeMode {
		if len(pinNewCode) != 4 {
			printError("--new-pin must be exactly 4 ASCII digits when --change is set")
			return
		}
		err = tr.ProcessChangePin([]byte(pinNewCode))
	} else {
		err = tr.ProcessVerifyPin([]byte(pinCode))
	}

	attempts, known := tr.CalypsoCard().Pin.AttemptsRemaining()
	if err != nil {
		printError(fmt.Sprintf("PIN operation failed: %v", err))
		if known {
			printWarning(fmt.Sprintf("attempts remaining: %d (blocked: %v)", attempts, tr.CalypsoCard().Pin.IsBlocked()))
		}
		audit.PrintExchanges(tr.Exchanges())
		return
	}

	printSuccess("PIN operation accepted")
	if known && !outputJSON {
		fmt.Printf("attempts remaining: %d\n", attempts)
	}
	if !outputJSON {
		audit.PrintExchanges(tr.Exchanges())
	}
}
