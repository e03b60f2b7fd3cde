package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/1ph/calypsogo/audit"
	"github.com/1ph/calypsogo/calypsocard"
	"github.com/1ph/calypsogo/cryptosession"
	"github.com/1ph/calypsogo/cryptosession/samsim"
	"github.com/1ph/calypsogo/reader"
	"github.com/1ph/calypsogo/transaction"
)

var (
	version = "0.1.0"

	readerName  string
	readerIndex int
	contactless bool
	classByte   string
	serialHex   string
	productFlag string

	samKif     string
	samKvc     string
	samDesKey  string
	samAesKey  string
	extended   bool

	outputJSON bool
)

var rootCmd = &cobra.Command{
	Use:   "calypsoctl",
	Short: "Calypso card transaction engine",
	Long: `calypsoctl v` + version + `
Drive a Calypso card through a PC/SC reader: open and close Secure
Sessions, read and write records, debit/reload/undebit the Stored
Value purse, and verify/change the cardholder PIN.

This tool supports:
  - Plain (out-of-session) record reads
  - SAM-brokered mutually-authenticated Secure Sessions
  - Stored Value transactions (Get/Reload/Debit/Undebit)
  - PIN verification and modification, plain or ciphered`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&readerName, "reader-name", "",
		"PC/SC reader name (use 'calypsoctl read --list' to list them)")
	rootCmd.PersistentFlags().IntVarP(&readerIndex, "reader", "r", -1,
		"Reader index into the PC/SC reader list, if --reader-name is not given")
	rootCmd.PersistentFlags().BoolVar(&contactless, "contactless", true,
		"Treat the channel as contactless (affects ratification timing)")
	rootCmd.PersistentFlags().StringVarP(&classByte, "class", "c", "00",
		"APDU class byte, hex (00 = ISO, 94 = legacy)")
	rootCmd.PersistentFlags().StringVar(&serialHex, "serial", "",
		"Card serial number, hex, used as the default key diversifier")
	rootCmd.PersistentFlags().StringVar(&productFlag, "product", "prime3",
		"Product revision: basic, prime2, prime3, light")

	rootCmd.PersistentFlags().StringVar(&samKif, "sam-kif", "",
		"Simulated SAM session key KIF, hex")
	rootCmd.PersistentFlags().StringVar(&samKvc, "sam-kvc", "",
		"Simulated SAM session key KVC, hex")
	rootCmd.PersistentFlags().StringVar(&samDesKey, "sam-des-key", "",
		"Simulated SAM 3DES key, 16 or 24 bytes hex (non-extended sessions)")
	rootCmd.PersistentFlags().StringVar(&samAesKey, "sam-aes-key", "",
		"Simulated SAM AES key, 16 bytes hex (extended sessions)")
	rootCmd.PersistentFlags().BoolVar(&extended, "extended", false,
		"Enable extended-mode (AES-CMAC) session signatures")

	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false,
		"Suppress success/warning messages and success-path tables (errors are still printed)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetVersion returns the current version.
func GetVersion() string {
	return version
}

// connectReader opens the PC/SC reader identified by --reader-name or
// --reader, auto-selecting when exactly one reader is present.
func connectReader() (*reader.PCSCReader, error) {
	name := readerName
	if name == "" {
		names, err := reader.ListPCSCReaders()
		if err != nil {
			return nil, fmt.Errorf("failed to list readers: %w", err)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("no smart card readers found")
		}
		idx := readerIndex
		if idx < 0 {
			if len(names) > 1 {
				for i, n := range names {
					fmt.Printf("  [%d] %s\n", i, n)
				}
				return nil, fmt.Errorf("multiple readers found, use -r <index> or --reader-name to select one")
			}
			idx = 0
		}
		if idx >= len(names) {
			return nil, fmt.Errorf("reader index %d out of range (%d reader(s) found)", idx, len(names))
		}
		name = names[idx]
	}
	rdr, err := reader.ConnectPCSCReader(name, contactless)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", name, err)
	}
	if !outputJSON {
		audit.PrintSuccess(fmt.Sprintf("connected to %s (ATR %X)", rdr.Name(), rdr.ATR()))
	}
	return rdr, nil
}

// newCardImage builds the in-memory card image the engine operates on from
// the --class/--serial/--product flags. Application selection and FCI
// parsing are out of scope for the engine itself, so the demo CLI supplies
// these by hand rather than performing a SELECT.
func newCardImage() (*calypsocard.CardImage, error) {
	cla, err := hex.DecodeString(padEvenHex(classByte))
	if err != nil || len(cla) != 1 {
		return nil, fmt.Errorf("invalid --class %q: must be one hex byte", classByte)
	}
	serial, err := hex.DecodeString(serialHex)
	if err != nil {
		return nil, fmt.Errorf("invalid --serial %q: %w", serialHex, err)
	}
	product, err := parseProduct(productFlag)
	if err != nil {
		return nil, err
	}
	return calypsocard.NewCardImage(product, cla[0], serial), nil
}

func parseProduct(s string) (calypsocard.ProductType, error) {
	switch s {
	case "basic":
		return calypsocard.ProductBasic, nil
	case "prime2":
		return calypsocard.ProductPrimeRevision2, nil
	case "prime3":
		return calypsocard.ProductPrimeRevision3, nil
	case "light":
		return calypsocard.ProductLight, nil
	default:
		return calypsocard.ProductUnknown, fmt.Errorf("unknown --product %q (want basic, prime2, prime3, light)", s)
	}
}

// newCryptoDriver builds the SAM-side crypto driver from the --sam-* flags.
// samsim is a reference/test double; a real
// deployment would swap this for a driver brokering an actual SAM.
func newCryptoDriver() (cryptosession.Driver, error) {
	keys := samsim.MapKeyStore{}
	if samKif != "" || samKvc != "" {
		kif, err := decodeSingleByte(samKif, "--sam-kif")
		if err != nil {
			return nil, err
		}
		kvc, err := decodeSingleByte(samKvc, "--sam-kvc")
		if err != nil {
			return nil, err
		}
		des, err := hex.DecodeString(samDesKey)
		if err != nil {
			return nil, fmt.Errorf("invalid --sam-des-key: %w", err)
		}
		aes, err := hex.DecodeString(samAesKey)
		if err != nil {
			return nil, fmt.Errorf("invalid --sam-aes-key: %w", err)
		}
		keys[[2]byte{kif, kvc}] = samsim.Keys{KIF: kif, KVC: kvc, DESKey: des, AESKey: aes}
	}
	driver := samsim.New(keys)
	if extended {
		driver.EnableCardExtendedMode()
	}
	return driver, nil
}

func decodeSingleByte(s, flag string) (byte, error) {
	b, err := hex.DecodeString(padEvenHex(s))
	if err != nil || len(b) != 1 {
		return 0, fmt.Errorf("invalid %s %q: must be one hex byte", flag, s)
	}
	return b[0], nil
}

func padEvenHex(s string) string {
	if len(s)%2 != 0 {
		return "0" + s
	}
	return s
}

// newTransaction wires a reader, crypto driver, card image, and security
// setting into a ready-to-use Transaction, applying --sam-*/--extended and
// the authorized session key derived from them.
func newTransaction(settings *transaction.SecuritySetting) (*transaction.Transaction, *reader.PCSCReader, error) {
	rdr, err := connectReader()
	if err != nil {
		return nil, nil, err
	}
	card, err := newCardImage()
	if err != nil {
		rdr.Close()
		return nil, nil, err
	}
	card.IsExtendedModeSupported = extended
	driver, err := newCryptoDriver()
	if err != nil {
		rdr.Close()
		return nil, nil, err
	}
	if samKif != "" {
		kif, _ := decodeSingleByte(samKif, "--sam-kif")
		kvc, _ := decodeSingleByte(samKvc, "--sam-kvc")
		settings = settings.WithAuthorizedSessionKey(kif, kvc).WithAuthorizedSvKey(kif, kvc)
	}
	return transaction.New(rdr, driver, card, settings), rdr, nil
}
