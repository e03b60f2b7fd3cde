package cmd

import (
	"fmt"

	"github.com/1ph/calypsogo/audit"
	"github.com/1ph/calypsogo/reader"
)

// listReaders prints the list of available PC/SC readers.
func listReaders() error {
	names, err := reader.ListPCSCReaders()
	if err != nil {
		return fmt.Errorf("failed to list readers: %w", err)
	}
	if len(names) == 0 {
		fmt.Println("no smart card readers found")
		return nil
	}
	for i, n := range names {
		fmt.Printf("  [%d] %s\n", i, n)
	}
	return nil
}

func printError(msg string) {
	audit.PrintError(msg)
}

func printSuccess(msg string) {
	if !outputJSON {
		audit.PrintSuccess(msg)
	}
}

func printWarning(msg string) {
	if !outputJSON {
		audit.PrintWarning(msg)
	}
}
