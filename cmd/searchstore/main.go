// Package main provides the entry point for the searchstore CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Aman-CERP/searchstore/cmd/searchstore/cmd"
	"github.com/Aman-CERP/searchstore/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, errors.FormatForCLI(err))
		os.Exit(1)
	}
}
