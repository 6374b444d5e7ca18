// Package main provides a one-shot utility for invitation grant key
// generation.
//
// It emits the asymmetric keypair used to sign and verify email join
// grants.
package main

import (
	"os"

	"github.com/louisbranch/convene/internal/platform/config"
	"github.com/louisbranch/convene/internal/tools/invitegrant"
)

func main() {
	if err := invitegrant.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate invite grant key: %v", err)
	}
}
