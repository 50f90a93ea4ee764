// Command packmeta produces and checks the packaged metadata shipped with
// tier-locked builds.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags
var Version = "dev"

func newRootCmd(fs afero.Fs) *cobra.Command {
	root := &cobra.Command{
		Use:           "packmeta",
		Short:         "Seal and verify packaged license metadata",
		Long:          `packmeta generates signing keys, seals tier metadata into the meta.b64, meta.checksum and meta.sig artifacts, and verifies published artifacts the way the desktop client does.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newKeygenCmd(fs),
		newSealCmd(fs),
		newVerifyCmd(fs),
		newHashPasswordCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd(afero.NewOsFs()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
