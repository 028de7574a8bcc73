/*
Copyright © 2018-2024 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"os"
	"path/filepath"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/fwpatch/internal/magic"
	"github.com/blacktop/fwpatch/internal/utils"
	"github.com/blacktop/fwpatch/pkg/inject"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(injectCmd)
	injectCmd.Flags().StringP("output", "o", "", "Output file (default overwrites the input)")
	injectCmd.Flags().BoolP("overwrite", "f", false, "Overwrite file without asking")
	viper.BindPFlag("inject.output", injectCmd.Flags().Lookup("output"))
	viper.BindPFlag("inject.overwrite", injectCmd.Flags().Lookup("overwrite"))
}

// injectCmd represents the inject command
var injectCmd = &cobra.Command{
	Use:   "inject <MACHO> <DYLIB_PATH>",
	Short: "Add an LC_LOAD_DYLIB to a MachO without growing it",
	Example: heredoc.Doc(`
		# Load a hook library into launchd (every slice of a universal binary)
		❯ fwpatch inject sbin/launchd /cores/libhook.dylib -f`),
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		// flags
		output := viper.GetString("inject.output")
		overwrite := viper.GetBool("inject.overwrite")

		machoPath := filepath.Clean(args[0])
		dylib := args[1]

		if ok, err := magic.IsMachO(machoPath); !ok {
			return errors.Wrapf(err, "%s is not a MachO", machoPath)
		}
		data, err := os.ReadFile(machoPath)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", machoPath)
		}

		results, err := inject.Dylib(data, dylib)
		if err != nil {
			return errors.Wrapf(err, "failed to inject %s", dylib)
		}
		changed := false
		for _, r := range results {
			if r.Satisfied() {
				utils.Indent(log.Info, 2)(r.Slice + ": already loads " + dylib)
				continue
			}
			changed = true
			log.WithFields(log.Fields{"slice": r.Slice, "method": r.Method}).Info("Injected")
		}
		if !changed {
			return nil
		}

		if len(output) == 0 {
			output = machoPath
			if !confirm(output, overwrite) {
				return nil
			}
		}
		if err := os.WriteFile(output, data, 0o755); err != nil {
			return errors.Wrapf(err, "failed to write %s", output)
		}
		log.Warn("Code signature has been invalidated (MachO may need to be re-signed)")
		return nil
	},
}
