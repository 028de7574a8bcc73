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
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/fwpatch/pkg/patch/userspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(cfwCmd)
	cfwCmd.Flags().StringP("output", "o", "", "Output file (default overwrites the input)")
	cfwCmd.Flags().BoolP("overwrite", "f", false, "Overwrite file without asking")
	cfwCmd.Flags().BoolP("dry-run", "n", false, "Run the rule without writing the file")
	viper.BindPFlag("cfw.output", cfwCmd.Flags().Lookup("output"))
	viper.BindPFlag("cfw.overwrite", cfwCmd.Flags().Lookup("overwrite"))
	viper.BindPFlag("cfw.dry-run", cfwCmd.Flags().Lookup("dry-run"))
}

// cfwCmd represents the cfw command
var cfwCmd = &cobra.Command{
	Use:   "cfw <BINARY> <FILE>",
	Short: "Patch a user-space binary for a custom firmware install",
	Example: heredoc.Doc(`
		# Pin the gigalocker name in seputil
		❯ fwpatch cfw seputil usr/libexec/seputil -f

		# Let launchd load a modified launchd.plist
		❯ fwpatch cfw launchd-cache-loader usr/libexec/launchd_cache_loader -f`),
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	ValidArgs:     userspace.BinaryNames(),
	RunE: func(cmd *cobra.Command, args []string) error {

		// flags
		output := viper.GetString("cfw.output")
		overwrite := viper.GetBool("cfw.overwrite")
		dryRun := viper.GetBool("cfw.dry-run")

		c, err := userspace.For(args[0])
		if err != nil {
			return err
		}
		if !dryRun && len(output) == 0 && !confirm(args[1], overwrite) {
			return nil
		}

		return runCatalog(c, args[1], output, nil, true, dryRun, 0)
	},
}
