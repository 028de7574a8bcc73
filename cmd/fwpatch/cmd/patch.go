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
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/fwpatch/pkg/bundle"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(patchCmd)
	patchCmd.Flags().StringSliceP("rules", "r", nil, "Only run these rules (comma separated)")
	patchCmd.Flags().StringP("output", "o", "", "Output file (default overwrites the input)")
	patchCmd.Flags().BoolP("overwrite", "f", false, "Overwrite file without asking")
	patchCmd.Flags().Bool("drop-trailer", false, "Drop the IM4P PAYP properties when re-wrapping")
	patchCmd.Flags().BoolP("dry-run", "n", false, "Run the rules without writing the file")
	patchCmd.Flags().Int("min-patches", 1, "Fail unless at least this many patches are applied")
	viper.BindPFlag("patch.rules", patchCmd.Flags().Lookup("rules"))
	viper.BindPFlag("patch.output", patchCmd.Flags().Lookup("output"))
	viper.BindPFlag("patch.overwrite", patchCmd.Flags().Lookup("overwrite"))
	viper.BindPFlag("patch.drop-trailer", patchCmd.Flags().Lookup("drop-trailer"))
	viper.BindPFlag("patch.dry-run", patchCmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("patch.min-patches", patchCmd.Flags().Lookup("min-patches"))
}

// patchCmd represents the patch command
var patchCmd = &cobra.Command{
	Use:   "patch <CATALOG> <FILE>",
	Short: "Run a firmware rule catalog over a file",
	Example: heredoc.Doc(`
		# Patch a research kernelcache in place
		❯ fwpatch patch kernel kernelcache.research.vphone600

		# Only run two TXM rules and keep a copy
		❯ fwpatch patch txm txm.iphoneos.research.im4p -r get_task_allow,developer_mode -o txm.patched.im4p

		# Show what iBSS would get without writing
		❯ fwpatch patch ibss iBSS.vresearch101.RELEASE.im4p --dry-run -V`),
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return bundle.Catalogs().Names(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveDefault
	},
	RunE: func(cmd *cobra.Command, args []string) error {

		// flags
		rules := viper.GetStringSlice("patch.rules")
		output := viper.GetString("patch.output")
		overwrite := viper.GetBool("patch.overwrite")
		dropTrailer := viper.GetBool("patch.drop-trailer")
		dryRun := viper.GetBool("patch.dry-run")
		minPatches := viper.GetInt("patch.min-patches")

		c, ok := bundle.Catalogs().Lookup(args[0])
		if !ok {
			return errors.Errorf("unknown catalog %q; must be one of: %s", args[0], strings.Join(bundle.Catalogs().Names(), ", "))
		}
		if len(c.Rules) == 0 {
			return errors.Errorf("catalog %s has no rules", c.Name)
		}
		if !dryRun && len(output) == 0 && !confirm(args[1], overwrite) {
			return nil
		}

		return runCatalog(c, args[1], output, rules, !dropTrailer, dryRun, minPatches)
	},
}
