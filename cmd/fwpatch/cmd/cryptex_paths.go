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
	"encoding/json"
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/fwpatch/pkg/plist"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(cryptexPathsCmd)
	cryptexPathsCmd.Flags().Bool("json", false, "Output as JSON")
	viper.BindPFlag("cryptex-paths.json", cryptexPathsCmd.Flags().Lookup("json"))
}

// cryptexPathsCmd represents the cryptex-paths command
var cryptexPathsCmd = &cobra.Command{
	Use:   "cryptex-paths <BUILD_MANIFEST>",
	Short: "Print the SystemOS and AppOS cryptex paths of a BuildManifest",
	Example: heredoc.Doc(`
		❯ fwpatch cryptex-paths Restore/BuildManifest.plist
		SystemOS: 090-12345-678.dmg.aea
		AppOS:    090-23456-789.dmg`),
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		bm, err := plist.OpenBuildManifest(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", args[0])
		}
		paths, err := bm.CryptexPaths()
		if err != nil {
			return err
		}

		if viper.GetBool("cryptex-paths.json") {
			dat, err := json.Marshal(paths)
			if err != nil {
				return err
			}
			fmt.Println(string(dat))
			return nil
		}
		fmt.Printf("SystemOS: %s\n", paths.SystemOS)
		fmt.Printf("AppOS:    %s\n", paths.AppOS)
		return nil
	},
}
