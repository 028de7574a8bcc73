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
	"context"
	"errors"
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/fwpatch/internal/colors"
	"github.com/blacktop/fwpatch/internal/config"
	"github.com/blacktop/fwpatch/internal/utils"
	"github.com/blacktop/fwpatch/pkg/bundle"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(jbCmd)
	jbCmd.Flags().String("base-patch", "", "Command to run on the VM directory before the JB components")
	jbCmd.Flags().Bool("skip-base", false, "Do not run the base patch command")
	jbCmd.Flags().Int("min-patches", 0, "Minimum patches each component must apply")
	viper.BindPFlag("jb.base-patch", jbCmd.Flags().Lookup("base-patch"))
	viper.BindPFlag("jb.skip-base", jbCmd.Flags().Lookup("skip-base"))
	viper.BindPFlag("jb.min-patches", jbCmd.Flags().Lookup("min-patches"))
}

// jbCmd represents the jb command
var jbCmd = &cobra.Command{
	Use:   "jb <VM_DIR>",
	Short: "Patch the iBSS, TXM and kernelcache of a research restore bundle",
	Example: heredoc.Doc(`
		# Run the base pass and then the JB components
		❯ fwpatch jb ~/VMs/vphone --base-patch "python3 fw_patch.py"

		# Only the JB components
		❯ fwpatch jb ~/VMs/vphone --skip-base`),
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if viper.GetBool("jb.skip-base") {
			conf.JB.BasePatch = ""
		}
		opts, err := engineOptions(conf)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var reports []bundle.Report
		var runErr error
		d := bundle.New(args[0], conf, opts...)
		if err := ctrlc.Default.Run(ctx, func() error {
			reports, runErr = d.Run(ctx)
			return nil
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Exiting...")
				cancel()
				return nil
			}
			return err
		}
		for _, r := range reports {
			switch {
			case r.Skipped:
				utils.Indent(log.Info, 2)(fmt.Sprintf("%-20s skipped", r.Component.Name))
			default:
				utils.Indent(log.Info, 2)(fmt.Sprintf("[%s] %-20s %d patches %s",
					colors.Status(r.Err == nil, false), r.Component.Name, r.Result.Applied, colors.Faint(r.File)))
			}
		}
		return runErr
	},
}
