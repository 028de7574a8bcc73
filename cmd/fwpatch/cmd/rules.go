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
	"fmt"

	"github.com/blacktop/fwpatch/internal/colors"
	"github.com/blacktop/fwpatch/pkg/bundle"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(rulesCmd)
}

// rulesCmd represents the rules command
var rulesCmd = &cobra.Command{
	Use:           "rules [CATALOG]",
	Short:         "List the rule catalogs in run order",
	Args:          cobra.MaximumNArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := bundle.Catalogs()
		names := reg.Names()
		if len(args) > 0 {
			if _, ok := reg.Lookup(args[0]); !ok {
				return fmt.Errorf("unknown catalog %q", args[0])
			}
			names = args
		}
		for _, name := range names {
			c, _ := reg.Lookup(name)
			fmt.Printf("%s (%d)\n", colors.Heading(name), len(c.Rules))
			for i, r := range c.Names() {
				fmt.Printf("  %3d) %s\n", i+1, r)
			}
		}
		return nil
	},
}
