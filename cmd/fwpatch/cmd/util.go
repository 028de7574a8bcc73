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
	"os"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/blacktop/fwpatch/internal/colors"
	"github.com/blacktop/fwpatch/internal/config"
	"github.com/blacktop/fwpatch/internal/utils"
	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/image"
	"github.com/blacktop/fwpatch/pkg/patch"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

const decodeCacheSize = 1 << 16

func confirm(path string, overwrite bool) bool {
	if overwrite {
		return true
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		log.Warnf("not overwriting %s without a terminal to confirm (use --overwrite)", path)
		return false
	}
	yes := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("You are about to overwrite %s. Continue?", filepath.Base(path)),
	}
	survey.AskOne(prompt, &yes)
	return yes
}

// engineOptions builds the decoder, assembler and listing options from the
// effective configuration.
func engineOptions(conf *config.Config) ([]patch.Option, error) {
	dec, err := arm64.NewCachedDecoder(arm64.Decomposed, decodeCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create decoder")
	}
	asm, err := arm64.NewAssembler(string(conf.Assembler.Backend), conf.Assembler.LLVMMC)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create assembler")
	}
	return []patch.Option{
		patch.WithDecoder(dec),
		patch.WithAssembler(asm),
		patch.WithContext(conf.Context),
	}, nil
}

func printResult(c patch.Catalog, res patch.Result) {
	log.Infof("%s: %d patches from %d/%d rules", colors.Name(c.Name), res.Applied, res.Succeeded, len(res.Outcomes))
	for _, o := range res.Outcomes {
		line := fmt.Sprintf("[%s] %-40s", colors.Status(o.OK(), o.Satisfied), o.Rule)
		switch {
		case !o.OK():
			line += " " + colors.Faint(o.Err.Error())
		case !o.Satisfied:
			line += fmt.Sprintf(" %d patch(es)", o.Patches)
		}
		utils.Indent(log.Info, 2)(line)
	}
}

// runCatalog patches the image at path with the selected rules of c and
// writes it to output unless dryRun is set.
func runCatalog(c patch.Catalog, path, output string, names []string, keepTrailer, dryRun bool, minPatches int) error {
	conf, err := config.LoadConfig()
	if err != nil {
		return err
	}
	rules, err := c.Select(names...)
	if err != nil {
		return err
	}
	opts, err := engineOptions(conf)
	if err != nil {
		return err
	}
	img, err := image.Load(path)
	if err != nil {
		return err
	}

	res := patch.NewEngine(img, opts...).Run(rules...)
	printResult(c, res)

	if failed := res.Failed(); len(failed) > 0 && len(failed) == len(res.Outcomes) {
		return errors.Errorf("%s: every rule failed", c.Name)
	}
	if res.Applied < minPatches {
		return errors.Errorf("%s: %d patches applied, need at least %d", c.Name, res.Applied, minPatches)
	}
	if dryRun || res.Applied == 0 {
		return nil
	}
	if len(output) == 0 {
		output = path
	}
	if err := image.Save(output, img, keepTrailer); err != nil {
		return errors.Wrapf(err, "failed to save %s", output)
	}
	log.Infof("Patched %s", output)
	return nil
}
