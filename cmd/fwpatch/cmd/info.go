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
	"bytes"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/fwpatch/internal/colors"
	"github.com/blacktop/fwpatch/internal/magic"
	"github.com/blacktop/fwpatch/internal/utils"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/fwpatch/pkg/iboot"
	"github.com/blacktop/fwpatch/pkg/image"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().StringP("addr", "a", "", "Translate a virtual address to a file offset")
	viper.BindPFlag("info.addr", infoCmd.Flags().Lookup("addr"))
}

func printMachO(m *container.File) {
	fmt.Printf("%s  %s, base %s, %d load commands\n", colors.Heading("MachO"),
		m.Type, colors.Addr(fmt.Sprintf("%#x", m.Base)), m.NCommands)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, seg := range m.Segments {
		fmt.Fprintf(w, "  %s\t%#x-%#x\toff %#x\t%s\t%d sections\n",
			seg.Name, seg.Addr, seg.Addr+seg.Size, seg.Offset, humanize.Bytes(seg.FileSize), len(seg.Sections))
	}
	w.Flush()
	if len(m.Entries) > 0 {
		fmt.Printf("%s  %d fileset entries\n", colors.Heading("Fileset"), len(m.Entries))
	}
	fmt.Printf("%s  %d\n", colors.Heading("Symbols"), m.Symbols().Len())
}

func printFat(data []byte) error {
	ff, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer ff.Close()
	for _, arch := range ff.Arches {
		fmt.Printf("%s  %s %s at %#x (%s)\n", colors.Heading("Slice"), arch.CPU, arch.SubCPU.String(arch.CPU),
			arch.Offset, humanize.Bytes(uint64(arch.Size)))
		if m, err := container.Parse(data[arch.Offset : arch.Offset+arch.Size]); err == nil {
			printMachO(m)
		}
	}
	return nil
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <FILE>",
	Short: "Describe the container, layout and code ranges of an image",
	Example: heredoc.Doc(`
		❯ fwpatch info kernelcache.research.vphone600
		❯ fwpatch info iBSS.vresearch101.RELEASE.im4p
		❯ fwpatch info kernelcache.research.vphone600 --addr 0xfffffe0007004000`),
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		img, err := image.Load(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s  %s (%s, %s)\n", colors.Heading("File"), args[0], img.Format, humanize.Bytes(uint64(img.Size())))
		if p := img.Payload; p != nil {
			fmt.Printf("%s  %s %q, compression %s, PAYP trailer %t\n",
				colors.Heading("IM4P"), p.Fourcc, p.Description, p.Compression, p.HasTrailer())
		}

		switch kind := magic.Detect(img.Data); {
		case kind == magic.Fat || kind == magic.Fat64:
			if err := printFat(img.Data); err != nil && !errors.Is(err, macho.ErrNotFat) {
				return errors.Wrap(err, "failed to parse universal MachO")
			}
		case img.MachO != nil:
			printMachO(img.MachO)
		case iboot.Is(img.Data):
			ib, err := iboot.Parse(img.Data)
			if err != nil {
				return errors.Wrap(err, "failed to parse iBoot header")
			}
			fmt.Printf("%s  %s\n", colors.Heading("iBoot"), ib)
			fmt.Printf("%s  %s\n", colors.Heading("Base"), colors.Addr(fmt.Sprintf("%#x", ib.BaseAddress)))
			for _, b := range ib.Blobs {
				fmt.Printf("  %s at %#x: %s -> %s\n",
					b.Name, b.Offset, humanize.Bytes(uint64(b.Size)), humanize.Bytes(uint64(b.Decompressed)))
			}
		default:
			fmt.Printf("%s  %s\n", colors.Heading("Kind"), kind)
		}

		fmt.Println(colors.Heading("Code"))
		for _, r := range img.CodeRanges() {
			fmt.Printf("  %s-%s  %s\n", colors.Addr(fmt.Sprintf("%#x", r.Start)), colors.Addr(fmt.Sprintf("%#x", r.End)),
				humanize.Bytes(uint64(r.Len())))
		}

		if addr := viper.GetString("info.addr"); len(addr) > 0 {
			va, err := utils.ConvertStrToInt(addr)
			if err != nil {
				return errors.Wrapf(err, "invalid address %s", addr)
			}
			off, err := img.Offset(va)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %#x -> offset %#x\n", colors.Heading("Addr"), va, off)
		}
		return nil
	},
}
