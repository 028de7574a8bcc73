// Package colors holds the palette used for patch listings and command
// output.
//
// Colors are automatically disabled when stdout is not a terminal. Use Init
// to override based on CLI flags.
package colors

import "github.com/fatih/color"

// Init allows overriding the auto-detected color setting:
//   - forceColor == nil: keep auto-detected value
//   - forceColor == true: force colors on (--color)
//   - forceColor == false: force colors off (--no-color)
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

var (
	// Addr colors addresses and file offsets.
	Addr = color.New(color.Faint, color.FgHiBlue).SprintFunc()
	// Added and Removed color diff lines and patched bytes.
	Added   = color.New(color.FgGreen).SprintFunc()
	Removed = color.New(color.FgRed).SprintFunc()
	// Hunk colors diff hunk headers.
	Hunk = color.New(color.FgCyan).SprintFunc()

	Heading = color.New(color.Bold).SprintFunc()
	Name    = color.New(color.Bold, color.FgHiMagenta).SprintFunc()
	Faint   = color.New(color.Faint).SprintFunc()
	Info    = color.New(color.FgHiBlue).SprintfFunc()
)

// Status renders a rule or component outcome.
func Status(ok, satisfied bool) string {
	switch {
	case !ok:
		return color.New(color.Bold, color.FgHiRed).Sprint("FAIL")
	case satisfied:
		return color.New(color.Bold, color.FgYellow).Sprint("DONE")
	default:
		return color.New(color.Bold, color.FgHiGreen).Sprint(" OK ")
	}
}
