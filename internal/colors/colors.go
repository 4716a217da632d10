// Package colors holds the terminal palette shared by the img4 printers and
// the CLI.
//
// Colors are disabled automatically when stdout is not a terminal. Use Init
// to override that from a --color/--no-color flag.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting. A nil forceColor keeps it.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color { return color.New(color.Bold) }

func Green() *color.Color  { return color.New(color.FgGreen) }
func HiCyan() *color.Color { return color.New(color.FgHiCyan) }

func BoldHiBlue() *color.Color    { return color.New(color.Bold, color.FgHiBlue) }
func BoldHiMagenta() *color.Color { return color.New(color.Bold, color.FgHiMagenta) }
func BoldHiGreen() *color.Color   { return color.New(color.Bold, color.FgHiGreen) }
func BoldHiRed() *color.Color     { return color.New(color.Bold, color.FgHiRed) }

func FaintHiBlue() *color.Color { return color.New(color.Faint, color.FgHiBlue) }
func ItalicFaint() *color.Color { return color.New(color.Italic, color.Faint) }
