package utils

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/blacktop/img4/internal/colors"
)

var (
	colorFaint  = colors.FaintHiBlue().SprintFunc()
	colorOffset = colors.ItalicFaint().SprintFunc()

	zerosRE  = regexp.MustCompile(`\s(00\s)+|\.`)
	offsetRE = regexp.MustCompile(`(?m)^[0-9a-f]{8}`)
)

func colorZeros(dump string) string {
	return zerosRE.ReplaceAllStringFunc(dump, func(s string) string {
		return colorFaint(s)
	})
}

// HexDump returns a `hexdump -C` style dump of data. Dumps longer than max
// bytes are cut short (max <= 0 dumps everything).
func HexDump(data []byte, max int) string {
	if len(data) == 0 {
		return ""
	}
	var trailer string
	if max > 0 && len(data) > max {
		trailer = fmt.Sprintf("... (%d more bytes)\n", len(data)-max)
		data = data[:max]
	}
	dump := colorZeros(hex.Dump(data))
	if len(trailer) > 0 {
		dump += colorFaint(trailer)
	}
	return offsetRE.ReplaceAllStringFunc(dump, func(s string) string {
		return colorOffset(s)
	})
}

// Truncate shortens s to n runes, marking the cut with an ellipsis
func Truncate(s string, n int) string {
	if n <= 0 || len([]rune(s)) <= n {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:n])) + "..."
}
