package img4

import (
	"strings"
)

// VerifyFourCC checks that value is exactly four ASCII characters.
func VerifyFourCC(value string) error {
	if len(value) != 4 {
		return dataErrorf("fourcc %q must be 4 characters long", value)
	}
	for i := 0; i < len(value); i++ {
		if value[i] > 0x7f {
			return dataErrorf("fourcc %q must be ASCII", value)
		}
	}
	return nil
}

// ExpectFourCC checks that value is a FourCC equal to expected, ignoring
// case, and returns value as given.
func ExpectFourCC(value, expected string) (string, error) {
	if err := VerifyFourCC(value); err != nil {
		return "", err
	}
	if !strings.EqualFold(value, expected) {
		return "", dataErrorf("expected fourcc %q, got %q", expected, value)
	}
	return value, nil
}

// fourCCTag returns the PRIVATE tag number a FourCC is encoded under
func fourCCTag(fourCC string) int {
	if len(fourCC) != 4 {
		return -1
	}
	return int(fourCC[0])<<24 | int(fourCC[1])<<16 | int(fourCC[2])<<8 | int(fourCC[3])
}
