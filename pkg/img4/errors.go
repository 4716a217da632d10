package img4

import (
	"errors"
	"fmt"

	"github.com/blacktop/img4/internal/der"
)

var (
	// ErrStructure is returned when an ASN.1 element has an unexpected tag class or number
	ErrStructure = errors.New("unexpected ASN.1 structure")
	// ErrData is returned when a decoded or supplied value violates a field constraint
	ErrData = errors.New("invalid data")
	// ErrCompression is returned when an operation is invalid for the payload's compression state
	ErrCompression = errors.New("invalid compression state")
	// ErrCipher is returned for malformed keys/IVs and failed decryption
	ErrCipher = errors.New("cipher error")
	// ErrState is returned when an object is not in a state that allows the operation
	ErrState = errors.New("invalid state")
)

// StructuralError describes an ASN.1 element found where another was expected
type StructuralError struct {
	Op       string // what was being decoded
	Expected der.Tag
	Found    der.Tag
}

func (e *StructuralError) Error() string {
	if e.Found == (der.Tag{}) {
		return fmt.Sprintf("%s: expected %s, found end of data", e.Op, e.Expected)
	}
	return fmt.Sprintf("%s: expected %s, found %s", e.Op, e.Expected, e.Found)
}

func (e *StructuralError) Unwrap() error {
	return ErrStructure
}

func dataErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrData, fmt.Sprintf(format, args...))
}

func compressionErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCompression, fmt.Sprintf(format, args...))
}

func cipherErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCipher, fmt.Sprintf(format, args...))
}

func stateErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// decodeError tags a stream error with what was being decoded. Tag mismatches
// become a *StructuralError, everything else is malformed data.
func decodeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *der.TagError
	if errors.As(err, &te) {
		return &StructuralError{Op: op, Expected: te.Expected, Found: te.Found}
	}
	if errors.Is(err, ErrStructure) || errors.Is(err, ErrData) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrData, op, err)
}
