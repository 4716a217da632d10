package shsh

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/img4/pkg/img4"
	"github.com/spf13/cast"
)

// KnownGenerators are the generators commonly used by restore tools
var KnownGenerators = []string{
	"0x1111111111111111",
	"0xbd34a880be0b53f3",
}

// Blob is an SHSH blob: a saved APTicket and the generator whose hash is
// the ticket's ApNonce
type Blob struct {
	ApImg4Ticket        []byte `plist:"ApImg4Ticket"`
	ApImg4TicketUpdate  []byte `plist:"ApImg4TicketUpdate,omitempty"`
	ApImg4TicketNoNonce []byte `plist:"ApImg4TicketNoNonce,omitempty"`
	BBTicket            []byte `plist:"BBTicket,omitempty"`
	Generator           string `plist:"generator,omitempty"`
}

// Parse parses an SHSH plist.
func Parse(data []byte) (*Blob, error) {
	b := &Blob{}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(b); err != nil {
		return nil, fmt.Errorf("failed to decode SHSH plist: %w", err)
	}
	if len(b.ApImg4Ticket) == 0 {
		return nil, fmt.Errorf("no ApImg4Ticket found in SHSH plist")
	}
	return b, nil
}

// ParseRAW builds a blob from a raw IMG4 dump, e.g. an apticket.der
// personalized with restore info.
func ParseRAW(r io.Reader) (*Blob, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	i, err := img4.ParseIMG4(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IMG4: %w", err)
	}
	return FromIMG4(i)
}

// FromIMG4 builds a blob from the manifest and boot nonce of i.
func FromIMG4(i *img4.IMG4) (*Blob, error) {
	if i.IM4M == nil {
		return nil, fmt.Errorf("IMG4 has no manifest")
	}
	ticket, err := i.IM4M.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	b := &Blob{ApImg4Ticket: ticket}
	if i.IM4R != nil {
		if nonce, ok := i.IM4R.BootNonce(); ok {
			b.Generator = fmt.Sprintf("0x%016x", binary.BigEndian.Uint64(nonce))
		}
	}
	return b, nil
}

// Manifest decodes the blob's APTicket.
func (b *Blob) Manifest() (*img4.IM4M, error) {
	return img4.ParseIM4M(b.ApImg4Ticket)
}

// GeneratorValue returns the generator as a number.
func (b *Blob) GeneratorValue() (uint64, error) {
	if len(b.Generator) == 0 {
		return 0, fmt.Errorf("SHSH blob has no generator")
	}
	return cast.ToUint64E(b.Generator)
}

// GeneratorKnown reports whether the blob's generator is a well known one.
func (b *Blob) GeneratorKnown() bool {
	return slices.Contains(KnownGenerators, strings.ToLower(b.Generator))
}

// Marshal returns the blob as an XML plist.
func (b *Blob) Marshal() ([]byte, error) {
	return plist.MarshalIndent(b, plist.XMLFormat, "\t")
}
