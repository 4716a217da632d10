// Package lzss implements the "complzss" container Apple wraps around
// LZSS-compressed kernelcaches and firmware. The raw stream is encoded and
// decoded by github.com/blacktop/lzss.
package lzss

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"math"

	"github.com/apex/log"
	blzss "github.com/blacktop/lzss"
)

const (
	// HeaderSize is the size of the complzss header, padding included
	HeaderSize = 0x180
	// Version is the only container version ever written
	Version = 1

	magicComp = 0x636f6d70 // "comp"
	magicLzss = 0x6c7a7373 // "lzss"
)

// Magic is the 8 byte marker every complzss container starts with.
var Magic = []byte("complzss")

var (
	ErrNotCompressed = errors.New("lzss: missing complzss header")
	ErrTruncated     = errors.New("lzss: truncated data")
	ErrTooLarge      = errors.New("lzss: data exceeds 4GiB")
)

// Header is the big-endian complzss header
type Header struct {
	CompressionType  uint32 // "comp"
	Signature        uint32 // "lzss"
	CheckSum         uint32 // adler32 of the uncompressed data
	UncompressedSize uint32
	CompressedSize   uint32
	Version          uint32
	Padding          [0x168]byte
}

// ParseHeader reads the complzss header at the start of data.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize || !bytes.HasPrefix(data, Magic) {
		return nil, ErrNotCompressed
	}
	var hdr Header
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("lzss: failed to read header: %w", err)
	}
	return &hdr, nil
}

// Decompress decompresses a raw lzss stream
func Decompress(src []byte) []byte {
	return blzss.Decompress(src)
}

// Compress compresses src into a raw lzss stream
func Compress(src []byte) []byte {
	return blzss.Compress(src)
}

// Encode compresses plain into a complzss container and appends extra after
// the compressed stream.
func Encode(plain, extra []byte) ([]byte, error) {
	if len(plain) > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	comp := Compress(plain)
	if len(comp) > math.MaxUint32 {
		return nil, ErrTooLarge
	}

	hdr := Header{
		CompressionType:  magicComp,
		Signature:        magicLzss,
		CheckSum:         adler32.Checksum(plain),
		UncompressedSize: uint32(len(plain)),
		CompressedSize:   uint32(len(comp)),
		Version:          Version,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(comp)+len(extra)))
	if err := binary.Write(buf, binary.BigEndian, hdr); err != nil {
		return nil, fmt.Errorf("lzss: failed to write header: %w", err)
	}
	buf.Write(comp)
	buf.Write(extra)

	return buf.Bytes(), nil
}

// Decode decompresses a complzss container. Bytes after the compressed
// stream that the header does not account for are returned as extra.
func Decode(data []byte) (plain, extra []byte, err error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return nil, nil, err
	}

	body := data[HeaderSize:]
	cmpLen := int(hdr.CompressedSize)
	if cmpLen > len(body) {
		return nil, nil, fmt.Errorf("%w: header declares %#x compressed bytes, %#x present", ErrTruncated, cmpLen, len(body))
	}
	if cmpLen < len(body) {
		extra = bytes.Clone(body[cmpLen:])
		log.Debugf("lzss: found %#x bytes of extra data", len(extra))
	}

	plain = Decompress(body[:cmpLen])
	if len(plain) < int(hdr.UncompressedSize) {
		return nil, nil, fmt.Errorf("%w: decompressed %#x bytes, header declares %#x", ErrTruncated, len(plain), hdr.UncompressedSize)
	}
	plain = plain[:hdr.UncompressedSize]

	if sum := adler32.Checksum(plain); sum != hdr.CheckSum {
		log.Warnf("lzss: adler32 mismatch (header %#08x, data %#08x)", hdr.CheckSum, sum)
	}

	return plain, extra, nil
}
