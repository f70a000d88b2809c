// Package pcap reads and writes classic libpcap capture files.
package pcap

import (
	"encoding/binary"
	"errors"
	"time"
)

// Link-layer (DLT) identifiers used in pcap global headers.
// The values match the tcpdump/libpcap definitions.
const (
	LinkTypeEthernet uint32 = 1
	// LinkTypeRaw records start directly with an IPv4 or IPv6 header.
	LinkTypeRaw uint32 = 101
)

const (
	magicMicroseconds uint32 = 0xa1b2c3d4
	magicNanoseconds  uint32 = 0xa1b23c4d

	versionMajor = 2
	versionMinor = 4

	fileHeaderLen   = 24
	recordHeaderLen = 16
)

var (
	// ErrHeaderAlreadyWritten indicates the global header has already been
	// emitted for this writer instance.
	ErrHeaderAlreadyWritten = errors.New("pcap: file header already written")
	// ErrHeaderNotWritten indicates a packet was written before the global header.
	ErrHeaderNotWritten = errors.New("pcap: file header not written")
	// ErrBadMagic indicates a stream that is not a classic pcap file.
	ErrBadMagic = errors.New("pcap: bad magic number")
)

// CaptureInfo describes metadata associated with a captured packet.
type CaptureInfo struct {
	Timestamp     time.Time
	CaptureLength int
	Length        int
}

// recordHeader is the 16-byte per-packet header. sub holds microseconds or
// nanoseconds depending on the file's magic.
type recordHeader struct {
	sec     uint32
	sub     uint32
	capLen  uint32
	origLen uint32
}

func (h recordHeader) encode(order binary.ByteOrder) [recordHeaderLen]byte {
	var b [recordHeaderLen]byte
	order.PutUint32(b[0:4], h.sec)
	order.PutUint32(b[4:8], h.sub)
	order.PutUint32(b[8:12], h.capLen)
	order.PutUint32(b[12:16], h.origLen)
	return b
}

func decodeRecordHeader(b []byte, order binary.ByteOrder) recordHeader {
	return recordHeader{
		sec:     order.Uint32(b[0:4]),
		sub:     order.Uint32(b[4:8]),
		capLen:  order.Uint32(b[8:12]),
		origLen: order.Uint32(b[12:16]),
	}
}
