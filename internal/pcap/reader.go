package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// maxRecordLen bounds a single record so a corrupt length cannot make the
// reader allocate without limit.
const maxRecordLen = 256 * 1024

// Reader parses classic pcap streams of either byte order and timestamp
// resolution.
type Reader struct {
	r        io.Reader
	order    binary.ByteOrder
	nanos    bool
	snapLen  uint32
	linkType uint32
}

// NewReader reads the global header from r.
func NewReader(r io.Reader) (*Reader, error) {
	var hdr [fileHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}

	rd := &Reader{r: r}
	switch {
	case binary.LittleEndian.Uint32(hdr[0:4]) == magicMicroseconds:
		rd.order = binary.LittleEndian
	case binary.BigEndian.Uint32(hdr[0:4]) == magicMicroseconds:
		rd.order = binary.BigEndian
	case binary.LittleEndian.Uint32(hdr[0:4]) == magicNanoseconds:
		rd.order, rd.nanos = binary.LittleEndian, true
	case binary.BigEndian.Uint32(hdr[0:4]) == magicNanoseconds:
		rd.order, rd.nanos = binary.BigEndian, true
	default:
		return nil, fmt.Errorf("%w %#x", ErrBadMagic, binary.LittleEndian.Uint32(hdr[0:4]))
	}

	if major := rd.order.Uint16(hdr[4:6]); major != versionMajor {
		return nil, fmt.Errorf("pcap: unsupported version %d.%d", major, rd.order.Uint16(hdr[6:8]))
	}
	rd.snapLen = rd.order.Uint32(hdr[16:20])
	rd.linkType = rd.order.Uint32(hdr[20:24])
	return rd, nil
}

// LinkType is the link-layer type from the global header.
func (r *Reader) LinkType() uint32 { return r.linkType }

// SnapLen is the snap length from the global header.
func (r *Reader) SnapLen() uint32 { return r.snapLen }

// ReadPacket returns the next record. It returns io.EOF after the last
// complete record and io.ErrUnexpectedEOF for a truncated one.
func (r *Reader) ReadPacket() (CaptureInfo, []byte, error) {
	var rec [recordHeaderLen]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return CaptureInfo{}, nil, io.EOF
		}
		return CaptureInfo{}, nil, fmt.Errorf("pcap: read record header: %w", err)
	}
	hdr := decodeRecordHeader(rec[:], r.order)
	if hdr.capLen > maxRecordLen {
		return CaptureInfo{}, nil, fmt.Errorf("pcap: record length %d exceeds limit", hdr.capLen)
	}

	data := make([]byte, hdr.capLen)
	if _, err := io.ReadFull(r.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return CaptureInfo{}, nil, fmt.Errorf("pcap: read packet data: %w", err)
	}

	sub := time.Duration(hdr.sub) * time.Microsecond
	if r.nanos {
		sub = time.Duration(hdr.sub)
	}
	return CaptureInfo{
		Timestamp:     time.Unix(int64(hdr.sec), int64(sub)),
		CaptureLength: int(hdr.capLen),
		Length:        int(hdr.origLen),
	}, data, nil
}
