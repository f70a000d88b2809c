package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// Writer emits little-endian, microsecond-resolution pcap streams.
type Writer struct {
	w             io.Writer
	headerWritten bool
	snapLen       uint32
}

// NewWriter wraps the supplied io.Writer. The caller must invoke WriteFileHeader
// once before any packets are written.
func NewWriter(out io.Writer) *Writer {
	return &Writer{w: out}
}

// WriteFileHeader writes the 24-byte global pcap header. It must be called
// exactly once per Writer instance before WritePacket is used.
func (w *Writer) WriteFileHeader(snapLen uint32, linkType uint32) error {
	if w.headerWritten {
		return ErrHeaderAlreadyWritten
	}

	var hdr [fileHeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	// Zone and sigfigs stay zero.
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], linkType)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}

	w.snapLen = snapLen
	w.headerWritten = true
	return nil
}

// WritePacket appends a captured packet record to the stream.
func (w *Writer) WritePacket(ci CaptureInfo, data []byte) error {
	if !w.headerWritten {
		return ErrHeaderNotWritten
	}

	switch {
	case ci.CaptureLength < 0:
		return fmt.Errorf("pcap: negative capture length %d", ci.CaptureLength)
	case ci.Length < 0:
		return fmt.Errorf("pcap: negative original length %d", ci.Length)
	case ci.CaptureLength > len(data):
		return fmt.Errorf("pcap: capture length %d exceeds data buffer %d", ci.CaptureLength, len(data))
	case ci.CaptureLength > math.MaxUint32:
		return fmt.Errorf("pcap: capture length %d overflows uint32", ci.CaptureLength)
	case ci.Length > math.MaxUint32:
		return fmt.Errorf("pcap: original length %d overflows uint32", ci.Length)
	case w.snapLen != 0 && uint32(ci.CaptureLength) > w.snapLen:
		return fmt.Errorf("pcap: capture length %d exceeds snap length %d", ci.CaptureLength, w.snapLen)
	}

	hdr := recordHeader{
		capLen:  uint32(ci.CaptureLength),
		origLen: uint32(ci.Length),
	}
	if !ci.Timestamp.IsZero() {
		sec := ci.Timestamp.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		hdr.sec = uint32(sec)
		hdr.sub = uint32(ci.Timestamp.Nanosecond() / 1_000)
	}

	rec := hdr.encode(binary.LittleEndian)
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if ci.CaptureLength == 0 {
		return nil
	}
	if _, err := w.w.Write(data[:ci.CaptureLength]); err != nil {
		return fmt.Errorf("pcap: write packet data: %w", err)
	}
	return nil
}

// WritePacketData records data as seen at ts, truncating it to the snap
// length instead of failing.
func (w *Writer) WritePacketData(ts time.Time, data []byte) error {
	capLen := len(data)
	if w.snapLen != 0 && uint32(capLen) > w.snapLen {
		capLen = int(w.snapLen)
	}
	return w.WritePacket(CaptureInfo{
		Timestamp:     ts,
		CaptureLength: capLen,
		Length:        len(data),
	}, data)
}
