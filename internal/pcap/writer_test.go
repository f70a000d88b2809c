package pcap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestWriterRawIPStream(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)

	const snapLen = 1500
	if err := writer.WriteFileHeader(snapLen, LinkTypeRaw); err != nil {
		t.Fatalf("write header: %v", err)
	}

	ts := time.Unix(1_700_000_000, 250_000_000)
	// IPv4 header prefix; the writer does not look inside.
	packet := []byte{0x45, 0x00, 0x00, 0x1c, 0x00, 0x01}
	if err := writer.WritePacket(CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(packet),
		Length:        len(packet),
	}, packet); err != nil {
		t.Fatalf("write packet: %v", err)
	}

	got := buf.Bytes()
	if want := fileHeaderLen + recordHeaderLen + len(packet); len(got) != want {
		t.Fatalf("stream is %d bytes, want %d", len(got), want)
	}

	le := binary.LittleEndian
	for _, f := range []struct {
		name string
		got  uint32
		want uint32
	}{
		{"magic", le.Uint32(got[0:4]), 0xa1b2c3d4},
		{"major", uint32(le.Uint16(got[4:6])), 2},
		{"minor", uint32(le.Uint16(got[6:8])), 4},
		{"thiszone", le.Uint32(got[8:12]), 0},
		{"sigfigs", le.Uint32(got[12:16]), 0},
		{"snaplen", le.Uint32(got[16:20]), snapLen},
		{"linktype", le.Uint32(got[20:24]), LinkTypeRaw},
		{"ts_sec", le.Uint32(got[24:28]), uint32(ts.Unix())},
		{"ts_usec", le.Uint32(got[28:32]), 250_000},
		{"incl_len", le.Uint32(got[32:36]), uint32(len(packet))},
		{"orig_len", le.Uint32(got[36:40]), uint32(len(packet))},
	} {
		if f.got != f.want {
			t.Fatalf("%s = %#x, want %#x", f.name, f.got, f.want)
		}
	}
	if data := got[fileHeaderLen+recordHeaderLen:]; !bytes.Equal(data, packet) {
		t.Fatalf("packet = %x, want %x", data, packet)
	}
}

func TestWritePacketRequiresHeader(t *testing.T) {
	writer := NewWriter(new(bytes.Buffer))
	err := writer.WritePacket(CaptureInfo{CaptureLength: 1, Length: 1}, []byte{0x01})
	if !errors.Is(err, ErrHeaderNotWritten) {
		t.Fatalf("expected ErrHeaderNotWritten, got %v", err)
	}
}

func TestSnapLengthEnforced(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	if err := writer.WriteFileHeader(4, LinkTypeRaw); err != nil {
		t.Fatalf("write header: %v", err)
	}

	payload := []byte{0, 1, 2, 3, 4}
	err := writer.WritePacket(CaptureInfo{
		CaptureLength: len(payload),
		Length:        len(payload),
	}, payload)
	if err == nil {
		t.Fatalf("expected snaplen enforcement error")
	}
}

func TestWritePacketDataTruncatesToSnapLength(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	if err := writer.WriteFileHeader(4, LinkTypeRaw); err != nil {
		t.Fatalf("write header: %v", err)
	}

	payload := []byte{0, 1, 2, 3, 4, 5}
	if err := writer.WritePacketData(time.Unix(10, 0), payload); err != nil {
		t.Fatalf("write packet data: %v", err)
	}

	record := buf.Bytes()[24:]
	if capLen := binary.LittleEndian.Uint32(record[8:12]); capLen != 4 {
		t.Fatalf("unexpected caplen %d", capLen)
	}
	if origLen := binary.LittleEndian.Uint32(record[12:16]); origLen != uint32(len(payload)) {
		t.Fatalf("unexpected origlen %d", origLen)
	}
	if got := record[16:]; !bytes.Equal(got, payload[:4]) {
		t.Fatalf("payload mismatch: got %x", got)
	}
}
