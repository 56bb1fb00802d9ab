package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"testing/iotest"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	framer := NewFramer(8, 64, 1024)

	cases := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"below chunk", 7},
		{"exact chunk", 8},
		{"chunk plus one", 9},
		{"several chunks", 8 * 5},
		{"ragged tail", 8*5 + 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := make([]byte, tc.size)
			for i := range payload {
				payload[i] = byte(i % 251)
			}

			var buf bytes.Buffer
			if err := framer.Send(&buf, payload); err != nil {
				t.Fatalf("Send failed: %v", err)
			}

			got, err := framer.Receive(&buf)
			if err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
			}
			if buf.Len() != 0 {
				t.Errorf("expected stream to be drained, %d bytes left", buf.Len())
			}
		})
	}
}

func TestSendWireLayout(t *testing.T) {
	framer := NewFramer(4, 64, 1024)

	var buf bytes.Buffer
	if err := framer.Send(&buf, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	want := []byte{
		0, 0, 0, 4, 'h', 'e', 'l', 'l',
		0, 0, 0, 1, 'o',
		0, 0, 0, 0,
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes mismatch:\n got  %v\n want %v", buf.Bytes(), want)
	}
}

func TestEmptyPayloadIsTerminatorOnly(t *testing.T) {
	var buf bytes.Buffer
	if err := Send(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0, 0, 0, 0}) {
		t.Fatalf("expected terminator only, got %v", buf.Bytes())
	}

	got, err := Receive(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestReceiveShortReads(t *testing.T) {
	payload := bytes.Repeat([]byte("patchwire"), 1000)

	var buf bytes.Buffer
	if err := Send(&buf, payload); err != nil {
		t.Fatal(err)
	}

	// One byte per Read call exercises the short-read loop on prefixes and bodies
	got, err := Receive(iotest.OneByteReader(&buf))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload mismatch after short reads")
	}
}

func TestReceiveBackToBackMessages(t *testing.T) {
	var buf bytes.Buffer
	messages := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xff}, 5000)}
	for _, m := range messages {
		if err := Send(&buf, m); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range messages {
		got, err := Receive(&buf)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("message %d mismatch", i)
		}
	}
}

func TestReceiveClosedBeforePrefix(t *testing.T) {
	_, err := Receive(&bytes.Buffer{})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestReceiveClosedInsidePrefix(t *testing.T) {
	_, err := Receive(bytes.NewReader([]byte{0, 0}))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestReceiveClosedMidChunk(t *testing.T) {
	frame := []byte{0, 0, 0, 10, 'a', 'b', 'c'}
	_, err := Receive(bytes.NewReader(frame))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestReceiveClosedBeforeTerminator(t *testing.T) {
	frame := []byte{0, 0, 0, 3, 'a', 'b', 'c'}
	_, err := Receive(bytes.NewReader(frame))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestReceiveRejectsOversizedChunk(t *testing.T) {
	framer := NewFramer(16, 32, 1024)

	var prefix [PrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], 33)

	_, err := framer.Receive(bytes.NewReader(prefix[:]))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReceiveRejectsOversizedMessage(t *testing.T) {
	writer := NewFramer(32, 32, 1024)
	reader := NewFramer(32, 32, 100)

	var buf bytes.Buffer
	if err := writer.Send(&buf, make([]byte, 101)); err != nil {
		t.Fatal(err)
	}

	_, err := reader.Receive(&buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestNewFramerDefaults(t *testing.T) {
	f := NewFramer(0, 0, 0)
	if f.ChunkSize != DefaultChunkSize || f.MaxChunkSize != DefaultMaxChunkSize || f.MaxMessageSize != DefaultMaxMessageSize {
		t.Fatalf("unexpected defaults: %+v", f)
	}

	// A chunk size above the read limit would produce unreadable frames
	clamped := NewFramer(128, 64, 1024)
	if clamped.ChunkSize != 64 {
		t.Fatalf("expected chunk size clamped to 64, got %d", clamped.ChunkSize)
	}
}
