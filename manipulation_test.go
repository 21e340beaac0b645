package milter

import (
	"strings"
	"testing"
)

func TestAddAngle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"root@localhost", "<root@localhost>"},
		{"<root@localhost>", "<root@localhost>"},
		{"<>", "<>"},
	}
	for _, tt := range tests {
		if got := addAngle(tt.in); got != tt.want {
			t.Errorf("addAngle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"X-Custom", true},
		{"", false},
		{"Bad Name", false},
		{"Bad:Name", false},
		{"Bad\x00Name", false},
	}
	for _, tt := range tests {
		if got := validName(tt.name); got != tt.want {
			t.Errorf("validName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAddRecipient_encode(t *testing.T) {
	m := &AddRecipient{Addr: "root@localhost"}
	got, err := m.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	want := string(respAddRcpt) + "<root@localhost>\x00"
	if string(got) != want {
		t.Errorf("encode() = %q, want %q", got, want)
	}
}

func TestAddRecipientWithEsmtpArgs_encode(t *testing.T) {
	m := &AddRecipientWithEsmtpArgs{Addr: "root@localhost", Args: "SIZE=100"}
	got, err := m.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	want := string(respAddRcptPar) + "<root@localhost>\x00SIZE=100\x00"
	if string(got) != want {
		t.Errorf("encode() = %q, want %q", got, want)
	}
}

func TestRemoveRecipient_encode(t *testing.T) {
	m := &RemoveRecipient{Addr: "<root@localhost>"}
	got, err := m.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	want := string(respDelRcpt) + "<root@localhost>\x00"
	if string(got) != want {
		t.Errorf("encode() = %q, want %q", got, want)
	}
}

func TestReplaceBodyChunk_encode(t *testing.T) {
	m := &ReplaceBodyChunk{Chunk: []byte("hello")}
	got, err := m.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	if string(got) != string(respReplBody)+"hello" {
		t.Errorf("encode() = %q", got)
	}

	big := &ReplaceBodyChunk{Chunk: make([]byte, 70000)}
	if _, err := big.encode(); err == nil {
		t.Errorf("encode() with oversized chunk: want error, got nil")
	}
}

func TestChunkReplaceBody(t *testing.T) {
	chunks, err := ChunkReplaceBody(strings.NewReader("1234567890123456789"), 10)
	if err != nil {
		t.Fatalf("ChunkReplaceBody() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	if string(chunks[0].Chunk) != "1234567890" || string(chunks[1].Chunk) != "123456789" {
		t.Fatalf("unexpected chunk contents: %q, %q", chunks[0].Chunk, chunks[1].Chunk)
	}
	for _, c := range chunks {
		if _, err := c.encode(); err != nil {
			t.Errorf("chunk.encode() error = %v", err)
		}
	}
}

func TestChunkReplaceBody_empty(t *testing.T) {
	chunks, err := ChunkReplaceBody(strings.NewReader(""), 10)
	if err != nil {
		t.Fatalf("ChunkReplaceBody() error = %v", err)
	}
	if chunks != nil {
		t.Fatalf("chunks = %v, want nil", chunks)
	}
}

func TestChangeMailFrom_encode(t *testing.T) {
	tests := []struct {
		name string
		m    *ChangeMailFrom
		want string
	}{
		{"no args", &ChangeMailFrom{Addr: "a@b"}, string(respChangeFrom) + "<a@b>\x00"},
		{"with args", &ChangeMailFrom{Addr: "a@b", Args: "SIZE=1"}, string(respChangeFrom) + "<a@b>\x00SIZE=1\x00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.m.encode()
			if err != nil {
				t.Fatalf("encode() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("encode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppendHeader_encode(t *testing.T) {
	m := &AppendHeader{Name: "X-Test", Value: "value\r\nfolded"}
	got, err := m.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	want := string(respAddHeader) + "X-Test\x00value\nfolded\x00"
	if string(got) != want {
		t.Errorf("encode() = %q, want %q", got, want)
	}

	bad := &AppendHeader{Name: "bad name"}
	if _, err := bad.encode(); err == nil {
		t.Errorf("encode() with invalid name: want error, got nil")
	}
}

func TestInsertHeader_encode(t *testing.T) {
	m := &InsertHeader{Index: 3, Name: "X-Test", Value: "v"}
	got, err := m.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	want := string(respInsHeader) + "\x00\x00\x00\x03X-Test\x00v\x00"
	if string(got) != want {
		t.Errorf("encode() = %q, want %q", got, want)
	}
}

func TestChangeHeader_encode(t *testing.T) {
	m := &ChangeHeader{Index: 1, Name: "X-Test", Value: ""}
	got, err := m.encode()
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	want := string(respChgHeader) + "\x00\x00\x00\x01X-Test\x00\x00"
	if string(got) != want {
		t.Errorf("encode() = %q, want %q", got, want)
	}
}
