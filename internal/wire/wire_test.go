package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func TestReadPacket(t *testing.T) {
	type packet struct {
		data  []byte
		sleep time.Duration
	}
	type packets []packet
	type args struct {
		data    packets
		timeout time.Duration
	}
	tests := []struct {
		name    string
		args    args
		want    []byte
		wantErr bool
		errIs   error
	}{
		{"Error on bogus data", args{packets{{[]byte("bogus"), 0}}, time.Second}, nil, true, nil},
		{"Zero length is a violation", args{packets{{[]byte{0, 0, 0, 0}, 0}}, time.Second}, nil, true, ErrEmptyPacket},
		{"Length one is fine", args{packets{{[]byte{0, 0, 0, 1}, 0}, {[]byte("b"), 0}}, time.Second}, []byte{'b'}, false, nil},
		{"Length 65536 is accepted", args{packets{{append([]byte{0, 1, 0, 0}, bytes.Repeat([]byte{'x'}, 65536)...), 0}}, time.Second}, bytes.Repeat([]byte{'x'}, 65536), false, nil},
		{"Length 65537 is a violation", args{packets{{[]byte{0, 1, 0, 1}, 0}}, time.Second}, nil, true, ErrPacketTooLarge},
		{"Timeout", args{packets{{[]byte{0, 0, 0, 1}, 2 * time.Second}, {[]byte("b"), 0}}, time.Second}, nil, true, nil},
		{"With Data", args{packets{{[]byte{0, 0, 0, 4, 't', 'e', 's', 't'}, 0}}, time.Second}, []byte{'t', 'e', 's', 't'}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ltt := tt
			t.Parallel()
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			defer ln.Close()
			serverChan := make(chan error)
			go func() {
				c, err := ln.Accept()
				if err != nil {
					serverChan <- err
					return
				}
				c.SetDeadline(time.Now().Add(time.Minute))
				for m := 0; m < len(ltt.args.data); m++ {
					if n, err := c.Write(ltt.args.data[m].data); err != nil || n != len(ltt.args.data[m].data) {
						if err == nil {
							err = fmt.Errorf("expected to write %d bytes but only wrote %d bytes", len(ltt.args.data[m].data), n)
						}
						serverChan <- err
						return
					}
					if ltt.args.data[m].sleep > 0 {
						time.Sleep(ltt.args.data[m].sleep)
					}
				}
				serverChan <- nil
			}()
			conn, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			got, err := ReadPacket(conn, ltt.args.timeout)
			if (err != nil) != ltt.wantErr {
				t.Fatalf("ReadPacket() error = %v, wantErr %v", err, ltt.wantErr)
			}
			if ltt.errIs != nil && !errors.Is(err, ltt.errIs) {
				t.Fatalf("ReadPacket() error = %v, want wrapping %v", err, ltt.errIs)
			}
			if !ltt.wantErr && !bytes.Equal(got, ltt.want) {
				t.Errorf("ReadPacket() got = %v, want %v", got, ltt.want)
			}
			<-serverChan
		})
	}
}

func TestWritePacket(t *testing.T) {
	type writeOp struct {
		payload []byte
		onAfter func(ln net.Listener, conn net.Conn)
	}
	tests := []struct {
		name     string
		writeOps []writeOp
		want     []byte
		wantErr  bool
	}{
		{"Single", []writeOp{{payload: []byte{'a'}}}, []byte{0, 0, 0, 1, 'a'}, false},
		{"Single2", []writeOp{{payload: []byte{'a', 'a', 0}}}, []byte{0, 0, 0, 3, 'a', 'a', 0}, false},
		{"Too big", []writeOp{{payload: make([]byte, MaxPayloadSize+1)}}, nil, true},
		{"Empty", []writeOp{{payload: nil}}, nil, true},
		{"Multiple", []writeOp{{payload: []byte{'a'}}, {payload: []byte{'b'}}}, []byte{0, 0, 0, 1, 'a', 0, 0, 0, 1, 'b'}, false},
		{"Multiple close in middle", []writeOp{{payload: []byte{'a'}, onAfter: func(ln net.Listener, conn net.Conn) { _ = conn.Close() }}, {payload: []byte{'b'}}}, []byte{0, 0, 0, 1, 'a'}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ltt := tt
			t.Parallel()
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			defer ln.Close()
			type response struct {
				data []byte
				err  error
			}
			serverChan := make(chan response)
			go func() {
				c, err := ln.Accept()
				if err != nil {
					serverChan <- response{err: err}
					return
				}
				c.SetDeadline(time.Now().Add(time.Minute))
				data, err := io.ReadAll(c)
				if err != nil {
					serverChan <- response{err: err}
					return
				}
				serverChan <- response{data: data}
			}()
			conn, err := net.Dial("tcp", ln.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			for _, op := range ltt.writeOps {
				err = WritePacket(conn, op.payload, time.Minute)
				if err != nil {
					break
				}
				if op.onAfter != nil {
					op.onAfter(ln, conn)
				}
			}
			_ = conn.Close()
			if (err != nil) != ltt.wantErr {
				t.Fatalf("WritePacket() error = %v, wantErr %v", err, ltt.wantErr)
			}
			resp := <-serverChan
			if resp.err != nil {
				t.Fatal(resp.err)
			}
			if !bytes.Equal(resp.data, ltt.want) {
				t.Errorf("read data mismatch got = %v, want %v", resp.data, ltt.want)
			}
		})
	}
}
