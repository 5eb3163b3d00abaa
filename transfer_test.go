package tftpd_test

import (
	"net"
	"testing"
	"time"

	"github.com/eahydra/tftpd"
)

// rawPeer is a minimal hand-driven UDP peer used where testclient's
// higher-level Get/Put would hide the per-transfer TID needed to
// exercise the foreign-TID invariant directly.
type rawPeer struct {
	conn *net.UDPConn
}

func newRawPeer(t *testing.T) *rawPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{conn: conn}
}

func TestForeignTIDDoesNotDisruptTransfer(t *testing.T) {
	want := append([]byte("payload for tid isolation test, "), make([]byte, 600)...)
	srv := tftpd.NewServer(sourceFromBytes(want), nil)
	if err := srv.Listen([]string{"127.0.0.1"}, 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	legit := newRawPeer(t)
	req, err := tftpd.EncodeRequest(tftpd.OpRRQ, "file.bin", tftpd.ModeOctet, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := legit.conn.WriteTo(req, srv.Addr()); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 2048)
	legit.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, transferAddr, err := legit.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("first DATA read: %v", err)
	}
	block, payload, err := tftpd.ParseData(buf[:n], 512)
	if err != nil || block != 1 {
		t.Fatalf("expected DATA block 1, got block=%d err=%v", block, err)
	}
	if string(payload) != string(want[:512]) {
		t.Fatalf("block 1 payload mismatch")
	}

	// An impostor on a different TID pokes the transfer's ephemeral
	// endpoint. It must get ERROR(5) and the legitimate transfer must
	// be unaffected.
	impostor := newRawPeer(t)
	if _, err := impostor.conn.WriteTo(tftpd.EncodeAck(1), transferAddr); err != nil {
		t.Fatal(err)
	}
	impostor.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	in := make([]byte, 512)
	n, err = impostor.conn.Read(in)
	if err != nil {
		t.Fatalf("expected the impostor to receive ERROR(5): %v", err)
	}
	we, err := tftpd.ParseError(in[:n])
	if err != nil {
		t.Fatalf("ParseError: %v", err)
	}
	if we.Code != tftpd.ErrUnknownTransferID {
		t.Fatalf("got error code %d want %d", we.Code, tftpd.ErrUnknownTransferID)
	}

	// The legitimate peer's transfer is still alive: ACKing block 1
	// should still yield the final (short) block.
	if _, err := legit.conn.WriteTo(tftpd.EncodeAck(1), transferAddr); err != nil {
		t.Fatal(err)
	}
	legit.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = legit.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected the legitimate transfer to still respond: %v", err)
	}
	block, payload, err = tftpd.ParseData(buf[:n], 512)
	if err != nil || block != 2 {
		t.Fatalf("expected DATA block 2, got block=%d err=%v", block, err)
	}
	if len(payload) >= 512 {
		t.Fatalf("expected a short terminal block, got %d bytes", len(payload))
	}
}

func TestAtMostOneBlockInFlight(t *testing.T) {
	// Retransmitting the previous ACK must not advance the block
	// counter: at most one DATA may be in flight at a time.
	want := []byte("abcdefghijklmnopqrstuvwxyz")
	srv := tftpd.NewServer(sourceFromBytes(want), nil)
	if err := srv.Listen([]string{"127.0.0.1"}, 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	peer := newRawPeer(t)
	req, err := tftpd.EncodeRequest(tftpd.OpRRQ, "file.bin", tftpd.ModeOctet, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peer.conn.WriteTo(req, srv.Addr()); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 2048)
	peer.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := peer.conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("first DATA read: %v", err)
	}
	block, _, _ := tftpd.ParseData(buf[:n], 512)
	if block != 1 {
		t.Fatalf("got block %d want 1", block)
	}

	// Ack block 0 (wrong/duplicate): must be ignored, so no datagram at
	// all comes back before block 1's retransmit timeout.
	if _, err := peer.conn.WriteTo(tftpd.EncodeAck(0), from); err != nil {
		t.Fatal(err)
	}
	peer.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := peer.conn.ReadFromUDP(buf); err == nil {
		t.Fatal("expected no response to a stale ACK(0) once block 1 is in flight")
	}
}
