// Package testclient is a small blocking TFTP client used to drive the
// server end-to-end in tests. It is built against tftpd's packet codec
// so it exercises exactly the wire format the server emits, including
// option negotiation.
package testclient

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/eahydra/tftpd"
)

// Client is a synchronous, single-transfer-at-a-time TFTP peer.
type Client struct {
	remoteAddr *net.UDPAddr
	conn       *net.UDPConn
	timeout    time.Duration
	retries    int
}

func NewClient(addr string, timeout time.Duration, retries int) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, err
	}
	return &Client{remoteAddr: raddr, conn: conn, timeout: timeout, retries: retries}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Get performs an RRQ, writing the downloaded content to w. opts is
// passed verbatim as the request's option set (e.g. {"blksize":
// "1024"}); pass nil for a plain unoptioned request.
func (c *Client) Get(filename string, w io.Writer, opts tftpd.Options) error {
	req, err := tftpd.EncodeRequest(tftpd.OpRRQ, filename, tftpd.ModeOctet, opts)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteTo(req, c.remoteAddr); err != nil {
		return err
	}

	blockSize := 512
	expectOACK := len(opts) > 0
	peer := c.remoteAddr
	buf := make([]byte, 65535+4)
	expected := uint16(1)
	retry := 0

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && retry < c.retries {
				retry++
				c.conn.WriteTo(req, c.remoteAddr)
				continue
			}
			return err
		}
		retry = 0
		peer = from
		op, err := tftpd.PeekOpcode(buf[:n])
		if err != nil {
			continue
		}
		switch op {
		case tftpd.OpOACK:
			if !expectOACK {
				continue
			}
			expectOACK = false
			oack, err := tftpd.ParseOACK(buf[:n])
			if err != nil {
				return err
			}
			if size, err := strconv.Atoi(oack["blksize"]); err == nil {
				blockSize = size
			}
			ack := tftpd.EncodeAck(0)
			if _, err := c.conn.WriteTo(ack, peer); err != nil {
				return err
			}
		case tftpd.OpDATA:
			block, payload, err := tftpd.ParseData(buf[:n], blockSize)
			if err != nil {
				continue
			}
			if block != expected {
				continue
			}
			if _, err := w.Write(payload); err != nil {
				return err
			}
			ack := tftpd.EncodeAck(block)
			if _, err := c.conn.WriteTo(ack, peer); err != nil {
				return err
			}
			expected++
			if len(payload) < blockSize {
				return nil
			}
		case tftpd.OpERROR:
			we, _ := tftpd.ParseError(buf[:n])
			if we != nil {
				return we
			}
			return fmt.Errorf("tftp: peer sent an error")
		}
	}
}

// Put performs a WRQ, uploading the full contents of r.
func (c *Client) Put(filename string, r io.Reader, opts tftpd.Options) error {
	req, err := tftpd.EncodeRequest(tftpd.OpWRQ, filename, tftpd.ModeOctet, opts)
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteTo(req, c.remoteAddr); err != nil {
		return err
	}

	blockSize := 512
	expectOACK := len(opts) > 0
	peer := c.remoteAddr
	buf := make([]byte, 65535+4)
	block := uint16(0)
	finalSent := false
	retry := 0
	chunk := make([]byte, blockSize)

	sendNext := func() error {
		nr, rerr := r.Read(chunk)
		if rerr != nil && rerr != io.EOF {
			return rerr
		}
		block++
		data, err := tftpd.EncodeData(block, chunk[:nr], blockSize)
		if err != nil {
			return err
		}
		if _, err := c.conn.WriteTo(data, peer); err != nil {
			return err
		}
		finalSent = nr < blockSize
		return nil
	}

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		n, from, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && retry < c.retries {
				retry++
				c.conn.WriteTo(req, c.remoteAddr)
				continue
			}
			return err
		}
		retry = 0
		peer = from
		op, err := tftpd.PeekOpcode(buf[:n])
		if err != nil {
			continue
		}
		switch op {
		case tftpd.OpOACK:
			if !expectOACK {
				continue
			}
			expectOACK = false
			oack, err := tftpd.ParseOACK(buf[:n])
			if err != nil {
				return err
			}
			if size, err := strconv.Atoi(oack["blksize"]); err == nil {
				blockSize = size
				chunk = make([]byte, blockSize)
			}
			if err := sendNext(); err != nil {
				return err
			}
		case tftpd.OpACK:
			ackBlock, err := tftpd.ParseAck(buf[:n])
			if err != nil || ackBlock != block {
				continue
			}
			if finalSent {
				return nil
			}
			if err := sendNext(); err != nil {
				return err
			}
		case tftpd.OpERROR:
			we, _ := tftpd.ParseError(buf[:n])
			if we != nil {
				return we
			}
			return fmt.Errorf("tftp: peer sent an error")
		}
	}
}
