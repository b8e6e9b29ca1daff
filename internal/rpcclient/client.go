// Package rpcclient implements C2: a pooled, encrypted, retrying TCP client
// for the remote-drive RPC protocol's request/response wire layer (spec.md
// §4.2).
//
// Connecting does a plaintext version/capability handshake before any
// encrypted traffic flows: on accept the server immediately sends a
// [u32 version][u32 ~version][u32 nonce length][16-byte nonce] greeting; the
// client checks the
// complemented pair for corruption, rejects a server whose minimum version
// exceeds its own, then re-encrypts those same greeting bytes with the
// shared token to prove it holds it and reads back the server's first
// rolling session nonce. Every request after that is an AEAD-sealed,
// length-prefixed frame carrying, front to back: the rolling session nonce,
// this module's protocol version, a reserved service-flags word, the pool's
// client id, the RPC method name, a per-call correlation id, and the
// caller's argument payload; responses mirror that with (nonce,
// service_flags, error_code, payload). Grounded on
// _examples/original_source/repertory/librepertory/src/comm/packet/packet_client.cpp's
// handshake()/connect()/send()/read_packet() methods. The flat 1-second
// inter-retry sleep there is kept: the pool's internal/pacer calculator has
// its minimum and maximum sleep both set to one second. internal/uploader
// uses the same pacer package for its own retry loop.
package rpcclient

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/config"
	"github.com/BlockStorage1/repertory-sub002/internal/pacer"
	"github.com/BlockStorage1/repertory-sub002/internal/packet"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	readWriteChunkSize = 32 * 1024
	maxReadAttempts    = 5
)

// conn is one pooled, already-handshaken TCP connection plus its rolling
// session nonce.
type conn struct {
	nc    net.Conn
	nonce []byte
}

// Pool is a connection pool against a single remote-mount endpoint,
// generalizing packet_client's clients_ vector / get_client() / put_client()
// into a Go slice guarded by a mutex plus a token dispenser that bounds
// concurrent live connections at cfg.MaxConnections.
type Pool struct {
	mu    sync.Mutex
	cfg   config.RemoteMount
	idle  []*conn
	allow bool

	clientID string
	tokens   *pacer.TokenDispenser
	pacer    *pacer.Pacer
	reqID    uint64
	log      *logrus.Entry
}

// New builds a Pool against cfg. Connections are established lazily on the
// first Send.
func New(cfg config.RemoteMount, log *logrus.Entry) *Pool {
	max := int(cfg.MaxConnections)
	if max <= 0 {
		max = 1
	}
	return &Pool{
		cfg:      cfg,
		allow:    true,
		clientID: uuid.NewString(),
		tokens:   pacer.NewTokenDispenser(max),
		pacer:    pacer.New(maxReadAttempts, pacer.NewDefault(pacer.MinSleep(time.Second), pacer.MaxSleep(time.Second))),
		log:      log,
	}
}

// ClientID returns the identifier this pool presents to the server on every
// request (spec.md §4.2's client_id field).
func (p *Pool) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

func (p *Pool) addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(int(p.cfg.Port)))
}

// dial opens and handshakes a fresh connection.
func (p *Pool) dial(ctx context.Context) (*conn, *apierror.Error) {
	d := net.Dialer{Timeout: p.cfg.ConnTimeout}
	nc, err := d.DialContext(ctx, "tcp", p.addr())
	if err != nil {
		return nil, apierror.Wrap(apierror.Error, err, "dial remote mount")
	}

	nonce, aerr := p.handshake(nc)
	if aerr != nil {
		nc.Close()
		return nil, aerr
	}
	return &conn{nc: nc, nonce: nonce}, nil
}

// handshake performs the client side of the plaintext version exchange
// described in the package doc, returning the server's first session
// nonce.
func (p *Pool) handshake(nc net.Conn) ([]byte, *apierror.Error) {
	if p.cfg.ConnTimeout > 0 {
		nc.SetDeadline(time.Now().Add(p.cfg.ConnTimeout))
		defer nc.SetDeadline(time.Time{})
	}

	greeting := make([]byte, packet.HandshakeGreetingSize)
	if err := readChunked(nc, greeting); err != nil {
		return nil, apierror.Wrap(apierror.Error, err, "read handshake greeting")
	}

	pkt := packet.FromBytes(greeting)
	minVersion, aerr := pkt.DecodeUint32()
	if aerr != nil {
		return nil, aerr
	}
	minVersionCheck, aerr := pkt.DecodeUint32()
	if aerr != nil {
		return nil, aerr
	}
	if minVersionCheck != ^minVersion {
		return nil, apierror.New(apierror.MalformedPacket)
	}
	if packet.ProtocolVersion < minVersion {
		return nil, apierror.New(apierror.IncompatibleVersion)
	}

	confirm := packet.FromBytes(append([]byte{}, greeting...))
	if aerr := confirm.Encrypt(p.cfg.EncryptionToken, false); aerr != nil {
		return nil, aerr
	}
	if err := writeChunked(nc, confirm.Bytes()); err != nil {
		return nil, apierror.Wrap(apierror.Error, err, "write handshake confirmation")
	}

	_, nonce, aerr := readResponseFrame(nc, p.cfg.EncryptionToken)
	if aerr != nil {
		return nil, aerr
	}
	return nonce, nil
}

// getConn pops an idle connection or dials a fresh one, subject to the
// pool's connection-count token.
func (p *Pool) getConn(ctx context.Context) (*conn, *apierror.Error) {
	p.mu.Lock()
	if !p.allow {
		p.mu.Unlock()
		return nil, apierror.New(apierror.Error)
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	p.tokens.Get()
	c, aerr := p.dial(ctx)
	if aerr != nil {
		p.tokens.Put()
		return nil, aerr
	}
	return c, nil
}

func (p *Pool) putConn(c *conn) {
	p.mu.Lock()
	if p.allow {
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	c.nc.Close()
	p.tokens.Put()
}

func (p *Pool) dropConn(c *conn) {
	c.nc.Close()
	p.tokens.Put()
}

// CloseAll closes every idle connection and permanently disables further
// connections, mirroring packet_client's close_all()/~packet_client().
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.allow = false
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.nc.Close()
	}
}

// Send issues method with request as its argument payload and returns the
// decoded response payload plus the server's service_flags, making up to
// maxReadAttempts attempts in total when a connection, write or read fails
// (spec.md §4.2).
func (p *Pool) Send(ctx context.Context, method string, request *packet.Packet) (*packet.Packet, uint32, *apierror.Error) {
	if request == nil {
		request = packet.New()
	}

	body := append([]byte{}, request.Bytes()...)
	reqID := atomic.AddUint64(&p.reqID, 1)

	var lastErr *apierror.Error
	for attempt := 1; attempt <= maxReadAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, 0, apierror.Wrap(apierror.Error, ctx.Err(), "send canceled")
		}

		c, aerr := p.getConn(ctx)
		if aerr != nil {
			lastErr = aerr
			if attempt < maxReadAttempts {
				p.pacer.Sleep(true)
			}
			continue
		}

		frame := packet.FromBytes(append([]byte{}, body...))
		frame.EncodeUint32Top(uint32(reqID))
		frame.EncodeStringTop(method)
		frame.EncodeStringTop(p.ClientID())
		frame.EncodeUint32Top(packet.ServiceFlags)
		frame.EncodeUint32Top(packet.ProtocolVersion)
		frame.EncodeBytesTop(c.nonce)

		if err := frame.Encrypt(p.cfg.EncryptionToken, true); err != nil {
			p.dropConn(c)
			lastErr = err
			continue
		}

		if err := writeChunked(c.nc, frame.Bytes()); err != nil {
			p.dropConn(c)
			lastErr = apierror.Wrap(apierror.Error, err, "write request frame")
			if attempt < maxReadAttempts {
				p.pacer.Sleep(true)
			}
			continue
		}

		resp, nonce, err := readResponseFrame(c.nc, p.cfg.EncryptionToken)
		if err != nil {
			p.dropConn(c)
			lastErr = err
			if attempt < maxReadAttempts {
				p.pacer.Sleep(true)
			}
			continue
		}
		c.nonce = nonce

		serviceFlags, err := resp.DecodeUint32()
		if err != nil {
			p.dropConn(c)
			lastErr = err
			continue
		}
		errCode, err := resp.DecodeUint32()
		if err != nil {
			p.dropConn(c)
			lastErr = err
			continue
		}

		p.putConn(c)
		p.pacer.Sleep(false)

		if code := apierror.Code(errCode); code != apierror.Success {
			return resp, serviceFlags, apierror.New(code)
		}
		return resp, serviceFlags, nil
	}

	return nil, 0, lastErr
}

// CheckVersion opens a throwaway connection purely to read the remote's
// minimum version, mirroring packet_client::check_version.
func (p *Pool) CheckVersion(ctx context.Context) (uint32, *apierror.Error) {
	d := net.Dialer{Timeout: p.cfg.ConnTimeout}
	nc, err := d.DialContext(ctx, "tcp", p.addr())
	if err != nil {
		return 0, apierror.Wrap(apierror.Error, err, "dial remote mount")
	}
	defer nc.Close()

	greeting := make([]byte, packet.HandshakeGreetingSize)
	if err := readChunked(nc, greeting); err != nil {
		return 0, apierror.Wrap(apierror.Error, err, "read handshake greeting")
	}
	pkt := packet.FromBytes(greeting)
	minVersion, aerr := pkt.DecodeUint32()
	if aerr != nil {
		return 0, aerr
	}
	return minVersion, nil
}

func readChunked(nc net.Conn, buf []byte) error {
	offset := 0
	for offset < len(buf) {
		n := len(buf) - offset
		if n > readWriteChunkSize {
			n = readWriteChunkSize
		}
		read, err := io.ReadFull(nc, buf[offset:offset+n])
		if err != nil {
			return err
		}
		offset += read
	}
	return nil
}

func writeChunked(nc net.Conn, buf []byte) error {
	offset := 0
	for offset < len(buf) {
		n := len(buf) - offset
		if n > readWriteChunkSize {
			n = readWriteChunkSize
		}
		written, err := nc.Write(buf[offset : offset+n])
		if err != nil {
			return err
		}
		offset += written
	}
	return nil
}

// readResponseFrame reads one length-prefixed, encrypted response frame,
// decrypts it, and decodes its leading session nonce, returning the
// remaining packet positioned for the caller to decode service_flags and
// error_code next (mirrors packet_client::read_packet).
func readResponseFrame(nc net.Conn, token string) (*packet.Packet, []byte, *apierror.Error) {
	var sizeBuf [4]byte
	if err := readChunked(nc, sizeBuf[:]); err != nil {
		return nil, nil, apierror.Wrap(apierror.Error, err, "read frame size")
	}
	size := beUint32(sizeBuf[:])
	if aerr := packet.ValidateFrameLength(size); aerr != nil {
		return nil, nil, aerr
	}

	body := make([]byte, size)
	if err := readChunked(nc, body); err != nil {
		return nil, nil, apierror.Wrap(apierror.Error, err, "read frame body")
	}

	resp := packet.FromBytes(body)
	if aerr := resp.Decrypt(token); aerr != nil {
		return nil, nil, aerr
	}

	nonce, aerr := resp.DecodeBytes()
	if aerr != nil {
		return nil, nil, aerr
	}
	return resp, nonce, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
