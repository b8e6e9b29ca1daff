package rpcclient

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/config"
	"github.com/BlockStorage1/repertory-sub002/internal/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

// fakeServer is a minimal loopback stand-in for C3, just enough to drive
// C2's pool through a real handshake and a handful of request/response
// round trips over an actual TCP socket.
type fakeServer struct {
	ln         net.Listener
	minVersion uint32
	echoMethod map[string]func(method string, req *packet.Packet) (*packet.Packet, uint32, apierror.Code)
}

func newFakeServer(t *testing.T) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeServer{ln: ln, minVersion: packet.ProtocolVersion}
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) serveOne(t *testing.T) {
	nc, err := s.ln.Accept()
	if err != nil {
		return
	}
	go s.handle(t, nc)
}

func (s *fakeServer) handle(t *testing.T, nc net.Conn) {
	defer nc.Close()

	greeting := packet.New()
	greeting.EncodeUint32(s.minVersion)
	greeting.EncodeUint32(^s.minVersion)
	greeting.EncodeBytes(make([]byte, packet.PacketNonceSize))
	if err := writeChunked(nc, greeting.Bytes()); err != nil {
		return
	}

	confirmSize := packet.EncryptedSize(packet.HandshakeGreetingSize)
	confirm := make([]byte, confirmSize)
	if err := readChunked(nc, confirm); err != nil {
		return
	}
	confirmPkt := packet.FromBytes(confirm)
	if aerr := confirmPkt.Decrypt(testToken); aerr != nil {
		return
	}

	nonce := []byte("session-nonce-01")
	if !s.writeResponse(nc, nonce, apierror.Success, nil, 0) {
		return
	}

	for {
		req, method, clientID, aerr := s.readRequest(nc)
		if aerr != nil {
			return
		}

		handler, ok := s.echoMethod[method]
		var resp *packet.Packet
		var serviceFlags uint32
		code := apierror.Success
		if ok {
			resp, serviceFlags, code = handler(method, req)
		} else {
			resp = packet.New()
		}
		_ = clientID
		if !s.writeResponse(nc, nonce, code, resp, serviceFlags) {
			return
		}
	}
}

func (s *fakeServer) readRequest(nc net.Conn) (*packet.Packet, string, string, *apierror.Error) {
	var sizeBuf [4]byte
	if err := readChunked(nc, sizeBuf[:]); err != nil {
		return nil, "", "", apierror.New(apierror.Error)
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if aerr := packet.ValidateFrameLength(size); aerr != nil {
		return nil, "", "", aerr
	}
	body := make([]byte, size)
	if err := readChunked(nc, body); err != nil {
		return nil, "", "", apierror.New(apierror.Error)
	}
	req := packet.FromBytes(body)
	if aerr := req.Decrypt(testToken); aerr != nil {
		return nil, "", "", aerr
	}

	if _, aerr := req.DecodeBytes(); aerr != nil { // nonce
		return nil, "", "", aerr
	}
	if _, aerr := req.DecodeUint32(); aerr != nil { // version
		return nil, "", "", aerr
	}
	if _, aerr := req.DecodeUint32(); aerr != nil { // service flags
		return nil, "", "", aerr
	}
	clientID, aerr := req.DecodeString()
	if aerr != nil {
		return nil, "", "", aerr
	}
	method, aerr := req.DecodeString()
	if aerr != nil {
		return nil, "", "", aerr
	}
	if _, aerr := req.DecodeUint32(); aerr != nil { // correlation id
		return nil, "", "", aerr
	}
	return req, method, clientID, nil
}

func (s *fakeServer) writeResponse(nc net.Conn, nonce []byte, code apierror.Code, payload *packet.Packet, serviceFlags uint32) bool {
	resp := packet.New()
	if payload != nil {
		resp = packet.FromBytes(append([]byte{}, payload.Bytes()...))
	}
	resp.EncodeUint32Top(uint32(code))
	resp.EncodeUint32Top(serviceFlags)
	resp.EncodeBytesTop(nonce)
	if aerr := resp.Encrypt(testToken, true); aerr != nil {
		return false
	}
	return writeChunked(nc, resp.Bytes()) == nil
}

func newTestPool(t *testing.T, srv *fakeServer) *Pool {
	host, portStr, err := net.SplitHostPort(srv.addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.RemoteMount{
		Host:            host,
		Port:            uint16(port),
		EncryptionToken: testToken,
		MaxConnections:  2,
		ConnTimeout:     2 * time.Second,
	}
	return New(cfg, nil)
}

func TestHandshakeThenSendRoundTrip(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()
	srv.echoMethod = map[string]func(string, *packet.Packet) (*packet.Packet, uint32, apierror.Code){
		"::check": func(_ string, _ *packet.Packet) (*packet.Packet, uint32, apierror.Code) {
			return packet.New(), 0, apierror.Success
		},
	}
	go srv.serveOne(t)

	pool := newTestPool(t, srv)
	defer pool.CloseAll()

	resp, flags, aerr := pool.Send(context.Background(), "::check", nil)
	require.Nil(t, aerr)
	assert.Equal(t, uint32(0), flags)
	assert.NotNil(t, resp)
}

func TestSendPropagatesServerErrorCode(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()
	srv.echoMethod = map[string]func(string, *packet.Packet) (*packet.Packet, uint32, apierror.Code){
		"::fuse_getattr": func(_ string, _ *packet.Packet) (*packet.Packet, uint32, apierror.Code) {
			return packet.New(), 0, apierror.ItemNotFound
		},
	}
	go srv.serveOne(t)

	pool := newTestPool(t, srv)
	defer pool.CloseAll()

	_, _, aerr := pool.Send(context.Background(), "::fuse_getattr", nil)
	require.NotNil(t, aerr)
	assert.Equal(t, apierror.ItemNotFound, aerr.Code)
}

func TestSendRejectsIncompatibleServerVersion(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()
	srv.minVersion = packet.ProtocolVersion + 1
	go srv.serveOne(t)

	pool := newTestPool(t, srv)
	defer pool.CloseAll()

	_, _, aerr := pool.Send(context.Background(), "::check", nil)
	require.NotNil(t, aerr)
	assert.Equal(t, apierror.IncompatibleVersion, aerr.Code)
}

func TestCheckVersionReadsGreetingOnly(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()
	srv.minVersion = 7
	go srv.serveOne(t)

	pool := newTestPool(t, srv)
	defer pool.CloseAll()

	v, aerr := pool.CheckVersion(context.Background())
	require.Nil(t, aerr)
	assert.Equal(t, uint32(7), v)
}

func TestSendRoundTripsMultipleRequestsOnSameConnection(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.ln.Close()
	srv.echoMethod = map[string]func(string, *packet.Packet) (*packet.Packet, uint32, apierror.Code){
		"::check": func(_ string, _ *packet.Packet) (*packet.Packet, uint32, apierror.Code) {
			return packet.New(), 0, apierror.Success
		},
	}
	go srv.serveOne(t)

	pool := newTestPool(t, srv)
	defer pool.CloseAll()

	for i := 0; i < 3; i++ {
		_, _, aerr := pool.Send(context.Background(), "::check", nil)
		require.Nil(t, aerr)
	}
}
