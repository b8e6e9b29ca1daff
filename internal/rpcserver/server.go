// Package rpcserver implements C3: the accept loop and per-connection
// dispatch half of the remote-drive RPC protocol (spec.md §4.3), the
// server side of internal/rpcclient's C2 handshake and framing.
//
// Each accepted socket performs the server side of the plaintext
// version/nonce handshake described in internal/rpcclient's package doc,
// then enters a request loop: read a length-prefixed encrypted frame,
// verify its leading nonce matches the session's expected value (rejecting
// a mismatch with apierror.NonceMismatch, since the original treats nonce
// continuity as proof a request belongs to this session), hand the
// decoded (client_id, thread_id, method, payload) to the configured
// Handler through a bounded per-(client_id, thread_id) worker lock so two
// requests logically belonging to the same client thread never run
// concurrently while unrelated threads proceed in parallel, then answer
// with a freshly generated nonce the client will echo on its next request.
//
// Grounded on remote_server_base.hpp's packet_server_ wiring (handler
// dispatch signature, closed_handler callback, "remote_server_expired"
// polling callback driving client_pool_.remove_expired()) and
// packet_client.cpp's framing conventions, mirrored server-side since the
// pack carries no packet_server.cpp/client_pool.cpp source of its own.
package rpcserver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"github.com/BlockStorage1/repertory-sub002/internal/config"
	"github.com/BlockStorage1/repertory-sub002/internal/events"
	"github.com/BlockStorage1/repertory-sub002/internal/packet"
	"github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
)

const readWriteChunkSize = 32 * 1024

// Handler answers one decoded request. clientID and threadID are the
// caller-supplied correlation fields from spec.md §4.2's request header.
type Handler func(ctx context.Context, clientID string, threadID uint32, method string, request *packet.Packet) (response *packet.Packet, serviceFlags uint32, err *apierror.Error)

// Server accepts connections on a listener and dispatches requests to a
// Handler.
type Server struct {
	ln       net.Listener
	cfg      config.RemoteMount
	handler  Handler
	onClosed func(clientID string)
	sink     events.Sink
	log      *logrus.Entry

	workerLocks *lru.Cache // key "clientID|threadID" -> *sync.Mutex

	mu      sync.Mutex
	clients map[net.Conn]*session
	closing bool
}

// session is one accepted, handshaken connection's live state.
type session struct {
	nc           net.Conn
	clientID     string
	nonce        []byte
	lastActivity time.Time
}

// New builds a Server. onClosed, if non-nil, is invoked once per
// disconnecting client so callers can drain that client's open handles
// (internal/remotehandles.Table.CloseAll, internal/dircache.Cache's
// ReleaseAllForClient).
func New(ln net.Listener, cfg config.RemoteMount, handler Handler, onClosed func(clientID string), sink events.Sink, log *logrus.Entry) (*Server, error) {
	poolSize := cfg.ClientPoolSize
	if poolSize <= 0 {
		poolSize = 64
	}
	workerLocks, err := lru.New(poolSize)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln:          ln,
		cfg:         cfg,
		handler:     handler,
		onClosed:    onClosed,
		sink:        sink,
		log:         log,
		workerLocks: workerLocks,
		clients:     make(map[net.Conn]*session),
	}, nil
}

// Serve accepts connections until ctx is canceled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.ln.Close()
	}()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	nonce, aerr := s.handshake(nc)
	if aerr != nil {
		if s.log != nil {
			s.log.WithError(aerr).Debug("rpcserver handshake failed")
		}
		return
	}

	sess := &session{nc: nc, nonce: nonce, lastActivity: time.Now()}
	s.mu.Lock()
	s.clients[nc] = sess
	s.mu.Unlock()
	s.raise("remote_client_connected", map[string]any{"remote_addr": nc.RemoteAddr().String()})

	defer func() {
		s.mu.Lock()
		delete(s.clients, nc)
		s.mu.Unlock()
		s.raise("remote_client_disconnected", map[string]any{"client_id": sess.clientID})
		if sess.clientID != "" && s.onClosed != nil {
			s.onClosed(sess.clientID)
		}
	}()

	for {
		if err := s.serveRequest(ctx, sess); err != nil {
			return
		}
	}
}

// handshake performs the server side of the plaintext version/nonce
// exchange (mirrors internal/rpcclient's package doc): send the greeting,
// read back the client's encrypted confirmation, and reply with a fresh
// session nonce.
func (s *Server) handshake(nc net.Conn) ([]byte, *apierror.Error) {
	nonce := make([]byte, packet.PacketNonceSize)
	_, _ = rand.Read(nonce)

	greeting := packet.New()
	greeting.EncodeUint32(packet.ProtocolVersion)
	greeting.EncodeUint32(^packet.ProtocolVersion)
	greeting.EncodeBytes(nonce)
	if err := writeChunked(nc, greeting.Bytes()); err != nil {
		return nil, apierror.Wrap(apierror.Error, err, "write handshake greeting")
	}

	confirmSize := packet.EncryptedSize(packet.HandshakeGreetingSize)
	confirm := make([]byte, confirmSize)
	if err := readChunked(nc, confirm); err != nil {
		return nil, apierror.Wrap(apierror.Error, err, "read handshake confirmation")
	}
	confirmPkt := packet.FromBytes(confirm)
	if aerr := confirmPkt.Decrypt(s.cfg.EncryptionToken); aerr != nil {
		return nil, aerr
	}

	sessionNonce := make([]byte, packet.PacketNonceSize)
	_, _ = rand.Read(sessionNonce)
	if aerr := s.writeResponse(nc, sessionNonce, apierror.Success, nil, 0); aerr != nil {
		return nil, aerr
	}
	return sessionNonce, nil
}

// serveRequest reads and answers exactly one request; a returned error
// means the connection is no longer usable.
func (s *Server) serveRequest(ctx context.Context, sess *session) error {
	req, clientID, threadID, method, nonce, aerr := s.readRequest(sess.nc)
	if aerr != nil {
		return fmt.Errorf("%w", aerr)
	}
	if string(nonce) != string(sess.nonce) {
		_ = s.writeResponse(sess.nc, sess.nonce, apierror.NonceMismatch, nil, 0)
		s.raise("remote_nonce_mismatch", map[string]any{"client_id": clientID})
		return apierror.New(apierror.NonceMismatch)
	}
	sess.clientID = clientID
	sess.lastActivity = time.Now()

	lock := s.lockFor(clientID, threadID)
	lock.Lock()
	resp, serviceFlags, herr := s.handler(ctx, clientID, threadID, method, req)
	lock.Unlock()

	nextNonce := make([]byte, packet.PacketNonceSize)
	_, _ = rand.Read(nextNonce)
	sess.nonce = nextNonce

	code := apierror.Success
	if herr != nil {
		code = herr.Code
	}
	if aerr := s.writeResponse(sess.nc, nextNonce, code, resp, serviceFlags); aerr != nil {
		return fmt.Errorf("%w", aerr)
	}
	return nil
}

func (s *Server) raise(name string, fields map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Raise(events.New(time.Now(), name, fields))
}

// lockFor returns the serializing mutex for (clientID, threadID), creating
// one if the LRU evicted or never saw this key.
func (s *Server) lockFor(clientID string, threadID uint32) *sync.Mutex {
	key := fmt.Sprintf("%s|%d", clientID, threadID)
	if v, ok := s.workerLocks.Get(key); ok {
		return v.(*sync.Mutex)
	}
	lock := &sync.Mutex{}
	s.workerLocks.Add(key, lock)
	return lock
}

func (s *Server) readRequest(nc net.Conn) (req *packet.Packet, clientID string, threadID uint32, method string, nonce []byte, aerr *apierror.Error) {
	var sizeBuf [4]byte
	if err := readChunked(nc, sizeBuf[:]); err != nil {
		return nil, "", 0, "", nil, apierror.Wrap(apierror.Error, err, "read frame size")
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	if aerr := packet.ValidateFrameLength(size); aerr != nil {
		return nil, "", 0, "", nil, aerr
	}

	body := make([]byte, size)
	if err := readChunked(nc, body); err != nil {
		return nil, "", 0, "", nil, apierror.Wrap(apierror.Error, err, "read frame body")
	}

	pkt := packet.FromBytes(body)
	if aerr := pkt.Decrypt(s.cfg.EncryptionToken); aerr != nil {
		return nil, "", 0, "", nil, aerr
	}

	nonce, aerr = pkt.DecodeBytes()
	if aerr != nil {
		return nil, "", 0, "", nil, aerr
	}
	if _, aerr = pkt.DecodeUint32(); aerr != nil { // protocol version, ignored server-side
		return nil, "", 0, "", nil, aerr
	}
	if _, aerr = pkt.DecodeUint32(); aerr != nil { // service flags
		return nil, "", 0, "", nil, aerr
	}
	clientID, aerr = pkt.DecodeString()
	if aerr != nil {
		return nil, "", 0, "", nil, aerr
	}
	method, aerr = pkt.DecodeString()
	if aerr != nil {
		return nil, "", 0, "", nil, aerr
	}
	tid, aerr := pkt.DecodeUint32()
	if aerr != nil {
		return nil, "", 0, "", nil, aerr
	}
	return pkt, clientID, tid, method, nonce, nil
}

func (s *Server) writeResponse(nc net.Conn, nonce []byte, code apierror.Code, payload *packet.Packet, serviceFlags uint32) *apierror.Error {
	resp := packet.New()
	if payload != nil {
		resp = packet.FromBytes(append([]byte{}, payload.Bytes()...))
	}
	resp.EncodeUint32Top(uint32(code))
	resp.EncodeUint32Top(serviceFlags)
	resp.EncodeBytesTop(nonce)
	if aerr := resp.Encrypt(s.cfg.EncryptionToken, true); aerr != nil {
		return aerr
	}
	if err := writeChunked(nc, resp.Bytes()); err != nil {
		return apierror.Wrap(apierror.Error, err, "write response frame")
	}
	return nil
}

// RunExpiry closes any connection idle past idleTimeout, mirroring
// remote_server_base.hpp's "remote_server_expired" polling callback onto
// client_pool_.remove_expired().
func (s *Server) RunExpiry(ctx context.Context, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.closeExpired(idleTimeout)
		}
	}
}

func (s *Server) closeExpired(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout)
	s.mu.Lock()
	var expired []net.Conn
	for nc, sess := range s.clients {
		if sess.lastActivity.Before(cutoff) {
			expired = append(expired, nc)
		}
	}
	s.mu.Unlock()

	for _, nc := range expired {
		nc.Close()
	}
}

// Stop closes the listener and every active connection.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closing = true
	clients := make([]net.Conn, 0, len(s.clients))
	for nc := range s.clients {
		clients = append(clients, nc)
	}
	s.mu.Unlock()

	s.ln.Close()
	for _, nc := range clients {
		nc.Close()
	}
}

func readChunked(nc net.Conn, buf []byte) error {
	offset := 0
	for offset < len(buf) {
		n := len(buf) - offset
		if n > readWriteChunkSize {
			n = readWriteChunkSize
		}
		read, err := readFull(nc, buf[offset:offset+n])
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

func readFull(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
