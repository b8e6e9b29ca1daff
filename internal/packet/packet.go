// Package packet implements C1: the length-prefixed, AEAD-encrypted,
// versioned request/response frame described in spec.md §3 and §4.1.
//
// Wire layout: [u32 big-endian total_length][ciphertext]. ciphertext
// decrypts with an AEAD construction keyed by a static encryption token;
// this package uses golang.org/x/crypto/chacha20poly1305's XChaCha20-
// Poly1305 construction, matching spec.md §4.1's "AEAD construction
// (XChaCha20-Poly1305 semantics)" literally. Wide strings use
// golang.org/x/text/encoding/unicode for UTF-16LE, matching the teacher's
// own golang.org/x/text dependency.
package packet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/BlockStorage1/repertory-sub002/internal/apierror"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/text/encoding/unicode"
)

// EncryptionHeaderSize is the fixed header size consumed by AEAD: the
// 24-byte XChaCha20-Poly1305 nonce (spec.md §4.1's encryption_header_size).
const EncryptionHeaderSize = chacha20poly1305.NonceSizeX

// MaxPacketBytes bounds a single frame, matching the original's
// comm::max_packet_bytes sizing limit.
const MaxPacketBytes = 64 * 1024 * 1024

// PacketNonceSize is the size of the random nonce exchanged during the
// handshake (spec.md §4.2 handshake, "[16-byte random nonce]" in the
// original).
const PacketNonceSize = 16

// HandshakeGreetingSize is the fixed plaintext length of the version/nonce
// greeting exchanged during C2/C3's handshake: [u32 version][u32 ~version]
// [u32 nonce-length][16-byte nonce]. Both sides know it without an
// explicit size prefix because every field is either fixed-width or, for
// the nonce, fixed by PacketNonceSize.
const HandshakeGreetingSize = 4 + 4 + 4 + PacketNonceSize

// ProtocolVersion identifies this module's wire version, checked on both
// sides of the C2/C3 handshake.
const ProtocolVersion uint32 = 1

// ServiceFlags is reserved for future capability negotiation between C2
// and C3; no per-feature flag is defined yet, so every request and
// response carries zero.
const ServiceFlags uint32 = 0

// EncryptedSize returns the wire length of plaintextLen bytes once sealed
// by Encrypt with includeSizePrefix=false: the AEAD nonce header plus the
// Poly1305 authentication tag.
func EncryptedSize(plaintextLen int) int {
	return plaintextLen + EncryptionHeaderSize + chacha20poly1305.Overhead
}

// Packet is a byte buffer with a read cursor (spec.md §3's Packet type).
type Packet struct {
	buf []byte
	pos int
}

// New returns an empty Packet for encoding.
func New() *Packet {
	return &Packet{}
}

// FromBytes wraps an existing buffer for decoding (e.g. a frame just read
// off the wire, still encrypted).
func FromBytes(b []byte) *Packet {
	return &Packet{buf: b}
}

// Bytes returns the current buffer contents.
func (p *Packet) Bytes() []byte { return p.buf }

// Len returns the number of bytes remaining to decode.
func (p *Packet) Len() int { return len(p.buf) - p.pos }

// --- encode ---

// EncodeByte appends a single byte.
func (p *Packet) EncodeByte(v byte) { p.buf = append(p.buf, v) }

// EncodeBool appends a byte-encoded boolean.
func (p *Packet) EncodeBool(v bool) {
	if v {
		p.EncodeByte(1)
	} else {
		p.EncodeByte(0)
	}
}

// EncodeUint32 appends a big-endian u32.
func (p *Packet) EncodeUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	p.buf = append(p.buf, tmp[:]...)
}

// EncodeUint64 appends a big-endian u64.
func (p *Packet) EncodeUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	p.buf = append(p.buf, tmp[:]...)
}

// EncodeBytes appends a length-prefixed byte blob: [u32 length][bytes].
func (p *Packet) EncodeBytes(v []byte) {
	p.EncodeUint32(uint32(len(v)))
	p.buf = append(p.buf, v...)
}

// EncodeString appends a length-prefixed UTF-8 string.
func (p *Packet) EncodeString(v string) {
	p.EncodeBytes([]byte(v))
}

// EncodeWideString appends a length-prefixed UTF-16LE string for
// Windows-originating wide strings (spec.md §3). The length prefix counts
// UTF-16 code units, not bytes, so the decoder can size its read
// unambiguously regardless of surrogate pairs.
func (p *Packet) EncodeWideString(v string) *apierror.Error {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, err := enc.Bytes([]byte(v))
	if err != nil {
		return apierror.Wrap(apierror.MalformedPacket, err, "utf16le encode")
	}
	p.EncodeUint32(uint32(len(out) / 2))
	p.buf = append(p.buf, out...)
	return nil
}

// --- encode_top: prepend rather than append, used to layer protocol
// headers on top of an already-composed payload (spec.md §4.1). ---

func (p *Packet) prepend(b []byte) {
	p.buf = append(append([]byte{}, b...), p.buf...)
}

// EncodeUint32Top prepends a big-endian u32.
func (p *Packet) EncodeUint32Top(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	p.prepend(tmp[:])
}

// EncodeUint64Top prepends a big-endian u64.
func (p *Packet) EncodeUint64Top(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	p.prepend(tmp[:])
}

// EncodeStringTop prepends a length-prefixed UTF-8 string.
func (p *Packet) EncodeStringTop(v string) {
	tmp := New()
	tmp.EncodeString(v)
	p.prepend(tmp.buf)
}

// EncodeBytesTop prepends a length-prefixed byte blob, used to layer the
// rolling session nonce beneath the rest of a request's prepended header
// fields (spec.md §4.2).
func (p *Packet) EncodeBytesTop(v []byte) {
	tmp := New()
	tmp.EncodeBytes(v)
	p.prepend(tmp.buf)
}

// --- decode ---

func (p *Packet) take(n int) ([]byte, *apierror.Error) {
	if n < 0 || p.pos+n > len(p.buf) {
		return nil, apierror.New(apierror.MalformedPacket)
	}
	out := p.buf[p.pos : p.pos+n]
	p.pos += n
	return out, nil
}

// DecodeByte decodes a single byte.
func (p *Packet) DecodeByte() (byte, *apierror.Error) {
	b, err := p.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// DecodeBool decodes a byte-encoded boolean.
func (p *Packet) DecodeBool() (bool, *apierror.Error) {
	b, err := p.DecodeByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// DecodeUint32 decodes a big-endian u32.
func (p *Packet) DecodeUint32() (uint32, *apierror.Error) {
	b, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// DecodeUint64 decodes a big-endian u64.
func (p *Packet) DecodeUint64() (uint64, *apierror.Error) {
	b, err := p.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// DecodeBytes decodes a length-prefixed byte blob.
func (p *Packet) DecodeBytes() ([]byte, *apierror.Error) {
	n, err := p.DecodeUint32()
	if err != nil {
		return nil, err
	}
	if n > MaxPacketBytes {
		return nil, apierror.New(apierror.MalformedPacket)
	}
	b, err := p.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// DecodeString decodes a length-prefixed UTF-8 string.
func (p *Packet) DecodeString() (string, *apierror.Error) {
	b, err := p.DecodeBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeWideString decodes a length-prefixed UTF-16LE string.
func (p *Packet) DecodeWideString() (string, *apierror.Error) {
	units, aerr := p.DecodeUint32()
	if aerr != nil {
		return "", aerr
	}
	raw, aerr := p.take(int(units) * 2)
	if aerr != nil {
		return "", aerr
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return "", apierror.Wrap(apierror.MalformedPacket, err, "utf16le decode")
	}
	return string(out), nil
}

// Reset rewinds the read cursor to the start of the buffer, used after
// Decrypt replaces buf with the plaintext.
func (p *Packet) Reset() { p.pos = 0 }

// --- encryption ---

func deriveKey(token string) [chacha20poly1305.KeySize]byte {
	return sha256.Sum256([]byte(token))
}

// Encrypt seals the buffer in place with a freshly generated 24-byte
// nonce, matching spec.md §4.1: "in-place AEAD seal with a freshly
// generated 24-byte nonce; when include_size_prefix is set, prepends the
// final u32 total_length."
func (p *Packet) Encrypt(token string, includeSizePrefix bool) *apierror.Error {
	key := deriveKey(token)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return apierror.Wrap(apierror.Error, err, "build aead")
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return apierror.Wrap(apierror.Error, err, "generate nonce")
	}

	sealed := aead.Seal(nil, nonce, p.buf, nil)
	p.buf = append(nonce, sealed...)
	p.pos = 0

	if includeSizePrefix {
		var lenPrefix [4]byte
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(p.buf)))
		p.buf = append(lenPrefix[:], p.buf...)
	}
	return nil
}

// Decrypt opens the buffer in place; on success the resulting plaintext
// becomes the buffer and the cursor is reset (spec.md §4.1). The buffer
// must not include the u32 total_length prefix — callers strip that
// while reading the frame (see ValidateFrameLength).
func (p *Packet) Decrypt(token string) *apierror.Error {
	if len(p.buf) < EncryptionHeaderSize {
		return apierror.New(apierror.MalformedPacket)
	}
	key := deriveKey(token)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return apierror.Wrap(apierror.Error, err, "build aead")
	}

	nonce := p.buf[:EncryptionHeaderSize]
	sealed := p.buf[EncryptionHeaderSize:]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return apierror.New(apierror.DecryptFailed)
	}

	p.buf = plain
	p.pos = 0
	return nil
}

// ValidateFrameLength checks a raw frame's total_length field before the
// caller reads and decrypts the body: size must be at least
// EncryptionHeaderSize and at most MaxPacketBytes. It does not check that
// the frame is long enough to also hold the protocol fields; a frame too
// short for them is not rejected here.
func ValidateFrameLength(size uint32) *apierror.Error {
	if size > MaxPacketBytes {
		return apierror.New(apierror.MalformedPacket)
	}
	if size < EncryptionHeaderSize {
		return apierror.New(apierror.MalformedPacket)
	}
	return nil
}
