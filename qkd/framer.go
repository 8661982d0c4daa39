package qkd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"qkdchat/qkd/bitarray"
)

// ErrBadMAC reports a framed record whose authenticator did not verify.
var ErrBadMAC = errors.New("qkd: record MAC mismatch")

// A Framer reads and writes authenticated, length-delimited records. The
// structure of each frame is trivial: record-length | record | mac.
//
// MACs are computed by applying a secret Toeplitz matrix to hash the record,
// then applying a one-time pad to the hash. With truly random pad material
// this authenticates unconditionally; with a stream derived from a session
// key it degrades gracefully to computational security.
type Framer struct {
	rw       io.ReadWriter
	secret   io.Reader
	t        toeplitz
	maxBytes int
}

// NewFramer returns a Framer carrying records of up to maxBytes over rw,
// authenticated with macBits-bit MACs. macBits must be a positive multiple of
// 8. The Toeplitz diagonals and the per-record pads are consumed from secret;
// reader and writer must construct their framers from identical secret
// streams.
func NewFramer(rw io.ReadWriter, secret io.Reader, maxBytes, macBits int) (*Framer, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("qkd: framing records of %d bytes", maxBytes)
	}
	if macBits <= 0 || macBits%8 != 0 {
		return nil, fmt.Errorf("qkd: MAC of %d bits, need a positive multiple of 8", macBits)
	}
	diags := make([]byte, bitarray.BytesFor(maxBytes*8+macBits-1))
	if _, err := io.ReadFull(secret, diags); err != nil {
		return nil, fmt.Errorf("qkd: reading MAC diagonals: %w", err)
	}
	return &Framer{
		rw:     rw,
		secret: secret,
		t: toeplitz{
			diags: bitarray.NewDense(diags, -1),
			m:     macBits,
		},
		maxBytes: maxBytes,
	}, nil
}

// WriteRecord frames and writes one record.
func (f *Framer) WriteRecord(record []byte) error {
	if len(record) > f.maxBytes {
		return fmt.Errorf("qkd: framing %d-byte record, max %d", len(record), f.maxBytes)
	}
	if err := binary.Write(f.rw, binary.LittleEndian, int32(len(record))); err != nil {
		return err
	}
	if _, err := f.rw.Write(record); err != nil {
		return err
	}
	mac, err := f.buildMAC(record)
	if err != nil {
		return err
	}
	if _, err := f.rw.Write(mac); err != nil {
		return err
	}
	return nil
}

// ReadRecord reads and verifies one record. A record whose MAC does not
// verify returns ErrBadMAC.
func (f *Framer) ReadRecord() ([]byte, error) {
	var rLen int32
	if err := binary.Read(f.rw, binary.LittleEndian, &rLen); err != nil {
		return nil, err
	}
	if rLen < 0 || int(rLen) > f.maxBytes {
		return nil, fmt.Errorf("qkd: reading %d-byte record, max %d", rLen, f.maxBytes)
	}
	record := make([]byte, rLen)
	if _, err := io.ReadFull(f.rw, record); err != nil {
		return nil, err
	}
	mac := make([]byte, f.t.m/8)
	if _, err := io.ReadFull(f.rw, mac); err != nil {
		return nil, err
	}
	emac, err := f.buildMAC(record)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(mac, emac) {
		return nil, ErrBadMAC
	}
	return record, nil
}

func (f *Framer) buildMAC(record []byte) ([]byte, error) {
	f.t.n = len(record) * 8
	hash, err := f.t.Mul(bitarray.NewDense(record, -1))
	if err != nil {
		return nil, err
	}
	otp := make([]byte, hash.ByteSize())
	if _, err := io.ReadFull(f.secret, otp); err != nil {
		return nil, err
	}
	mac := hash.XOr(bitarray.NewDense(otp, -1))
	return mac.Data(), nil
}
