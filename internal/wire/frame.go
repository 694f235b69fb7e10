// Package wire implements the single-frame-per-connection TCP format: a
// base64-encoded hybrid envelope terminated by a newline.
package wire

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// flagPlain/flagCompressed prefix the plaintext before encryption and say
// whether it was zstd-compressed, so the reader knows whether to inflate
// after decrypt.
// It never appears on the wire itself — only inside the encrypted payload.
const (
	flagPlain      byte = 0x00
	flagCompressed byte = 0x01

	// compressThreshold is the plaintext size at or above which pre-encryption
	// compression is attempted; small packets aren't worth the overhead.
	compressThreshold = 512
)

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("wire: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("wire: init zstd decoder: %v", err))
	}
}

// PackPlaintext prepends the compression flag to packet text, compressing
// it with zstd when it's large enough to benefit. This runs before the
// hybrid envelope is applied, so only ciphertext length is affected on the
// wire, never the envelope's cryptographic shape.
func PackPlaintext(text []byte) []byte {
	if len(text) < compressThreshold {
		return append([]byte{flagPlain}, text...)
	}
	compressed := encoder.EncodeAll(text, nil)
	if len(compressed) >= len(text) {
		return append([]byte{flagPlain}, text...)
	}
	return append([]byte{flagCompressed}, compressed...)
}

// UnpackPlaintext reverses PackPlaintext after the envelope has been
// decrypted.
func UnpackPlaintext(flagged []byte) ([]byte, error) {
	if len(flagged) == 0 {
		return nil, fmt.Errorf("wire: empty plaintext")
	}
	flag, body := flagged[0], flagged[1:]
	switch flag {
	case flagPlain:
		return body, nil
	case flagCompressed:
		out, err := decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("wire: inflate: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("wire: unknown plaintext flag %#x", flag)
	}
}

// EncodeFrame base64-encodes envelope and appends the newline terminator
// that marks one complete TCP frame.
func EncodeFrame(envelope []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(envelope)
	out := make([]byte, 0, len(encoded)+1)
	out = append(out, encoded...)
	out = append(out, '\n')
	return out
}

// ReadFrame accumulates bytes from r until a newline or EOF and returns the
// decoded envelope bytes for the one frame this connection carries. EOF
// with no bytes read is reported as io.EOF; EOF after partial data is
// reported as io.ErrUnexpectedEOF so callers can distinguish a clean close
// from a truncated frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	reader := bufio.NewReader(r)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			if len(line) == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("wire: read frame: %w", err)
	}
	line = bytes.TrimRight(line, "\n")
	envelope, err := base64.StdEncoding.DecodeString(string(line))
	if err != nil {
		return nil, fmt.Errorf("wire: base64 decode: %w", err)
	}
	return envelope, nil
}
