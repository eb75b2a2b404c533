// Package checksum computes CRC64NVME checksums in the base64 encoding
// S3 reports them in, so local artifacts compare directly against
// remote object metadata.
package checksum

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"os"
)

const bufferSize = 64 * 1024

// CRC64NVME polynomial as per the AWS S3 checksum specification.
var crc64NVMETable = crc64.MakeTable(0x9a6c9329ac4bc9b5)

// New returns a fresh CRC64NVME hash.
func New() hash.Hash64 {
	return crc64.New(crc64NVMETable)
}

// Encode renders a CRC64 value the way S3 does: base64 of the 8
// big-endian bytes.
func Encode(sum uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], sum)
	return base64.StdEncoding.EncodeToString(buf[:])
}

// File computes the checksum of a file's contents.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	return Reader(f)
}

// Reader computes the checksum of everything readable from r.
func Reader(r io.Reader) (string, error) {
	h := New()
	buf := make([]byte, bufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("write to hash: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read: %w", err)
		}
	}

	return Encode(h.Sum64()), nil
}
