package hotpatch

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Digest names a content fingerprint algorithm. Sums are lowercase hex.
type Digest struct {
	name string
	new  func() hash.Hash
}

var (
	// MD5 matches the checksums produced by existing clients.
	MD5    = Digest{name: "md5", new: md5.New}
	SHA256 = Digest{name: "sha256", new: sha256.New}
	XXHash = Digest{name: "xxhash", new: func() hash.Hash { return xxhash.New() }}
)

// ParseDigest looks a digest up by name; "" selects MD5.
func ParseDigest(name string) (Digest, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "md5":
		return MD5, nil
	case "sha256":
		return SHA256, nil
	case "xxhash", "xxh64":
		return XXHash, nil
	default:
		return Digest{}, fmt.Errorf("unknown digest %q", name)
	}
}

func (d Digest) String() string {
	return d.name
}

// Sum returns the hex digest of data.
func (d Digest) Sum(data []byte) string {
	h := d.new()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SumFile returns the hex digest of the file at path.
func (d Digest) SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := d.new()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Matches compares a computed sum with a caller supplied checksum.
func Matches(sum, checksum string) bool {
	return strings.EqualFold(sum, strings.TrimSpace(checksum))
}
