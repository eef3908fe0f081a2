package hasher

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Digests holds the content digests recorded for an artifact. The digest set
// (md5 + sha256) matches the published metadata schema.
type Digests struct {
	SHA256 string
	MD5    string
	Size   int64
}

// Compute reads r to EOF and returns its digests.
func Compute(r io.Reader) (Digests, error) {
	sha := sha256.New()
	md := md5.New()
	n, err := io.Copy(io.MultiWriter(sha, md), r)
	if err != nil {
		return Digests{}, fmt.Errorf("hashing content: %w", err)
	}
	return Digests{
		SHA256: hex.EncodeToString(sha.Sum(nil)),
		MD5:    hex.EncodeToString(md.Sum(nil)),
		Size:   n,
	}, nil
}

// ComputeBytes returns the digests of b.
func ComputeBytes(b []byte) Digests {
	shaSum := sha256.Sum256(b)
	mdSum := md5.Sum(b)
	return Digests{
		SHA256: hex.EncodeToString(shaSum[:]),
		MD5:    hex.EncodeToString(mdSum[:]),
		Size:   int64(len(b)),
	}
}
