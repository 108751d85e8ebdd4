// Package digest computes the fixed-width SHA-256 content digests the
// action cache, the CAS, and action keys are built from.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"sort"
)

// Size is the byte length of a Digest (SHA-256).
const Size = sha256.Size

// Digest is a fixed-width content hash plus the size of the content it was
// computed over (sizes are required alongside the hash by the CAS wire
// protocol's UploadBlob/DownloadBlob framing).
type Digest struct {
	Hash [Size]byte
	Size int64
}

// Zero reports whether d is the unset digest.
func (d Digest) Zero() bool { return d.Size == 0 && d.Hash == [Size]byte{} }

// Hex returns the lowercase hex encoding of the hash, used as the CAS/AC
// on-disk and wire key ("cache/cas/<first two hex>/<digest>").
func (d Digest) Hex() string { return hex.EncodeToString(d.Hash[:]) }

// String renders "<hex>/<size>", the conventional REAPI-style digest string.
func (d Digest) String() string {
	return d.Hex() + "/" + itoa(d.Size)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Equal reports whether two digests name the same content.
func (d Digest) Equal(o Digest) bool { return d.Hash == o.Hash && d.Size == o.Size }

// Less provides a total order over digests, used to produce the
// deterministic "sorted(inputs as digest)" serialization the action key
// requires.
func (d Digest) Less(o Digest) bool {
	for i := range d.Hash {
		if d.Hash[i] != o.Hash[i] {
			return d.Hash[i] < o.Hash[i]
		}
	}
	return d.Size < o.Size
}

// Sort sorts digests in place by their total order.
func Sort(ds []Digest) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Less(ds[j]) })
}

// FromBytes computes the digest of an in-memory blob.
func FromBytes(b []byte) Digest {
	return Digest{Hash: sha256.Sum256(b), Size: int64(len(b))}
}

// FromReader streams r through SHA-256, never holding the whole blob in
// memory at once (important for large tree-artifact or tool inputs).
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	var sum [Size]byte
	copy(sum[:], h.Sum(nil))
	return Digest{Hash: sum, Size: n}, nil
}

// Builder accumulates a deterministic serialization for a composite digest
// (e.g. an ActionKey = H(action key || sorted input digests)); every Add*
// call writes a length-prefixed field so that e.g. "foo"+"bar" cannot be
// confused with "foob"+"ar".
type Builder struct {
	h io.Writer
	d interface {
		io.Writer
		Sum(b []byte) []byte
	}
}

// NewBuilder starts a new composite digest.
func NewBuilder() *Builder {
	h := sha256.New()
	return &Builder{h: h, d: h}
}

func (b *Builder) AddString(s string) *Builder {
	b.addLenPrefixed([]byte(s))
	return b
}

func (b *Builder) AddBytes(p []byte) *Builder {
	b.addLenPrefixed(p)
	return b
}

func (b *Builder) AddDigest(d Digest) *Builder {
	b.addLenPrefixed(d.Hash[:])
	var sz [8]byte
	putUint64(sz[:], uint64(d.Size))
	b.addLenPrefixed(sz[:])
	return b
}

func (b *Builder) addLenPrefixed(p []byte) {
	var lenBuf [8]byte
	putUint64(lenBuf[:], uint64(len(p)))
	_, _ = b.h.Write(lenBuf[:])
	_, _ = b.h.Write(p)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// Sum finalizes the builder into a Digest. Size is the hash length (32
// bytes) for every composite digest, not a byte count of external content
// or a count of fields: composite digests (action keys) are identifiers,
// not blobs retrievable from a CAS.
func (b *Builder) Sum() Digest {
	sum := b.d.Sum(nil)
	var out [Size]byte
	copy(out[:], sum)
	return Digest{Hash: out, Size: int64(len(sum))}
}

// Parse decodes a hex digest string (without the /size suffix) back into a
// Digest, for reconstructing a Digest handed back over the wire protocol.
func Parse(hexStr string, size int64) (Digest, error) {
	if len(hexStr) != Size*2 {
		return Digest{}, errors.New("digest: wrong hex length")
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return Digest{}, err
	}
	var out [Size]byte
	copy(out[:], raw)
	return Digest{Hash: out, Size: size}, nil
}
