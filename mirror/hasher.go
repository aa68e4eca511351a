package mirror

import (
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// Digest algorithm names accepted by NewHasher.
const (
	AlgoSHA1    = "sha1"
	AlgoBLAKE2b = "blake2b-160"
)

// Hasher computes whole-file content digests.
type Hasher struct {
	algo  string
	newH  func() hash.Hash
	empty Digest
	cache *ttlcache.Cache[string, Digest]
}

// NewHasher returns a hasher for algo. Digests of files are cached by
// (path, size, mtime) for ttl; a zero ttl disables the cache.
func NewHasher(algo string, ttl time.Duration) (*Hasher, error) {
	h := &Hasher{algo: algo}
	switch algo {
	case AlgoSHA1, "":
		h.algo = AlgoSHA1
		h.newH = sha1.New
	case AlgoBLAKE2b:
		h.newH = func() hash.Hash {
			b, err := blake2b.New(DigestSize, nil)
			if err != nil {
				panic(err) // DigestSize is a valid blake2b size
			}
			return b
		}
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", algo)
	}
	copy(h.empty[:], h.newH().Sum(nil))

	if ttl > 0 {
		h.cache = ttlcache.New[string, Digest](
			ttlcache.WithTTL[string, Digest](ttl),
			ttlcache.WithCapacity[string, Digest](100_000),
		)
	}
	return h, nil
}

// Algorithm returns the digest algorithm name.
func (h *Hasher) Algorithm() string { return h.algo }

// Empty returns the sentinel digest of zero-length content.
func (h *Hasher) Empty() Digest { return h.empty }

// IsSentinel reports whether d is the empty-content digest.
func (h *Hasher) IsSentinel(d Digest) bool { return d == h.empty }

// Sum digests everything read from r.
func (h *Hasher) Sum(r io.Reader) (Digest, error) {
	hh := h.newH()
	if _, err := io.Copy(hh, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], hh.Sum(nil))
	return d, nil
}

// New returns a streaming hash.Hash for algo, for use alongside a copy.
func (h *Hasher) New() hash.Hash { return h.newH() }

// SumFile digests the file at path on fsys. Unreadable files yield the
// sentinel digest together with the error.
func (h *Hasher) SumFile(fsys afero.Fs, path string, info os.FileInfo) (Digest, error) {
	var key string
	if h.cache != nil && info != nil {
		// One hasher serves both trees; key on the real path, not the rooted one.
		name := path
		if b, ok := fsys.(*afero.BasePathFs); ok {
			name = afero.FullBaseFsPath(b, path)
		}
		key = name + "\x00" + strconv.FormatInt(info.Size(), 10) + "\x00" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
		if item := h.cache.Get(key); item != nil {
			return item.Value(), nil
		}
	}

	f, err := fsys.Open(path)
	if err != nil {
		return h.empty, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d, err := h.Sum(f)
	if err != nil {
		return h.empty, fmt.Errorf("hash %s: %w", path, err)
	}
	if key != "" {
		h.cache.Set(key, d, ttlcache.DefaultTTL)
	}
	return d, nil
}
