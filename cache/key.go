package cache

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

type Key string

func (k Key) String() string {
	return string(k)
}

// Inputs are the declared cache-relevant inputs of a cache key.
type Inputs struct {
	Prefix string
	// Files maps a workspace relative path to the digest of its contents.
	Files     map[string]string
	Toolchain string
	Extra     map[string]string
}

func (in Inputs) empty() bool {
	return len(in.Files) == 0 && in.Toolchain == "" && len(in.Extra) == 0
}

// ComputeKey derives a key from inputs. It is a pure function: the same
// inputs always give the same key, and changing any input changes it. With
// no inputs besides the prefix the prefix itself is the key.
func ComputeKey(in Inputs) Key {
	if in.empty() {
		return Key(in.Prefix)
	}

	var buf bytes.Buffer
	write := func(kind, k, v string) {
		// length prefixes keep "a=bc" and "ab=c" apart
		fmt.Fprintf(&buf, "%s %d:%s %d:%s\n", kind, len(k), k, len(v), v)
	}

	write("prefix", "", in.Prefix)
	for _, p := range sortedKeys(in.Files) {
		write("file", p, in.Files[p])
	}
	if in.Toolchain != "" {
		write("toolchain", "", in.Toolchain)
	}
	for _, k := range sortedKeys(in.Extra) {
		write("extra", k, in.Extra[k])
	}

	return Key(in.Prefix + "-" + Digest(buf.Bytes()))
}

// Digest returns the content id (CIDv1, raw codec, sha2-256) of data.
func Digest(data []byte) string {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered
		panic(fmt.Sprintf("hashing cache data: %v", err))
	}
	return cid.NewCidV1(cid.Raw, mh).String()
}

// HashFiles digests every regular file under root matched by one of the
// doublestar patterns. Paths in the result are slash separated and relative
// to root.
func HashFiles(root string, patterns []string) (map[string]string, error) {
	fsys := os.DirFS(root)
	files := make(map[string]string)

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(pattern, "./")
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("hash-files %q: %w", pattern, err)
		}
		for _, m := range matches {
			if _, ok := files[m]; ok {
				continue
			}
			fi, err := fs.Stat(fsys, m)
			if err != nil {
				return nil, err
			}
			if !fi.Mode().IsRegular() {
				continue
			}
			contents, err := fs.ReadFile(fsys, m)
			if err != nil {
				return nil, err
			}
			files[m] = Digest(contents)
		}
	}

	return files, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
