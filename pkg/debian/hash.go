package debian

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

// Hash identifies a checksum algorithm by its Release file block name.
type Hash string

const (
	HashMD5    Hash = "MD5Sum"
	HashSHA1   Hash = "SHA1"
	HashSHA256 Hash = "SHA256"
	HashSHA512 Hash = "SHA512"
)

// Hashes orders algorithms strongest-first.
var Hashes = []Hash{HashSHA512, HashSHA256, HashSHA1, HashMD5}

func (h Hash) String() string {
	return string(h)
}

// New returns a fresh hasher for the algorithm. MD5 and SHA1 are still
// required: plenty of repositories only publish the weaker digests.
func (h Hash) New() hash.Hash {
	switch h {
	case HashMD5:
		return md5.New()
	case HashSHA1:
		return sha1.New()
	case HashSHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// Strongest picks the strongest algorithm present in digests, or "" when
// digests is empty.
func Strongest(digests map[Hash]string) Hash {
	for _, h := range Hashes {
		if _, ok := digests[h]; ok {
			return h
		}
	}
	return ""
}
