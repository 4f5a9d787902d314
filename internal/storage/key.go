package storage

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadKey is returned for keys outside the rendering cache layout.
var ErrBadKey = errors.New("not a rendering cache key")

const keyPrefix = "tts/"

// CacheKey is a parsed rendering key: tts/{shard}/{hash}.{format}, where shard
// is the first two characters of the hex hash.
type CacheKey struct {
	Shard  string
	Hash   string
	Format string
}

func (k CacheKey) String() string {
	return keyPrefix + k.Shard + "/" + k.Hash + "." + k.Format
}

// ParseKey validates key against the rendering cache layout.
func ParseKey(key string) (CacheKey, error) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return CacheKey{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	shard, file, ok := strings.Cut(rest, "/")
	if !ok || len(shard) != 2 || !isHex(shard) {
		return CacheKey{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	hash, format, ok := strings.Cut(file, ".")
	if !ok || len(hash) < 2 || !isHex(hash) || hash[:2] != shard || !validFormat(format) {
		return CacheKey{}, fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return CacheKey{Shard: shard, Hash: hash, Format: format}, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// validFormat accepts output format tags such as mp3_44100_128 or wav.
func validFormat(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '_' && (c < '0' || c > '9') && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
