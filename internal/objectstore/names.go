package objectstore

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Lowercase letters, digits, dots and hyphens; starts and ends with a letter
// or digit; 3 to 63 characters.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// IsValidBucketName implements the S3 bucket naming rules.
func IsValidBucketName(name string) bool {
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Must not look like an IPv4 address.
	return net.ParseIP(name) == nil
}

// IsValidObjectKey enforces basic key constraints: non-empty, at most 1024
// bytes and no control characters.
func IsValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

// computeETag is the MD5 hex digest of data, so identical bodies share a tag.
func computeETag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// QuoteETag formats a tag the way HTTP clients expect it.
func QuoteETag(etag string) string {
	return fmt.Sprintf("\"%s\"", etag)
}

func unquoteETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, "\"")
}

func normalizeMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
