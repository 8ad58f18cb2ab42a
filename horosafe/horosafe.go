// Package horosafe holds the small security checks shared by shopwatch
// components: outbound URL validation, script path confinement, bounded
// reads and secret length.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"path/filepath"
	"strings"
)

// MinSecretLen is the shortest accepted HMAC secret.
const MinSecretLen = 32

// MaxErrorBody caps how much of a remote error response is read.
const MaxErrorBody int64 = 4 << 10

var (
	ErrSecretTooShort = fmt.Errorf("horosafe: secret must be at least %d bytes", MinSecretLen)
	ErrPathTraversal  = errors.New("horosafe: path escapes its base directory")
	ErrSSRF           = errors.New("horosafe: URL targets a private or loopback address")
	ErrUnsafeScheme   = errors.New("horosafe: only http and https schemes are allowed")
)

// ValidateSecret rejects secrets shorter than MinSecretLen.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// SafePath joins base and rel and fails if the result leaves base.
func SafePath(base, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", ErrPathTraversal
	}
	root := filepath.Clean(base)
	joined := filepath.Join(root, rel)
	r, err := filepath.Rel(root, joined)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// ValidateURL checks that rawURL is http(s) with a host that neither is nor
// resolves to a private, loopback or link-local address. A DNS failure is
// not an error: the request itself will fail later.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("horosafe: URL has no host")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isPrivate(addr) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && isPrivate(addr) {
			return ErrSSRF
		}
	}
	return nil
}

// LimitedReadAll reads r and fails when it holds more than maxBytes.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], fmt.Errorf("horosafe: body exceeds %d bytes", maxBytes)
	}
	return data, nil
}

func isPrivate(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() || a.IsUnspecified()
}
