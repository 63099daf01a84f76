// Package tftpuri parses the tftp://, tftm:// and mtftp:// URIs the
// engine's Open accepts. URI parsing and host name resolution are
// kept out of the protocol engine itself; this package is the
// concrete, out-of-band collaborator that produces the parsed
// structure the engine consumes.
package tftpuri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme identifies which of the three wire-compatible variants a
// URI selects.
type Scheme string

const (
	SchemeTFTP   Scheme = "tftp"
	SchemeTFTM   Scheme = "tftm"
	SchemeMTFTP  Scheme = "mtftp"
)

// DefaultPort returns the scheme-default server port: 69 for
// tftp/tftm, 1759 for mtftp.
func (s Scheme) DefaultPort() uint16 {
	if s == SchemeMTFTP {
		return 1759
	}
	return 69
}

// URI is a parsed tftp/tftm/mtftp target. It owns its own storage
// and is immutable once returned from Parse.
type URI struct {
	Scheme Scheme
	Host   string
	Port   uint16 // 0 if the URI did not specify one; caller applies Scheme.DefaultPort()
	Path   string // the file name, with any leading '/' already stripped
}

// Parse parses raw into a URI. Only the tftp, tftm and mtftp schemes
// are accepted; anything else is StatusInvalidArgument-worthy, but
// since this package sits outside the engine's error surface it
// returns a plain error instead.
func Parse(raw string) (*URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("tftpuri: %w", err)
	}

	var scheme Scheme
	switch strings.ToLower(u.Scheme) {
	case string(SchemeTFTP):
		scheme = SchemeTFTP
	case string(SchemeTFTM):
		scheme = SchemeTFTM
	case string(SchemeMTFTP):
		scheme = SchemeMTFTP
	default:
		return nil, fmt.Errorf("tftpuri: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("tftpuri: missing host in %q", raw)
	}

	var port uint16
	if p := u.Port(); p != "" {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("tftpuri: invalid port %q: %w", p, err)
		}
		port = uint16(v)
	}

	return &URI{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Path:   strings.TrimPrefix(u.Path, "/"),
	}, nil
}

// ResolvedPort returns u.Port if set, otherwise the scheme default.
func (u *URI) ResolvedPort() uint16 {
	if u.Port != 0 {
		return u.Port
	}
	return u.Scheme.DefaultPort()
}
