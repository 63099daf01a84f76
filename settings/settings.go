// Package settings maps DHCP's "next-server" (siaddr) option to a
// current working tftp:// URI. It only ever touches the host
// component and only rewrites it when the address actually changed,
// so an unrelated settings update never clobbers a URI the user
// configured by hand.
package settings

import (
	"net"

	"github.com/qemu-edk2/go-tftpclient/tftpuri"
)

// ApplyNextServer returns the URI that should become current after
// observing siaddr from a DHCP lease. If current is nil, a fresh
// tftp://<siaddr>/ URI is returned. If current already points at
// siaddr, current is returned unchanged and changed is false.
func ApplyNextServer(current *tftpuri.URI, siaddr net.IP) (next *tftpuri.URI, changed bool) {
	addr := siaddr.String()

	if current == nil {
		return &tftpuri.URI{Scheme: tftpuri.SchemeTFTP, Host: addr}, true
	}

	if current.Host == addr {
		return current, false
	}

	updated := *current
	updated.Host = addr
	return &updated, true
}
