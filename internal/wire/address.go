package wire

import "fmt"

// Address is the unicast address a SafeIPC acceptor binds to, opaque to
// the protocol itself (spec.md §5 — "opaque to this specification").
type Address struct {
	Major uint16
	Minor uint16
}

// SocketPath derives the Unix-domain socket's filesystem path from addr.
// dir is the directory under which SafeIPC sockets are created (typically
// a runtime directory owned by the middleware instance).
func SocketPath(dir string, addr Address) string {
	return fmt.Sprintf("%s/safeipc-%d.%d.sock", dir, addr.Major, addr.Minor)
}
