package agentmux

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// Listen returns the daemon's listening socket per c: either adopted from
// systemd socket activation, or freshly bound at c.BindAddress.
func Listen(c *Config) (net.Listener, error) {
	if c.Systemd {
		return adoptSystemdListener()
	}
	return bindListener(c.BindAddress, c.SocketChmod)
}

// sdListenFDsStart is the first inherited file descriptor number under the
// systemd socket activation protocol (sd_listen_fds(3)).
const sdListenFDsStart = 3

// listener owns a Unix socket listener and, if it created the file itself,
// unlinks it on Close. A systemd-adopted listener's file is owned by the
// service manager and is left alone.
type listener struct {
	net.Listener
	path       string
	ownsSocket bool
}

// bindListener creates a fresh Unix socket listener at path, applying
// chmod after binding (the listen(2) call itself creates the file with
// default permissions, which are then tightened before any client could
// plausibly connect).
func bindListener(path string, chmod os.FileMode) (*listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if chmod != 0 {
		if err := os.Chmod(path, chmod); err != nil {
			l.Close()
			os.Remove(path)
			return nil, fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return &listener{Listener: l, path: path, ownsSocket: true}, nil
}

// adoptSystemdListener adopts file descriptor 3 (SD_LISTEN_FDS_START) as
// passed by systemd socket activation. The inherited descriptor is
// blocking by default; it is forced non-blocking since the Go runtime
// poller requires that to multiplex Accept with everything else.
func adoptSystemdListener() (*listener, error) {
	fd := sdListenFDsStart
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set socket fd %d non-blocking: %w", fd, err)
	}

	f := os.NewFile(uintptr(fd), "LISTEN_FDS_START")
	if f == nil {
		return nil, fmt.Errorf("invalid inherited socket fd %d", fd)
	}
	defer f.Close()

	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("adopt inherited socket fd %d: %w", fd, err)
	}
	ul, ok := l.(*net.UnixListener)
	if !ok {
		l.Close()
		return nil, fmt.Errorf("inherited socket fd %d is not a unix listener", fd)
	}
	return &listener{Listener: ul, ownsSocket: false}, nil
}

// Close closes the listener and, if it owns the socket file, unlinks it.
func (l *listener) Close() error {
	err := l.Listener.Close()
	if l.ownsSocket && l.path != "" {
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}
