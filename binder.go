package sniproxy

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// binderChildEnv is set in the environment of the process StartBinder
// forks so that, on re-exec, cmd/sniproxy's main can recognize it is the
// privileged child and run RunBinderChild instead of the normal CLI.
const binderChildEnv = "SNIPROXY_BINDER_CHILD"

// binderChildFd is the descriptor number the child's end of the
// socketpair is installed on, fixed by the Files slice StartBinder passes
// to ForkExec.
const binderChildFd = 3

// Binder runs a privilege-separated helper process that performs
// privileged bind(2) calls on behalf of the (unprivileged) parent, per
// §4.7. The parent and child communicate over a SOCK_STREAM socketpair;
// requests carry a raw sockaddr, and a successful reply carries the bound
// file descriptor as SCM_RIGHTS ancillary data.
type Binder struct {
	conn *os.File // parent's end of the socketpair
	pid  int
}

// StartBinder forks the current process into a privileged helper and
// returns a Binder bound to the parent's end of a freshly created
// socketpair. The child must be started before any privilege drop. The
// forked process re-execs the same binary with binderChildEnv set, which
// cmd/sniproxy's main checks for before doing anything else.
func StartBinder() (*Binder, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	parentFd, childFd := fds[0], fds[1]

	pid, err := unix.ForkExec(os.Args[0], os.Args, &unix.ProcAttr{
		Env:   append(os.Environ(), binderChildEnv+"=1"),
		Files: []uintptr{0, 1, 2, uintptr(childFd)},
		Sys:   &unix.SysProcAttr{},
	})
	if err != nil {
		unix.Close(parentFd)
		unix.Close(childFd)
		return nil, fmt.Errorf("fork binder child: %w", err)
	}
	unix.Close(childFd)

	return &Binder{
		conn: os.NewFile(uintptr(parentFd), "binder-parent"),
		pid:  pid,
	}, nil
}

// IsBinderChild reports whether the current process is a binder helper
// forked by StartBinder, re-exec'd with binderChildEnv set. cmd/sniproxy's
// main calls this first, before cobra touches os.Args.
func IsBinderChild() bool {
	return os.Getenv(binderChildEnv) != ""
}

// Bind asks the binder child to bind(2) addr and returns the resulting
// file descriptor, bound but not listening, with SO_REUSEADDR already set.
func (b *Binder) Bind(addr Address) (int, error) {
	return b.request(addr, false)
}

// BindTransparent asks the binder child to bind(2) addr with
// IP_TRANSPARENT (IPV6_TRANSPARENT for "ip6") set, so the resulting socket
// can be connected with addr as its source even though addr is not
// actually owned by this host. Used by the transparent-proxy backend dial
// path to make the outbound connection appear to come from the original
// client.
func (b *Binder) BindTransparent(addr Address) (int, error) {
	return b.request(addr, true)
}

func (b *Binder) request(addr Address, transparent bool) (int, error) {
	raw, err := sockaddrBytes(addr, transparent)
	if err != nil {
		return 0, err
	}

	req := make([]byte, 8+len(raw))
	binary.BigEndian.PutUint64(req[:8], uint64(len(raw)))
	copy(req[8:], raw)
	if _, err := b.conn.Write(req); err != nil {
		return 0, fmt.Errorf("binder request: %w", err)
	}

	return recvBoundFd(b.conn)
}

// Stop closes the parent's end of the socketpair, causing the child to see
// EOF and exit, then reaps it.
func (b *Binder) Stop() error {
	if err := b.conn.Close(); err != nil {
		return err
	}
	var ws unix.WaitStatus
	_, err := unix.Wait4(b.pid, &ws, 0, nil)
	return err
}

// sockaddrBytes serializes addr into the wire form the binder protocol
// sends over the socketpair: a transparent flag byte, a family tag byte,
// then the raw address bytes and the port in network order.
func sockaddrBytes(addr Address, transparent bool) ([]byte, error) {
	var flag byte
	if transparent {
		flag = 1
	}
	switch addr.Network {
	case "ip6":
		buf := make([]byte, 2+16+2)
		buf[0] = flag
		buf[1] = unix.AF_INET6
		copy(buf[2:18], addr.IP.To16())
		binary.BigEndian.PutUint16(buf[18:20], addr.Port)
		return buf, nil
	case "unix":
		buf := make([]byte, 2+len(addr.Path))
		buf[0] = flag
		buf[1] = unix.AF_UNIX
		copy(buf[2:], addr.Path)
		return buf, nil
	default: // ip4
		buf := make([]byte, 2+4+2)
		buf[0] = flag
		buf[1] = unix.AF_INET
		copy(buf[2:6], addr.IP.To4())
		binary.BigEndian.PutUint16(buf[6:8], addr.Port)
		return buf, nil
	}
}

// parseSockaddrBytes reverses sockaddrBytes, used by the binder child to
// decode a request read off the socketpair.
func parseSockaddrBytes(raw []byte) (addr Address, transparent bool, err error) {
	if len(raw) < 2 {
		return Address{}, false, fmt.Errorf("binder request too short")
	}
	transparent = raw[0] != 0
	switch raw[1] {
	case unix.AF_INET6:
		if len(raw) != 2+16+2 {
			return Address{}, false, fmt.Errorf("malformed ip6 binder request")
		}
		ip := append(net.IP(nil), raw[2:18]...)
		port := binary.BigEndian.Uint16(raw[18:20])
		return Address{Kind: AddressSockaddr, Network: "ip6", IP: ip, Port: port}, transparent, nil
	case unix.AF_UNIX:
		return Address{Kind: AddressSockaddr, Network: "unix", Path: string(raw[2:])}, transparent, nil
	case unix.AF_INET:
		if len(raw) != 2+4+2 {
			return Address{}, false, fmt.Errorf("malformed ip4 binder request")
		}
		ip := append(net.IP(nil), raw[2:6]...)
		port := binary.BigEndian.Uint16(raw[6:8])
		return Address{Kind: AddressSockaddr, Network: "ip4", IP: ip, Port: port}, transparent, nil
	default:
		return Address{}, false, fmt.Errorf("unknown address family tag %d", raw[1])
	}
}

// recvBoundFd reads the binder child's reply: either a SCM_RIGHTS message
// carrying exactly one file descriptor, or a plain-text error line.
func recvBoundFd(conn *os.File) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		fd       int
		recvErr  error
		gotReply bool
	)
	ctrlErr := raw.Read(func(sockFd uintptr) bool {
		buf := make([]byte, 256)
		oob := make([]byte, unix.CmsgSpace(4))
		n, oobn, _, _, err := unix.Recvmsg(int(sockFd), buf, oob, 0)
		if err != nil {
			recvErr = err
			return true
		}
		gotReply = true
		if oobn > 0 {
			scms, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				recvErr = fmt.Errorf("parse SCM_RIGHTS: %w", err)
				return true
			}
			for _, scm := range scms {
				fds, err := unix.ParseUnixRights(&scm)
				if err != nil {
					continue
				}
				if len(fds) > 0 {
					fd = fds[0]
					return true
				}
			}
		}
		recvErr = fmt.Errorf("binder error: %s", string(buf[:n]))
		return true
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if !gotReply {
		return 0, fmt.Errorf("no reply from binder")
	}
	return fd, recvErr
}

// RunBinderChild is the privileged helper's main loop. It reads
// length-prefixed bind requests from the descriptor StartBinder installed
// at binderChildFd, performs the requested bind(2) (with IP_TRANSPARENT
// when asked), and replies with the bound descriptor via SCM_RIGHTS or, on
// failure, a plain-text error line. It returns when the parent closes its
// end of the socketpair.
func RunBinderChild() error {
	conn := os.NewFile(uintptr(binderChildFd), "binder-child")
	defer conn.Close()

	for {
		raw, err := readBindRequest(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		addr, transparent, err := parseSockaddrBytes(raw)
		if err != nil {
			if err := sendBinderError(conn, err); err != nil {
				return err
			}
			continue
		}

		fd, err := bindPrivileged(addr, transparent)
		if err != nil {
			if err := sendBinderError(conn, err); err != nil {
				return err
			}
			continue
		}
		if err := sendBoundFd(conn, fd); err != nil {
			unix.Close(fd)
			return err
		}
		unix.Close(fd)
	}
}

// readBindRequest reads one {u64 length}{payload} frame, matching the
// encoding Binder.request writes.
func readBindRequest(conn *os.File) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// bindPrivileged performs the actual privileged bind(2): open a socket for
// addr's family, set SO_REUSEADDR, optionally IP_TRANSPARENT/
// IPV6_TRANSPARENT, then bind. The returned fd is bound but neither
// listening nor connected.
func bindPrivileged(addr Address, transparent bool) (int, error) {
	family := unix.AF_INET
	switch addr.Network {
	case "ip6":
		family = unix.AF_INET6
	case "unix":
		family = unix.AF_UNIX
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("socket: %w", err)
	}
	if family != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return 0, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
		}
	}
	if transparent {
		level, opt := unix.SOL_IP, unix.IP_TRANSPARENT
		if family == unix.AF_INET6 {
			level, opt = unix.SOL_IPV6, unix.IPV6_TRANSPARENT
		}
		if err := unix.SetsockoptInt(fd, level, opt, 1); err != nil {
			unix.Close(fd)
			return 0, fmt.Errorf("setsockopt IP_TRANSPARENT: %w", err)
		}
	}

	sa, err := sockaddrFromAddress(addr)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("bind: %w", err)
	}
	return fd, nil
}

// sockaddrFromAddress converts the Sockaddr variant of Address into the
// unix.Sockaddr syscall wrappers bind(2)/connect(2) expect.
func sockaddrFromAddress(addr Address) (unix.Sockaddr, error) {
	switch addr.Network {
	case "ip6":
		var sa unix.SockaddrInet6
		sa.Port = int(addr.Port)
		copy(sa.Addr[:], addr.IP.To16())
		return &sa, nil
	case "unix":
		return &unix.SockaddrUnix{Name: addr.Path}, nil
	default:
		var sa unix.SockaddrInet4
		sa.Port = int(addr.Port)
		copy(sa.Addr[:], addr.IP.To4())
		return &sa, nil
	}
}

// sendBoundFd writes a one-byte ack carrying fd as SCM_RIGHTS ancillary
// data.
func sendBoundFd(conn *os.File, fd int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	rights := unix.UnixRights(fd)
	var sendErr error
	ctrlErr := raw.Write(func(sockFd uintptr) bool {
		sendErr = unix.Sendmsg(int(sockFd), []byte{0}, rights, nil, 0)
		return true
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sendErr
}

// sendBinderError writes err's message as a plain-text reply with no
// ancillary data; recvBoundFd treats any reply without SCM_RIGHTS as this
// case.
func sendBinderError(conn *os.File, err error) error {
	_, werr := conn.Write([]byte(err.Error()))
	return werr
}

// connectFd completes an outbound connection on fd (already bound,
// typically via BindTransparent) to target and wraps it as a net.Conn.
// net.FileConn dups fd, so the original is closed unconditionally before
// returning.
func connectFd(fd int, target Address) (net.Conn, error) {
	sa, err := sockaddrFromAddress(target)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect: %w", err)
	}
	f := os.NewFile(uintptr(fd), "transparent-proxy")
	defer f.Close() // net.FileConn dups the descriptor; f still owns the original
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
