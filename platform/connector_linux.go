//go:build linux

package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jnesss/pgcpu-recorder/log"
	"github.com/jnesss/pgcpu-recorder/types"
)

// recvBufferSize is the socket receive buffer requested at connect. Bursts
// of short-lived connections overflow the default quickly.
const recvBufferSize = 4 << 20

// Connector is a netlink socket bound to the proc connector multicast group.
type Connector struct {
	fd      int
	portID  uint32
	logger  *slog.Logger
	buf     []byte
	pending []types.Event
}

// Connect opens and binds the netlink socket. It needs CAP_NET_ADMIN.
func Connect(logger *slog.Logger) (*Connector, error) {
	if logger == nil {
		logger = log.Discard()
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, fmt.Errorf("failed to create netlink socket: %w", err)
	}

	portID := uint32(os.Getpid())
	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: cnIdxProc,
		Pid:    portID,
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind netlink socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufferSize); err != nil {
		logger.Warn("could not enlarge netlink receive buffer", log.Error(err))
	}

	return &Connector{
		fd:     fd,
		portID: portID,
		logger: log.WithComponent(logger, "connector"),
		buf:    make([]byte, os.Getpagesize()),
	}, nil
}

// Subscribe asks the kernel to start multicasting process events.
func (c *Connector) Subscribe() error {
	if err := c.control(procCnMcastListen); err != nil {
		return fmt.Errorf("failed to subscribe to process events: %w", err)
	}
	return nil
}

// Unsubscribe stops the multicast. Closing without it is harmless.
func (c *Connector) Unsubscribe() error {
	if err := c.control(procCnMcastIgnore); err != nil {
		return fmt.Errorf("failed to unsubscribe from process events: %w", err)
	}
	return nil
}

func (c *Connector) control(op uint32) error {
	kernel := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	for {
		err := unix.Sendto(c.fd, encodeControl(op, c.portID), 0, kernel)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// Receive returns the next fork or exit, waiting at most timeout.
// Interrupted waits are retried against the same deadline.
func (c *Connector) Receive(timeout time.Duration) (types.Event, error) {
	if len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		return ev, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollMillis(time.Until(deadline)))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return types.Event{}, fmt.Errorf("netlink poll: %w", err)
		}
		if n == 0 {
			return types.Event{Kind: types.EventTimeout}, nil
		}

		nr, _, err := unix.Recvfrom(c.fd, c.buf, 0)
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
			continue
		case errors.Is(err, unix.ENOBUFS):
			// The kernel dropped notifications; reconciliation recovers
			// the exits we will never see.
			recordLost()
			c.logger.Warn("process notifications lost, receive buffer overrun")
			return types.Event{Kind: types.EventNone}, nil
		case err != nil:
			return types.Event{}, fmt.Errorf("netlink recv: %w", err)
		case nr == 0:
			return types.Event{}, ErrClosed
		}

		events, lost, err := decodeMessages(c.buf[:nr])
		if lost {
			recordLost()
			c.logger.Warn("process notifications lost, netlink overrun")
		}
		if errors.Is(err, ErrMalformed) {
			c.logger.Warn("skipping undecodable notification", log.Error(err))
			err = nil
		}
		if err != nil {
			return types.Event{}, err
		}
		if len(events) == 0 {
			return types.Event{Kind: types.EventNone}, nil
		}

		for _, ev := range events {
			recordNotification(ev.Kind.String())
		}
		c.pending = append(c.pending, events[1:]...)
		return events[0], nil
	}
}

// pollMillis rounds up so a sub-millisecond remainder still waits.
func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (c *Connector) Close() error {
	return unix.Close(c.fd)
}
