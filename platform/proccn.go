package platform

import (
	"encoding/binary"
	"fmt"
	"syscall"

	"github.com/jnesss/pgcpu-recorder/types"
)

// Wire constants from linux/netlink.h, linux/connector.h and linux/cn_proc.h.
const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCnMcastListen = 1
	procCnMcastIgnore = 2

	procEventNone = 0x00000000
	procEventFork = 0x00000001
	procEventExit = 0x80000000

	nlmsgNoop    = 0x1
	nlmsgError   = 0x2
	nlmsgDone    = 0x3
	nlmsgOverrun = 0x4

	nlmsgAlignTo = 4
	nlmsgHdrLen  = 16
	cnMsgLen     = 20

	// what, cpu, timestamp_ns
	procEventHdrLen = 16
	forkDataLen     = 16
	exitDataLen     = 8
)

// controlMessageLen is nlmsghdr + cn_msg + enum proc_cn_mcast_op.
const controlMessageLen = nlmsgHdrLen + cnMsgLen + 4

var hostEndian = binary.NativeEndian

func nlmsgAlign(n int) int {
	return (n + nlmsgAlignTo - 1) &^ (nlmsgAlignTo - 1)
}

// encodeControl builds the listen/ignore message sent to the connector.
func encodeControl(op uint32, portID uint32) []byte {
	buf := make([]byte, controlMessageLen)

	// nlmsghdr
	hostEndian.PutUint32(buf[0:], controlMessageLen)
	hostEndian.PutUint16(buf[4:], nlmsgDone)
	hostEndian.PutUint16(buf[6:], 0)
	hostEndian.PutUint32(buf[8:], 0)
	hostEndian.PutUint32(buf[12:], portID)

	// cn_msg
	cn := buf[nlmsgHdrLen:]
	hostEndian.PutUint32(cn[0:], cnIdxProc)
	hostEndian.PutUint32(cn[4:], cnValProc)
	hostEndian.PutUint32(cn[8:], 0)
	hostEndian.PutUint32(cn[12:], 0)
	hostEndian.PutUint16(cn[16:], 4)
	hostEndian.PutUint16(cn[18:], 0)

	hostEndian.PutUint32(cn[cnMsgLen:], op)
	return buf
}

// decodeMessages decodes every netlink message in one datagram. Events the
// tracker does not consume decode to nothing. An overrun message is
// reported as lost.
func decodeMessages(buf []byte) (events []types.Event, lost bool, err error) {
	for len(buf) >= nlmsgHdrLen {
		msgLen := int(hostEndian.Uint32(buf[0:]))
		msgType := hostEndian.Uint16(buf[4:])
		if msgLen < nlmsgHdrLen || msgLen > len(buf) {
			return events, lost, fmt.Errorf("%w: message length %d of %d", ErrMalformed, msgLen, len(buf))
		}
		payload := buf[nlmsgHdrLen:msgLen]

		switch msgType {
		case nlmsgNoop:
		case nlmsgOverrun:
			lost = true
		case nlmsgError:
			if len(payload) < 4 {
				return events, lost, fmt.Errorf("%w: short error message", ErrMalformed)
			}
			if errno := int32(hostEndian.Uint32(payload)); errno != 0 {
				return events, lost, fmt.Errorf("netlink error: %w", syscall.Errno(-errno))
			}
		case nlmsgDone:
			ev, ok, err := decodeConnector(payload)
			if err != nil {
				return events, lost, err
			}
			if ok {
				events = append(events, ev)
			}
		}

		next := nlmsgAlign(msgLen)
		if next >= len(buf) {
			break
		}
		buf = buf[next:]
	}
	return events, lost, nil
}

// decodeConnector decodes a cn_msg carrying a proc_event. Only
// thread-group leaders produce an event; thread forks and exits do not.
func decodeConnector(payload []byte) (types.Event, bool, error) {
	if len(payload) < cnMsgLen {
		return types.Event{}, false, fmt.Errorf("%w: short connector header", ErrMalformed)
	}
	idx := hostEndian.Uint32(payload[0:])
	val := hostEndian.Uint32(payload[4:])
	if idx != cnIdxProc || val != cnValProc {
		return types.Event{}, false, nil
	}

	dataLen := int(hostEndian.Uint16(payload[16:]))
	data := payload[cnMsgLen:]
	if dataLen < len(data) {
		data = data[:dataLen]
	}
	if len(data) < procEventHdrLen {
		return types.Event{}, false, fmt.Errorf("%w: short proc event", ErrMalformed)
	}

	what := hostEndian.Uint32(data[0:])
	body := data[procEventHdrLen:]
	switch what {
	case procEventFork:
		if len(body) < forkDataLen {
			return types.Event{}, false, fmt.Errorf("%w: short fork event", ErrMalformed)
		}
		parentTgid := hostEndian.Uint32(body[4:])
		childPid := hostEndian.Uint32(body[8:])
		childTgid := hostEndian.Uint32(body[12:])
		if childPid != childTgid {
			return types.Event{}, false, nil
		}
		return types.Event{Kind: types.EventFork, ParentPID: int(parentTgid), PID: int(childTgid)}, true, nil

	case procEventExit:
		if len(body) < exitDataLen {
			return types.Event{}, false, fmt.Errorf("%w: short exit event", ErrMalformed)
		}
		pid := hostEndian.Uint32(body[0:])
		tgid := hostEndian.Uint32(body[4:])
		if pid != tgid {
			return types.Event{}, false, nil
		}
		return types.Event{Kind: types.EventExit, PID: int(tgid)}, true, nil

	case procEventNone:
		// subscription acknowledgement
		return types.Event{}, false, nil
	}
	return types.Event{}, false, nil
}
