//go:build windows

package server

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	advapi32          = windows.NewLazySystemDLL("advapi32.dll")
	procOpenEventLog  = advapi32.NewProc("OpenEventLogW")
	procReadEventLog  = advapi32.NewProc("ReadEventLogW")
	procCloseEventLog = advapi32.NewProc("CloseEventLog")
)

const (
	eventlogSequentialRead = 0x0001
	eventlogForwardsRead   = 0x0004
)

// eventLogRecord mirrors the fixed-size prefix of the EVENTLOGRECORD
// structure returned by ReadEventLogW.
type eventLogRecord struct {
	Length              uint32
	Reserved            uint32
	RecordNumber        uint32
	TimeGenerated       uint32
	TimeWritten         uint32
	EventID             uint32
	EventType           uint16
	NumStrings          uint16
	EventCategory       uint16
	ReservedFlags       uint16
	ClosingRecordNumber uint32
	StringOffset        uint32
	UserSidLength       uint32
	UserSidOffset       uint32
	DataLength          uint32
	DataOffset          uint32
}

// windowsEventLog reads the local event log sequentially, forwards from the
// position at open time.
type windowsEventLog struct {
	handle windows.Handle
	buf    []byte
}

// NewEventSource opens the named event log ("Application" by default) on the
// local machine.
func NewEventSource(logName string) (EventSource, error) {
	name, err := windows.UTF16PtrFromString(logName)
	if err != nil {
		return nil, fmt.Errorf("open event log %q: %w", logName, err)
	}
	h, _, callErr := procOpenEventLog.Call(0, uintptr(unsafe.Pointer(name)))
	if h == 0 {
		return nil, fmt.Errorf("open event log %q: %w", logName, callErr)
	}
	return &windowsEventLog{handle: windows.Handle(h), buf: make([]byte, 64*1024)}, nil
}

// Next reads the next chunk of records. An EOF from the log means the reader
// has caught up; it returns an empty batch so the resolver idles.
func (s *windowsEventLog) Next(ctx context.Context) ([]UnlockEvent, error) {
	var read, needed uint32
	ret, _, callErr := procReadEventLog.Call(
		uintptr(s.handle),
		eventlogForwardsRead|eventlogSequentialRead,
		0,
		uintptr(unsafe.Pointer(&s.buf[0])),
		uintptr(len(s.buf)),
		uintptr(unsafe.Pointer(&read)),
		uintptr(unsafe.Pointer(&needed)),
	)
	if ret == 0 {
		switch {
		case callErr == windows.ERROR_HANDLE_EOF:
			return nil, nil
		case callErr == windows.ERROR_INSUFFICIENT_BUFFER:
			s.buf = make([]byte, needed)
			return nil, nil
		default:
			return nil, fmt.Errorf("read event log: %w", callErr)
		}
	}
	return parseEventRecords(s.buf[:read]), nil
}

// Close releases the event log handle.
func (s *windowsEventLog) Close() error {
	procCloseEventLog.Call(uintptr(s.handle))
	return nil
}

// parseEventRecords walks the packed EVENTLOGRECORD buffer. Message-DLL
// formatting is not performed; the string inserts carry the identity, and
// they are joined to stand in for the rendered description.
func parseEventRecords(buf []byte) []UnlockEvent {
	var events []UnlockEvent
	recordSize := uint32(unsafe.Sizeof(eventLogRecord{}))

	for off := uint32(0); off+recordSize <= uint32(len(buf)); {
		rec := (*eventLogRecord)(unsafe.Pointer(&buf[off]))
		if rec.Length < recordSize || off+rec.Length > uint32(len(buf)) {
			break
		}
		body := buf[off : off+rec.Length]

		source, _ := utf16ZString(body[recordSize:])
		ev := UnlockEvent{
			EventID:   rec.EventID & 0xFFFF,
			Source:    source,
			Generated: time.Unix(int64(rec.TimeGenerated), 0),
		}

		strOff := rec.StringOffset
		for i := uint16(0); i < rec.NumStrings && strOff < rec.Length; i++ {
			s, consumed := utf16ZString(body[strOff:])
			ev.StringInserts = append(ev.StringInserts, s)
			strOff += uint32(consumed)
		}
		ev.Description = joinInserts(ev.StringInserts)

		if rec.UserSidLength > 0 && rec.UserSidOffset+rec.UserSidLength <= rec.Length {
			sid := (*windows.SID)(unsafe.Pointer(&body[rec.UserSidOffset]))
			ev.SID = sid.String()
		}

		events = append(events, ev)
		off += rec.Length
	}
	return events
}

func joinInserts(inserts []string) string {
	out := ""
	for i, s := range inserts {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

// utf16ZString decodes a NUL-terminated UTF-16LE string from b and reports
// the bytes consumed including the terminator.
func utf16ZString(b []byte) (string, int) {
	u16 := make([]uint16, 0, len(b)/2)
	i := 0
	for ; i+1 < len(b); i += 2 {
		c := uint16(b[i]) | uint16(b[i+1])<<8
		if c == 0 {
			i += 2
			break
		}
		u16 = append(u16, c)
	}
	return windows.UTF16ToString(u16), i
}

// resolveWindowsSID maps a SID string to its account name.
func resolveWindowsSID(sid string) (string, error) {
	parsed, err := windows.StringToSid(sid)
	if err != nil {
		return "", fmt.Errorf("parse sid: %w", err)
	}
	account, _, _, err := parsed.LookupAccount("")
	if err != nil {
		return "", fmt.Errorf("lookup sid account: %w", err)
	}
	return account, nil
}

// platformSIDResolver returns the Windows SID-to-account resolver.
func platformSIDResolver() SIDResolver { return resolveWindowsSID }
