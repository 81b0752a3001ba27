//go:build linux

package monitor

import (
	"bytes"
	"encoding/binary"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Hara602/usbWarden/internal/model"
)

// buildEvent 拼出一条带 DFID_NAME 信息的 fanotify 事件
func buildEvent(t *testing.T, mask uint64, pid int32, handle []byte, name string) []byte {
	t.Helper()
	var info bytes.Buffer
	nameBytes := append([]byte(name), 0)
	recLen := model.FanotifyEventInfoFidSize + model.FileHandleSize + len(handle) + len(nameBytes)
	pad := (4 - recLen%4) % 4
	recLen += pad

	must := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	must(binary.Write(&info, binary.NativeEndian, model.FanotifyEventInfoFid{
		Hdr: model.FanotifyEventInfoHeader{InfoType: unix.FAN_EVENT_INFO_TYPE_DFID_NAME, Len: uint16(recLen)},
	}))
	must(binary.Write(&info, binary.NativeEndian, model.FileHandle{HandleBytes: uint32(len(handle)), HandleType: 1}))
	info.Write(handle)
	info.Write(nameBytes)
	info.Write(make([]byte, pad))

	var out bytes.Buffer
	must(binary.Write(&out, binary.NativeEndian, unix.FanotifyEventMetadata{
		Event_len:    uint32(model.FanotifyEventMetadataSize + info.Len()),
		Vers:         unix.FANOTIFY_METADATA_VERSION,
		Metadata_len: model.FanotifyEventMetadataSize,
		Mask:         mask,
		Fd:           -1,
		Pid:          pid,
	}))
	out.Write(info.Bytes())
	return out.Bytes()
}

func TestParseEventsWalksEveryEvent(t *testing.T) {
	handle := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	var buf []byte
	buf = append(buf, buildEvent(t, unix.FAN_CREATE, 42, handle, "report.pdf")...)
	buf = append(buf, buildEvent(t, unix.FAN_CLOSE_WRITE, 43, handle, "report.pdf")...)
	buf = append(buf, buildEvent(t, unix.FAN_DELETE|unix.FAN_ONDIR, 44, handle, "old")...)

	evs := parseEvents(buf, zap.NewNop())
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %+v", evs)
	}
	want := []struct {
		op   model.AuditOp
		pid  int32
		name string
	}{
		{model.OpCreate, 42, "report.pdf"},
		{model.OpModify, 43, "report.pdf"},
		{model.OpDelete, 44, "old"},
	}
	for i, w := range want {
		if evs[i].op != w.op || evs[i].pid != w.pid || evs[i].name != w.name {
			t.Errorf("event %d: expected %+v, got %+v", i, w, evs[i])
		}
		if !bytes.Equal(evs[i].handle, handle) || evs[i].handleType != 1 {
			t.Errorf("event %d: unexpected handle %v/%d", i, evs[i].handle, evs[i].handleType)
		}
	}
}

func TestParseEventsStopsOnTruncation(t *testing.T) {
	ev := buildEvent(t, unix.FAN_CREATE, 1, []byte{9, 9, 9, 9}, "x")
	if evs := parseEvents(ev[:len(ev)-3], zap.NewNop()); len(evs) != 0 {
		t.Errorf("expected a truncated event to be dropped, got %+v", evs)
	}
}

func TestParseEventsSkipsDirectorySelf(t *testing.T) {
	ev := buildEvent(t, unix.FAN_CREATE, 1, []byte{1, 1, 1, 1}, ".")
	if evs := parseEvents(ev, zap.NewNop()); len(evs) != 0 {
		t.Errorf("expected '.' to be skipped, got %+v", evs)
	}
}
