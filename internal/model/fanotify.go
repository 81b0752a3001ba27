//go:build linux

package model

import "golang.org/x/sys/unix"

const (
	FanotifyEventMetadataSize = 24
	// FanotifyEventInfoFid 头部 (4) + fsid (8)
	FanotifyEventInfoFidSize = 12
	// FileHandle 头部 (handle_bytes + handle_type)
	FileHandleSize = 8
)

// FanotifyEventInfoFid 对应 C 结构体 fanotify_event_info_fid 的头部
// 后面紧跟 file_handle 和以 \0 结尾的文件名 (DFID_NAME)
type FanotifyEventInfoFid struct {
	Hdr  FanotifyEventInfoHeader
	Fsid unix.Fsid
}

// FanotifyEventInfoHeader 对应 C 结构体 fanotify_event_info_header
type FanotifyEventInfoHeader struct {
	// DFID_NAME / FID / PIDFD ...
	InfoType uint8
	Pad      uint8
	// 整个 Info 块的长度 (包括 Header)
	Len uint16
}

// FileHandle struct file_handle 的定长部分，f_handle 紧随其后
type FileHandle struct {
	HandleBytes uint32
	HandleType  int32
}
