package analysis

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// executableExts 可以直接运行或被脚本宿主执行的后缀
var executableExts = map[string]bool{
	"exe": true, "dll": true, "com": true, "scr": true, "msi": true, "cpl": true,
	"bat": true, "cmd": true, "ps1": true, "vbs": true, "vbe": true, "js": true,
	"jse": true, "wsf": true, "hta": true, "lnk": true, "jar": true, "sh": true,
	"elf": true, "appimage": true,
}

// Executable 根据后缀或文件头判断是否为可执行文件。
// 文件已删除时只看后缀
func Executable(path string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if executableExts[ext] {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	if fi, err := f.Stat(); err != nil || !fi.Mode().IsRegular() {
		return false
	}
	head := make([]byte, headerSize)
	n, _ := io.ReadFull(f, head)
	if n == 0 {
		return false
	}
	kind, _ := filetype.Match(head[:n])
	switch kind.Extension {
	case "exe", "elf", "dll":
		return true
	}
	return false
}
