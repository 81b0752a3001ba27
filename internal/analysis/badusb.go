package analysis

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbWarden/internal/model"
)

const (
	classHID     = "03"
	classStorage = "08"
	classHub     = "09"
)

// Classify 根据设备树下各接口的 bInterfaceClass 推断设备类别
// 同时拥有 08(存储) 和 03(HID) 接口的设备判定为 BadUSB 嫌疑
func Classify(sysPath string) model.DeviceClass {
	if readAttr(sysPath, "bDeviceClass") == classHub {
		return model.ClassHub
	}
	files, err := os.ReadDir(sysPath)
	if err != nil {
		return model.ClassOther
	}
	var hasStorage, hasHID, hasHub bool
	for _, f := range files {
		// 遍历接口目录，例如 1-1:1.0
		if !strings.Contains(f.Name(), ":") {
			continue
		}
		switch readAttr(filepath.Join(sysPath, f.Name()), "bInterfaceClass") {
		case classHID:
			hasHID = true
		case classStorage:
			hasStorage = true
		case classHub:
			hasHub = true
		}
	}
	return ClassifyInterfaces(hasStorage, hasHID, hasHub)
}

// ClassifyInterfaces 供没有 sysfs 的平台使用 (PnP 只给出接口类别列表)
func ClassifyInterfaces(hasStorage, hasHID, hasHub bool) model.DeviceClass {
	switch {
	case hasStorage && hasHID:
		return model.ClassBadUSBSuspect
	case hasStorage:
		return model.ClassStorage
	case hasHID:
		return model.ClassHID
	case hasHub:
		return model.ClassHub
	}
	return model.ClassOther
}

func readAttr(dir, name string) string {
	content, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}
