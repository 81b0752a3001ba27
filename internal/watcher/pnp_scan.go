package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Hara602/usbWarden/internal/analysis"
	"github.com/Hara602/usbWarden/internal/authz"
	"github.com/Hara602/usbWarden/internal/model"
)

// 列出所有 USB\VID_ 开头的实例，包括复合设备的接口 (&MI_xx)
const pnpListScript = `Get-PnpDevice -PresentOnly | Where-Object { $_.InstanceId -like 'USB\VID_*' } | ` +
	`Select-Object InstanceId,FriendlyName,Class,Service,Manufacturer | ConvertTo-Json -Compress`

// PnPScanner 通过 Get-PnpDevice 枚举 USB 设备
type PnPScanner struct {
	Run authz.Runner
}

func (s PnPScanner) Scan(ctx context.Context) ([]model.Device, error) {
	out, err := s.Run(ctx, pnpListScript)
	if err != nil {
		return nil, fmt.Errorf("Get-PnpDevice: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return parsePnPDevices(out)
}

type pnpEntity struct {
	InstanceID   string `json:"InstanceId"`
	FriendlyName string `json:"FriendlyName"`
	Class        string `json:"Class"`
	Service      string `json:"Service"`
	Manufacturer string `json:"Manufacturer"`
}

// pnpID USB\VID_0781&PID_5567\4C530001 -> vid, pid, serial, interface
type pnpID struct {
	vid, pid, serial string
	iface            bool
}

func parsePnPID(instance string) (pnpID, bool) {
	parts := strings.Split(instance, `\`)
	if len(parts) != 3 || !strings.EqualFold(parts[0], "USB") {
		return pnpID{}, false
	}
	var id pnpID
	for _, field := range strings.Split(parts[1], "&") {
		upper := strings.ToUpper(field)
		switch {
		case strings.HasPrefix(upper, "VID_"):
			id.vid = strings.ToLower(field[4:])
		case strings.HasPrefix(upper, "PID_"):
			id.pid = strings.ToLower(field[4:])
		case strings.HasPrefix(upper, "MI_"):
			id.iface = true
		}
	}
	if id.vid == "" || id.pid == "" {
		return pnpID{}, false
	}
	// Windows 在设备没有序列号时生成带 & 的实例号
	if !id.iface && !strings.Contains(parts[2], "&") {
		id.serial = parts[2]
	}
	return id, true
}

// parsePnPDevices 解析 ConvertTo-Json 的输出。单个对象时 PowerShell 不会输出数组
func parsePnPDevices(data []byte) ([]model.Device, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var entities []pnpEntity
	if data[0] == '{' {
		var one pnpEntity
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("decode PnP device: %w", err)
		}
		entities = []pnpEntity{one}
	} else if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("decode PnP devices: %w", err)
	}

	type caps struct{ storage, hid, hub bool }
	interfaces := make(map[string]*caps) // vid:pid -> 接口能力
	addCaps := func(key string, e pnpEntity) {
		c, ok := interfaces[key]
		if !ok {
			c = &caps{}
			interfaces[key] = c
		}
		service := strings.ToLower(e.Service)
		switch {
		case service == "usbstor" || service == "uaspstor":
			c.storage = true
		case strings.Contains(service, "hub"):
			c.hub = true
		}
		switch strings.ToLower(e.Class) {
		case "hidclass", "keyboard", "mouse":
			c.hid = true
		}
	}

	var devices []model.Device
	for _, e := range entities {
		id, ok := parsePnPID(e.InstanceID)
		if !ok {
			continue
		}
		key := id.vid + ":" + id.pid
		addCaps(key, e)
		if id.iface {
			continue
		}
		devices = append(devices, model.Device{
			BusPath:   e.InstanceID,
			VendorID:  id.vid,
			ProductID: id.pid,
			Serial:    id.serial,
			Label:     strings.TrimSpace(e.FriendlyName),
		})
	}
	for i := range devices {
		c := interfaces[devices[i].VendorID+":"+devices[i].ProductID]
		devices[i].Class = analysis.ClassifyInterfaces(c.storage, c.hid, c.hub)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].BusPath < devices[j].BusPath })
	return devices, nil
}
