package surface

import (
	"fmt"
	"strconv"
	"strings"
)

// Screen 当前所在的界面
type Screen int

const (
	ScreenMenu Screen = iota
	ScreenDevices
	ScreenAudit
	ScreenLogs
)

func (s Screen) String() string {
	switch s {
	case ScreenDevices:
		return "devices"
	case ScreenAudit:
		return "audit"
	case ScreenLogs:
		return "logs"
	}
	return "menu"
}

// CommandKind 有限的命令集合，输入不会被当作任意文本求值
type CommandKind int

const (
	CmdNone CommandKind = iota
	CmdToggle
	CmdBack
	CmdOpen
	CmdClose
)

type Command struct {
	Kind   CommandKind
	Index  int    // CmdToggle，从 1 开始
	Screen Screen // CmdOpen
}

// 主菜单项，序号即输入
var menu = []struct {
	label  string
	screen Screen
}{
	{"Devices (toggle authorization)", ScreenDevices},
	{"Recent file audit", ScreenAudit},
	{"Agent log", ScreenLogs},
}

// ParseInput 把一行输入解析为命令
// 菜单：1-3 打开子界面，q / quit / exit 关闭界面，0 无动作；
// 子界面：0 / b / back 返回，设备界面中数字切换对应设备
func ParseInput(screen Screen, input string) (Command, error) {
	in := strings.ToLower(strings.TrimSpace(input))
	if in == "" {
		return Command{Kind: CmdNone}, nil
	}

	if screen == ScreenMenu {
		switch in {
		case "q", "quit", "exit":
			return Command{Kind: CmdClose}, nil
		case "0":
			// 已在顶层菜单，没有可返回的地方
			return Command{Kind: CmdNone}, nil
		}
		n, err := strconv.Atoi(in)
		if err != nil || n < 1 || n > len(menu) {
			return Command{}, fmt.Errorf("unknown choice %q", input)
		}
		return Command{Kind: CmdOpen, Screen: menu[n-1].screen}, nil
	}

	switch in {
	case "0", "b", "back":
		return Command{Kind: CmdBack}, nil
	}
	if screen != ScreenDevices {
		return Command{}, fmt.Errorf("unknown command %q (0 or b to go back)", input)
	}
	n, err := strconv.Atoi(in)
	if err != nil || n < 1 {
		return Command{}, fmt.Errorf("enter a device number, or 0 / b to go back")
	}
	return Command{Kind: CmdToggle, Index: n}, nil
}
