package analysis

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/h2non/filetype"
)

// Risk 伪装文件的风险等级
type Risk string

const (
	RiskSafe   Risk = "SAFE"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// headerSize filetype 库建议的文件头长度
const headerSize = 262

// Finding 一次检测的结论
type Finding struct {
	Masquerade  bool
	RealExt     string // 根据文件头
	DeclaredExt string // 根据文件名
	Risk        Risk
	Message     string
}

// TypeInspector 对比文件头与扩展名，发现伪装文件
type TypeInspector struct {
	mu       sync.RWMutex
	aliasMap map[string]map[string]bool
}

func NewTypeInspector() *TypeInspector {
	t := &TypeInspector{aliasMap: make(map[string]map[string]bool)}
	// zip 家族是最大的误报源
	t.Allow("zip",
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear", "apk",
		"odt", "ods", "odp",
		"crx", "whl", "nupkg",
	)
	t.Allow("xml", "svg", "html", "htm", "kml", "dae", "plist", "config")
	t.Allow("mp4", "m4v", "mov", "qt")
	t.Allow("mov", "qt", "mp4")
	t.Allow("ogg", "ogv", "oga", "spx")
	t.Allow("exe", "dll", "sys", "scr", "cpl", "ocx")
	t.Allow("gz", "gzip", "tgz")
	t.Allow("jpg", "jpeg", "jpe", "jfif")
	t.Allow("tif", "tiff")
	return t
}

// Allow 登记合法的“表里不一”：realExt 类型的文件允许使用 aliases 后缀
func (t *TypeInspector) Allow(realExt string, aliases ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.aliasMap[realExt]
	if !ok {
		m = map[string]bool{realExt: true}
		t.aliasMap[realExt] = m
	}
	for _, ext := range aliases {
		m[strings.ToLower(ext)] = true
	}
}

// Inspect 检测单个文件；目录与不可读文件返回错误
func (t *TypeInspector) Inspect(path string) (Finding, error) {
	declared := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if declared == "" {
		return Finding{Risk: RiskSafe, Message: "no extension"}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Finding{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, headerSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Finding{}, fmt.Errorf("read %s: %w", path, err)
	}
	if n == 0 {
		return Finding{DeclaredExt: declared, Risk: RiskSafe, Message: "empty file"}, nil
	}
	return t.judge(head[:n], declared), nil
}

func (t *TypeInspector) judge(head []byte, declared string) Finding {
	kind, _ := filetype.Match(head)
	// 纯文本 (txt, go, md, json) 没有 magic bytes，默认信任
	if kind == filetype.Unknown {
		return Finding{RealExt: "unknown", DeclaredExt: declared, Risk: RiskSafe}
	}
	realExt := kind.Extension
	if realExt == declared {
		return Finding{RealExt: realExt, DeclaredExt: declared, Risk: RiskSafe}
	}

	t.mu.RLock()
	allowed := t.aliasMap[realExt][declared]
	t.mu.RUnlock()
	if allowed {
		return Finding{
			RealExt:     realExt,
			DeclaredExt: declared,
			Risk:        RiskSafe,
			Message:     fmt.Sprintf("allowed alias: %s is compatible with %s", declared, realExt),
		}
	}

	risk := RiskMedium
	switch realExt {
	case "exe", "elf", "dll":
		// 可执行文件伪装成其他格式
		risk = RiskHigh
	}
	return Finding{
		Masquerade:  true,
		RealExt:     realExt,
		DeclaredExt: declared,
		Risk:        risk,
		Message:     fmt.Sprintf("type mismatch: header is '%s' but name says '%s'", realExt, declared),
	}
}

// Quarantine 重命名高危文件，使其无法被双击执行
func Quarantine(path string) (string, error) {
	target := path + ".quarantine"
	if err := os.Rename(path, target); err != nil {
		return "", err
	}
	return target, nil
}
