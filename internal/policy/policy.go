// Package policy holds the ordered allow/block rule set and the pure
// matching function the engine consults for every attached device.
package policy

import (
	"fmt"
	"strings"

	"github.com/Hara602/usbWarden/internal/model"
)

// Action 规则动作
type Action string

const (
	Allow Action = "allow"
	Block Action = "block"
)

// ParseAction 大小写不敏感
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case Allow:
		return Allow, nil
	case Block:
		return Block, nil
	}
	return "", fmt.Errorf("unknown action %q (want allow or block)", s)
}

// Target 动作对应的授权状态
func (a Action) Target() model.AuthState {
	if a == Allow {
		return model.StateAuthorized
	}
	return model.StateBlocked
}

// Rule 一条规则。空字段表示通配
type Rule struct {
	VendorID  string `yaml:"vendor,omitempty"`
	ProductID string `yaml:"product,omitempty"`
	Serial    string `yaml:"serial,omitempty"`
	Action    Action `yaml:"action"`
	Comment   string `yaml:"comment,omitempty"`
}

func (r Rule) matches(d model.Device) bool {
	if r.VendorID != "" && r.VendorID != NormalizeID(d.VendorID) {
		return false
	}
	if r.ProductID != "" && r.ProductID != NormalizeID(d.ProductID) {
		return false
	}
	if r.Serial != "" && r.Serial != d.Serial {
		return false
	}
	return true
}

func (r Rule) String() string {
	field := func(v string) string {
		if v == "" {
			return "*"
		}
		return v
	}
	return fmt.Sprintf("%s:%s:%s -> %s", field(r.VendorID), field(r.ProductID), field(r.Serial), r.Action)
}

// Decision Evaluate 的结果
type Decision struct {
	Action Action
	// 命中规则的下标；-1 表示默认动作或 deny_without_serial
	RuleIndex int
	Reason    string
}

// Store 有序规则集。构造后只读，可并发调用 Evaluate
type Store struct {
	rules             []Rule
	defaultAction     Action
	denyWithoutSerial bool
}

// Option 可选配置
type Option func(*Store)

// DenyWithoutSerial 无序列号(或全零序列号)的设备直接阻断，先于规则生效
func DenyWithoutSerial(enabled bool) Option {
	return func(s *Store) { s.denyWithoutSerial = enabled }
}

// New 校验并规范化规则。defaultAction 为空时默认拒绝
func New(rules []Rule, defaultAction Action, opts ...Option) (*Store, error) {
	if defaultAction == "" {
		defaultAction = Block
	}
	def, err := ParseAction(string(defaultAction))
	if err != nil {
		return nil, fmt.Errorf("default_action: %w", err)
	}

	s := &Store{defaultAction: def, rules: make([]Rule, 0, len(rules))}
	for i, r := range rules {
		action, err := ParseAction(string(r.Action))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		r.Action = action
		r.VendorID = NormalizeID(r.VendorID)
		r.ProductID = NormalizeID(r.ProductID)
		r.Serial = strings.TrimSpace(r.Serial)
		if r.VendorID == "*" {
			r.VendorID = ""
		}
		if r.ProductID == "*" {
			r.ProductID = ""
		}
		if r.Serial == "*" {
			r.Serial = ""
		}
		if err := validateID(r.VendorID); err != nil {
			return nil, fmt.Errorf("rule %d vendor: %w", i+1, err)
		}
		if err := validateID(r.ProductID); err != nil {
			return nil, fmt.Errorf("rule %d product: %w", i+1, err)
		}
		s.rules = append(s.rules, r)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Evaluate 第一条匹配的规则生效；都不匹配时使用默认动作
func (s *Store) Evaluate(d model.Device) Decision {
	if s.denyWithoutSerial && missingSerial(d.Serial) {
		return Decision{Action: Block, RuleIndex: -1, Reason: "unknown or empty serial number"}
	}
	for i, r := range s.rules {
		if r.matches(d) {
			reason := fmt.Sprintf("rule %d (%s)", i+1, r)
			if r.Comment != "" {
				reason += ": " + r.Comment
			}
			return Decision{Action: r.Action, RuleIndex: i, Reason: reason}
		}
	}
	return Decision{Action: s.defaultAction, RuleIndex: -1, Reason: "default action"}
}

func (s *Store) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

func (s *Store) DefaultAction() Action { return s.defaultAction }

// NormalizeID "0x1D6B" / "1d6b" -> "1d6b"
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}

func validateID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > 4 {
		return fmt.Errorf("%q is longer than 4 hex digits", id)
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return fmt.Errorf("%q is not hexadecimal", id)
		}
	}
	return nil
}

func missingSerial(serial string) bool {
	return strings.Trim(serial, "0") == ""
}
