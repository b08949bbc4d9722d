package rules

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"docrelay/internal/config"
	"docrelay/pkg/model"
)

// Action 分类结果
type Action string

const (
	ActionPass   Action = "pass"
	ActionDivert Action = "divert"
)

// Mode URL 匹配方式
type Mode string

const (
	ModeContains Mode = "contains"
	ModePrefix   Mode = "prefix"
	ModeSuffix   Mode = "suffix"
	ModeExact    Mode = "exact"
	ModeSegment  Mode = "segment"
	ModeGlob     Mode = "glob"
	ModeRegex    Mode = "regex"
)

// Pattern 单条匹配规则
type Pattern struct {
	Mode       Mode
	Value      string
	Action     Action
	Mechanisms []model.Mechanism // 为空表示所有通道

	re *regexp.Regexp
}

// Matcher 有序规则列表，第一条命中的规则决定结果，全部未命中则放行
type Matcher struct {
	patterns []Pattern
}

// New 由配置构造匹配器，regex/glob 在此处预编译
func New(cfgs []config.PatternConfig) (*Matcher, error) {
	ps := make([]Pattern, 0, len(cfgs))
	for i, c := range cfgs {
		p := Pattern{
			Mode:   Mode(strings.ToLower(strings.TrimSpace(c.Mode))),
			Value:  c.Value,
			Action: Action(strings.ToLower(strings.TrimSpace(c.Action))),
		}
		if p.Mode == "" {
			p.Mode = ModeContains
		}
		if p.Action != ActionPass && p.Action != ActionDivert {
			return nil, fmt.Errorf("规则 %d: 未知动作 %q", i, c.Action)
		}
		for _, m := range c.Mechanisms {
			mech := model.Mechanism(strings.ToLower(m))
			if !mech.Valid() {
				return nil, fmt.Errorf("规则 %d: 未知通道 %q", i, m)
			}
			p.Mechanisms = append(p.Mechanisms, mech)
		}
		switch p.Mode {
		case ModeRegex:
			re, err := regexCache.Get(p.Value)
			if err != nil {
				return nil, fmt.Errorf("规则 %d: %w", i, err)
			}
			p.re = re
		case ModeGlob:
			re, err := regexCache.Get(globToRegex(p.Value))
			if err != nil {
				return nil, fmt.Errorf("规则 %d: %w", i, err)
			}
			p.re = re
		case ModeContains, ModePrefix, ModeSuffix, ModeExact, ModeSegment:
		default:
			return nil, fmt.Errorf("规则 %d: 未知匹配方式 %q", i, c.Mode)
		}
		ps = append(ps, p)
	}
	return &Matcher{patterns: ps}, nil
}

// MustNew 用于默认配置等不可能出错的场景
func MustNew(cfgs []config.PatternConfig) *Matcher {
	m, err := New(cfgs)
	if err != nil {
		panic(err)
	}
	return m
}

// Classify 判断请求应放行还是转移
func (m *Matcher) Classify(rawURL string, mech model.Mechanism) Action {
	a, _ := m.Explain(rawURL, mech)
	return a
}

// Explain 返回分类结果及命中的规则下标，未命中时为 -1
func (m *Matcher) Explain(rawURL string, mech model.Mechanism) (Action, int) {
	if m == nil {
		return ActionPass, -1
	}
	for i := range m.patterns {
		p := &m.patterns[i]
		if !p.appliesTo(mech) {
			continue
		}
		if p.match(rawURL) {
			return p.Action, i
		}
	}
	return ActionPass, -1
}

// Patterns 返回规则副本
func (m *Matcher) Patterns() []Pattern {
	out := make([]Pattern, len(m.patterns))
	copy(out, m.patterns)
	return out
}

func (p *Pattern) appliesTo(mech model.Mechanism) bool {
	if len(p.Mechanisms) == 0 {
		return true
	}
	for _, m := range p.Mechanisms {
		if m == mech {
			return true
		}
	}
	return false
}

func (p *Pattern) match(s string) bool {
	switch p.Mode {
	case ModePrefix:
		return strings.HasPrefix(s, p.Value)
	case ModeSuffix:
		return strings.HasSuffix(stripQuery(s), p.Value)
	case ModeExact:
		return s == p.Value
	case ModeSegment:
		return hasSegment(s, p.Value)
	case ModeRegex, ModeGlob:
		return p.re.MatchString(s)
	default:
		return strings.Contains(s, p.Value)
	}
}

// hasSegment 判断 URL 路径中是否有与 seg 完全相同的一段
func hasSegment(raw, seg string) bool {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	} else {
		path = stripQuery(raw)
	}
	for _, part := range strings.Split(path, "/") {
		if part == seg {
			return true
		}
	}
	return false
}

func stripQuery(s string) string {
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		return s[:i]
	}
	return s
}

// globToRegex 将 * 与 ? 转换为正则，其余字符按字面匹配
func globToRegex(g string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range g {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
