package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/util"
)

// Handler 命令实现。返回值为 nil 时只发送终止 OK; 返回已含 request_state 的 map 时原样转发。
type Handler func(ctx context.Context, call *Call) (any, error)

// Descriptor 注册的命令。
type Descriptor struct {
	// Name 点分命令名, 注册时逐段规范化为 snake_case。
	Name string
	// Params 声明的形参名: 客户端参数与需要注入的上下文名 (user_id, session, …)。
	Params []string
	// Required 必须由客户端提供 (或由注入补齐) 的参数。
	Required []string
	// Privilege 权限类别, 空为 "execute"。
	Privilege string
	Handler   Handler
	Doc       string
}

func (d *Descriptor) declares(name string) bool {
	for _, p := range d.Params {
		if p == name {
			return true
		}
	}
	return false
}

// node 命名空间树节点。
type node struct {
	children map[string]*node
	cmd      *Descriptor
}

func newNode() *node { return &node{children: make(map[string]*node)} }

// Registry 命令注册表: 规范化命令名 → Descriptor, 并维护命名空间树用于解析报错。
type Registry struct {
	mu   sync.RWMutex
	root *node
	cmds map[string]*Descriptor
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{root: newNode(), cmds: make(map[string]*Descriptor)}
}

// NormalizeName 逐段转为 snake_case。
func NormalizeName(command string) string {
	segs := strings.Split(command, ".")
	for i, s := range segs {
		segs[i] = util.CamelToSnake(s)
	}
	return strings.Join(segs, ".")
}

// Register 注册命令。名称至少两段, 不允许重复, 不允许与命名空间同名。
func (r *Registry) Register(d Descriptor) error {
	if d.Handler == nil {
		return apperrors.Newf("Registry.Register", "command %s has no handler", d.Name)
	}
	d.Name = NormalizeName(d.Name)
	segs := strings.Split(d.Name, ".")
	if len(segs) < 2 || slices.Contains(segs, "") {
		return apperrors.Newf("Registry.Register", "invalid command name %q", d.Name)
	}
	if d.Privilege == "" {
		d.Privilege = PrivilegeExecute
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.cmds[d.Name]; dup {
		return apperrors.Newf("Registry.Register", "command %s is already registered", d.Name)
	}
	n := r.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		if child.cmd != nil {
			return apperrors.Newf("Registry.Register", "%s is a command, not a namespace", seg)
		}
		n = child
	}
	last := segs[len(segs)-1]
	if leaf, ok := n.children[last]; ok && len(leaf.children) > 0 {
		return apperrors.Newf("Registry.Register", "%s is a namespace", d.Name)
	}
	desc := d
	n.children[last] = &node{children: map[string]*node{}, cmd: &desc}
	r.cmds[d.Name] = &desc
	return nil
}

// MustRegister 注册失败时 panic (启动期使用)。
func (r *Registry) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Resolve 解析点分命令名。
//
// 错误:
//   - 少于两段 → 格式错误
//   - 中间段缺失 → 报出已解析的最深前缀
//   - 末段不是命令 → 报出对象与缺失的成员
func (r *Registry) Resolve(command string) (*Descriptor, error) {
	segs := strings.Split(command, ".")
	if len(segs) < 2 || slices.Contains(segs, "") {
		return nil, resolutionError(fmt.Sprintf(
			"The command '%s' is not in the expected <namespace>.<function> format.", command))
	}
	for i, s := range segs {
		segs[i] = util.CamelToSnake(s)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.root
	for i, seg := range segs[:len(segs)-1] {
		child, ok := n.children[seg]
		if !ok || child.cmd != nil {
			if i == 0 {
				return nil, resolutionError(fmt.Sprintf("There is no global object named '%s'.", seg))
			}
			return nil, resolutionError(fmt.Sprintf("The object '%s' has no member named '%s'.",
				strings.Join(segs[:i], "."), seg))
		}
		n = child
	}
	last := segs[len(segs)-1]
	leaf, ok := n.children[last]
	if !ok || leaf.cmd == nil {
		return nil, resolutionError(fmt.Sprintf("The object '%s' has no function named '%s'.",
			strings.Join(segs[:len(segs)-1], "."), last))
	}
	return leaf.cmd, nil
}

// Commands 已注册的全部命令名 (排序)。
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cmds))
	for name := range r.cmds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func resolutionError(msg string) error {
	return apperrors.WithCode(ErrResolution, "Dispatcher.Resolve", apperrors.CodeResolution, msg)
}
