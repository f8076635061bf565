package types

import "fmt"

// NodeRole 节点角色（封闭集合，分支必须穷尽）
type NodeRole uint8

const (
	RoleHeavy NodeRole = iota
	RoleMedium
	RoleLight
)

func (r NodeRole) String() string {
	switch r {
	case RoleHeavy:
		return "Heavy"
	case RoleMedium:
		return "Medium"
	case RoleLight:
		return "Light"
	}
	return fmt.Sprintf("NodeRole(%d)", uint8(r))
}

// ParseRole 从配置字符串解析角色
func ParseRole(s string) (NodeRole, error) {
	switch s {
	case "Heavy":
		return RoleHeavy, nil
	case "Medium":
		return RoleMedium, nil
	case "Light":
		return RoleLight, nil
	}
	return RoleLight, fmt.Errorf("unknown node role: %q", s)
}

// Tag 日志用单字母标记
func (r NodeRole) Tag() string {
	switch r {
	case RoleHeavy:
		return "H"
	case RoleMedium:
		return "M"
	case RoleLight:
		return "L"
	}
	return "?"
}

// NodeID 节点标识（即节点地址）
type NodeID string
