// Package guard signs, validates, and authorizes messages in front of
// the bus. Every outbound message is signed with the sender's
// registered secret; every message is then checked through an ordered
// chain (signature, freshness, rate, authorization) before it reaches
// the router, with typed rejections for each failure class.
package guard

import (
	"fmt"
	"strings"
)

// Level is a permission level. Levels are totally ordered:
// none < read < write < execute < admin.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelExecute
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelExecute:
		return "execute"
	case LevelAdmin:
		return "admin"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name to its Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "none":
		return LevelNone, nil
	case "read":
		return LevelRead, nil
	case "write":
		return LevelWrite, nil
	case "execute":
		return LevelExecute, nil
	case "admin":
		return LevelAdmin, nil
	default:
		return LevelNone, fmt.Errorf("unknown permission level %q", s)
	}
}

// requiredLevel infers the permission an operation needs from its
// message type: execute for execute-style operations, write for
// mutating requests, read for everything else.
func requiredLevel(msgType string) Level {
	switch {
	case strings.HasPrefix(msgType, "execute"):
		return LevelExecute
	case strings.HasSuffix(msgType, "_request"), strings.HasPrefix(msgType, "create"):
		return LevelWrite
	default:
		return LevelRead
	}
}
