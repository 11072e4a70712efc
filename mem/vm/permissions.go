package vm

import (
	"fmt"
	"strings"

	"github.com/sarchlab/memhier/mem/mem"
)

// Permissions is the set of rights granted by a leaf page-table entry.
type Permissions uint8

// Permission bits.
const (
	PermRead Permissions = 1 << iota
	PermWrite
	PermExec
	PermUser
	PermGlobal
)

// Common permission sets.
const (
	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExec
	PermRWX = PermRead | PermWrite | PermExec
)

// Has returns true if every bit of q is set in p.
func (p Permissions) Has(q Permissions) bool {
	return p&q == q
}

// Allows checks an access against the permissions.
func (p Permissions) Allows(a Access) bool {
	if a.User && !p.Has(PermUser) {
		return false
	}

	switch a.Kind {
	case AccessRead:
		return p.Has(PermRead)
	case AccessWrite:
		return p.Has(PermWrite)
	case AccessExecute:
		return p.Has(PermExec)
	default:
		return false
	}
}

// String renders the permissions as "rwxug", with "-" for each missing right.
func (p Permissions) String() string {
	letters := []struct {
		bit Permissions
		c   byte
	}{
		{PermRead, 'r'},
		{PermWrite, 'w'},
		{PermExec, 'x'},
		{PermUser, 'u'},
		{PermGlobal, 'g'},
	}

	b := make([]byte, len(letters))
	for i, l := range letters {
		b[i] = '-'
		if p.Has(l.bit) {
			b[i] = l.c
		}
	}

	return string(b)
}

// ParsePermissions reads a permission string made of the letters r, w, x, u,
// and g in any order. Dashes are ignored.
func ParsePermissions(s string) (Permissions, error) {
	var p Permissions

	for _, c := range strings.ToLower(s) {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case 'u':
			p |= PermUser
		case 'g':
			p |= PermGlobal
		case '-':
		default:
			return 0, mem.NewConfigError("vm", "permissions", s,
				fmt.Sprintf("unknown permission %q", c))
		}
	}

	return p, nil
}

// AccessKind is the kind of a memory access.
type AccessKind int

// Access kinds.
const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return fmt.Sprintf("AccessKind(%d)", int(k))
	}
}

// Access describes the rights a translation is requested for.
type Access struct {
	Kind AccessKind
	User bool
}

func (a Access) String() string {
	if a.User {
		return "user " + a.Kind.String()
	}

	return a.Kind.String()
}

// Read, Write, and Execute are supervisor accesses.
var (
	Read    = Access{Kind: AccessRead}
	Write   = Access{Kind: AccessWrite}
	Execute = Access{Kind: AccessExecute}
)
