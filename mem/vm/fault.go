package vm

import (
	"errors"
	"fmt"
)

// FaultKind tells why a translation failed.
type FaultKind int

// Fault kinds.
const (
	NotPresent FaultKind = iota + 1
	PermissionFault
	InvalidAddress
)

func (k FaultKind) String() string {
	switch k {
	case NotPresent:
		return "NotPresent"
	case PermissionFault:
		return "PermissionFault"
	case InvalidAddress:
		return "InvalidAddress"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Sentinels matched by errors.Is against a *Fault of the same kind.
var (
	ErrNotPresent      = errors.New("page not present")
	ErrPermissionFault = errors.New("permission fault")
	ErrInvalidAddress  = errors.New("invalid virtual address")
)

// A Fault is a failed translation. It is a result, not a crash: the walker
// and the TLB report it and leave the recovery to the caller.
type Fault struct {
	Kind   FaultKind
	VAddr  uint64
	Level  int
	Access Access
	Format string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s at va 0x%x, level %d (%s)",
		f.Format, f.Kind, f.VAddr, f.Level, f.Access)
}

// Is matches the sentinel of the fault kind.
func (f *Fault) Is(target error) bool {
	switch f.Kind {
	case NotPresent:
		return target == ErrNotPresent
	case PermissionFault:
		return target == ErrPermissionFault
	case InvalidAddress:
		return target == ErrInvalidAddress
	default:
		return false
	}
}

// AsFault extracts the fault wrapped in err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}

	return nil, false
}
