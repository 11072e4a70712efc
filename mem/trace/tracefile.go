package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sarchlab/memhier/mem/memsys"
	"github.com/sarchlab/memhier/mem/vm"
)

// OpKind is the kind of a trace operation.
type OpKind int

// Trace operations.
const (
	OpAccess OpKind = iota
	OpMap
	OpUnmap
	OpContextSwitch
)

func (k OpKind) String() string {
	switch k {
	case OpAccess:
		return "access"
	case OpMap:
		return "map"
	case OpUnmap:
		return "unmap"
	case OpContextSwitch:
		return "context-switch"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// An Op is one line of a trace file.
//
//	R|W|X <va> [u]                     access, u for user mode
//	M <va> <pa> [4K|2M|1G] [rwxug]     map a page, 4K and rw by default
//	U <va>                             unmap the page holding va
//	C                                  context switch
//
// Blank lines and lines starting with # are skipped.
type Op struct {
	Line     int
	Kind     OpKind
	Access   vm.AccessKind
	User     bool
	VAddr    uint64
	PAddr    uint64
	PageSize vm.PageSize
	Perms    vm.Permissions
}

// A ParseError reports a malformed trace line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errSyntax = errors.New("syntax error")

// Parse reads every operation of a trace.
func Parse(r io.Reader) ([]Op, error) {
	var ops []Op

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		op, ok, err := ParseLine(scanner.Text(), lineNo)
		if err != nil {
			return nil, err
		}

		if ok {
			ops = append(ops, op)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return ops, nil
}

// ParseLine parses one line. It returns false for blank and comment lines.
func ParseLine(text string, lineNo int) (Op, bool, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return Op{}, false, nil
	}

	op := Op{Line: lineNo}

	var err error

	switch strings.ToUpper(fields[0]) {
	case "R":
		err = parseAccess(&op, vm.AccessRead, fields[1:])
	case "W":
		err = parseAccess(&op, vm.AccessWrite, fields[1:])
	case "X":
		err = parseAccess(&op, vm.AccessExecute, fields[1:])
	case "M":
		err = parseMap(&op, fields[1:])
	case "U":
		op.Kind = OpUnmap
		err = parseSingleAddr(&op.VAddr, fields[1:])
	case "C":
		op.Kind = OpContextSwitch
		if len(fields) != 1 {
			err = fmt.Errorf("%w: C takes no argument", errSyntax)
		}
	default:
		err = fmt.Errorf("%w: unknown operation %s", errSyntax, fields[0])
	}

	if err != nil {
		return Op{}, false, &ParseError{Line: lineNo, Text: text, Err: err}
	}

	return op, true, nil
}

func parseAccess(op *Op, kind vm.AccessKind, args []string) error {
	op.Kind = OpAccess
	op.Access = kind

	if len(args) == 2 {
		if !strings.EqualFold(args[1], "u") {
			return fmt.Errorf("%w: unexpected %s", errSyntax, args[1])
		}

		op.User = true
		args = args[:1]
	}

	return parseSingleAddr(&op.VAddr, args)
}

func parseMap(op *Op, args []string) error {
	op.Kind = OpMap
	op.PageSize = vm.Page4K
	op.Perms = vm.PermRW

	if len(args) < 2 || len(args) > 4 {
		return fmt.Errorf("%w: M takes <va> <pa> [size] [perms]", errSyntax)
	}

	var err error

	if op.VAddr, err = parseAddr(args[0]); err != nil {
		return err
	}

	if op.PAddr, err = parseAddr(args[1]); err != nil {
		return err
	}

	for _, arg := range args[2:] {
		if size, err := vm.ParsePageSize(arg); err == nil {
			op.PageSize = size
			continue
		}

		perms, err := vm.ParsePermissions(arg)
		if err != nil {
			return fmt.Errorf("%w: %s is neither a page size nor permissions",
				errSyntax, arg)
		}

		op.Perms = perms
	}

	return nil
}

func parseSingleAddr(dst *uint64, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected one address", errSyntax)
	}

	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}

	*dst = addr

	return nil
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad address %s", errSyntax, s)
	}

	return addr, nil
}

// ReplayStats counts the operations replayed.
type ReplayStats struct {
	Ops             int
	Accesses        int
	Faults          int
	Maps            int
	Unmaps          int
	ContextSwitches int
}

// Replay applies operations to a system in order. Faults are counted and do
// not stop the replay. A mapping the page table rejects, or an address the
// cache cannot hold, stops it.
func Replay(s *memsys.System, ops []Op) (ReplayStats, error) {
	return ReplayWithProgress(s, ops, nil)
}

// ReplayWithProgress is Replay with a callback that receives the number of
// operations applied so far after each one. The callback may be nil.
func ReplayWithProgress(
	s *memsys.System,
	ops []Op,
	onOp func(done int),
) (ReplayStats, error) {
	var st ReplayStats

	for _, op := range ops {
		if err := apply(s, op, &st); err != nil {
			return st, fmt.Errorf("line %d: %s: %w", op.Line, op.Kind, err)
		}

		st.Ops++

		if onOp != nil {
			onOp(st.Ops)
		}
	}

	return st, nil
}

func apply(s *memsys.System, op Op, st *ReplayStats) error {
	switch op.Kind {
	case OpAccess:
		res, err := s.Access(memsys.Request{
			Kind:  op.Access,
			VAddr: op.VAddr,
			User:  op.User,
		})
		if err != nil {
			return err
		}

		st.Accesses++
		if res.Fault != nil {
			st.Faults++
		}
	case OpMap:
		if err := s.MapPage(op.VAddr, op.PAddr, op.PageSize, op.Perms); err != nil {
			return err
		}

		st.Maps++
	case OpUnmap:
		if _, ok := s.UnmapPage(op.VAddr); !ok {
			return fmt.Errorf("0x%x is not mapped", op.VAddr)
		}

		st.Unmaps++
	case OpContextSwitch:
		s.ContextSwitch()
		st.ContextSwitches++
	}

	return nil
}
