package mmu

import (
	"io"
	"log"

	"github.com/sarchlab/memhier/mem/mem"
	"github.com/sarchlab/memhier/mem/vm"
)

// A Builder can build page-table walkers.
type Builder struct {
	format  *vm.Format
	reader  vm.PTEReader
	root    uint64
	hasRoot bool
	logger  *log.Logger
}

// MakeBuilder creates a new builder. The default format is Sv39.
func MakeBuilder() Builder {
	return Builder{
		format: vm.Sv39,
	}
}

// WithFormat sets the page-table format.
func (b Builder) WithFormat(format *vm.Format) Builder {
	b.format = format
	return b
}

// WithPTEReader sets the memory the walker reads entries from.
func (b Builder) WithPTEReader(reader vm.PTEReader) Builder {
	b.reader = reader
	return b
}

// WithRoot sets the address of the root table.
func (b Builder) WithRoot(root uint64) Builder {
	b.root = root
	b.hasRoot = true

	return b
}

// WithPageTable walks the given page table, with its format and root.
func (b Builder) WithPageTable(pt *vm.PageTable) Builder {
	b.format = pt.Format()
	b.reader = pt
	b.root = pt.Root()
	b.hasRoot = true

	return b
}

// WithLogger sets the logger that narrates every walk.
func (b Builder) WithLogger(logger *log.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a walker.
func (b Builder) Build(name string) (*Walker, error) {
	if b.format == nil {
		return nil, mem.NewConfigError(name, "table_format", nil,
			"must be set")
	}

	if b.reader == nil {
		return nil, mem.NewConfigError(name, "page_table", nil,
			"must be set")
	}

	if !b.hasRoot {
		return nil, mem.NewConfigError(name, "page_table_base", nil,
			"must be set")
	}

	logger := b.logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	w := &Walker{
		name:   name,
		format: b.format,
		reader: b.reader,
		root:   b.root,
		logger: logger,
	}

	return w, nil
}
