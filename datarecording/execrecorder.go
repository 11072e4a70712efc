package datarecording

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/structs"
)

// ExecInfo is a property of a simulator execution.
type ExecInfo struct {
	Property string
	Value    string
}

// ExecTable is the table execution properties are stored in.
const ExecTable = "exec_info"

const timeLayout = "2006-01-02 15:04:05.000000000"

// ExecRecorder records how the simulator was run.
type ExecRecorder struct {
	recorder DataRecorder
	entries  []ExecInfo
}

// NewExecRecorder creates the execution table and returns a recorder that
// fills it.
func NewExecRecorder(recorder DataRecorder) *ExecRecorder {
	recorder.CreateTable(ExecTable, ExecInfo{})

	return &ExecRecorder{recorder: recorder}
}

// Start records the start time, the command line, and the working
// directory.
func (e *ExecRecorder) Start() {
	e.add("Start Time", time.Now().Format(timeLayout))
	e.add("Command", strings.Join(os.Args, " "))

	cwd, err := os.Getwd()
	if err == nil {
		e.add("Working Directory", cwd)
	}
}

// AddStruct records every exported field of a struct, such as the
// configuration, under the given prefix. Fields are recorded in name order.
func (e *ExecRecorder) AddStruct(prefix string, s any) {
	m := structs.Map(s)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		e.add(prefix+"."+k, fmt.Sprint(m[k]))
	}
}

func (e *ExecRecorder) add(property, value string) {
	e.entries = append(e.entries, ExecInfo{Property: property, Value: value})
}

// End records the end time and writes the properties.
func (e *ExecRecorder) End() {
	e.add("End Time", time.Now().Format(timeLayout))

	for _, entry := range e.entries {
		e.recorder.InsertData(ExecTable, entry)
	}

	e.entries = nil

	e.recorder.Flush()
}
