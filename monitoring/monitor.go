// Package monitoring turns a memory system into a web server that can be
// driven and inspected over a JSON API.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/memhier/config"
	"github.com/sarchlab/memhier/mem/memsys"
)

// Monitor serves a live memory system and the stateless analysis endpoints.
type Monitor struct {
	lock      sync.Mutex
	sessionID string
	cfg       config.Config
	system    *memsys.System
	logger    *log.Logger

	portNumber      int
	profileDuration time.Duration

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a Monitor whose session runs a system of the given
// configuration.
func NewMonitor(cfg config.Config) (*Monitor, error) {
	m := &Monitor{
		logger:          log.New(io.Discard, "", 0),
		profileDuration: time.Second,
	}

	if err := m.startSession(cfg); err != nil {
		return nil, err
	}

	return m, nil
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger of the session systems. The current session
// restarts with the new logger.
func (m *Monitor) WithLogger(logger *log.Logger) *Monitor {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.logger = logger
	dieOnErr(m.startSession(m.cfg))

	return m
}

// System returns the system of the current session.
func (m *Monitor) System() *memsys.System {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.system
}

func (m *Monitor) startSession(cfg config.Config) error {
	s, err := memsys.MakeBuilder().
		WithConfig(cfg).
		WithLogger(m.logger).
		Build("MemSys")
	if err != nil {
		return err
	}

	m.system = s
	m.cfg = cfg
	m.sessionID = xid.New().String()

	return nil
}

// Router returns the handler of every endpoint.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/cache/configure", m.cacheConfigure).Methods("POST")
	api.HandleFunc("/cache/access", m.cacheAccess).Methods("POST")
	api.HandleFunc("/cache/structure", m.cacheStructure).Methods("POST")
	api.HandleFunc("/tlb/translate", m.tlbTranslate).Methods("POST")
	api.HandleFunc("/pagewalk/translate", m.pageWalkTranslate).Methods("POST")
	api.HandleFunc("/vipt/analyze", m.viptAnalyze).Methods("POST")
	api.HandleFunc("/performance/emat", m.performanceEMAT).Methods("POST")
	api.HandleFunc("/performance/estimate", m.performanceEstimate).
		Methods("POST")

	api.HandleFunc("/system", m.session).Methods("GET")
	api.HandleFunc("/system", m.newSession).Methods("POST")
	api.HandleFunc("/system/map", m.mapPage).Methods("POST")
	api.HandleFunc("/system/unmap", m.unmapPage).Methods("POST")
	api.HandleFunc("/system/access", m.access).Methods("POST")
	api.HandleFunc("/system/replay", m.replay).Methods("POST")
	api.HandleFunc("/system/context_switch", m.contextSwitch).Methods("POST")
	api.HandleFunc("/system/flush", m.flush).Methods("POST")
	api.HandleFunc("/system/reset", m.reset).Methods("POST")
	api.HandleFunc("/system/stats", m.stats).Methods("GET")
	api.HandleFunc("/system/set/{index:[0-9]+}", m.cacheSet).Methods("GET")
	api.HandleFunc("/state/{part}", m.state).Methods("GET")

	api.HandleFunc("/progress", m.listProgressBars).Methods("GET")
	api.HandleFunc("/resource", m.listResources).Methods("GET")
	api.HandleFunc("/profile", m.collectProfile).Methods("GET")

	return r
}

// StartServer starts serving on the configured port, or on a random port,
// and returns the URL of the server.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	fmt.Fprintf(os.Stderr, "Monitoring memory system with %s\n", url)

	server := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Panic(err)
		}
	}()

	return url, nil
}

type sessionRsp struct {
	ID     string        `json:"id"`
	Config config.Config `json:"config"`
}

func (m *Monitor) session(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	writeJSON(w, sessionRsp{ID: m.sessionID, Config: m.cfg})
}

func (m *Monitor) newSession(w http.ResponseWriter, r *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	cfg := config.Defaults()
	if !decodeOr400(w, r, &cfg) {
		return
	}

	if err := m.startSession(cfg); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, sessionRsp{ID: m.sessionID, Config: m.cfg})
}

// state serializes a part of the session system. The optional field query
// parameter walks into the part, as in ?field=stats.Hits.
func (m *Monitor) state(w http.ResponseWriter, r *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	var root any

	switch mux.Vars(r)["part"] {
	case "system":
		root = m.system
	case "cache":
		root = m.system.Cache()
	case "tlb":
		root = m.system.TLB()
	case "walker":
		root = m.system.Walker()
	case "pagetable":
		root = m.system.PageTable()
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "Part not found")

		return
	}

	depth := 1
	if d := r.URL.Query().Get("depth"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("invalid depth %q", d))
			return
		}

		depth = n
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(root)
	serializer.SetMaxDepth(depth)

	if field := r.URL.Query().Get("field"); field != "" {
		if err := serializer.SetEntryPoint(strings.Split(field, ".")); err != nil {
			writeError(w, err)
			return
		}
	}

	buf := new(bytes.Buffer)
	if err := serializer.Serialize(buf); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err := w.Write(buf.Bytes())
	dieOnErr(err)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]ProgressBarStatus, len(m.progressBars))
	for i, b := range m.progressBars {
		bars[i] = b.Status()
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		writeJSON(w, errorRsp{Error: err.Error()})

		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

type errorRsp struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(v)
	dieOnErr(err)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	err = json.NewEncoder(w).Encode(errorRsp{Error: err.Error()})
	dieOnErr(err)
}

// decodeOr400 decodes the JSON body of a request into v. An empty body
// leaves v unchanged.
func decodeOr400(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("invalid request: %w", err))
		return false
	}

	return true
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
