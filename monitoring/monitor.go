// Package monitoring serves the state of running DSM nodes over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/Tamaarine/CSE306-Assignment/dsm"
	"github.com/Tamaarine/CSE306-Assignment/msi"
)

// Node is what the monitor needs from a DSM node.
type Node interface {
	Name() string
	ViewStates() []msi.PageState
	Stats() dsm.Stats
	Err() error
}

// Monitor turns a process running DSM nodes into a server that reports
// their page states and counters.
type Monitor struct {
	portNumber      int
	profileDuration time.Duration

	lock  sync.RWMutex
	nodes []Node

	server *http.Server
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		profileDuration: time.Second,
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// replaced by a random port.
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

// RegisterNode registers a node to be monitored.
func (m *Monitor) RegisterNode(n Node) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.nodes = append(m.nodes, n)
}

// Handler returns the routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/nodes", m.listNodes).Methods(http.MethodGet)
	r.HandleFunc("/api/states/{name}", m.listStates).Methods(http.MethodGet)
	r.HandleFunc("/api/stats/{name}", m.listStats).Methods(http.MethodGet)
	r.HandleFunc("/api/node/{name}", m.listNodeDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	r.HandleFunc("/api/profile", m.collectProfile).Methods(http.MethodGet)

	return r
}

// StartServer starts serving in the background and returns the port it
// listens on.
func (m *Monitor) StartServer() (int, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return 0, fmt.Errorf("monitoring: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port

	fmt.Fprintf(os.Stderr,
		"Monitoring DSM nodes with http://localhost:%d/api/nodes\n", port)

	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Monitoring server stopped: %v\n", err)
		}
	}()

	return port, nil
}

// StopServer stops the server started by StartServer.
func (m *Monitor) StopServer() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}

type nodeRsp struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

func (m *Monitor) listNodes(w http.ResponseWriter, _ *http.Request) {
	m.lock.RLock()
	rsp := make([]nodeRsp, 0, len(m.nodes))
	for _, n := range m.nodes {
		rsp = append(rsp, nodeRsp{Name: n.Name(), Error: errString(n.Err())})
	}
	m.lock.RUnlock()

	writeJSON(w, rsp)
}

func (m *Monitor) listStates(w http.ResponseWriter, r *http.Request) {
	n := m.findNodeOr404(w, mux.Vars(r)["name"])
	if n == nil {
		return
	}

	states := n.ViewStates()
	if states == nil {
		states = []msi.PageState{}
	}

	writeJSON(w, states)
}

func (m *Monitor) listStats(w http.ResponseWriter, r *http.Request) {
	n := m.findNodeOr404(w, mux.Vars(r)["name"])
	if n == nil {
		return
	}

	writeJSON(w, n.Stats())
}

type nodeDetails struct {
	Name   string
	Error  string
	States []msi.PageState
	Stats  dsm.Stats
}

func (m *Monitor) listNodeDetails(w http.ResponseWriter, r *http.Request) {
	n := m.findNodeOr404(w, mux.Vars(r)["name"])
	if n == nil {
		return
	}

	details := &nodeDetails{
		Name:   n.Name(),
		Error:  errString(n.Err()),
		States: n.ViewStates(),
		Stats:  n.Stats(),
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(details)
	serializer.SetMaxDepth(3)

	err := serializer.Serialize(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, prof)
}

func (m *Monitor) findNodeOr404(w http.ResponseWriter, name string) Node {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, n := range m.nodes {
		if n.Name() == name {
			return n
		}
	}

	http.Error(w, "node not found", http.StatusNotFound)

	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
