package iface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyrange/netdispatch/internal/netstack/socket"
)

// EnableDebugHTTP starts a debug server exposing the interface's state at
// /status and its metrics at /metrics. An empty addr is a no-op.
func (ifc *Interface) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	ifc.debugMu.Lock()
	defer ifc.debugMu.Unlock()

	if ifc.debugSrv != nil {
		return fmt.Errorf("debug http already enabled at %s", ifc.debugAddr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", ifc.handleDebugStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(ifc.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ifc.debugSrv = srv
	ifc.debugListener = ln
	ifc.debugAddr = ln.Addr().String()

	ifc.debugWG.Add(1)
	go func() {
		defer ifc.debugWG.Done()
		if err := srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			ifc.log.Warn("iface: debug http serve", "err", err)
		}
	}()

	ifc.log.Info("iface: debug http listening", "addr", ifc.debugAddr)
	return nil
}

// DebugHTTPAddr returns the bound address of the debug HTTP server.
func (ifc *Interface) DebugHTTPAddr() string {
	ifc.debugMu.Lock()
	defer ifc.debugMu.Unlock()
	return ifc.debugAddr
}

func (ifc *Interface) stopDebugHTTP() {
	ifc.debugMu.Lock()
	srv := ifc.debugSrv
	ln := ifc.debugListener
	ifc.debugSrv = nil
	ifc.debugListener = nil
	ifc.debugAddr = ""
	ifc.debugMu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := srv.Shutdown(ctx); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			ifc.log.Error("iface: debug http shutdown", "err", err)
		}
		cancel()
	}
	ifc.debugWG.Wait()
}

func (ifc *Interface) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	status := ifc.collectDebugStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		ifc.log.Warn("iface: debug status encode", "err", err)
	}
}

// debugStatus is the JSON structure exposed at /status.
type debugStatus struct {
	Name      string          `json:"name"`
	Addresses []string        `json:"addresses"`
	DebugAddr string          `json:"debugAddr"`
	Capturing bool            `json:"capturing"`
	Sockets   []SocketStats   `json:"sockets"`
	Table     TableSnapshot   `json:"table"`
	Dirty     []socket.Handle `json:"dirty"`
}

func (ifc *Interface) collectDebugStatus() debugStatus {
	status := debugStatus{DebugAddr: ifc.DebugHTTPAddr()}

	ifc.mu.Lock()
	defer ifc.mu.Unlock()

	status.Name = ifc.name
	for _, a := range ifc.addrs {
		status.Addresses = append(status.Addresses, a.String())
	}
	status.Capturing = ifc.capture != nil
	status.Sockets = ifc.statsLocked()
	status.Table = ifc.table.Snapshot()
	for _, s := range status.Sockets {
		if s.Dirty {
			status.Dirty = append(status.Dirty, s.Handle)
		}
	}
	return status
}
