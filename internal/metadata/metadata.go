// Package metadata implements the EC2-compatible metadata HTTP service:
// a single-response-per-connection server bound to the link-local
// address 169.254.169.254, identifying guests by source IP or by a MAC
// address embedded in the request path.
package metadata

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/blawesom/vm-manager/internal/model"
	"github.com/blawesom/vm-manager/internal/store"
	"github.com/blawesom/vm-manager/internal/vlog"
)

var macPathPattern = regexp.MustCompile(`(?i)/macs/([0-9a-f]{2}(:[0-9a-f]{2}){5})/`)

// Service serves per-guest metadata over HTTP.
type Service struct {
	store       store.Store
	storageRoot string
	addr        string

	srv *http.Server
}

// New constructs a Service bound to addr (typically "169.254.169.254:80").
func New(st store.Store, storageRoot, addr string) *Service {
	return &Service{store: st, storageRoot: storageRoot, addr: addr}
}

// Serve starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails. Bind failures on the privileged link-local address are
// surfaced as a distinct, recognizable error rather than crashing the
// controller.
func (s *Service) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	s.srv = &http.Server{
		Addr:        s.addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}
	// One response per connection, matching how cloud-init talks to the
	// real EC2 endpoint.
	s.srv.SetKeepAlivesEnabled(false)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return fmt.Errorf("metadata: permission denied binding %s; requires root or CAP_NET_BIND_SERVICE: %w", s.addr, err)
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("metadata: address %s already in use: %w", s.addr, err)
		}
		return fmt.Errorf("metadata: failed to bind %s: %w", s.addr, err)
	}

	vlog.Info("metadata: listening on %s", s.addr)

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")

	path := strings.Trim(r.URL.Path, "/")
	clientIP := clientIPOf(r)

	vm, ok := s.resolveVM(clientIP, path)
	if !ok {
		http.Error(w, fmt.Sprintf("VM not found for IP %s", clientIP), http.StatusNotFound)
		return
	}

	if !strings.HasPrefix(path, "latest/") {
		http.Error(w, "invalid metadata path", http.StatusNotFound)
		return
	}

	response, ok := s.respond(strings.TrimPrefix(path, "latest/"), vm)
	if !ok {
		http.Error(w, "metadata path not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(response)))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(response))
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// resolveVM matches the caller by source IP first, then by MAC extracted
// from the request path.
func (s *Service) resolveVM(clientIP, path string) (model.VM, bool) {
	vms, err := s.store.ListVMs("")
	if err != nil {
		vlog.Error("metadata: listing VMs: %v", err)
		return model.VM{}, false
	}

	for _, v := range vms {
		if v.LocalIP != nil && *v.LocalIP == clientIP {
			return v, true
		}
	}

	m := macPathPattern.FindStringSubmatch(path)
	if m == nil {
		return model.VM{}, false
	}
	mac := strings.ToLower(m[1])

	for _, v := range vms {
		stored, ok := s.readMACFile(v.ID)
		if ok && strings.ToLower(stored) == mac {
			return v, true
		}
	}

	return model.VM{}, false
}

func (s *Service) readMACFile(vmID string) (string, bool) {
	path := filepath.Join(s.storageRoot, "vms", vmID, "mac.txt")
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(b)), true
}

// respond resolves one metadata path to its text/plain body.
func (s *Service) respond(path string, vm model.VM) (string, bool) {
	switch {
	case path == "meta-data/" || path == "meta-data":
		return strings.Join([]string{
			"instance-id",
			"local-ipv4",
			"public-ipv4",
			"hostname",
			"network/",
			"public-keys/",
		}, "\n"), true

	case path == "meta-data/instance-id":
		return vm.ID, true

	case path == "meta-data/local-ipv4", path == "meta-data/public-ipv4":
		return localIP(vm), true

	case path == "meta-data/hostname":
		md, err := s.store.GetMetadata(vm.ID)
		if err == nil && md.Hostname != "" {
			return md.Hostname, true
		}
		return vm.ID, true

	case strings.HasPrefix(path, "meta-data/network/interfaces/macs/"):
		return s.respondMAC(path, vm)

	case path == "meta-data/public-keys/" || path == "meta-data/public-keys":
		md, err := s.store.GetMetadata(vm.ID)
		if err == nil && md.SSHKeys != "" {
			return "0=default", true
		}
		return "", true

	case path == "meta-data/public-keys/0/openssh-key":
		md, err := s.store.GetMetadata(vm.ID)
		if err == nil && md.SSHKeys != "" {
			keys := strings.Split(strings.TrimSpace(md.SSHKeys), "\n")
			return keys[0], true
		}
		return "", true

	case path == "user-data":
		md, err := s.store.GetMetadata(vm.ID)
		if err == nil && md.UserData != "" {
			return base64.StdEncoding.EncodeToString([]byte(md.UserData)), true
		}
		return "", true
	}

	return "", false
}

func localIP(vm model.VM) string {
	if vm.LocalIP != nil {
		return *vm.LocalIP
	}
	return ""
}

func (s *Service) respondMAC(path string, vm model.VM) (string, bool) {
	padded := path + "/"
	idx := macPathPattern.FindStringSubmatchIndex(padded)
	if idx == nil {
		return "", false
	}
	mac := strings.ToLower(padded[idx[2]:idx[3]])
	matchEnd := idx[1]

	stored, ok := s.readMACFile(vm.ID)
	if !ok || strings.ToLower(stored) != mac {
		return "", false
	}

	remaining := strings.TrimSuffix(padded[matchEnd:], "/")

	switch remaining {
	case "local-ipv4":
		return localIP(vm), true
	case "":
		return strings.Join([]string{"local-ipv4", "mac"}, "\n"), true
	case "mac":
		return mac, true
	}

	return "", false
}
