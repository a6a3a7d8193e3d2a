package handlers

import (
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/crucible"
)

var (
	AppVersion   = "dev"
	AppCommit    = "unknown"
	AppBuildDate = "unknown"

	serviceMu sync.RWMutex
	service   = ServiceInfo{Name: "pulsegate"}
)

// SetVersionInfo records build metadata injected through ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	AppVersion = version
	AppCommit = commit
	AppBuildDate = buildDate
}

// ServiceInfo describes how this instance enforces limits and sessions.
type ServiceInfo struct {
	Name             string   `json:"name"`
	RecordStore      string   `json:"record_store,omitempty"`
	AtomicReserve    bool     `json:"atomic_reserve"`
	Operations       []string `json:"operations,omitempty"`
	IdentityProvider bool     `json:"identity_provider"`
}

// SetServiceInfo replaces the service section of /version. An empty name keeps the current one.
func SetServiceInfo(info ServiceInfo) {
	serviceMu.Lock()
	defer serviceMu.Unlock()
	if strings.TrimSpace(info.Name) == "" {
		info.Name = service.Name
	}
	info.Operations = append([]string(nil), info.Operations...)
	service = info
}

func currentService() ServiceInfo {
	serviceMu.RLock()
	defer serviceMu.RUnlock()
	return service
}

// VersionResponse represents the version information response
type VersionResponse struct {
	App          AppInfo     `json:"app"`
	Service      ServiceInfo `json:"service"`
	Dependencies DepInfo     `json:"dependencies"`
	Runtime      RuntimeInfo `json:"runtime"`
}

// AppInfo contains application version details
type AppInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

// DepInfo contains dependency version information
type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

// RuntimeInfo contains runtime environment information
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	deps := crucible.GetVersion()
	svc := currentService()

	writeJSON(w, http.StatusOK, VersionResponse{
		App: AppInfo{
			Name:      svc.Name,
			Version:   AppVersion,
			Commit:    AppCommit,
			BuildDate: AppBuildDate,
			GoVersion: runtime.Version(),
		},
		Service:      svc,
		Dependencies: DepInfo{Gofulmen: deps.Gofulmen, Crucible: deps.Crucible},
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	})
}
