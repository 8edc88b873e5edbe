package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/truenas/nvmetd/pkg/log"
	"github.com/truenas/nvmetd/pkg/manager"
	"github.com/truenas/nvmetd/pkg/metrics"
	"github.com/truenas/nvmetd/pkg/reconciler"
	"github.com/truenas/nvmetd/pkg/storage"
	"github.com/truenas/nvmetd/pkg/types"
)

// Prefix is the path every configuration endpoint lives under
const Prefix = "/api/v1/nvmet"

// Service controls the NVMe-oF target service
type Service interface {
	StartService(ctx context.Context) error
	StopService(ctx context.Context) error
	RestartService(ctx context.Context) error
	Reload(ctx context.Context) error
	Status() reconciler.Status
}

// Server serves the REST API of the daemon
type Server struct {
	manager *manager.Manager
	service Service
	router  *mux.Router
	logger  zerolog.Logger

	mu      sync.Mutex
	servers []*http.Server
}

// NewServer creates a new API server
func NewServer(mgr *manager.Manager, svc Service) *Server {
	s := &Server{
		manager: mgr,
		service: svc,
		router:  mux.NewRouter(),
		logger:  log.WithComponent("api"),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on a TCP address until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	return s.serve(lis, s.router)
}

// StartUnix serves the read-only API on a UNIX socket until Shutdown
func (s *Server) StartUnix(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		lis.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.logger.Info().Str("socket", path).Msg("Read-only API listening")
	return s.serve(lis, ReadOnly(s.router))
}

func (s *Server) serve(lis net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.servers = append(s.servers, server)
	s.mu.Unlock()

	if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops every listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, server := range servers {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.instrument)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/components", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix(Prefix).Subrouter()

	api.HandleFunc("/global", s.getGlobal).Methods(http.MethodGet)
	api.HandleFunc("/global", s.updateGlobal).Methods(http.MethodPut)
	api.HandleFunc("/global/ana_active", s.anaActive).Methods(http.MethodGet)
	api.HandleFunc("/global/running", s.running).Methods(http.MethodGet)

	api.HandleFunc("/host/generate_key", s.generateKey).Methods(http.MethodPost)
	api.HandleFunc("/host/dhchap_dhgroup_choices", s.dhgroupChoices).Methods(http.MethodGet)
	api.HandleFunc("/host/dhchap_hash_choices", s.hashChoices).Methods(http.MethodGet)
	register(api, "/host", resource[types.Host]{
		list:   s.manager.ListHosts,
		get:    s.manager.GetHost,
		create: s.manager.CreateHost,
		update: s.manager.UpdateHost,
		delete: func(ctx context.Context, id int, r *http.Request) error {
			return s.manager.DeleteHost(ctx, id, boolQuery(r, "force"))
		},
		setID: func(h *types.Host, id int) { h.ID = id },
	}, s)

	api.HandleFunc("/port/transport_address_choices", s.transportAddressChoices).Methods(http.MethodGet)
	register(api, "/port", resource[types.Port]{
		list:   s.manager.ListPorts,
		get:    s.manager.GetPort,
		create: s.manager.CreatePort,
		update: s.manager.UpdatePort,
		delete: func(ctx context.Context, id int, r *http.Request) error {
			return s.manager.DeletePort(ctx, id, boolQuery(r, "force"))
		},
		setID: func(p *types.Port, id int) { p.ID = id },
	}, s)

	register(api, "/subsys", resource[types.Subsystem]{
		list:   s.manager.ListSubsystems,
		get:    s.manager.GetSubsystem,
		create: s.manager.CreateSubsystem,
		update: s.manager.UpdateSubsystem,
		delete: func(ctx context.Context, id int, r *http.Request) error {
			return s.manager.DeleteSubsystem(ctx, id, boolQuery(r, "force"))
		},
		setID: func(sub *types.Subsystem, id int) { sub.ID = id },
		verbose: func() (any, error) {
			return s.manager.ListSubsystemDetails()
		},
	}, s)

	register(api, "/host_subsys", resource[types.HostSubsys]{
		list:   s.manager.ListHostSubsys,
		get:    s.manager.GetHostSubsys,
		create: s.manager.CreateHostSubsys,
		delete: func(ctx context.Context, id int, _ *http.Request) error {
			return s.manager.DeleteHostSubsys(ctx, id)
		},
	}, s)

	register(api, "/port_subsys", resource[types.PortSubsys]{
		list:   s.manager.ListPortSubsys,
		get:    s.manager.GetPortSubsys,
		create: s.manager.CreatePortSubsys,
		delete: func(ctx context.Context, id int, _ *http.Request) error {
			return s.manager.DeletePortSubsys(ctx, id)
		},
	}, s)

	api.HandleFunc("/namespace/{id:[0-9]+}/lock", s.namespaceAction(s.manager.LockNamespace)).Methods(http.MethodPost)
	api.HandleFunc("/namespace/{id:[0-9]+}/unlock", s.namespaceAction(s.manager.UnlockNamespace)).Methods(http.MethodPost)
	api.HandleFunc("/namespace/{id:[0-9]+}/resize", s.namespaceAction(s.manager.ResizeNamespace)).Methods(http.MethodPost)
	register(api, "/namespace", resource[types.Namespace]{
		list:   s.manager.ListNamespaces,
		get:    s.manager.GetNamespace,
		create: s.manager.CreateNamespace,
		update: s.manager.UpdateNamespace,
		delete: func(ctx context.Context, id int, r *http.Request) error {
			return s.manager.DeleteNamespace(ctx, id, boolQuery(r, "remove"))
		},
		setID: func(ns *types.Namespace, id int) { ns.ID = id },
	}, s)

	api.HandleFunc("/failover", s.getFailover).Methods(http.MethodGet)
	api.HandleFunc("/failover", s.updateFailover).Methods(http.MethodPut)

	api.HandleFunc("/service", s.serviceStatus).Methods(http.MethodGet)
	api.HandleFunc("/service/{action:start|stop|restart|reload}", s.serviceAction).Methods(http.MethodPost)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error  string                    `json:"error"`
	Errors []manager.ValidationError `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// errBadRequest marks errors caused by a malformed request
var errBadRequest = errors.New("bad request")

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrors manager.ValidationErrors
	switch {
	case errors.As(err, &verrors):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Errors: verrors})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, errBadRequest):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

// decode reads a JSON body into v. Fields absent from the body keep the
// value v already holds, which is how updates merge into a stored object.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id", errBadRequest)
	}
	return id, nil
}

func boolQuery(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// resource wires the CRUD endpoints of one entity. Missing operations are
// not routed.
type resource[T any] struct {
	list    func() ([]*T, error)
	get     func(int) (*T, error)
	create  func(context.Context, *T) (*T, error)
	update  func(context.Context, *T) (*T, error)
	delete  func(context.Context, int, *http.Request) error
	setID   func(*T, int)
	verbose func() (any, error)
}

func register[T any](api *mux.Router, path string, res resource[T], s *Server) {
	api.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var items any
		var err error
		if res.verbose != nil && boolQuery(r, "verbose") {
			items, err = res.verbose()
		} else {
			items, err = res.list()
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	}).Methods(http.MethodGet)

	api.HandleFunc(path+"/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		item, err := res.get(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}).Methods(http.MethodGet)

	api.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		item := new(T)
		if err := decode(r, item); err != nil {
			s.writeError(w, r, err)
			return
		}
		created, err := res.create(r.Context(), item)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}).Methods(http.MethodPost)

	if res.update != nil {
		api.HandleFunc(path+"/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
			id, err := pathID(r)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			item, err := res.get(id)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if err := decode(r, item); err != nil {
				s.writeError(w, r, err)
				return
			}
			res.setID(item, id)
			updated, err := res.update(r.Context(), item)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, updated)
		}).Methods(http.MethodPut)
	}

	api.HandleFunc(path+"/{id:[0-9]+}", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := res.delete(r.Context(), id, r); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

func (s *Server) getGlobal(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.manager.GlobalConfig()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateGlobal(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.manager.GlobalConfig()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := decode(r, cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.manager.UpdateGlobal(r.Context(), cfg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) anaActive(w http.ResponseWriter, r *http.Request) {
	active, err := s.manager.ANAActive()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) running(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Running())
}

// GenerateKeyRequest asks for a new DH-HMAC-CHAP secret
type GenerateKeyRequest struct {
	DHChapHash types.DHChapHash `json:"dhchap_hash"`
	HostNQN    string           `json:"hostnqn"`
}

// GenerateKeyResponse carries a generated DH-HMAC-CHAP secret
type GenerateKeyResponse struct {
	Key string `json:"key"`
}

func (s *Server) generateKey(w http.ResponseWriter, r *http.Request) {
	var req GenerateKeyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := s.manager.GenerateKey(req.DHChapHash, req.HostNQN)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateKeyResponse{Key: key})
}

func (s *Server) dhgroupChoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.DHChapDHGroupChoices())
}

func (s *Server) hashChoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.DHChapHashChoices())
}

func (s *Server) transportAddressChoices(w http.ResponseWriter, r *http.Request) {
	trtype := types.Trtype(r.URL.Query().Get("addr_trtype"))
	if trtype == "" {
		trtype = types.TrtypeTCP
	}
	choices, err := s.manager.TransportAddressChoices(trtype)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, choices)
}

func (s *Server) namespaceAction(action func(context.Context, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := action(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		ns, err := s.manager.GetNamespace(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ns)
	}
}

func (s *Server) getFailover(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Failover())
}

func (s *Server) updateFailover(w http.ResponseWriter, r *http.Request) {
	state := s.manager.Failover()
	if err := decode(r, &state); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.manager.SetFailover(state); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Failover())
}

func (s *Server) serviceStatus(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeJSON(w, http.StatusOK, reconciler.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.service.Status())
}

func (s *Server) serviceAction(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "target service is not available"})
		return
	}

	var err error
	switch action := mux.Vars(r)["action"]; action {
	case "start":
		err = s.service.StartService(r.Context())
	case "stop":
		err = s.service.StopService(r.Context())
	case "restart":
		err = s.service.RestartService(r.Context())
	case "reload":
		err = s.service.Reload(r.Context())
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Status())
}
