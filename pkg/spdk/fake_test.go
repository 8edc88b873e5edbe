package spdk

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/truenas/nvmetd/pkg/types"
)

// fakeServer is an in-memory SPDK nvmf target speaking JSON-RPC on a UNIX
// socket
type fakeServer struct {
	mu       sync.Mutex
	socket   string
	listener net.Listener

	calls      []string
	created    map[string]CreateSubsystemParams
	addedHosts map[string]AddHostParams
	subsystems map[string]*Subsystem
	anaStates  map[string]map[int]string
	transports []string
	keys       map[string]Key
	referrals  []ListenAddress
	bdevs      map[string]Bdev
	fail       map[string]*RPCError
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	dir, err := os.MkdirTemp("", "spdk")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "spdk.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)

	s := &fakeServer{
		socket:   socket,
		listener: l,
		created:    make(map[string]CreateSubsystemParams),
		addedHosts: make(map[string]AddHostParams),
		subsystems: map[string]*Subsystem{
			types.DiscoveryNQN: {NQN: types.DiscoveryNQN, Subtype: "Discovery", AllowAnyHost: true},
		},
		anaStates: make(map[string]map[int]string),
		keys:      make(map[string]Key),
		bdevs:     make(map[string]Bdev),
		fail:      make(map[string]*RPCError),
	}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

type fakeRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	var req fakeRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return
	}

	s.mu.Lock()
	s.calls = append(s.calls, req.Method)
	result, rpcErr := s.dispatch(req.Method, req.Params)
	s.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(conn).Encode(resp)
}

func listenerKey(nqn string, addr ListenAddress) string {
	return nqn + "|" + addressKey(addr)
}

func (s *fakeServer) subsystem(nqn string) (*Subsystem, *RPCError) {
	sub, ok := s.subsystems[nqn]
	if !ok {
		return nil, &RPCError{Code: -32602, Message: "Unable to find subsystem with NQN " + nqn}
	}
	return sub, nil
}

func (s *fakeServer) dispatch(method string, raw json.RawMessage) (any, *RPCError) {
	if err := s.fail[method]; err != nil {
		return nil, err
	}

	var p struct {
		NQN           string        `json:"nqn"`
		Name          string        `json:"name"`
		Path          string        `json:"path"`
		Filename      string        `json:"filename"`
		BlockSize     int           `json:"block_size"`
		Host          string        `json:"host"`
		DHChapKey     string        `json:"dhchap_key"`
		DHChapCtrlKey string        `json:"dhchap_ctrlr_key"`
		AllowAnyHost  bool          `json:"allow_any_host"`
		Trtype        string        `json:"trtype"`
		NSID          int           `json:"nsid"`
		ListenAddress ListenAddress `json:"listen_address"`
		Address       ListenAddress `json:"address"`
		ANAState      string        `json:"ana_state"`
		ANAGrpID      int           `json:"anagrpid"`
		Namespace     Namespace     `json:"namespace"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &RPCError{Code: -32602, Message: err.Error()}
		}
	}

	switch method {
	case "framework_wait_init":
		return true, nil
	case "nvmf_get_subsystems":
		out := make([]Subsystem, 0, len(s.subsystems))
		for _, sub := range s.subsystems {
			out = append(out, *sub)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].NQN < out[j].NQN })
		return out, nil
	case "nvmf_create_subsystem":
		var cp CreateSubsystemParams
		_ = json.Unmarshal(raw, &cp)
		s.created[cp.NQN] = cp
		s.subsystems[cp.NQN] = &Subsystem{NQN: cp.NQN, Subtype: "NVMe", AllowAnyHost: cp.AllowAnyHost, SerialNumber: cp.SerialNumber, ModelNumber: cp.ModelNumber}
		return true, nil
	case "nvmf_delete_subsystem":
		if _, err := s.subsystem(p.NQN); err != nil {
			return nil, err
		}
		delete(s.subsystems, p.NQN)
		return true, nil
	case "nvmf_subsystem_allow_any_host":
		sub, err := s.subsystem(p.NQN)
		if err != nil {
			return nil, err
		}
		sub.AllowAnyHost = p.AllowAnyHost
		return true, nil
	case "nvmf_get_transports":
		out := []Transport{}
		for _, tr := range s.transports {
			out = append(out, Transport{Trtype: tr})
		}
		return out, nil
	case "nvmf_create_transport":
		s.transports = append(s.transports, p.Trtype)
		return true, nil
	case "nvmf_subsystem_add_listener":
		sub, err := s.subsystem(p.NQN)
		if err != nil {
			return nil, err
		}
		sub.ListenAddresses = append(sub.ListenAddresses, p.ListenAddress)
		s.anaStates[listenerKey(p.NQN, p.ListenAddress)] = map[int]string{1: "optimized", 2: "optimized", 3: "optimized"}
		return true, nil
	case "nvmf_subsystem_remove_listener":
		sub, err := s.subsystem(p.NQN)
		if err != nil {
			return nil, err
		}
		kept := sub.ListenAddresses[:0]
		for _, a := range sub.ListenAddresses {
			if addressKey(a) != addressKey(p.ListenAddress) {
				kept = append(kept, a)
			}
		}
		sub.ListenAddresses = kept
		delete(s.anaStates, listenerKey(p.NQN, p.ListenAddress))
		return true, nil
	case "nvmf_subsystem_get_listeners":
		sub, err := s.subsystem(p.NQN)
		if err != nil {
			return nil, err
		}
		out := []Listener{}
		for _, a := range sub.ListenAddresses {
			l := Listener{Address: a}
			states := s.anaStates[listenerKey(p.NQN, a)]
			for _, grp := range []int{1, 2, 3} {
				l.ANAStates = append(l.ANAStates, ANAState{ANAGroup: grp, ANAState: states[grp]})
			}
			out = append(out, l)
		}
		return out, nil
	case "nvmf_subsystem_listener_set_ana_state":
		states, ok := s.anaStates[listenerKey(p.NQN, p.ListenAddress)]
		if !ok {
			return nil, &RPCError{Code: -32602, Message: "Unable to find listener."}
		}
		states[p.ANAGrpID] = p.ANAState
		return true, nil
	case "nvmf_discovery_add_referral":
		s.referrals = append(s.referrals, p.Address)
		return true, nil
	case "nvmf_discovery_remove_referral":
		kept := s.referrals[:0]
		for _, a := range s.referrals {
			if addressKey(a) != addressKey(p.Address) {
				kept = append(kept, a)
			}
		}
		s.referrals = kept
		return true, nil
	case "nvmf_discovery_get_referrals":
		out := []Referral{}
		for _, a := range s.referrals {
			out = append(out, Referral{Address: a})
		}
		return out, nil
	case "nvmf_subsystem_add_host":
		sub, err := s.subsystem(p.NQN)
		if err != nil {
			return nil, err
		}
		for _, k := range []string{p.DHChapKey, p.DHChapCtrlKey} {
			if _, ok := s.keys[k]; k != "" && !ok {
				return nil, &RPCError{Code: -32602, Message: "Unable to find key " + k}
			}
		}
		var hp AddHostParams
		_ = json.Unmarshal(raw, &hp)
		s.addedHosts[p.NQN+"|"+p.Host] = hp
		sub.Hosts = append(sub.Hosts, SubsystemHost{NQN: p.Host, DHChapKey: p.DHChapKey, DHChapCtrlrKey: p.DHChapCtrlKey})
		return true, nil
	case "nvmf_subsystem_remove_host":
		sub, err := s.subsystem(p.NQN)
		if err != nil {
			return nil, err
		}
		kept := sub.Hosts[:0]
		for _, h := range sub.Hosts {
			if h.NQN != p.Host {
				kept = append(kept, h)
			}
		}
		sub.Hosts = kept
		return true, nil
	case "keyring_get_keys":
		out := []Key{}
		for _, k := range s.keys {
			out = append(out, k)
		}
		return out, nil
	case "keyring_file_add_key":
		s.keys[p.Name] = Key{Name: p.Name, Path: p.Path}
		return true, nil
	case "keyring_file_remove_key":
		delete(s.keys, p.Name)
		return true, nil
	case "bdev_get_bdevs":
		out := []Bdev{}
		for _, b := range s.bdevs {
			out = append(out, b)
		}
		return out, nil
	case "bdev_uring_create":
		s.bdevs[p.Name] = Bdev{Name: p.Name, ProductName: ProductUring, BlockSize: 512, DriverSpecific: DriverSpecific{Uring: &FileBacking{Filename: p.Filename}}}
		return p.Name, nil
	case "bdev_aio_create":
		s.bdevs[p.Name] = Bdev{Name: p.Name, ProductName: ProductAIO, BlockSize: p.BlockSize, DriverSpecific: DriverSpecific{AIO: &FileBacking{Filename: p.Filename}}}
		return p.Name, nil
	case "bdev_null_create":
		s.bdevs[p.Name] = Bdev{Name: p.Name, ProductName: ProductNull, BlockSize: p.BlockSize}
		return p.Name, nil
	case "bdev_uring_delete", "bdev_aio_delete", "bdev_null_delete":
		if _, ok := s.bdevs[p.Name]; !ok {
			return nil, &RPCError{Code: -19, Message: "No such device"}
		}
		delete(s.bdevs, p.Name)
		return true, nil
	case "nvmf_subsystem_add_ns":
		sub, err := s.subsystem(p.NQN)
		if err != nil {
			return nil, err
		}
		if _, ok := s.bdevs[p.Namespace.BdevName]; !ok {
			return nil, &RPCError{Code: -32602, Message: "bdev " + p.Namespace.BdevName + " not found"}
		}
		sub.Namespaces = append(sub.Namespaces, p.Namespace)
		return p.Namespace.NSID, nil
	case "nvmf_subsystem_remove_ns":
		sub, err := s.subsystem(p.NQN)
		if err != nil {
			return nil, err
		}
		kept := sub.Namespaces[:0]
		for _, ns := range sub.Namespaces {
			if ns.NSID != p.NSID {
				kept = append(kept, ns)
			}
		}
		sub.Namespaces = kept
		return true, nil
	case "nvmf_subsystem_get_qpairs":
		if _, err := s.subsystem(p.NQN); err != nil {
			return nil, err
		}
		return []QPair{}, nil
	}
	return nil, &RPCError{Code: -32601, Message: "Method not found"}
}

// mutations returns the calls that changed state since the last reset
func (s *fakeServer) mutations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if !strings.Contains(c, "_get_") && c != "framework_wait_init" {
			out = append(out, c)
		}
	}
	return out
}

func (s *fakeServer) resetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

func (s *fakeServer) get(nqn string) *Subsystem {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subsystems[nqn]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}

func (s *fakeServer) anaState(nqn string, addr ListenAddress, grp int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anaStates[listenerKey(nqn, addr)][grp]
}

func (s *fakeServer) snapshot() (keys map[string]Key, bdevs map[string]Bdev, referrals []ListenAddress, transports []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys = make(map[string]Key, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}
	bdevs = make(map[string]Bdev, len(s.bdevs))
	for k, v := range s.bdevs {
		bdevs[k] = v
	}
	return keys, bdevs, append([]ListenAddress(nil), s.referrals...), append([]string(nil), s.transports...)
}
