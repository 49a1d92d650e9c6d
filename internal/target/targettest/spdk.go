package targettest

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// SPDK is a stateful stand-in for the storage target covering the NVMe-oF,
// vhost and bdev methods the plugins use. Install it on a Fake with Install;
// individual methods can then be overridden with Fake.Fail or Fake.Handle to
// inject failures.
type SPDK struct {
	mu          sync.Mutex
	transports  []string
	subsystems  map[string]*subsystem
	order       []string
	controllers map[string]*controller
	qos         map[string]json.RawMessage
}

// ListenAddress is a subsystem listener as reported by the fake.
type ListenAddress struct {
	TrType  string `json:"trtype"`
	AdrFam  string `json:"adrfam,omitempty"`
	TrAddr  string `json:"traddr"`
	TrSvcID string `json:"trsvcid,omitempty"`
}

type namespace struct {
	NSID     int    `json:"nsid"`
	BdevName string `json:"bdev_name"`
}

type subsystem struct {
	NQN             string          `json:"nqn"`
	Subtype         string          `json:"subtype"`
	SerialNumber    string          `json:"serial_number,omitempty"`
	ModelNumber     string          `json:"model_number,omitempty"`
	AllowAnyHost    bool            `json:"allow_any_host"`
	ListenAddresses []ListenAddress `json:"listen_addresses"`
	Namespaces      []namespace     `json:"namespaces"`
}

type controller struct {
	Ctrlr   string `json:"ctrlr"`
	CPUMask string `json:"cpumask"`
	Bdev    string `json:"-"`
}

// NewSPDK returns an empty target.
func NewSPDK() *SPDK {
	return &SPDK{
		subsystems:  make(map[string]*subsystem),
		controllers: make(map[string]*controller),
		qos:         make(map[string]json.RawMessage),
	}
}

// NewTarget returns a Fake backed by a fresh SPDK.
func NewTarget() (*Fake, *SPDK) {
	f := New()
	s := NewSPDK()
	s.Install(f)
	return f, s
}

// Subsystems returns the NQNs of the non-discovery subsystems.
func (s *SPDK) Subsystems() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Namespaces returns the bdev names exposed by a subsystem.
func (s *SPDK) Namespaces(nqn string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.subsystems[nqn]
	if !ok {
		return nil
	}
	var out []string
	for _, ns := range ss.Namespaces {
		out = append(out, ns.BdevName)
	}
	return out
}

// Listeners returns the listener count of a subsystem.
func (s *SPDK) Listeners(nqn string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.subsystems[nqn]; ok {
		return len(ss.ListenAddresses)
	}
	return 0
}

// Controllers returns the vhost controller names, sorted.
func (s *SPDK) Controllers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.controllers))
	for name := range s.controllers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ControllerBdev returns the bdev a vhost-blk controller serves, or "" when
// there is no such controller.
func (s *SPDK) ControllerBdev(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.controllers[name]; ok {
		return c.Bdev
	}
	return ""
}

// QoS returns the last QoS request for a bdev.
func (s *SPDK) QoS(bdev string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qos[bdev]
}

// AddSubsystem seeds a subsystem that was not created through the fake.
func (s *SPDK) AddSubsystem(nqn, model string, listener ...ListenAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subsystems[nqn] = &subsystem{NQN: nqn, Subtype: "NVMe", ModelNumber: model, ListenAddresses: listener}
	s.order = append(s.order, nqn)
}

// Listener builds a listener for AddSubsystem.
func Listener(trtype, traddr, trsvcid string) ListenAddress {
	return ListenAddress{TrType: trtype, AdrFam: "IPv4", TrAddr: traddr, TrSvcID: trsvcid}
}

// AddController seeds a vhost-blk controller serving bdev.
func (s *SPDK) AddController(name, bdev string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllers[name] = &controller{Ctrlr: name, CPUMask: "0x1", Bdev: bdev}
}

// Install registers every supported method on f.
func (s *SPDK) Install(f *Fake) {
	f.Return("spdk_get_version", map[string]any{"version": "SPDK v24.01"})
	f.Handle("nvmf_get_transports", s.getTransports)
	f.Handle("nvmf_create_transport", s.createTransport)
	f.Handle("nvmf_get_subsystems", s.getSubsystems)
	f.Handle("nvmf_create_subsystem", s.createSubsystem)
	f.Handle("nvmf_delete_subsystem", s.deleteSubsystem)
	f.Handle("nvmf_subsystem_add_listener", s.addListener)
	f.Handle("nvmf_subsystem_remove_listener", s.removeListener)
	f.Handle("nvmf_subsystem_add_ns", s.addNamespace)
	f.Handle("nvmf_subsystem_remove_ns", s.removeNamespace)
	f.Handle("vhost_create_blk_controller", s.createController)
	f.Handle("vhost_delete_controller", s.deleteController)
	f.Handle("vhost_get_controllers", s.getControllers)
	f.Handle("bdev_set_qos_limit", s.setQoS)
}

func invalid() error {
	return Rejected(-32602, "Invalid parameters")
}

func decode(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return invalid()
	}
	return nil
}

func (s *SPDK) getTransports(json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, map[string]string{"trtype": t})
	}
	return out, nil
}

func (s *SPDK) createTransport(params json.RawMessage) (any, error) {
	var req struct {
		TrType string `json:"trtype"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transports {
		if strings.EqualFold(t, req.TrType) {
			return nil, Rejected(-32603, "Transport type '"+req.TrType+"' already exists")
		}
	}
	s.transports = append(s.transports, strings.ToUpper(req.TrType))
	return true, nil
}

func (s *SPDK) getSubsystems(json.RawMessage) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []subsystem{{NQN: "nqn.2014-08.org.nvmexpress.discovery", Subtype: "Discovery", AllowAnyHost: true}}
	for _, nqn := range s.order {
		ss := *s.subsystems[nqn]
		ss.ListenAddresses = append([]ListenAddress{}, ss.ListenAddresses...)
		ss.Namespaces = append([]namespace{}, ss.Namespaces...)
		out = append(out, ss)
	}
	return out, nil
}

func (s *SPDK) createSubsystem(params json.RawMessage) (any, error) {
	var req subsystem
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subsystems[req.NQN]; ok || req.NQN == "" {
		return nil, Rejected(-32603, "Unable to create subsystem "+req.NQN)
	}
	req.Subtype = "NVMe"
	s.subsystems[req.NQN] = &req
	s.order = append(s.order, req.NQN)
	return true, nil
}

type nqnRequest struct {
	NQN string `json:"nqn"`
}

func (s *SPDK) deleteSubsystem(params json.RawMessage) (any, error) {
	var req nqnRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subsystems[req.NQN]; !ok {
		return nil, NotFound()
	}
	delete(s.subsystems, req.NQN)
	for i, nqn := range s.order {
		if nqn == req.NQN {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

type listenerRequest struct {
	NQN           string        `json:"nqn"`
	ListenAddress ListenAddress `json:"listen_address"`
}

func (s *SPDK) addListener(params json.RawMessage) (any, error) {
	var req listenerRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.subsystems[req.NQN]
	if !ok {
		return nil, NotFound()
	}
	ss.ListenAddresses = append(ss.ListenAddresses, req.ListenAddress)
	return true, nil
}

func (s *SPDK) removeListener(params json.RawMessage) (any, error) {
	var req listenerRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.subsystems[req.NQN]
	if !ok {
		return nil, NotFound()
	}
	for i, l := range ss.ListenAddresses {
		if l.TrAddr == req.ListenAddress.TrAddr && l.TrSvcID == req.ListenAddress.TrSvcID {
			ss.ListenAddresses = append(ss.ListenAddresses[:i], ss.ListenAddresses[i+1:]...)
			return true, nil
		}
	}
	return nil, NotFound()
}

func (s *SPDK) addNamespace(params json.RawMessage) (any, error) {
	var req struct {
		NQN       string `json:"nqn"`
		Namespace struct {
			BdevName string `json:"bdev_name"`
		} `json:"namespace"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.subsystems[req.NQN]
	if !ok {
		return nil, NotFound()
	}
	nsid := 1
	for _, ns := range ss.Namespaces {
		if ns.BdevName == req.Namespace.BdevName {
			return nil, invalid()
		}
		if ns.NSID >= nsid {
			nsid = ns.NSID + 1
		}
	}
	ss.Namespaces = append(ss.Namespaces, namespace{NSID: nsid, BdevName: req.Namespace.BdevName})
	return nsid, nil
}

func (s *SPDK) removeNamespace(params json.RawMessage) (any, error) {
	var req struct {
		NQN  string `json:"nqn"`
		NSID int    `json:"nsid"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.subsystems[req.NQN]
	if !ok {
		return nil, NotFound()
	}
	for i, ns := range ss.Namespaces {
		if ns.NSID == req.NSID {
			ss.Namespaces = append(ss.Namespaces[:i], ss.Namespaces[i+1:]...)
			return true, nil
		}
	}
	return nil, NotFound()
}

func (s *SPDK) createController(params json.RawMessage) (any, error) {
	var req struct {
		Ctrlr   string `json:"ctrlr"`
		DevName string `json:"dev_name"`
		CPUMask string `json:"cpumask"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.Ctrlr == "" || req.DevName == "" {
		return nil, invalid()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.controllers[req.Ctrlr]; ok {
		return nil, Rejected(-17, "File exists")
	}
	mask := req.CPUMask
	if mask == "" {
		mask = "0x1"
	}
	s.controllers[req.Ctrlr] = &controller{Ctrlr: req.Ctrlr, CPUMask: mask, Bdev: req.DevName}
	return true, nil
}

func (s *SPDK) deleteController(params json.RawMessage) (any, error) {
	var req struct {
		Ctrlr string `json:"ctrlr"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.controllers[req.Ctrlr]; !ok {
		return nil, NotFound()
	}
	delete(s.controllers, req.Ctrlr)
	return true, nil
}

type controllerInfo struct {
	Ctrlr           string `json:"ctrlr"`
	CPUMask         string `json:"cpumask"`
	BackendSpecific struct {
		Block struct {
			Bdev string `json:"bdev,omitempty"`
		} `json:"block"`
	} `json:"backend_specific"`
}

func (s *SPDK) getControllers(params json.RawMessage) (any, error) {
	var req struct {
		Name string `json:"name"`
	}
	if len(params) > 0 && string(params) != "null" {
		if err := decode(params, &req); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for name := range s.controllers {
		if req.Name == "" || req.Name == name {
			names = append(names, name)
		}
	}
	if req.Name != "" && len(names) == 0 {
		return nil, NotFound()
	}
	sort.Strings(names)

	out := make([]controllerInfo, 0, len(names))
	for _, name := range names {
		c := s.controllers[name]
		info := controllerInfo{Ctrlr: c.Ctrlr, CPUMask: c.CPUMask}
		info.BackendSpecific.Block.Bdev = c.Bdev
		out = append(out, info)
	}
	return out, nil
}

func (s *SPDK) setQoS(params json.RawMessage) (any, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qos[req.Name] = append(json.RawMessage(nil), params...)
	return true, nil
}
