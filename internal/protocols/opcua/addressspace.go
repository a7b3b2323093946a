package opcua

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"

	"github.com/KevinKickass/OpenMachineSim/internal/patterns"
)

// Namespace index of every device node; index 1 is the server namespace.
const deviceNamespace = 2

const (
	folderIdentification = "Identification"
	folderParameters     = "Parameters"
	folderStatus         = "Status"
)

// Node is one variable in a device's address space.
type Node struct {
	ID         *ua.NodeID
	BrowseName string
	// Path is the browse path below Objects, e.g. DeviceSet/cnc_000/Parameters.
	Path   string
	Folder string
	Field  string

	value *ua.DataValue
}

// NodeInfo is the read-only view returned by Browse.
type NodeInfo struct {
	NodeID     string       `json:"node_id"`
	BrowseName string       `json:"browse_name"`
	Path       string       `json:"path"`
	NodeClass  ua.NodeClass `json:"node_class"`
	DataType   ua.TypeID    `json:"data_type"`
	Value      interface{}  `json:"value"`
}

// AddressSpace holds the nodes of one device under
// Objects/DeviceSet/{id}/{Identification|Parameters|Status}. Once attached to
// a server, every variable node reads its value from here.
type AddressSpace struct {
	DeviceID     string
	NamespaceURI string

	mu     sync.RWMutex
	order  []string
	nodes  map[string]*Node
	fields map[string][]*Node
	mode   string
	notify func(*ua.NodeID)
}

func NewAddressSpace(deviceID, template string, schema patterns.Schema) *AddressSpace {
	s := &AddressSpace{
		DeviceID:     deviceID,
		NamespaceURI: "urn:protocol-sim-engine:" + deviceID,
		nodes:        make(map[string]*Node),
		fields:       make(map[string][]*Node),
	}

	now := time.Now()
	s.add(folderIdentification, "Manufacturer", "", "Protocol Sim Engine", now)
	s.add(folderIdentification, "Model", "", template, now)
	s.add(folderIdentification, "SerialNumber", "", deviceID, now)

	for _, f := range schema.Fields {
		switch f.Kind {
		case patterns.KindSeries:
			for i := 0; i < f.Len; i++ {
				s.add(folderParameters, f.Name+"_"+strconv.Itoa(i+1), f.Name, 0.0, now)
			}
		case patterns.KindBool:
			s.add(folderParameters, f.Name, f.Name, false, now)
		case patterns.KindEnum:
			if s.mode == "" {
				s.mode = f.Name
			}
			s.add(folderParameters, f.Name, f.Name, "", now)
		case patterns.KindLabel:
			s.add(folderParameters, f.Name, f.Name, "", now)
		default:
			s.add(folderParameters, f.Name, f.Name, 0.0, now)
		}
	}

	s.add(folderStatus, "DeviceHealth", "", "NORMAL", now)
	s.add(folderStatus, "ErrorCode", "", int32(0), now)
	s.add(folderStatus, "OperatingMode", "", "AUTO", now)

	return s
}

func (s *AddressSpace) nodeID(folder, name string) *ua.NodeID {
	return ua.NewStringNodeID(deviceNamespace, fmt.Sprintf("%s.%s.%s", s.DeviceID, folder, name))
}

func (s *AddressSpace) add(folder, name, field string, initial interface{}, ts time.Time) {
	n := &Node{
		ID:         s.nodeID(folder, name),
		BrowseName: name,
		Path:       fmt.Sprintf("DeviceSet/%s/%s", s.DeviceID, folder),
		Folder:     folder,
		Field:      field,
		value:      dataValue(initial, ts),
	}
	key := n.ID.String()
	s.nodes[key] = n
	s.order = append(s.order, key)
	if field != "" {
		s.fields[field] = append(s.fields[field], n)
	}
}

// attach registers the device namespace on srv and builds the folder tree
// below the server's Objects folder. It must run before the server starts.
func (s *AddressSpace) attach(srv *server.Server) error {
	ns := server.NewNodeNameSpace(srv, s.NamespaceURI)
	if ns.ID() != deviceNamespace {
		return fmt.Errorf("device namespace registered at index %d, want %d", ns.ID(), deviceNamespace)
	}
	root, err := srv.Namespace(0)
	if err != nil {
		return err
	}

	deviceSet := addFolder(ns, root.Objects(), ua.NewStringNodeID(deviceNamespace, "DeviceSet"), "DeviceSet")
	device := addFolder(ns, deviceSet, ua.NewStringNodeID(deviceNamespace, s.DeviceID), s.DeviceID)
	folders := make(map[string]*server.Node, 3)
	for _, name := range []string{folderIdentification, folderParameters, folderStatus} {
		folders[name] = addFolder(ns, device, ua.NewStringNodeID(deviceNamespace, s.DeviceID+"."+name), name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.order {
		n := s.nodes[key]
		v := ns.AddNode(server.NewVariableNode(n.ID, n.BrowseName, s.valueFunc(key)))
		folders[n.Folder].AddRef(v, id.HasComponent, true)
	}
	return nil
}

func addFolder(ns *server.NodeNameSpace, parent *server.Node, nodeID *ua.NodeID, name string) *server.Node {
	folder := ns.AddNode(server.NewFolderNode(nodeID, name))
	parent.AddRef(folder, id.Organizes, true)
	return folder
}

func (s *AddressSpace) valueFunc(key string) func() *ua.Variant {
	return func() *ua.Variant {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.nodes[key].value.Value
	}
}

// watch routes value changes to the server's subscriptions.
func (s *AddressSpace) watch(notify func(*ua.NodeID)) {
	s.mu.Lock()
	s.notify = notify
	s.mu.Unlock()
}

// Update writes one telemetry snapshot into the parameter and status nodes.
func (s *AddressSpace) Update(values patterns.Values, ts time.Time) {
	s.mu.Lock()
	var changed []*ua.NodeID
	for field, nodes := range s.fields {
		v, ok := values[field]
		if !ok {
			continue
		}
		if series, ok := v.([]float64); ok {
			for i, n := range nodes {
				if i < len(series) {
					n.value = dataValue(series[i], ts)
					changed = append(changed, n.ID)
				}
			}
			continue
		}
		nodes[0].value = dataValue(v, ts)
		changed = append(changed, nodes[0].ID)
	}

	if s.mode != "" {
		mode, _ := values[s.mode].(string)
		health, code := "NORMAL", int32(0)
		if mode == "ERROR" {
			health, code = "FAULT", 1
		}
		changed = append(changed,
			s.set(folderStatus, "OperatingMode", mode, ts),
			s.set(folderStatus, "DeviceHealth", health, ts),
			s.set(folderStatus, "ErrorCode", code, ts))
	}
	notify := s.notify
	s.mu.Unlock()

	if notify == nil {
		return
	}
	for _, nid := range changed {
		if nid != nil {
			notify(nid)
		}
	}
}

func (s *AddressSpace) set(folder, name string, v interface{}, ts time.Time) *ua.NodeID {
	n, ok := s.nodes[s.nodeID(folder, name).String()]
	if !ok {
		return nil
	}
	n.value = dataValue(v, ts)
	return n.ID
}

// Read returns the current value of a node, by its string form
// ("ns=2;s=cnc_000.Parameters.part_count").
func (s *AddressSpace) Read(nodeID string) (*ua.DataValue, error) {
	nid, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, ua.StatusBadNodeIDInvalid
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[nid.String()]
	if !ok {
		return nil, ua.StatusBadNodeIDUnknown
	}
	dv := *n.value
	return &dv, nil
}

// Browse lists every variable node sorted by node id.
func (s *AddressSpace) Browse() []NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NodeInfo, 0, len(s.nodes))
	for key, n := range s.nodes {
		out = append(out, NodeInfo{
			NodeID:     key,
			BrowseName: n.BrowseName,
			Path:       n.Path,
			NodeClass:  ua.NodeClassVariable,
			DataType:   n.value.Value.Type(),
			Value:      n.value.Value.Value(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// dataValue always carries a value; types the variant codec rejects are
// served as their string form.
func dataValue(v interface{}, ts time.Time) *ua.DataValue {
	variant, err := ua.NewVariant(toWire(v))
	if err != nil {
		variant = ua.MustVariant(fmt.Sprint(v))
	}
	return &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueSourceTimestamp | ua.DataValueServerTimestamp,
		Value:           variant,
		Status:          ua.StatusOK,
		SourceTimestamp: ts,
		ServerTimestamp: ts,
	}
}

// toWire narrows Go values to types the variant codec supports.
func toWire(v interface{}) interface{} {
	switch x := v.(type) {
	case int:
		return int32(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}
