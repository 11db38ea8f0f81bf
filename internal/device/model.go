package device

import (
	"sync"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"
)

// favoritesSupport is the tri-state favorites-capability cache.
type favoritesSupport int

const (
	favoritesUnknown favoritesSupport = iota
	favoritesYes
	favoritesNo
)

// ExistingNameLookup is the narrow callback the Model uses to check whether
// the store already knows a non-default long name for a node, used by
// ProcessMyNodeInfo to decide whether the local node starts out locked.
// Kept as an injected function (not a store interface import) to avoid a
// package cycle between device and store.
type ExistingNameLookup func(nodeID string) (longName string, ok bool)

// Model is the manager's exclusively-owned device-state model. It is not
// safe to share outside the owning Manager; all mutation
// goes through its methods, which hold an internal mutex so the dispatcher
// and REST-style query methods can be called concurrently.
type Model struct {
	logger *log.Logger

	mu       sync.RWMutex
	local    LocalNode
	haveNode bool
	device   DeviceConfig
	module   ModuleConfig
	favCache favoritesSupport

	lookupExistingName ExistingNameLookup
}

// NewModel constructs an empty Model. lookup may be nil, in which case the
// local node is never adopted as pre-locked from store state.
func NewModel(lookup ExistingNameLookup) *Model {
	return &Model{
		logger:             log.With("component", "device"),
		lookupExistingName: lookup,
	}
}

// GetLocal returns a defensive copy of the current local node record.
func (m *Model) GetLocal() LocalNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.local.Clone()
}

// HaveLocal reports whether a MyNodeInfo has been processed yet.
func (m *Model) HaveLocal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.haveNode
}

// GetDeviceConfig returns a copy of the merged device config bag.
func (m *Model) GetDeviceConfig() DeviceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

// GetModuleConfig returns a copy of the merged module config bag.
func (m *Model) GetModuleConfig() ModuleConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.module
}

// SupportsFavorites reports whether the current firmware supports the
// favorites admin ops, caching the tri-state result until invalidated by
// InvalidateFavoritesCache.
func (m *Model) SupportsFavorites() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.favCache {
	case favoritesYes:
		return true
	case favoritesNo:
		return false
	}
	supported := m.local.Firmware.SupportsFavorites()
	if supported {
		m.favCache = favoritesYes
	} else {
		m.favCache = favoritesNo
	}
	return supported
}

// InvalidateFavoritesCache resets the tri-state cache; called on disconnect
// and whenever firmware version changes.
func (m *Model) InvalidateFavoritesCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.favCache = favoritesUnknown
}

// ResetForNewSession clears the session-scoped parts of the model (favorites
// cache) when a fresh connection starts. LocalNode/config bags are
// deliberately sticky across reconnects.
func (m *Model) ResetForNewSession() {
	m.InvalidateFavoritesCache()
}

// ProcessMyNodeInfo seeds the local node from the first MyNodeInfo frame of
// a session. If the store already has a non-default long
// name for this node id, that name is adopted immediately and the node
// locks right away; otherwise locking waits for a matching NodeInfo.
func (m *Model) ProcessMyNodeInfo(info *meshtastic.MyNodeInfo) {
	if info == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	num := info.GetMyNodeNum()
	id := NodeID(num)
	m.local.Num = num
	m.local.ID = id
	m.local.RebootCount = info.GetRebootCount()
	m.haveNode = true

	if m.lookupExistingName != nil {
		if longName, ok := m.lookupExistingName(id); ok && longName != "" {
			m.local.LongName = longName
			m.local.IsLocked = true
		}
	}
}

// ProcessDeviceMetadata updates the firmware version and hardware model,
// both of which remain mutable even once the node is locked, and invalidates
// the favorites cache since capability depends on firmware.
func (m *Model) ProcessDeviceMetadata(meta *meshtastic.DeviceMetadata) {
	if meta == nil {
		return
	}
	m.mu.Lock()
	m.local.Firmware = ParseFirmwareVersion(meta.GetFirmwareVersion())
	m.local.HardwareModel = meta.GetHwModel()
	m.favCache = favoritesUnknown
	m.mu.Unlock()
}

// AdoptNames fills in long/short names from a matching NodeInfo for the
// local node and locks the record, refusing to do so if already locked:
// names are never overwritten once locked.
func (m *Model) AdoptNames(longName, shortName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local.IsLocked {
		return
	}
	m.local.LongName = longName
	m.local.ShortName = shortName
	m.local.IsLocked = true
}

// ProcessConfig performs the shallow key-wise, sticky merge into the device
// config bag.
func (m *Model) ProcessConfig(cfg *meshtastic.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device.Merge(cfg)
}

// ProcessModuleConfig performs the shallow key-wise merge into the module
// config bag.
func (m *Model) ProcessModuleConfig(cfg *meshtastic.ModuleConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.module.Merge(cfg)
}
