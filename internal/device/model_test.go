package device

import (
	"testing"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/stretchr/testify/require"
)

func TestProcessMyNodeInfoSeedsLocal(t *testing.T) {
	m := NewModel(nil)
	m.ProcessMyNodeInfo(&meshtastic.MyNodeInfo{MyNodeNum: 0x11223344, RebootCount: 2})

	local := m.GetLocal()
	require.Equal(t, uint32(0x11223344), local.Num)
	require.Equal(t, "!11223344", local.ID)
	require.False(t, local.IsLocked)
}

func TestProcessMyNodeInfoAdoptsExistingName(t *testing.T) {
	m := NewModel(func(nodeID string) (string, bool) {
		require.Equal(t, "!11223344", nodeID)
		return "Existing Name", true
	})
	m.ProcessMyNodeInfo(&meshtastic.MyNodeInfo{MyNodeNum: 0x11223344})

	local := m.GetLocal()
	require.True(t, local.IsLocked)
	require.Equal(t, "Existing Name", local.LongName)
}

func TestAdoptNamesNeverOverwritesLocked(t *testing.T) {
	m := NewModel(nil)
	m.ProcessMyNodeInfo(&meshtastic.MyNodeInfo{MyNodeNum: 1})
	m.AdoptNames("First", "F1")
	m.AdoptNames("Second", "F2")

	local := m.GetLocal()
	require.Equal(t, "First", local.LongName)
}

func TestProcessDeviceMetadataAllowedWhenLocked(t *testing.T) {
	m := NewModel(nil)
	m.ProcessMyNodeInfo(&meshtastic.MyNodeInfo{MyNodeNum: 1})
	m.AdoptNames("Locked Node", "LN")

	m.ProcessDeviceMetadata(&meshtastic.DeviceMetadata{FirmwareVersion: "2.7.2"})

	local := m.GetLocal()
	require.True(t, local.IsLocked)
	require.Equal(t, "Locked Node", local.LongName)
	require.True(t, local.Firmware.SupportsFavorites())
}

func TestDeviceConfigMergeNeverClearsOnAbsent(t *testing.T) {
	m := NewModel(nil)
	m.ProcessConfig(&meshtastic.Config{
		PayloadVariant: &meshtastic.Config_Device{
			Device: &meshtastic.Config_DeviceConfig{Role: meshtastic.Config_DeviceConfig_ROUTER},
		},
	})
	m.ProcessConfig(&meshtastic.Config{
		PayloadVariant: &meshtastic.Config_Lora{
			Lora: &meshtastic.Config_LoRaConfig{Region: meshtastic.Config_LoRaConfig_US},
		},
	})

	cfg := m.GetDeviceConfig()
	require.NotNil(t, cfg.Device)
	require.Equal(t, meshtastic.Config_DeviceConfig_ROUTER, cfg.Device.Role)
	require.NotNil(t, cfg.LoRa)
	require.Equal(t, meshtastic.Config_LoRaConfig_US, cfg.LoRa.Region)
}

func TestSupportsFavoritesCachesUntilInvalidated(t *testing.T) {
	m := NewModel(nil)
	m.ProcessDeviceMetadata(&meshtastic.DeviceMetadata{FirmwareVersion: "2.7.0"})
	require.True(t, m.SupportsFavorites())

	// Mutate firmware directly without going through ProcessDeviceMetadata's
	// cache invalidation to prove the cached value is what's returned.
	m.mu.Lock()
	m.local.Firmware = ParseFirmwareVersion("1.0.0")
	m.mu.Unlock()
	require.True(t, m.SupportsFavorites(), "cached true should stick")

	m.InvalidateFavoritesCache()
	require.False(t, m.SupportsFavorites())
}
