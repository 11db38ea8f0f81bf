package device

import (
	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

// DeviceConfig is the merged bag of device Config sub-variants. Merge is
// shallow key-wise and never overwrites an existing sub-config with an
// absent one — deliberately sticky.
type DeviceConfig struct {
	Device    *meshtastic.Config_DeviceConfig
	Position  *meshtastic.Config_PositionConfig
	Power     *meshtastic.Config_PowerConfig
	Network   *meshtastic.Config_NetworkConfig
	Display   *meshtastic.Config_DisplayConfig
	LoRa      *meshtastic.Config_LoRaConfig
	Bluetooth *meshtastic.Config_BluetoothConfig
	Security  *meshtastic.Config_SecurityConfig
}

// Merge applies one Config message's sub-variant into the bag, keeping
// every other key untouched.
func (c *DeviceConfig) Merge(cfg *meshtastic.Config) {
	if cfg == nil {
		return
	}
	switch v := cfg.GetPayloadVariant().(type) {
	case *meshtastic.Config_Device:
		if v.Device != nil {
			c.Device = v.Device
		}
	case *meshtastic.Config_Position:
		if v.Position != nil {
			c.Position = v.Position
		}
	case *meshtastic.Config_Power:
		if v.Power != nil {
			c.Power = v.Power
		}
	case *meshtastic.Config_Network:
		if v.Network != nil {
			c.Network = v.Network
		}
	case *meshtastic.Config_Display:
		if v.Display != nil {
			c.Display = v.Display
		}
	case *meshtastic.Config_Lora:
		if v.Lora != nil {
			c.LoRa = v.Lora
		}
	case *meshtastic.Config_Bluetooth:
		if v.Bluetooth != nil {
			c.Bluetooth = v.Bluetooth
		}
	case *meshtastic.Config_Security:
		if v.Security != nil {
			c.Security = v.Security
		}
	}
}

// ModuleConfig is the merged bag of the 13 ModuleConfig sub-variants, same
// shallow-merge rule as DeviceConfig.
type ModuleConfig struct {
	MQTT                 *meshtastic.ModuleConfig_MQTTConfig
	Serial               *meshtastic.ModuleConfig_SerialConfig
	ExternalNotification *meshtastic.ModuleConfig_ExternalNotificationConfig
	StoreForward         *meshtastic.ModuleConfig_StoreForwardConfig
	RangeTest            *meshtastic.ModuleConfig_RangeTestConfig
	Telemetry            *meshtastic.ModuleConfig_TelemetryConfig
	CannedMessage        *meshtastic.ModuleConfig_CannedMessageConfig
	Audio                *meshtastic.ModuleConfig_AudioConfig
	RemoteHardware       *meshtastic.ModuleConfig_RemoteHardwareConfig
	NeighborInfo         *meshtastic.ModuleConfig_NeighborInfoConfig
	AmbientLighting      *meshtastic.ModuleConfig_AmbientLightingConfig
	DetectionSensor      *meshtastic.ModuleConfig_DetectionSensorConfig
	Paxcounter           *meshtastic.ModuleConfig_PaxcounterConfig
}

// Merge applies one ModuleConfig message's sub-variant into the bag.
func (m *ModuleConfig) Merge(cfg *meshtastic.ModuleConfig) {
	if cfg == nil {
		return
	}
	switch v := cfg.GetPayloadVariant().(type) {
	case *meshtastic.ModuleConfig_Mqtt:
		if v.Mqtt != nil {
			m.MQTT = v.Mqtt
		}
	case *meshtastic.ModuleConfig_Serial:
		if v.Serial != nil {
			m.Serial = v.Serial
		}
	case *meshtastic.ModuleConfig_ExternalNotification:
		if v.ExternalNotification != nil {
			m.ExternalNotification = v.ExternalNotification
		}
	case *meshtastic.ModuleConfig_StoreForward:
		if v.StoreForward != nil {
			m.StoreForward = v.StoreForward
		}
	case *meshtastic.ModuleConfig_RangeTest:
		if v.RangeTest != nil {
			m.RangeTest = v.RangeTest
		}
	case *meshtastic.ModuleConfig_Telemetry:
		if v.Telemetry != nil {
			m.Telemetry = v.Telemetry
		}
	case *meshtastic.ModuleConfig_CannedMessage:
		if v.CannedMessage != nil {
			m.CannedMessage = v.CannedMessage
		}
	case *meshtastic.ModuleConfig_Audio:
		if v.Audio != nil {
			m.Audio = v.Audio
		}
	case *meshtastic.ModuleConfig_RemoteHardware:
		if v.RemoteHardware != nil {
			m.RemoteHardware = v.RemoteHardware
		}
	case *meshtastic.ModuleConfig_NeighborInfo:
		if v.NeighborInfo != nil {
			m.NeighborInfo = v.NeighborInfo
		}
	case *meshtastic.ModuleConfig_AmbientLighting:
		if v.AmbientLighting != nil {
			m.AmbientLighting = v.AmbientLighting
		}
	case *meshtastic.ModuleConfig_DetectionSensor:
		if v.DetectionSensor != nil {
			m.DetectionSensor = v.DetectionSensor
		}
	case *meshtastic.ModuleConfig_Paxcounter:
		if v.Paxcounter != nil {
			m.Paxcounter = v.Paxcounter
		}
	}
}
