package outbound

import (
	"context"
	"fmt"
	"math"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshbridge/meshd/internal/device"
)

// adminChannel is the reserved channel index AdminMessage traffic always
// travels on.
const adminChannel = 0

func (c *Commands) sendAdmin(ctx context.Context, to uint32, msg *meshtastic.AdminMessage) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling admin message: %w", err)
	}
	pkt, _ := c.newPacket(to, adminChannel, true)
	pkt.PayloadVariant = &meshtastic.MeshPacket_Decoded{
		Decoded: &meshtastic.Data{
			Portnum: meshtastic.PortNum_ADMIN_APP,
			Payload: payload,
		},
	}
	return c.sendPacket(ctx, pkt)
}

// Reboot asks the local node to reboot after delaySeconds.
func (c *Commands) Reboot(ctx context.Context, delaySeconds int32) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_RebootSeconds{RebootSeconds: delaySeconds},
	})
}

// SetOwner sets the local node's long/short name. Once the radio echoes this
// back as NodeInfo, device.Model.AdoptNames locks the record.
func (c *Commands) SetOwner(ctx context.Context, longName, shortName string) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetOwner{
			SetOwner: &meshtastic.User{
				LongName:  longName,
				ShortName: shortName,
			},
		},
	})
}

// ErrFavoritesUnsupported is returned by the favorite/remove-favorite
// helpers when the connected firmware predates favorites support.
var ErrFavoritesUnsupported = device.ErrFirmwareNotSupported

func (c *Commands) requireFavorites() error {
	if !c.model.SupportsFavorites() {
		return ErrFavoritesUnsupported
	}
	return nil
}

// FavoriteNode marks nodeNum as a favorite on the local node.
func (c *Commands) FavoriteNode(ctx context.Context, nodeNum uint32) error {
	if err := c.requireFavorites(); err != nil {
		return err
	}
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetFavoriteNode{SetFavoriteNode: nodeNum},
	})
}

// RemoveFavoriteNode clears nodeNum's favorite flag on the local node.
func (c *Commands) RemoveFavoriteNode(ctx context.Context, nodeNum uint32) error {
	if err := c.requireFavorites(); err != nil {
		return err
	}
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_RemoveFavoriteNode{RemoveFavoriteNode: nodeNum},
	})
}

// BeginEditSettings opens an atomic multi-field settings transaction on the
// radio; must be paired with CommitEditSettings.
func (c *Commands) BeginEditSettings(ctx context.Context) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_BeginEditSettings{BeginEditSettings: true},
	})
}

// CommitEditSettings closes a settings transaction opened by
// BeginEditSettings, applying the accumulated changes and rebooting the
// radio into them.
func (c *Commands) CommitEditSettings(ctx context.Context) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_CommitEditSettings{CommitEditSettings: true},
	})
}

// SetDeviceConfig pushes one Config sub-message (e.g. Config_LoRaConfig)
// wrapped in the payload variant cfg already carries.
func (c *Commands) SetDeviceConfig(ctx context.Context, cfg *meshtastic.Config) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetConfig{SetConfig: cfg},
	})
}

// SetModuleConfig pushes one ModuleConfig sub-message.
func (c *Commands) SetModuleConfig(ctx context.Context, cfg *meshtastic.ModuleConfig) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetModuleConfig{SetModuleConfig: cfg},
	})
}

// SetLoRaConfig pushes the LoRa radio section of the device config.
func (c *Commands) SetLoRaConfig(ctx context.Context, cfg *meshtastic.Config_LoRaConfig) error {
	return c.SetDeviceConfig(ctx, &meshtastic.Config{
		PayloadVariant: &meshtastic.Config_Lora{Lora: cfg},
	})
}

// SetPositionConfig pushes the position section of the device config.
func (c *Commands) SetPositionConfig(ctx context.Context, cfg *meshtastic.Config_PositionConfig) error {
	return c.SetDeviceConfig(ctx, &meshtastic.Config{
		PayloadVariant: &meshtastic.Config_Position{Position: cfg},
	})
}

// SetMQTTConfig pushes the MQTT section of the module config.
func (c *Commands) SetMQTTConfig(ctx context.Context, cfg *meshtastic.ModuleConfig_MQTTConfig) error {
	return c.SetModuleConfig(ctx, &meshtastic.ModuleConfig{
		PayloadVariant: &meshtastic.ModuleConfig_Mqtt{Mqtt: cfg},
	})
}

// SetNeighborInfoConfig pushes the neighbor-info section of the module
// config.
func (c *Commands) SetNeighborInfoConfig(ctx context.Context, cfg *meshtastic.ModuleConfig_NeighborInfoConfig) error {
	return c.SetModuleConfig(ctx, &meshtastic.ModuleConfig{
		PayloadVariant: &meshtastic.ModuleConfig_NeighborInfo{NeighborInfo: cfg},
	})
}

// SetChannel pushes one channel slot's configuration.
func (c *Commands) SetChannel(ctx context.Context, ch *meshtastic.Channel) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetChannel{SetChannel: ch},
	})
}

// GetConfig requests one Config section by its AdminMessage.ConfigType enum
// value; the reply arrives as an ADMIN_APP packet whose get_config_response
// internal/dispatch merges into the device model.
func (c *Commands) GetConfig(ctx context.Context, configType meshtastic.AdminMessage_ConfigType) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetConfigRequest{GetConfigRequest: configType},
	})
}

// GetModuleConfig requests one ModuleConfig section.
func (c *Commands) GetModuleConfig(ctx context.Context, moduleConfigType meshtastic.AdminMessage_ModuleConfigType) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetModuleConfigRequest{GetModuleConfigRequest: moduleConfigType},
	})
}

// encodeFixedPositionCoordinates validates and converts a lat/lon pair to
// the fixed-point integer form (degrees * 1e7) the Position protobuf carries.
func encodeFixedPositionCoordinates(latitude, longitude float64) (int32, int32, error) {
	if math.IsNaN(latitude) || math.IsInf(latitude, 0) || latitude < -90 || latitude > 90 {
		return 0, 0, fmt.Errorf("fixed position latitude must be between -90 and 90")
	}
	if math.IsNaN(longitude) || math.IsInf(longitude, 0) || longitude < -180 || longitude > 180 {
		return 0, 0, fmt.Errorf("fixed position longitude must be between -180 and 180")
	}
	return int32(math.Round(latitude * 1e7)), int32(math.Round(longitude * 1e7)), nil
}

// SetFixedPosition pins the local node's reported position, disabling GPS
// updates in favor of the given coordinates.
func (c *Commands) SetFixedPosition(ctx context.Context, latitude, longitude float64, altitude int32) error {
	latI, lonI, err := encodeFixedPositionCoordinates(latitude, longitude)
	if err != nil {
		return err
	}
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_SetFixedPosition{
			SetFixedPosition: &meshtastic.Position{
				LatitudeI:  &latI,
				LongitudeI: &lonI,
				Altitude:   &altitude,
			},
		},
	})
}

// RemoveFixedPosition clears a previously pinned position, letting GPS
// updates resume.
func (c *Commands) RemoveFixedPosition(ctx context.Context) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_RemoveFixedPosition{RemoveFixedPosition: true},
	})
}

// GetSessionKey requests a fresh PKI session key from the local node, by
// sending a get-config request for the session-key section whose admin
// reply carries the passkey. The key is needed before issuing admin
// commands to a remote (non-local) node over an encrypted channel.
func (c *Commands) GetSessionKey(ctx context.Context) error {
	return c.sendAdmin(ctx, c.model.GetLocal().Num, &meshtastic.AdminMessage{
		PayloadVariant: &meshtastic.AdminMessage_GetConfigRequest{GetConfigRequest: meshtastic.AdminMessage_SESSIONKEY_CONFIG},
	})
}
