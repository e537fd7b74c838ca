package transport

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

// resolvePhyPort walks the provider's device list in order and selects the
// phyPort'th active port across all devices. Only ports whose state is
// active (or active-deferred) count toward the ordinal. Devices opened
// but not selected are closed before moving on; the selected device stays
// open for the transport's lifetime. The resolution record is written only
// on full success.
func (t *Transport) resolvePhyPort(provider verbs.Provider) error {
	devices, err := provider.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return fmt.Errorf("no fabric devices found")
	}

	portsToDiscover := int(t.phyPort)

	for devI, dev := range devices {
		ctx, err := dev.Open()
		if err != nil {
			return fmt.Errorf("failed to open device %d: %w", devI, err)
		}

		devAttr, err := ctx.QueryDevice()
		if err != nil {
			_ = ctx.Close()
			return fmt.Errorf("failed to query device %d: %w", devI, err)
		}

		for portI := uint8(1); portI <= devAttr.PhysPortCnt; portI++ {
			portAttr, err := ctx.QueryPort(portI)
			if err != nil {
				_ = ctx.Close()
				return fmt.Errorf("failed to query port %d on device %s: %w",
					portI, ctx.DeviceName(), err)
			}

			// Count this port only if it is enabled.
			if portAttr.State != verbs.PortActive &&
				portAttr.State != verbs.PortActiveDefer {
				continue
			}

			if portsToDiscover > 0 {
				portsToDiscover--
				continue
			}

			// Resolution succeeded; validate the link layer and MTU.
			rec, err := t.validatePort(ctx, devI, portI, portAttr)
			if err != nil {
				_ = ctx.Close()
				return err
			}
			t.resolve = rec

			log.Debug().
				Str("device", ctx.DeviceName()).
				Uint8("port", portI).
				Uint16("lid", portAttr.LID).
				Str("link_layer", portAttr.LinkLayer.String()).
				Msg("Resolved physical port")
			return nil
		}

		// Our port is on another device.
		if err := ctx.Close(); err != nil {
			return fmt.Errorf("failed to close device %s: %w", ctx.DeviceName(), err)
		}
	}

	return fmt.Errorf("failed to resolve fabric port index %d", t.phyPort)
}

// validatePort checks the matched port against the transport's link-layer
// and MTU requirements and builds the resolution record.
func (t *Transport) validatePort(ctx verbs.Context, devI int, portI uint8, attr verbs.PortAttr) (resolution, error) {
	if t.isRoCE() {
		if attr.LinkLayer != verbs.LinkLayerEthernet {
			return resolution{}, fmt.Errorf(
				"transport requires RoCE but port link layer is %s", attr.LinkLayer)
		}
	} else {
		if attr.LinkLayer != verbs.LinkLayerInfiniBand {
			return resolution{}, fmt.Errorf(
				"transport requires InfiniBand but port link layer is %s", attr.LinkLayer)
		}
	}

	if MTU > attr.ActiveMTU {
		return resolution{}, fmt.Errorf(
			"transport requires MTU %d but port's active MTU is %d", MTU, attr.ActiveMTU)
	}

	rec := resolution{
		deviceID:  devI,
		ctx:       ctx,
		devPortID: portI,
		portLID:   attr.LID,
	}

	if t.isRoCE() {
		gid, err := ctx.QueryGID(portI, 0)
		if err != nil {
			return resolution{}, fmt.Errorf("failed to query GID: %w", err)
		}
		rec.gid = gid
	}

	return rec, nil
}
