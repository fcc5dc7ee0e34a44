// Package gateway runs the forwarding loop: discover entities for the
// configured sub-devices, collect and convert their values on a fixed
// cadence, publish property posts upstream, and execute downlink
// switch commands against Home Assistant.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/halink/internal/cloud"
	"github.com/nugget/halink/internal/collector"
	"github.com/nugget/halink/internal/config"
	"github.com/nugget/halink/internal/discovery"
	"github.com/nugget/halink/internal/events"
	"github.com/nugget/halink/internal/homeassistant"
	"github.com/nugget/halink/internal/journal"
)

// haAPI is the slice of the Home Assistant client the gateway uses.
type haAPI interface {
	Ping(ctx context.Context) error
	GetStates(ctx context.Context) ([]homeassistant.State, error)
	SetSwitch(ctx context.Context, entityID string, on bool) error
}

// publisher is the slice of the cloud session the gateway uses.
type publisher interface {
	PublishProperties(ctx context.Context, dev config.DeviceConfig, params map[string]any) (string, error)
	PublishReply(ctx context.Context, productKey, deviceName string, reply cloud.SetReply) error
}

// propertyCollector reads converted property values for one device.
type propertyCollector interface {
	Collect(ctx context.Context, md *discovery.MatchedDevice) map[string]any
}

// Gateway owns the forwarding loop and the downlink command path.
type Gateway struct {
	cfg       *config.Config
	ha        haAPI
	cloud     publisher
	matcher   *discovery.Matcher
	collector propertyCollector
	journal   *journal.Store
	bus       *events.Bus
	logger    *slog.Logger

	mu      sync.RWMutex
	matched map[string]*discovery.MatchedDevice
}

// New wires a gateway from its collaborators. The journal and bus may
// be nil; the forwarding loop works without either.
func New(cfg *config.Config, ha haAPI, cloudSession publisher, matcher *discovery.Matcher,
	coll propertyCollector, jnl *journal.Store, bus *events.Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:       cfg,
		ha:        ha,
		cloud:     cloudSession,
		matcher:   matcher,
		collector: coll,
		journal:   jnl,
		bus:       bus,
		logger:    logger,
		matched:   make(map[string]*discovery.MatchedDevice),
	}
}

// Run executes the gateway until ctx is cancelled: startup delay,
// initial discovery, then the push and rediscovery tickers. The cloud
// session and HA connection are expected to be started by the caller.
func (g *Gateway) Run(ctx context.Context) error {
	if delay := g.cfg.Gateway.StartupDelay(); delay > 0 {
		g.logger.Info("startup delay", "duration", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := g.ha.Ping(ctx); err != nil {
		return fmt.Errorf("home assistant not reachable: %w", err)
	}
	g.logger.Info("home assistant ready")

	if err := g.Rediscover(ctx); err != nil {
		return fmt.Errorf("initial discovery: %w", err)
	}

	pushTicker := time.NewTicker(g.cfg.Gateway.PushInterval())
	defer pushTicker.Stop()
	rediscoverTicker := time.NewTicker(g.cfg.Gateway.RediscoverInterval())
	defer rediscoverTicker.Stop()

	// First push happens immediately, not a full interval in.
	g.PushAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pushTicker.C:
			g.PushAll(ctx)
		case <-rediscoverTicker.C:
			if err := g.Rediscover(ctx); err != nil {
				g.logger.Error("rediscovery failed", "error", err)
			}
		}
	}
}

// Rediscover refreshes the entity bindings for all configured devices.
func (g *Gateway) Rediscover(ctx context.Context) error {
	matched, err := g.matcher.Discover(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.matched = matched
	g.mu.Unlock()

	for id, md := range matched {
		g.bus.Emit(events.SourceDiscovery, events.KindDeviceMatched, map[string]any{
			"device_id":  id,
			"properties": len(md.Sensors),
		})
	}
	return nil
}

// Devices returns a snapshot of the current entity bindings.
func (g *Gateway) Devices() map[string]*discovery.MatchedDevice {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snapshot := make(map[string]*discovery.MatchedDevice, len(g.matched))
	for id, md := range g.matched {
		snapshot[id] = md
	}
	return snapshot
}

// PushAll collects and publishes telemetry for every matched device.
// Per-device failures are logged and counted but never abort the
// cycle.
func (g *Gateway) PushAll(ctx context.Context) {
	devices := g.Devices()
	g.bus.Emit(events.SourceGateway, events.KindPushStart, map[string]any{
		"devices": len(devices),
	})
	start := time.Now()

	published, failed := 0, 0
	for id, md := range devices {
		if err := g.pushDevice(ctx, md); err != nil {
			g.logger.Error("device push failed", "device_id", id, "error", err)
			failed++
			continue
		}
		published++
	}

	g.logger.Info("push cycle complete",
		"devices", len(devices), "published", published, "failed", failed,
		"duration", time.Since(start).Truncate(time.Millisecond))
	g.bus.Emit(events.SourceGateway, events.KindPushComplete, map[string]any{
		"devices":     len(devices),
		"published":   published,
		"failed":      failed,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// pushDevice collects one device's properties and publishes them.
// Devices with no collectable values are skipped without error.
func (g *Gateway) pushDevice(ctx context.Context, md *discovery.MatchedDevice) error {
	props := g.collector.Collect(ctx, md)
	if len(props) == 0 {
		g.logger.Debug("no properties collected, skipping push", "device_id", md.Config.ID)
		return nil
	}

	msgID, err := g.cloud.PublishProperties(ctx, md.Config, props)
	if err != nil {
		return err
	}

	g.bus.Emit(events.SourceGateway, events.KindPropertyPost, map[string]any{
		"device_id":  md.Config.ID,
		"message_id": msgID,
		"properties": len(props),
	})

	if g.journal != nil {
		if err := g.journal.RecordPush(md.Config.ID, msgID, props); err != nil {
			g.logger.Warn("journal write failed", "device_id", md.Config.ID, "error", err)
		}
	}
	return nil
}

// HandleCommand executes a downlink switch command: resolve the target
// device and its control entity, call the HA switch service, reply to
// the platform, and report the new state as a property post. Intended
// to be wired as the cloud session's CommandHandler.
func (g *Gateway) HandleCommand(ctx context.Context, productKey, deviceName string, cmd cloud.SetCommand) {
	g.bus.Emit(events.SourceCloud, events.KindCommandReceived, map[string]any{
		"command_id":  cmd.ID,
		"product_key": productKey,
		"device_name": deviceName,
	})

	dev, ok := g.deviceByIdentity(productKey, deviceName)
	if !ok {
		g.replyError(ctx, productKey, deviceName, cmd.ID, cloud.CodeNotFound,
			fmt.Sprintf("no device for %s/%s", productKey, deviceName))
		return
	}

	if dev.Type != config.DeviceTypeSwitch && dev.Type != config.DeviceTypeSocket {
		g.replyError(ctx, productKey, deviceName, cmd.ID, cloud.CodeBadRequest,
			fmt.Sprintf("device %s is not controllable", dev.ID))
		return
	}

	if cmd.Params.State == nil || (*cmd.Params.State != 0 && *cmd.Params.State != 1) {
		g.replyError(ctx, productKey, deviceName, cmd.ID, cloud.CodeBadRequest,
			"params.state must be 0 or 1")
		return
	}
	target := *cmd.Params.State

	states, err := g.ha.GetStates(ctx)
	if err != nil {
		g.failCommand(ctx, dev, cmd.ID, target, fmt.Sprintf("query entities: %v", err))
		return
	}

	entityID, err := discovery.FindControlEntity(states, dev)
	if err != nil {
		g.failCommand(ctx, dev, cmd.ID, target, err.Error())
		return
	}

	g.logger.Info("executing switch command",
		"device_id", dev.ID, "entity_id", entityID, "state", target, "command_id", cmd.ID)

	if err := g.ha.SetSwitch(ctx, entityID, target == 1); err != nil {
		g.failCommand(ctx, dev, cmd.ID, target, fmt.Sprintf("switch service: %v", err))
		return
	}

	reply := cloud.SetReply{
		ID:   cmd.ID,
		Code: cloud.CodeSuccess,
		Data: map[string]any{"state": target},
	}
	if err := g.cloud.PublishReply(ctx, productKey, deviceName, reply); err != nil {
		g.logger.Error("command reply failed", "command_id", cmd.ID, "error", err)
	}

	// Report the resulting state upstream so the platform's shadow
	// converges without waiting for the next push tick.
	if _, err := g.cloud.PublishProperties(ctx, dev, map[string]any{"state": target}); err != nil {
		g.logger.Warn("state report failed", "device_id", dev.ID, "error", err)
	}

	g.recordCommand(dev.ID, cmd.ID, target, true, "")
	g.bus.Emit(events.SourceCloud, events.KindCommandHandled, map[string]any{
		"command_id": cmd.ID,
		"device_id":  dev.ID,
		"ok":         true,
	})
}

// ReportSwitchState publishes an event-driven state report for the
// device owning entityID, if any. Wired to the HA state watcher so
// local switch flips (wall button, HA UI) propagate immediately.
func (g *Gateway) ReportSwitchState(ctx context.Context, entityID, state string) {
	value, ok := collector.Convert("state", state, 1)
	if !ok {
		return
	}

	dev, ok := g.deviceByEntity(entityID)
	if !ok {
		return
	}

	if _, err := g.cloud.PublishProperties(ctx, dev, map[string]any{"state": value}); err != nil {
		g.logger.Warn("event-driven state report failed",
			"device_id", dev.ID, "entity_id", entityID, "error", err)
		return
	}

	g.logger.Info("switch state reported",
		"device_id", dev.ID, "entity_id", entityID, "state", value)
	g.bus.Emit(events.SourceStateWatch, events.KindStateReport, map[string]any{
		"device_id": dev.ID,
		"entity_id": entityID,
		"state":     value,
	})
}

// deviceByIdentity finds the configured device with the given platform
// identity.
func (g *Gateway) deviceByIdentity(productKey, deviceName string) (config.DeviceConfig, bool) {
	for _, dev := range g.cfg.EnabledDevices() {
		if dev.ProductKey == productKey && dev.DeviceName == deviceName {
			return dev, true
		}
	}
	return config.DeviceConfig{}, false
}

// deviceByEntity finds the controllable device whose entity prefix
// matches the given entity ID.
func (g *Gateway) deviceByEntity(entityID string) (config.DeviceConfig, bool) {
	for _, dev := range g.cfg.EnabledDevices() {
		if dev.Type != config.DeviceTypeSwitch && dev.Type != config.DeviceTypeSocket {
			continue
		}
		if dev.EntityPrefix != "" && strings.Contains(entityID, dev.EntityPrefix) {
			return dev, true
		}
	}
	return config.DeviceConfig{}, false
}

// replyError sends a failure reply for commands that never reached a
// known device context.
func (g *Gateway) replyError(ctx context.Context, productKey, deviceName, commandID string, code int, msg string) {
	g.logger.Warn("rejecting command", "command_id", commandID, "code", code, "reason", msg)
	reply := cloud.SetReply{ID: commandID, Code: code, Message: msg}
	if err := g.cloud.PublishReply(ctx, productKey, deviceName, reply); err != nil {
		g.logger.Error("command reply failed", "command_id", commandID, "error", err)
	}
	g.bus.Emit(events.SourceCloud, events.KindCommandHandled, map[string]any{
		"command_id": commandID,
		"ok":         false,
	})
}

// failCommand replies with a device error and records the failure.
func (g *Gateway) failCommand(ctx context.Context, dev config.DeviceConfig, commandID string, target int, msg string) {
	g.logger.Error("command failed", "device_id", dev.ID, "command_id", commandID, "reason", msg)
	reply := cloud.SetReply{ID: commandID, Code: cloud.CodeDeviceError, Message: msg}
	if err := g.cloud.PublishReply(ctx, dev.ProductKey, dev.DeviceName, reply); err != nil {
		g.logger.Error("command reply failed", "command_id", commandID, "error", err)
	}
	g.recordCommand(dev.ID, commandID, target, false, msg)
	g.bus.Emit(events.SourceCloud, events.KindCommandHandled, map[string]any{
		"command_id": commandID,
		"device_id":  dev.ID,
		"ok":         false,
	})
}

func (g *Gateway) recordCommand(deviceID, commandID string, state int, ok bool, detail string) {
	if g.journal == nil {
		return
	}
	rec := journal.CommandRecord{
		CommandID: commandID,
		DeviceID:  deviceID,
		State:     state,
		OK:        ok,
		Detail:    detail,
	}
	if err := g.journal.RecordCommand(rec); err != nil {
		g.logger.Warn("journal write failed", "command_id", commandID, "error", err)
	}
}
