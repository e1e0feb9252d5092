// Package mqtt bridges alarm systems to Home Assistant. HAPublisher
// announces every system, lock and sensor through MQTT discovery, mirrors
// state changes from the EventBus and turns HA commands into cloud calls.
// StubPublisher stands in when no broker is configured.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/trymwestin/simplisafe/internal/config"
	"github.com/trymwestin/simplisafe/internal/core/entity"
	"github.com/trymwestin/simplisafe/internal/core/state"
	"github.com/trymwestin/simplisafe/internal/core/system"
	"github.com/trymwestin/simplisafe/internal/logging"
)

// commandTimeout bounds a cloud call made for an MQTT command.
const commandTimeout = 20 * time.Second

// --- Publisher interface ---

// Publisher mirrors the state store to a broker.
type Publisher interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// --- StubPublisher ---

// StubPublisher does nothing. It is used when MQTT is disabled.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher returns a StubPublisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: logging.OrDiscard(log)}
}

func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("mqtt bridge disabled")
	return nil
}

func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// --- Commander ---

// Commander resolves systems for incoming commands and republishes them
// once a command succeeded.
type Commander interface {
	System(id int64) (*system.System, bool)
	Publish(sys *system.System)
}

// --- HAPublisher ---

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher is the Home Assistant bridge. Discovery is sent once per
// entity and connection; state topics are retained.
type HAPublisher struct {
	cfg   config.MQTTConfig
	cmd   Commander
	store state.StateReader
	bus   *state.EventBus
	log   *slog.Logger

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
	client    pahomqtt.Client

	mu         sync.Mutex
	discovered map[string]bool

	unsub func()
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher builds a bridge for the systems cmd resolves. It does not
// connect until Start.
func NewHAPublisher(cfg config.MQTTConfig, cmd Commander, store state.StateReader, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:        cfg,
		cmd:        cmd,
		store:      store,
		bus:        bus,
		log:        logging.OrDiscard(log),
		newClient:  pahomqtt.NewClient,
		discovered: make(map[string]bool),
		stopC:      make(chan struct{}),
	}
}

// --- Start / Stop ---

// Start connects to the broker and follows the EventBus. Discovery, command
// subscriptions and the full state are (re)sent from the connect handler.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("simplisafe-%s", p.cfg.DeviceID)).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("mqtt connected", "broker", p.cfg.Broker)
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("mqtt connection lost", "error", err)
		})

	p.client = p.newClient(opts)

	token := p.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", p.cfg.Broker, err)
	}

	updates, unsub := p.bus.Subscribe(128)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(updates)

	p.log.Info("mqtt bridge started", "prefix", p.topic(""))
	return nil
}

// Stop marks the bridge offline and disconnects.
func (p *HAPublisher) Stop(_ context.Context) error {
	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}

	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("mqtt bridge stopped")
	return nil
}

// --- onConnect ---

func (p *HAPublisher) onConnect() {
	p.resetDiscovery()
	p.publish(p.topic("status"), "online", true)
	p.publishDiscovery()
	p.subscribeCommands()

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("home assistant restarted, resending discovery")
			p.resetDiscovery()
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// --- Discovery configs ---

// resetDiscovery forgets which entities were announced.
func (p *HAPublisher) resetDiscovery() {
	p.mu.Lock()
	p.discovered = make(map[string]bool)
	p.mu.Unlock()
}

// deviceInfo returns the HA device block of one alarm system.
func (p *HAPublisher) deviceInfo(sys state.SystemState) map[string]interface{} {
	return map[string]interface{}{
		"identifiers":   []string{fmt.Sprintf("%s_%d", p.cfg.DeviceID, sys.ID)},
		"name":          fmt.Sprintf("SimpliSafe %s", sys.Address),
		"manufacturer":  "SimpliSafe",
		"model":         fmt.Sprintf("SimpliSafe %d", sys.Version),
		"serial_number": sys.Serial,
	}
}

// discoveryTopic is homeassistant/{component}/{device}_{object}/config.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDiscovery() {
	avail := map[string]interface{}{"topic": p.topic("status")}
	id := p.cfg.DeviceID

	p.publishDiscoveryConfig("binary_sensor", "stream", map[string]interface{}{
		"name":         "SimpliSafe Event Stream",
		"unique_id":    fmt.Sprintf("%s_stream", id),
		"state_topic":  p.topic("connection/state"),
		"device_class": "connectivity",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"availability": avail,
	})

	p.publishDiscoveryConfig("sensor", "last_event", map[string]interface{}{
		"name":                  "SimpliSafe Last Event",
		"unique_id":             fmt.Sprintf("%s_last_event", id),
		"state_topic":           p.topic("event/state"),
		"value_template":        "{{ value_json.info }}",
		"json_attributes_topic": p.topic("event/state"),
		"availability":          avail,
	})

	for _, sys := range p.store.Snapshot().Systems {
		p.publishSystemDiscovery(sys)
	}
}

// publishSystemDiscovery announces the alarm panel, locks and sensors of a
// system. Entities already announced since the last connect are skipped.
func (p *HAPublisher) publishSystemDiscovery(sys state.SystemState) {
	dev := p.deviceInfo(sys)
	avail := map[string]interface{}{"topic": p.topic("status")}
	id := p.cfg.DeviceID
	base := fmt.Sprintf("system/%d", sys.ID)

	p.publishDiscoveryOnce("alarm_control_panel", fmt.Sprintf("%d_alarm", sys.ID), map[string]interface{}{
		"name":               "Alarm",
		"unique_id":          fmt.Sprintf("%s_%d_alarm", id, sys.ID),
		"state_topic":        p.topic(base + "/state"),
		"command_topic":      p.topic(base + "/set"),
		"payload_arm_away":   "ARM_AWAY",
		"payload_arm_home":   "ARM_HOME",
		"payload_disarm":     "DISARM",
		"supported_features": []string{"arm_home", "arm_away"},
		"code_arm_required":  false,
		"device":             dev,
		"availability":       avail,
	})

	for _, l := range sys.Locks {
		lockBase := fmt.Sprintf("%s/lock/%s", base, l.Serial)
		p.publishDiscoveryOnce("lock", fmt.Sprintf("%d_lock_%s", sys.ID, l.Serial), map[string]interface{}{
			"name":           l.Name,
			"unique_id":      fmt.Sprintf("%s_%d_lock_%s", id, sys.ID, l.Serial),
			"state_topic":    p.topic(lockBase + "/state"),
			"command_topic":  p.topic(lockBase + "/set"),
			"payload_lock":   "LOCK",
			"payload_unlock": "UNLOCK",
			"state_locked":   "LOCKED",
			"state_unlocked": "UNLOCKED",
			"state_jammed":   "JAMMED",
			"device":         dev,
			"availability":   avail,
		})
	}

	for _, s := range sys.Sensors {
		sensorBase := fmt.Sprintf("%s/sensor/%s", base, s.Serial)
		if s.Triggered != nil {
			cfg := map[string]interface{}{
				"name":         s.Name,
				"unique_id":    fmt.Sprintf("%s_%d_sensor_%s", id, sys.ID, s.Serial),
				"state_topic":  p.topic(sensorBase + "/state"),
				"payload_on":   "ON",
				"payload_off":  "OFF",
				"device":       dev,
				"availability": avail,
			}
			if class := binaryDeviceClass(s.Type); class != "" {
				cfg["device_class"] = class
			}
			p.publishDiscoveryOnce("binary_sensor", fmt.Sprintf("%d_sensor_%s", sys.ID, s.Serial), cfg)
		}
		if s.Temperature != nil {
			p.publishDiscoveryOnce("sensor", fmt.Sprintf("%d_temperature_%s", sys.ID, s.Serial), map[string]interface{}{
				"name":                s.Name,
				"unique_id":           fmt.Sprintf("%s_%d_temperature_%s", id, sys.ID, s.Serial),
				"state_topic":         p.topic(sensorBase + "/temperature"),
				"unit_of_measurement": "°F",
				"device_class":        "temperature",
				"state_class":         "measurement",
				"device":              dev,
				"availability":        avail,
			})
		}
	}
}

func (p *HAPublisher) publishDiscoveryOnce(component, objectID string, payload map[string]interface{}) {
	key := component + "/" + objectID
	p.mu.Lock()
	seen := p.discovered[key]
	p.discovered[key] = true
	p.mu.Unlock()
	if seen {
		return
	}
	p.publishDiscoveryConfig(component, objectID, payload)
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, p.cfg.DeviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("discovery config not encodable", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// binaryDeviceClass maps an entity type to an HA binary_sensor class.
func binaryDeviceClass(t entity.Type) string {
	switch t {
	case entity.Entry:
		return "door"
	case entity.Motion:
		return "motion"
	case entity.Smoke:
		return "smoke"
	case entity.CarbonMonoxide:
		return "carbon_monoxide"
	case entity.Leak:
		return "moisture"
	case entity.GlassBreak:
		return "safety"
	case entity.Temperature:
		return "cold"
	default:
		return ""
	}
}

// --- Command subscriptions ---

func (p *HAPublisher) subscribeCommands() {
	cmds := map[string]pahomqtt.MessageHandler{
		p.topic("system/+/set"):        p.handleAlarmCmd,
		p.topic("system/+/lock/+/set"): p.handleLockCmd,
	}

	for t, h := range cmds {
		token := p.client.Subscribe(t, 1, h)
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Error("command subscription failed", "topic", t, "error", err)
		}
	}
}

// commandTarget extracts the system id, and the lock serial when present,
// from a command topic.
func (p *HAPublisher) commandTarget(topic string) (int64, string, bool) {
	rest, ok := strings.CutPrefix(topic, p.topic("system/"))
	if !ok {
		return 0, "", false
	}
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	switch {
	case len(parts) == 2 && parts[1] == "set":
		return id, "", true
	case len(parts) == 4 && parts[1] == "lock" && parts[3] == "set":
		return id, parts[2], true
	}
	return 0, "", false
}

func (p *HAPublisher) handleAlarmCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, _, ok := p.commandTarget(msg.Topic())
	if !ok {
		p.log.Warn("unexpected command topic", "topic", msg.Topic())
		return
	}
	sys, ok := p.cmd.System(id)
	if !ok {
		p.log.Warn("command for unknown system", "system_id", id)
		return
	}

	var target system.State
	switch cmd := strings.ToUpper(strings.TrimSpace(string(msg.Payload()))); cmd {
	case "ARM_AWAY":
		target = system.StateAway
	case "ARM_HOME":
		target = system.StateHome
	case "DISARM":
		target = system.StateOff
	default:
		p.log.Warn("unsupported alarm command", "system_id", id, "command", cmd)
		return
	}

	p.log.Info("MQTT command: alarm", "system_id", id, "state", target)
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := sys.SetState(ctx, target); err != nil {
		p.log.Error("failed to set alarm state", "system_id", id, "error", err)
		return
	}
	p.cmd.Publish(sys)
}

func (p *HAPublisher) handleLockCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	id, serial, ok := p.commandTarget(msg.Topic())
	if !ok || serial == "" {
		p.log.Warn("unexpected command topic", "topic", msg.Topic())
		return
	}
	sys, ok := p.cmd.System(id)
	if !ok {
		p.log.Warn("command for unknown system", "system_id", id)
		return
	}
	lock, ok := sys.Lock(serial)
	if !ok {
		p.log.Warn("command for unknown lock", "system_id", id, "serial", serial)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd := strings.ToUpper(strings.TrimSpace(string(msg.Payload()))); cmd {
	case "LOCK":
		p.log.Info("MQTT command: lock", "system_id", id, "serial", serial)
		err = lock.Lock(ctx)
	case "UNLOCK":
		p.log.Info("MQTT command: unlock", "system_id", id, "serial", serial)
		err = lock.Unlock(ctx)
	default:
		p.log.Warn("unsupported lock command", "serial", serial, "command", cmd)
		return
	}
	if err != nil {
		p.log.Error("failed to set lock state", "serial", serial, "error", err)
		return
	}
	p.cmd.Publish(sys)
}

// --- State publishing ---

// publishFullState republishes every retained state topic.
func (p *HAPublisher) publishFullState() {
	snap := p.store.Snapshot()
	for _, sys := range snap.Systems {
		p.publishSystemState(sys)
	}
	p.publish(p.topic("connection/state"), boolToOnOff(snap.Stream.Connected), true)
	if snap.LastEvent != nil {
		p.publishJSON(p.topic("event/state"), snap.LastEvent)
	}
}

func (p *HAPublisher) publishSystemState(sys state.SystemState) {
	base := fmt.Sprintf("system/%d", sys.ID)
	if s, ok := alarmPanelState(sys); ok {
		p.publish(p.topic(base+"/state"), s, true)
	}
	p.publishJSON(p.topic(base+"/attributes"), sys)

	for _, l := range sys.Locks {
		p.publish(p.topic(fmt.Sprintf("%s/lock/%s/state", base, l.Serial)), lockStateName(l.State), true)
	}
	for _, s := range sys.Sensors {
		sensorBase := fmt.Sprintf("%s/sensor/%s", base, s.Serial)
		if s.Triggered != nil {
			p.publish(p.topic(sensorBase+"/state"), boolToOnOff(*s.Triggered), true)
		}
		if s.Temperature != nil {
			p.publish(p.topic(sensorBase+"/temperature"), strconv.Itoa(*s.Temperature), true)
		}
	}
}

// alarmPanelState maps a system state to the HA alarm panel vocabulary.
func alarmPanelState(sys state.SystemState) (string, bool) {
	if sys.AlarmGoingOff {
		return "triggered", true
	}
	switch sys.State {
	case system.StateOff:
		return "disarmed", true
	case system.StateHome:
		return "armed_home", true
	case system.StateAway:
		return "armed_away", true
	case system.StateExitDelay, system.StateHomeCount, system.StateAwayCount:
		return "arming", true
	case system.StateEntryDelay, system.StateAlarmCount:
		return "pending", true
	case system.StateAlarm:
		return "triggered", true
	default:
		return "", false
	}
}

func lockStateName(s system.LockState) string {
	switch s {
	case system.LockLocked:
		return "LOCKED"
	case system.LockUnlocked:
		return "UNLOCKED"
	case system.LockJammed:
		return "JAMMED"
	default:
		return "UNKNOWN"
	}
}

// --- EventBus loop ---

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventSystemUpdate:
		sys, ok := evt.Data.(state.SystemState)
		if !ok {
			p.log.Warn("unexpected data type for system_update")
			return
		}
		p.publishSystemDiscovery(sys)
		p.publishSystemState(sys)

	case state.EventActivity:
		p.publishJSON(p.topic("event/state"), evt.Data)

	case state.EventConnected:
		p.publish(p.topic("connection/state"), "ON", true)

	case state.EventDisconnected:
		p.publish(p.topic("connection/state"), "OFF", true)
	}
}

// --- Helpers ---

// topic is {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

func (p *HAPublisher) publishJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Error("failed to marshal state", "topic", topic, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// publish is a no-op while disconnected and logs failed deliveries.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func boolToOnOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
