package video

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"
)

// DeviceEvent is a camera appearing or disappearing
type DeviceEvent struct {
	Action string
	Device string
}

// HotplugMonitor watches udev netlink events of the video4linux subsystem
type HotplugMonitor struct {
	handler func(DeviceEvent)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewHotplugMonitor creates a monitor calling handler for every camera add or remove
func NewHotplugMonitor(handler func(DeviceEvent)) *HotplugMonitor {
	return &HotplugMonitor{handler: handler}
}

// Start begins listening. A host without netlink access is not an error;
// the monitor then stays stopped.
func (m *HotplugMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		slog.Warn("Camera hotplug detection unavailable", "error", err)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	slog.Debug("Camera hotplug monitor started")
	return nil
}

// Stop shuts the monitor down; it is safe to call more than once
func (m *HotplugMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	close(m.quit)
	m.quit = nil
	_ = m.conn.Close()
	m.conn = nil
	m.running = false

	slog.Debug("Camera hotplug monitor stopped")
}

// Running reports whether the monitor is active
func (m *HotplugMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *HotplugMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			slog.Warn("Camera hotplug monitor error", "error", err)
		}
	}
}

// buildMatcher matches SUBSYSTEM=video4linux with ACTION=add|remove
func buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "video4linux",
		},
	})
	return rules
}

func (m *HotplugMonitor) handleEvent(uevent netlink.UEvent) {
	device := extractDeviceName(uevent)
	if device == "" {
		slog.Debug("Ignoring hotplug event without device name", "action", string(uevent.Action), "kobj", uevent.KObj)
		return
	}

	event := DeviceEvent{Action: string(uevent.Action), Device: device}
	slog.Info("Camera hotplug event", "action", event.Action, "device", event.Device)

	if m.handler != nil {
		m.handler(event)
	}
}

// extractDeviceName gets the device node from a uevent
func extractDeviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		if strings.HasPrefix(devname, "/") {
			return devname
		}
		return "/dev/" + devname
	}

	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}
	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}
