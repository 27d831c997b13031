package video

import (
	"testing"

	"github.com/pilebones/go-udev/netlink"
	"github.com/stretchr/testify/require"
)

func TestBuildMatcher(t *testing.T) {
	matcher := buildMatcher()

	for _, action := range []netlink.KObjAction{netlink.ADD, netlink.REMOVE} {
		require.True(t, matcher.Evaluate(netlink.UEvent{
			Action: action,
			Env:    map[string]string{"SUBSYSTEM": "video4linux"},
		}), "action %s", action)
	}

	require.False(t, matcher.Evaluate(netlink.UEvent{
		Action: netlink.CHANGE,
		Env:    map[string]string{"SUBSYSTEM": "video4linux"},
	}))
	require.False(t, matcher.Evaluate(netlink.UEvent{
		Action: netlink.ADD,
		Env:    map[string]string{"SUBSYSTEM": "block"},
	}))
}

func TestExtractDeviceName(t *testing.T) {
	require.Equal(t, "/dev/video0", extractDeviceName(netlink.UEvent{Env: map[string]string{"DEVNAME": "video0"}}))
	require.Equal(t, "/dev/video2", extractDeviceName(netlink.UEvent{Env: map[string]string{"DEVNAME": "/dev/video2"}}))
	require.Equal(t, "/dev/video4", extractDeviceName(netlink.UEvent{
		Env: map[string]string{"DEVPATH": "/devices/pci0000:00/usb1/1-1/video4linux/video4"},
	}))
	require.Empty(t, extractDeviceName(netlink.UEvent{Env: map[string]string{}}))
}

func TestHotplugMonitor_HandleEvent(t *testing.T) {
	var got []DeviceEvent
	m := NewHotplugMonitor(func(ev DeviceEvent) { got = append(got, ev) })

	m.handleEvent(netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"DEVNAME": "video0"}})
	m.handleEvent(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{}})

	require.Equal(t, []DeviceEvent{{Action: "remove", Device: "/dev/video0"}}, got)
}

func TestHotplugMonitor_StopWithoutStart(t *testing.T) {
	m := NewHotplugMonitor(nil)
	m.Stop()
	m.Stop()
	require.False(t, m.Running())
}
