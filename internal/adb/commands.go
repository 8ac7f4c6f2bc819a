package adb

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Device is one line of "adb devices -l"
type Device struct {
	Serial  string
	State   string // "device", "offline", "unauthorized", ...
	Model   string
	Product string
}

// Online reports whether adb can run commands on the device
func (d Device) Online() bool {
	return d.State == "device"
}

// Devices lists the devices known to the adb server
func Devices(ctx context.Context, adbPath string) ([]Device, error) {
	return listDevices(ctx, adbPath)
}

func listDevices(ctx context.Context, adbPath string) ([]Device, error) {
	output, err := exec.CommandContext(ctx, adbPath, "devices", "-l").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w, output: %s", err, output)
	}
	return parseDevices(string(output)), nil
}

// parseDevices reads "adb devices -l" output, skipping the header and daemon notices
func parseDevices(output string) []Device {
	var devices []Device

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		d := Device{Serial: fields[0], State: fields[1]}
		for _, f := range fields[2:] {
			key, value, ok := strings.Cut(f, ":")
			if !ok {
				continue
			}
			switch key {
			case "model":
				d.Model = value
			case "product":
				d.Product = value
			}
		}
		devices = append(devices, d)
	}

	return devices
}

// DefaultDevice returns the only online device, or the preferred serial when it is online
func DefaultDevice(ctx context.Context, adbPath, preferred string) (Device, error) {
	devices, err := listDevices(ctx, adbPath)
	if err != nil {
		return Device{}, err
	}
	return pickDevice(devices, preferred)
}

func pickDevice(devices []Device, preferred string) (Device, error) {
	var online []Device
	for _, d := range devices {
		if !d.Online() {
			continue
		}
		if preferred != "" && d.Serial == preferred {
			return d, nil
		}
		online = append(online, d)
	}

	switch {
	case preferred != "":
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, preferred)
	case len(online) == 0:
		return Device{}, fmt.Errorf("%w: no online devices", ErrDeviceNotFound)
	case len(online) > 1:
		return Device{}, fmt.Errorf("%d devices online, specify a serial", len(online))
	}
	return online[0], nil
}

var sizePattern = regexp.MustCompile(`(Physical|Override) size:\s*(\d+)x(\d+)`)

// parseDisplaySize reads "wm size" output; an override size wins over the physical one
func parseDisplaySize(output string) (int, int, error) {
	var w, h int
	found := false

	for _, m := range sizePattern.FindAllStringSubmatch(output, -1) {
		mw, _ := strconv.Atoi(m[2])
		mh, _ := strconv.Atoi(m[3])
		if m[1] == "Override" || !found {
			w, h = mw, mh
			found = true
		}
	}

	if !found {
		return 0, 0, fmt.Errorf("unexpected wm size output: %q", strings.TrimSpace(output))
	}
	return w, h, nil
}
