package models

import (
	"fmt"
	"strings"
)

// NetworkType is the network requirement of a task.
type NetworkType int

const (
	NetworkNone NetworkType = iota // no network requirement
	NetworkAny
	NetworkUnmetered
	NetworkNotRoaming
	NetworkCellular
)

var networkTypeNames = map[NetworkType]string{
	NetworkNone:       "none",
	NetworkAny:        "any",
	NetworkUnmetered:  "unmetered",
	NetworkNotRoaming: "not_roaming",
	NetworkCellular:   "cellular",
}

func (n NetworkType) String() string {
	if name, ok := networkTypeNames[n]; ok {
		return name
	}
	return fmt.Sprintf("NetworkType(%d)", int(n))
}

// ParseNetworkType parses the lower-case names used on the wire. The empty
// string means no requirement.
func ParseNetworkType(s string) (NetworkType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return NetworkNone, nil
	}
	for n, name := range networkTypeNames {
		if name == s {
			return n, nil
		}
	}
	return NetworkNone, fmt.Errorf("unknown network type %q", s)
}

func (n NetworkType) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NetworkType) UnmarshalText(b []byte) error {
	parsed, err := ParseNetworkType(string(b))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ConnectionType is the connection the device currently has.
type ConnectionType int

const (
	ConnectionNone ConnectionType = iota
	ConnectionUnmetered
	ConnectionCellular
)

var connectionTypeNames = map[ConnectionType]string{
	ConnectionNone:      "none",
	ConnectionUnmetered: "unmetered",
	ConnectionCellular:  "cellular",
}

func (c ConnectionType) String() string {
	if name, ok := connectionTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ConnectionType(%d)", int(c))
}

func ParseConnectionType(s string) (ConnectionType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ConnectionNone, nil
	}
	for c, name := range connectionTypeNames {
		if name == s {
			return c, nil
		}
	}
	return ConnectionNone, fmt.Errorf("unknown connection type %q", s)
}

func (c ConnectionType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ConnectionType) UnmarshalText(b []byte) error {
	parsed, err := ParseConnectionType(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Conditions are the requirements a task places on the device.
type Conditions struct {
	Network               NetworkType `json:"network"`
	RequiresCharging      bool        `json:"requires_charging"`
	RequiresBatteryNotLow bool        `json:"requires_battery_not_low"`
	RequiresDeviceIdle    bool        `json:"requires_device_idle"`
	RequiresStorageNotLow bool        `json:"requires_storage_not_low"`
}

// AvailableConditions is the device state granted for a wake cycle.
type AvailableConditions struct {
	Connection    ConnectionType `json:"connection"`
	Roaming       bool           `json:"roaming"`
	Charging      bool           `json:"charging"`
	BatteryNotLow bool           `json:"battery_not_low"`
	DeviceIdle    bool           `json:"device_idle"`
	StorageNotLow bool           `json:"storage_not_low"`
}

// SatisfiedBy reports whether the device state meets every requirement.
func (c Conditions) SatisfiedBy(a AvailableConditions) bool {
	if !c.networkSatisfied(a) {
		return false
	}
	if c.RequiresCharging && !a.Charging {
		return false
	}
	if c.RequiresBatteryNotLow && !a.BatteryNotLow {
		return false
	}
	if c.RequiresDeviceIdle && !a.DeviceIdle {
		return false
	}
	if c.RequiresStorageNotLow && !a.StorageNotLow {
		return false
	}
	return true
}

func (c Conditions) networkSatisfied(a AvailableConditions) bool {
	switch c.Network {
	case NetworkNone:
		return true
	case NetworkAny:
		return a.Connection != ConnectionNone
	case NetworkUnmetered:
		return a.Connection == ConnectionUnmetered
	case NetworkNotRoaming:
		return a.Connection != ConnectionNone && !a.Roaming
	case NetworkCellular:
		return a.Connection == ConnectionCellular
	default:
		return false
	}
}
