// Package directory tracks the set of agent devices that currently hold a
// live WebSocket connection, mapping device ids to connection ids and the
// metadata the broker needs for routing and wake relay.
package directory

import "sync"

// LiveDevice is the in-memory snapshot of a connected device.
type LiveDevice struct {
	DeviceID      string
	OrgID         string
	ConnID        string
	Name          string
	DeviceGroupID string
	PublicIP      string
	MACAddresses  []string
}

// Directory is a concurrent cache of live agent connections.
type Directory struct {
	mu       sync.RWMutex
	byDevice map[string]LiveDevice // device_id -> snapshot
	byConn   map[string]string     // conn_id -> device_id
}

// New creates an empty Directory.
func New() *Directory {
	return &Directory{
		byDevice: make(map[string]LiveDevice),
		byConn:   make(map[string]string),
	}
}

// Register records a device as live. Re-registering a device id replaces
// the previous entry (agent reconnect).
func (d *Directory) Register(dev LiveDevice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.byDevice[dev.DeviceID]; ok {
		delete(d.byConn, prev.ConnID)
	}
	d.byDevice[dev.DeviceID] = dev
	d.byConn[dev.ConnID] = dev.DeviceID
}

// Deregister removes the device registered under the given connection id.
// Removing an unknown connection id is a no-op. A reconnect that replaced
// this connection keeps the newer registration.
func (d *Directory) Deregister(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	deviceID, ok := d.byConn[connID]
	if !ok {
		return
	}
	delete(d.byConn, connID)
	if cur, ok := d.byDevice[deviceID]; ok && cur.ConnID == connID {
		delete(d.byDevice, deviceID)
	}
}

// ByDeviceID returns the live snapshot for a device id.
func (d *Directory) ByDeviceID(deviceID string) (LiveDevice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.byDevice[deviceID]
	return dev, ok
}

// ByConnID returns the live snapshot for a connection id.
func (d *Directory) ByConnID(connID string) (LiveDevice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	deviceID, ok := d.byConn[connID]
	if !ok {
		return LiveDevice{}, false
	}
	dev, ok := d.byDevice[deviceID]
	return dev, ok
}

// ConnectionIDOf returns the connection id serving a device.
func (d *Directory) ConnectionIDOf(deviceID string) (string, bool) {
	dev, ok := d.ByDeviceID(deviceID)
	if !ok {
		return "", false
	}
	return dev.ConnID, true
}

// ConnectionIDsOf resolves a set of device ids to live connection ids,
// silently skipping devices with no live connection.
func (d *Directory) ConnectionIDsOf(deviceIDs []string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conns := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if dev, ok := d.byDevice[id]; ok {
			conns = append(conns, dev.ConnID)
		}
	}
	return conns
}

// AllLiveDevices returns a snapshot of every live device across all
// organizations. Callers filter by org.
func (d *Directory) AllLiveDevices() []LiveDevice {
	d.mu.RLock()
	defer d.mu.RUnlock()
	devices := make([]LiveDevice, 0, len(d.byDevice))
	for _, dev := range d.byDevice {
		devices = append(devices, dev)
	}
	return devices
}

// Len returns the number of live devices.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byDevice)
}
