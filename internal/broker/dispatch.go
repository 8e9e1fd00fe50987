package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetward/fleetward/internal/store"
	"github.com/fleetward/fleetward/pkg/protocol"
	"github.com/google/uuid"
)

// systemUsername is the fixed identity attached to system-initiated
// script runs (scheduled runs, API-triggered runs) that bypass the
// per-user permission filter.
const systemUsername = "System"

// maxTagLength caps the device tag string accepted by UpdateTags.
const maxTagLength = 200

// resolve maps device ids to live connection ids, silently skipping
// offline devices and devices outside the requester's organization.
func (b *Broker) resolve(deviceIDs []string) []string {
	conns := make([]string, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		dev, ok := b.dir.ByDeviceID(id)
		if !ok || dev.OrgID != b.Identity.OrgID {
			continue
		}
		conns = append(conns, dev.ConnID)
	}
	return conns
}

// notify enqueues a DisplayMessage notice for the owning admin session.
func (b *Broker) notify(console, toast, class string) {
	b.Events.Enqueue("DisplayMessage", console, toast, class)
}

func (b *Broker) auditFanout(ctx context.Context, action string, targets int) {
	if err := b.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), OrgID: b.Identity.OrgID, Action: action,
		UserID: b.Identity.UserID, Detail: []byte(fmt.Sprintf(`{"targets":%d}`, targets)),
		CreatedAt: time.Now(),
	}); err != nil {
		b.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// ExecuteCommand fans a shell command out to every authorized, live
// device. The minted token authorizes the agents' later result upload.
func (b *Broker) ExecuteCommand(ctx context.Context, shell, command string, deviceIDs []string) {
	authorized := b.gate.FilterByPermission(ctx, deviceIDs, b.Identity)
	conns := b.resolve(authorized)
	if len(conns) == 0 {
		return
	}

	b.transport.SendToMany(conns, protocol.EventExecuteCommand, protocol.ExecuteCommand{
		Shell:        shell,
		Command:      command,
		Token:        b.tokens.Issue(b.cfg.CommandTokenLifetime.Duration),
		Username:     b.Identity.Username,
		SenderConnID: b.ConnID,
	})
	b.auditFanout(ctx, "command.execute", len(conns))
}

// RunScript fans a saved-script run out to devices. Admin-initiated runs
// are permission-filtered; system-initiated runs bypass the filter and
// carry the fixed system identity.
func (b *Broker) RunScript(ctx context.Context, scriptID string, runID int64, inputType string, deviceIDs []string, asSystem bool) {
	username := b.Identity.Username
	targets := deviceIDs
	if asSystem {
		username = systemUsername
	} else {
		targets = b.gate.FilterByPermission(ctx, deviceIDs, b.Identity)
	}
	conns := b.resolve(targets)
	if len(conns) == 0 {
		return
	}

	b.transport.SendToMany(conns, protocol.EventRunScript, protocol.RunScript{
		ScriptID:  scriptID,
		RunID:     runID,
		Username:  username,
		InputType: inputType,
		Token:     b.tokens.Issue(b.cfg.ScriptTokenLifetime.Duration),
	})
	b.auditFanout(ctx, "script.run", len(conns))
}

// GetRemoteLogs asks one device to send its log archive to this session.
func (b *Broker) GetRemoteLogs(ctx context.Context, deviceID string) {
	ok, connID := b.gate.CanAccessDevice(ctx, deviceID, b.Identity)
	if !ok {
		return
	}
	b.transport.Send(connID, protocol.EventGetLogs, protocol.GetLogs{SenderConnID: b.ConnID})
}

// DeleteRemoteLogs asks one device to delete its local logs.
func (b *Broker) DeleteRemoteLogs(ctx context.Context, deviceID string) {
	ok, connID := b.gate.CanAccessDevice(ctx, deviceID, b.Identity)
	if !ok {
		return
	}
	b.transport.Send(connID, protocol.EventDeleteLogs, nil)
}

// TriggerHeartbeat asks one device to report fresh state immediately.
func (b *Broker) TriggerHeartbeat(ctx context.Context, deviceID string) {
	ok, connID := b.gate.CanAccessDevice(ctx, deviceID, b.Identity)
	if !ok {
		return
	}
	b.transport.Send(connID, protocol.EventTriggerHeartbeat, nil)
}

// UpdateTags replaces a device's tag string. Input longer than the cap is
// rejected with a warning notice and does not touch the inventory.
func (b *Broker) UpdateTags(ctx context.Context, deviceID, tags string) {
	ok, _ := b.gate.CanAccessDevice(ctx, deviceID, b.Identity)
	if !ok {
		return
	}
	if len(tags) > maxTagLength {
		msg := fmt.Sprintf("Tag must be at most %d characters. Supplied tag length is %d.", maxTagLength, len(tags))
		b.notify(msg, msg, "bg-warning")
		return
	}
	if err := b.store.UpdateDeviceTags(ctx, deviceID, tags); err != nil {
		b.logger.Warn("update tags failed", "device_id", deviceID, "error", err)
		return
	}
	b.notify("Device updated successfully.", "Device updated.", "bg-success")
}

// ReinstallAgents triggers a reinstall on every authorized live device,
// then removes the affected devices from inventory. Removal is not
// conditioned on delivery: the agents re-enroll on their next connect.
func (b *Broker) ReinstallAgents(ctx context.Context, deviceIDs []string) {
	authorized := b.gate.FilterByPermission(ctx, deviceIDs, b.Identity)
	if len(authorized) == 0 {
		return
	}
	b.transport.SendToMany(b.resolve(authorized), protocol.EventReinstallAgent, nil)
	if err := b.store.DeleteDevices(ctx, authorized); err != nil {
		b.logger.Warn("remove devices after reinstall failed", "error", err)
	}
	b.auditFanout(ctx, "agent.reinstall", len(authorized))
}

// UninstallAgents triggers an uninstall on every authorized live device,
// then removes the affected devices from inventory unconditionally.
func (b *Broker) UninstallAgents(ctx context.Context, deviceIDs []string) {
	authorized := b.gate.FilterByPermission(ctx, deviceIDs, b.Identity)
	if len(authorized) == 0 {
		return
	}
	b.transport.SendToMany(b.resolve(authorized), protocol.EventUninstallAgent, nil)
	if err := b.store.DeleteDevices(ctx, authorized); err != nil {
		b.logger.Warn("remove devices after uninstall failed", "error", err)
	}
	b.auditFanout(ctx, "agent.uninstall", len(authorized))
}

// RemoveDevices deletes authorized devices from inventory without sending
// anything to the agents.
func (b *Broker) RemoveDevices(ctx context.Context, deviceIDs []string) {
	authorized := b.gate.FilterByPermission(ctx, deviceIDs, b.Identity)
	if len(authorized) == 0 {
		return
	}
	if err := b.store.DeleteDevices(ctx, authorized); err != nil {
		b.logger.Warn("remove devices failed", "error", err)
		return
	}
	b.auditFanout(ctx, "device.remove", len(authorized))
}

// UploadFiles tells every authorized live device to fetch files staged on
// the server.
func (b *Broker) UploadFiles(ctx context.Context, transferID string, fileIDs, deviceIDs []string) {
	authorized := b.gate.FilterByPermission(ctx, deviceIDs, b.Identity)
	conns := b.resolve(authorized)
	if len(conns) == 0 {
		return
	}
	b.transport.SendToMany(conns, protocol.EventUploadFiles, protocol.UploadFiles{
		TransferID:   transferID,
		FileIDs:      fileIDs,
		SenderConnID: b.ConnID,
	})
}

// TransferFileFromBrowserToAgent pushes browser-uploaded files to one
// device. It reports false, and issues no token, when the device is
// offline or unauthorized; true means the transfer was dispatched.
func (b *Broker) TransferFileFromBrowserToAgent(ctx context.Context, deviceID, transferID string, fileIDs []string) bool {
	ok, connID := b.gate.CanAccessDevice(ctx, deviceID, b.Identity)
	if !ok {
		return false
	}
	b.transport.Send(connID, protocol.EventTransferFile, protocol.TransferFile{
		TransferID:   transferID,
		FileIDs:      fileIDs,
		SenderConnID: b.ConnID,
		Token:        b.tokens.Issue(b.cfg.CommandTokenLifetime.Duration),
	})
	return true
}

// SendChat delivers a chat message to one device's interactive user.
// Unknown or cross-organization devices are dropped silently.
func (b *Broker) SendChat(ctx context.Context, deviceID, message string) {
	dev, ok := b.dir.ByDeviceID(deviceID)
	if !ok || dev.OrgID != b.Identity.OrgID {
		return
	}
	if ok, _ := b.gate.CanAccessDevice(ctx, deviceID, b.Identity); !ok {
		return
	}
	b.transport.Send(dev.ConnID, protocol.EventChat, protocol.Chat{
		DisplayName:  b.Identity.DisplayName,
		Message:      message,
		OrgName:      b.orgName(ctx),
		OrgID:        b.Identity.OrgID,
		IsFromAgent:  false,
		SenderConnID: b.ConnID,
	})
}

// GetPowerShellCompletions forwards a tab-completion request to the
// currently selected device only; completions are never fanned out.
func (b *Broker) GetPowerShellCompletions(ctx context.Context, input string, cursorIndex, intent int, forward *bool) {
	deviceID := b.SelectedDevice()
	ok, connID := b.gate.CanAccessDevice(ctx, deviceID, b.Identity)
	if !ok {
		return
	}
	b.transport.Send(connID, protocol.EventGetCompletions, protocol.GetCompletions{
		Input:        input,
		CursorIndex:  cursorIndex,
		Intent:       intent,
		Forward:      forward,
		SenderConnID: b.ConnID,
	})
}

// RemoteControl starts a remote-control session handshake with a device,
// surfacing failure notices to the admin session.
func (b *Broker) RemoteControl(ctx context.Context, deviceID string, viewOnly bool) Result {
	res := b.sessions.Create(ctx, deviceID, viewOnly, b.Identity, b.ConnID)
	if !res.OK {
		switch res.Kind {
		case KindDeviceOffline:
			b.notify("The selected device is not online.", "Device is not online.", "bg-warning")
		case KindCapacityExceeded:
			b.notify(res.Message, "Session limit reached.", "bg-warning")
		case KindConnectionNotFound:
			b.notify("Connection not found for the selected device.", "Connection not found.", "bg-danger")
		}
	}
	return res
}

// Wake relays a wake-on-LAN command for one device through its peers.
func (b *Broker) Wake(ctx context.Context, deviceID string) Result {
	return b.wake.WakeDevice(ctx, deviceID, b.Identity)
}

// WakeBatch relays wake-on-LAN commands for a set of devices.
func (b *Broker) WakeBatch(ctx context.Context, deviceIDs []string) Result {
	return b.wake.WakeDevices(ctx, deviceIDs, b.Identity)
}

func (b *Broker) orgName(ctx context.Context) string {
	org, err := b.store.GetOrganization(ctx, b.Identity.OrgID)
	if err != nil || org == nil {
		return ""
	}
	return org.Name
}
