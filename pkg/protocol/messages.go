// Package protocol defines the wire messages exchanged between Fleetward
// components (agent ↔ server ↔ admin console) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with an "event"
// field that determines the payload structure. The agent-bound command names
// are a compatibility surface: deployed agents dispatch on the exact strings
// below, so they must not be renamed.
package protocol

import "time"

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// --- Server → agent commands ---

const (
	EventDeleteLogs        = "DeleteLogs"
	EventExecuteCommand    = "ExecuteCommand"
	EventGetCompletions    = "GetPowerShellCompletions"
	EventGetLogs           = "GetLogs"
	EventReinstallAgent    = "ReinstallAgent"
	EventRemoteControl     = "RemoteControl"
	EventRunScript         = "RunScript"
	EventChat              = "Chat"
	EventTransferFile      = "TransferFileFromBrowserToAgent"
	EventTriggerHeartbeat  = "TriggerHeartbeat"
	EventUninstallAgent    = "UninstallAgent"
	EventUploadFiles       = "UploadFiles"
	EventWakeDevice        = "WakeDevice"
	EventAgentTokenRefresh = "TokenRefresh"
)

// ExecuteCommand runs a one-off shell command on the agent. Token authorizes
// the agent's later result upload; SenderConnID routes output back to the
// originating admin session.
type ExecuteCommand struct {
	Shell        string `json:"shell"`
	Command      string `json:"command"`
	Token        string `json:"token"`
	Username     string `json:"username"`
	SenderConnID string `json:"senderConnId"`
}

// GetCompletions forwards a PowerShell tab-completion request.
type GetCompletions struct {
	Input        string `json:"input"`
	CursorIndex  int    `json:"cursorIndex"`
	Intent       int    `json:"intent"`
	Forward      *bool  `json:"forward,omitempty"`
	SenderConnID string `json:"senderConnId"`
}

// GetLogs asks the agent to send its log archive to the given admin session.
type GetLogs struct {
	SenderConnID string `json:"senderConnId"`
}

// RemoteControl initiates the agent side of a remote-control handshake.
type RemoteControl struct {
	SessionID    string `json:"sessionId"`
	AccessKey    string `json:"accessKey"`
	SenderConnID string `json:"senderConnId"`
	DisplayName  string `json:"displayName"`
	OrgName      string `json:"orgName"`
	OrgID        string `json:"orgId"`
}

// RunScript executes a saved script by id.
type RunScript struct {
	ScriptID  string `json:"scriptId"`
	RunID     int64  `json:"runId"`
	Username  string `json:"username"`
	InputType string `json:"inputType"`
	Token     string `json:"token"`
}

// Chat delivers a chat message to the agent's interactive user.
type Chat struct {
	DisplayName  string `json:"displayName"`
	Message      string `json:"message"`
	OrgName      string `json:"orgName"`
	OrgID        string `json:"orgId"`
	IsFromAgent  bool   `json:"isFromAgent"`
	SenderConnID string `json:"senderConnId"`
}

// TransferFile tells the agent to fetch browser-uploaded files.
type TransferFile struct {
	TransferID   string   `json:"transferId"`
	FileIDs      []string `json:"fileIds"`
	SenderConnID string   `json:"senderConnId"`
	Token        string   `json:"token"`
}

// UploadFiles tells the agent to fetch files staged on the server.
type UploadFiles struct {
	TransferID   string   `json:"transferId"`
	FileIDs      []string `json:"fileIds"`
	SenderConnID string   `json:"senderConnId"`
}

// WakeDevice asks a peer agent to broadcast a wake-on-LAN packet.
type WakeDevice struct {
	MACAddress string `json:"macAddress"`
}

// AgentTokenRefresh carries a replacement enrollment token to the agent.
type AgentTokenRefresh struct {
	Token string `json:"token"`
}

// --- Agent → server messages ---

const (
	EventAgentHello        = "agent.hello"
	EventHelloAck          = "hello.ack"
	EventHeartbeat         = "agent.heartbeat"
	EventLogsResult        = "agent.logs"
	EventCompletionsResult = "agent.completions"
	EventChatFromAgent     = "agent.chat"
	EventScriptOutput      = "agent.script_output"
	EventPing              = "ping"
	EventPong              = "pong"
)

// AgentHello is sent by an agent immediately after connecting.
type AgentHello struct {
	DeviceID      string   `json:"device_id"`
	Token         string   `json:"token"`
	OrgID         string   `json:"org_id"`
	DeviceName    string   `json:"device_name"`
	DeviceGroupID string   `json:"device_group_id,omitempty"`
	PublicIP      string   `json:"public_ip,omitempty"`
	MACAddresses  []string `json:"mac_addresses,omitempty"`
	AgentVersion  string   `json:"agent_version,omitempty"`
}

// HelloAck is the server's response to AgentHello.
type HelloAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Heartbeat carries refreshed device state.
type Heartbeat struct {
	DeviceID     string   `json:"device_id"`
	PublicIP     string   `json:"public_ip,omitempty"`
	MACAddresses []string `json:"mac_addresses,omitempty"`
}

// LogsResult returns the agent's log archive to a waiting admin session.
type LogsResult struct {
	SenderConnID string `json:"senderConnId"`
	Content      string `json:"content"`
}

// CompletionsResult returns PowerShell completion matches.
type CompletionsResult struct {
	SenderConnID     string   `json:"senderConnId"`
	Matches          []string `json:"matches"`
	ReplacementIndex int      `json:"replacementIndex"`
	ReplacementLen   int      `json:"replacementLength"`
}

// ChatFromAgent relays a chat reply typed on the device.
type ChatFromAgent struct {
	SenderConnID string `json:"senderConnId"`
	DeviceID     string `json:"device_id"`
	Message      string `json:"message"`
}

// ScriptOutput is a best-effort progress notification; full results are
// uploaded out-of-band through the token-authenticated HTTP endpoint.
type ScriptOutput struct {
	SenderConnID string `json:"senderConnId"`
	RunID        int64  `json:"runId"`
	Stderr       bool   `json:"stderr"`
	Content      string `json:"content"`
}

// --- Admin console ↔ server messages ---

const (
	EventAdminExecute       = "admin.execute"
	EventAdminRunScript     = "admin.run_script"
	EventAdminWake          = "admin.wake"
	EventAdminWakeBatch     = "admin.wake_batch"
	EventAdminUpdateTags    = "admin.update_tags"
	EventAdminRemoteControl = "admin.remote_control"
	EventAdminChat          = "admin.chat"
	EventAdminGetLogs       = "admin.get_logs"
	EventAdminDeleteLogs    = "admin.delete_logs"
	EventAdminHeartbeat     = "admin.heartbeat"
	EventAdminReinstall     = "admin.reinstall"
	EventAdminUninstall     = "admin.uninstall"
	EventAdminRemove        = "admin.remove"
	EventAdminUploadFiles   = "admin.upload_files"
	EventAdminTransferFile  = "admin.transfer_file"
	EventAdminSelectDevice  = "admin.select_device"
	EventAdminCompletions   = "admin.completions"
	EventCircuitNotice      = "circuit.notice"
	EventResult             = "result"
)

// AdminExecute fans a shell command out to many devices.
type AdminExecute struct {
	Shell     string   `json:"shell"`
	Command   string   `json:"command"`
	DeviceIDs []string `json:"device_ids"`
}

// AdminRunScript fans a saved-script run out to many devices.
type AdminRunScript struct {
	ScriptID  string   `json:"script_id"`
	RunID     int64    `json:"run_id"`
	InputType string   `json:"input_type"`
	DeviceIDs []string `json:"device_ids"`
}

// AdminWake wakes a single device through its peers.
type AdminWake struct {
	DeviceID string `json:"device_id"`
}

// AdminWakeBatch wakes a set of devices through their peers.
type AdminWakeBatch struct {
	DeviceIDs []string `json:"device_ids"`
}

// AdminUpdateTags replaces a device's tag string.
type AdminUpdateTags struct {
	DeviceID string `json:"device_id"`
	Tags     string `json:"tags"`
}

// AdminRemoteControl starts a remote-control session handshake.
type AdminRemoteControl struct {
	DeviceID string `json:"device_id"`
	ViewOnly bool   `json:"view_only"`
}

// AdminChat sends a chat message to a single device.
type AdminChat struct {
	DeviceID string `json:"device_id"`
	Message  string `json:"message"`
}

// AdminDeviceTarget addresses a single device (logs, heartbeat, select...).
type AdminDeviceTarget struct {
	DeviceID string `json:"device_id"`
}

// AdminDeviceSet addresses multiple devices (reinstall, uninstall, remove).
type AdminDeviceSet struct {
	DeviceIDs []string `json:"device_ids"`
}

// AdminUploadFiles fans a staged-file download out to many devices.
type AdminUploadFiles struct {
	TransferID string   `json:"transfer_id"`
	FileIDs    []string `json:"file_ids"`
	DeviceIDs  []string `json:"device_ids"`
}

// AdminTransferFile pushes browser-uploaded files to a single device.
type AdminTransferFile struct {
	DeviceID   string   `json:"device_id"`
	TransferID string   `json:"transfer_id"`
	FileIDs    []string `json:"file_ids"`
}

// AdminCompletions requests tab completions from the selected device.
type AdminCompletions struct {
	Input       string `json:"input"`
	CursorIndex int    `json:"cursor_index"`
	Intent      int    `json:"intent"`
	Forward     *bool  `json:"forward,omitempty"`
}

// CircuitNotice is an asynchronous notification drained from an admin
// session's event queue (toasts, completion results, relayed logs...).
type CircuitNotice struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// OpResult reports the outcome of a request that returns an explicit
// success/failure result (remote control, wake relay, file transfer).
type OpResult struct {
	OK        bool   `json:"ok"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
}
