package protocol

// Message type tags.
const (
	TypeRegister         = "register"
	TypeRegistered       = "registered"
	TypeStatus           = "status"
	TypePlaylistStatus   = "playlistStatus"
	TypeDownloadProgress = "downloadProgress"
	TypeGetDownloadState = "getDownloadState"
	TypeDownloadState    = "downloadState"
	TypeVolume           = "volume"
	TypeScreenshot       = "screenshot"
	TypeError            = "error"
	TypeCommand          = "command"
	TypeDelete           = "delete"
	TypeContent          = "content"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeEvent            = "event"
)

// Commands carried in Command.Command.
const (
	CommandEmergencyStop  = "emergency-stop"
	CommandEmergencyReset = "emergency-reset"
	CommandShutdown       = "shutdown"
	CommandRestart        = "restart"
	CommandVolume         = "volume"
	CommandPlay           = "play"
	CommandPause          = "pause"
)

// Delete actions, in protocol order.
const (
	DeleteStarted = "started"
	DeleteSuccess = "success"
	DeleteError   = "error"
)

// Playlist statuses reported by devices and stored on device state.
const (
	PlaylistIdle             = "idle"
	PlaylistLoading          = "loading"
	PlaylistLoaded           = "loaded"
	PlaylistError            = "error"
	PlaylistEmergencyStopped = "emergency-stopped"
	PlaylistCompleted        = "completed"
)

// ValidPlaylistStatus reports whether s is a known playlist status.
func ValidPlaylistStatus(s string) bool {
	switch s {
	case PlaylistIdle, PlaylistLoading, PlaylistLoaded, PlaylistError,
		PlaylistEmergencyStopped, PlaylistCompleted:
		return true
	}
	return false
}

// Message is any value that can be put on the wire.
type Message interface {
	MessageType() string
}

// Inbound is the closed set of messages the server accepts. Only types in
// this package implement it.
type Inbound interface {
	Message
	inbound()
}

// Register identifies a device connection. It must be the first message on
// the device route.
type Register struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

// Registered acknowledges a Register.
type Registered struct {
	Token             string `json:"token"`
	HeartbeatInterval int    `json:"heartbeatInterval"`
}

// Status is a periodic playback report from a device.
type Status struct {
	Online        *bool   `json:"online,omitempty"`
	Playing       bool    `json:"playing"`
	CurrentSongID string  `json:"currentSongId,omitempty"`
	Position      float64 `json:"position,omitempty"`
	Duration      float64 `json:"duration,omitempty"`
}

// PlaylistStatus reports a playlist state change on the device.
type PlaylistStatus struct {
	Status     string `json:"status"`
	PlaylistID string `json:"playlistId,omitempty"`
}

// DownloadProgress reports transfer progress for one content item.
type DownloadProgress struct {
	ContentID       string  `json:"contentId"`
	Progress        float64 `json:"progress"`
	BytesDownloaded int64   `json:"bytesDownloaded"`
	TotalBytes      int64   `json:"totalBytes"`
	Done            bool    `json:"done,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// GetDownloadState asks the server for the content assigned to the device.
type GetDownloadState struct{}

// DownloadState answers GetDownloadState.
type DownloadState struct {
	Items []Content `json:"items"`
}

// Volume reports (device to server) or sets (as a command) the volume.
type Volume struct {
	Volume int `json:"volume"`
}

// Screenshot carries a base64 image captured on the device.
type Screenshot struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType,omitempty"`
}

// Error reports a failure. Devices send it to the server and the server
// sends it back for rejected messages.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Command is an instruction for a device. From an admin connection Token
// selects the target device; an empty Token means every connected device.
// From a device it is a forwarded command relayed to admins.
type Command struct {
	Command        string         `json:"command"`
	Token          string         `json:"token,omitempty"`
	Volume         *int           `json:"volume,omitempty"`
	ResumePlayback bool           `json:"resumePlayback,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
}

// Delete announces a delete phase to devices, and is echoed back by devices
// as an acknowledgement.
type Delete struct {
	Action     string `json:"action"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Error      string `json:"error,omitempty"`
}

// Content offers a downloadable item to a device.
type Content struct {
	ContentID  string `json:"contentId"`
	EntityType string `json:"entityType,omitempty"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url"`
	Digest     string `json:"digest,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// Ping is a liveness probe sent by clients; the server answers with Pong.
type Ping struct{}

// Pong answers Ping.
type Pong struct{}

// Event is a fleet-visibility notice broadcast to admin connections.
type Event struct {
	Event     string `json:"event"`
	Token     string `json:"token,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (Register) MessageType() string         { return TypeRegister }
func (Registered) MessageType() string       { return TypeRegistered }
func (Status) MessageType() string           { return TypeStatus }
func (PlaylistStatus) MessageType() string   { return TypePlaylistStatus }
func (DownloadProgress) MessageType() string { return TypeDownloadProgress }
func (GetDownloadState) MessageType() string { return TypeGetDownloadState }
func (DownloadState) MessageType() string    { return TypeDownloadState }
func (Volume) MessageType() string           { return TypeVolume }
func (Screenshot) MessageType() string       { return TypeScreenshot }
func (Error) MessageType() string            { return TypeError }
func (Command) MessageType() string          { return TypeCommand }
func (Delete) MessageType() string           { return TypeDelete }
func (Content) MessageType() string          { return TypeContent }
func (Ping) MessageType() string             { return TypePing }
func (Pong) MessageType() string             { return TypePong }
func (Event) MessageType() string            { return TypeEvent }

func (Register) inbound()         {}
func (Status) inbound()           {}
func (PlaylistStatus) inbound()   {}
func (DownloadProgress) inbound() {}
func (GetDownloadState) inbound() {}
func (Volume) inbound()           {}
func (Screenshot) inbound()       {}
func (Error) inbound()            {}
func (Command) inbound()          {}
func (Delete) inbound()           {}
func (Ping) inbound()             {}
