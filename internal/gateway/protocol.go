package gateway

import (
	"encoding/json"
	"time"

	"github.com/EternisAI/shellmux/internal/remote"
)

// Inbound message types.
const (
	MsgConnect     = "connect"
	MsgReconnect   = "reconnect"
	MsgEndSession  = "end_session"
	MsgInput       = "input"
	MsgResize      = "resize"
	MsgInterrupt   = "interrupt"
	MsgTelemetry   = "telemetry.start"
	MsgTelemStop   = "telemetry.stop"
	MsgTelemFresh  = "telemetry.refresh"
	MsgLogsStart   = "logs.start"
	MsgLogsStop    = "logs.stop"
	MsgLogsFetch   = "logs.fetch"
	MsgNetStart    = "network.start"
	MsgNetStop     = "network.stop"
	MsgNetRefresh  = "network.refresh"
	MsgScanStart   = "scan.start"
	MsgScanStop    = "scan.stop"
	MsgDiscover    = "discover"
	MsgCommandRun  = "command.run"
	MsgCommandStop = "command.stop"
	MsgFilesList   = "files.list"
	MsgFilesRead   = "files.read"
	MsgFilesWrite  = "files.write"
	MsgFilesMkdir  = "files.mkdir"
	MsgFilesRmdir  = "files.rmdir"
	MsgFilesDelete = "files.delete"
	MsgFilesRename = "files.rename"
	MsgFilesCopy   = "files.copy"
	MsgFilesDown   = "files.download"
)

// Error event features.
const (
	FeatureSession   = "session"
	FeatureTelemetry = "telemetry"
	FeatureLogs      = "logs"
	FeatureNetwork   = "network"
	FeatureScan      = "scan"
	FeatureDiscover  = "discover"
	FeatureCommand   = "command"
	FeatureFiles     = "files"
)

// Session job names.
const (
	jobTelemetry        = "telemetry"
	jobTelemetryRefresh = "telemetry.refresh"
	jobNetwork          = "network"
	jobNetworkRefresh   = "network.refresh"
	jobLogs             = "logs"
	jobScan             = "scan"
	jobCommand          = "command"
)

// Message is one inbound frame.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ConnectRequest struct {
	Credentials remote.Credentials `json:"credentials"`
	SessionID   string             `json:"session_id,omitempty"`
}

type ReconnectRequest struct {
	SessionID string `json:"session_id"`
}

type InputRequest struct {
	Data string `json:"data"`
}

type ResizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

type IntervalRequest struct {
	// Interval in seconds.
	Interval int `json:"interval"`
}

func (r IntervalRequest) duration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

type LogsRequest struct {
	Sources  []string `json:"sources"`
	Lines    int      `json:"lines"`
	Interval int      `json:"interval,omitempty"`
}

type ScanRequest struct {
	Target string `json:"target"`
	Ports  string `json:"ports"`
}

type CommandRequest struct {
	Command string `json:"command"`
}

type PathRequest struct {
	Path string `json:"path"`
}

type WriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

type MoveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// FileResult acknowledges a file operation that returns no data.
type FileResult struct {
	Path string `json:"path"`
	OK   bool   `json:"ok"`
}

type DownloadLink struct {
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
