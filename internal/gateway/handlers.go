package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/EternisAI/shellmux/internal/collector"
	"github.com/EternisAI/shellmux/internal/files"
	"github.com/EternisAI/shellmux/internal/remote"
	"github.com/EternisAI/shellmux/internal/session"
)

var (
	ErrDownloadsDisabled = errors.New("downloads are not configured")
	ErrNoCommand         = errors.New("no command running")
)

func (c *Client) handle(msg Message) {
	switch msg.Type {
	case MsgConnect:
		var req ConnectRequest
		if c.decode(msg, FeatureSession, &req) {
			c.connect(req)
		}
	case MsgReconnect:
		var req ReconnectRequest
		if c.decode(msg, FeatureSession, &req) {
			c.reconnect(req.SessionID)
		}
	case MsgEndSession:
		c.endSession()
	case MsgInput:
		var req InputRequest
		if c.decode(msg, FeatureSession, &req) {
			c.input(req)
		}
	case MsgResize:
		var req ResizeRequest
		if c.decode(msg, FeatureSession, &req) {
			c.resize(req)
		}
	case MsgInterrupt:
		c.interrupt()

	case MsgTelemetry:
		var req IntervalRequest
		if c.decode(msg, FeatureTelemetry, &req) {
			c.startTelemetry(req)
		}
	case MsgTelemStop:
		c.stopJob(jobTelemetry)
	case MsgTelemFresh:
		c.refreshTelemetry()

	case MsgNetStart:
		var req IntervalRequest
		if c.decode(msg, FeatureNetwork, &req) {
			c.startNetwork(req)
		}
	case MsgNetStop:
		c.stopJob(jobNetwork)
	case MsgNetRefresh:
		c.refreshNetwork()

	case MsgLogsStart:
		var req LogsRequest
		if c.decode(msg, FeatureLogs, &req) {
			c.startLogs(req)
		}
	case MsgLogsStop:
		c.stopJob(jobLogs)
	case MsgLogsFetch:
		var req LogsRequest
		if c.decode(msg, FeatureLogs, &req) {
			c.fetchLogs(req)
		}

	case MsgScanStart:
		var req ScanRequest
		if c.decode(msg, FeatureScan, &req) {
			c.startScan(req)
		}
	case MsgScanStop:
		c.stopJob(jobScan)
	case MsgDiscover:
		c.discover()

	case MsgCommandRun:
		var req CommandRequest
		if c.decode(msg, FeatureCommand, &req) {
			c.runCommand(req)
		}
	case MsgCommandStop:
		c.stopCommand()

	case MsgFilesList, MsgFilesRead, MsgFilesWrite, MsgFilesMkdir,
		MsgFilesRmdir, MsgFilesDelete, MsgFilesRename, MsgFilesCopy, MsgFilesDown:
		c.fileOp(msg)

	default:
		c.fail("", FeatureSession, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type))
	}
}

func (c *Client) decode(msg Message, feature string, v any) bool {
	if len(msg.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		c.fail("", feature, fmt.Errorf("invalid %s request: %w", msg.Type, err))
		return false
	}
	return true
}

// connect reattaches to a live prior session when one is named, and
// otherwise creates and connects a new one.
func (c *Client) connect(req ConnectRequest) {
	if req.SessionID != "" && c.tryReattach(req.SessionID) {
		return
	}
	if err := req.Credentials.Validate(); err != nil {
		c.fail("", FeatureSession, err)
		return
	}

	c.leave()
	c.setState(stateAttaching, "")
	c.reply("", session.EventStatus, session.StatusPayload{State: string(session.StateConnecting)})

	s := c.g.registry.Create(req.Credentials)
	c.setState(stateAttaching, s.ID)
	if !c.g.registry.Attach(s.ID, c) {
		c.setState(stateUnattached, "")
		c.fail(s.ID, FeatureSession, session.ErrSessionClosed)
		return
	}
	if err := c.g.registry.Connect(c.ctx, s); err != nil {
		c.setState(stateUnattached, "")
		c.fail(s.ID, FeatureSession, err)
		return
	}
	c.setState(stateAttached, s.ID)
	slog.Info("Client attached to new session", "observer_id", c.id, "session_id", s.ID)
}

func (c *Client) reconnect(id string) {
	if !c.tryReattach(id) {
		c.fail(id, FeatureSession, session.ErrSessionNotFound)
	}
}

func (c *Client) tryReattach(id string) bool {
	_, prev := c.State()
	if prev != "" && prev != id {
		c.leave()
	}
	c.setState(stateAttaching, id)
	if !c.g.registry.Reattach(id, c) {
		c.setState(stateUnattached, "")
		return false
	}
	c.setState(stateAttached, id)
	return true
}

// endSession destroys the session for every observer, not just this one.
func (c *Client) endSession() {
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureSession, err)
		return
	}
	slog.Info("Session end requested", "observer_id", c.id, "session_id", s.ID)
	c.g.registry.Destroy(s.ID)
}

func (c *Client) input(req InputRequest) {
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureSession, err)
		return
	}
	if err := c.g.registry.Input(c.ctx, s.ID, []byte(req.Data)); err != nil {
		c.fail(s.ID, FeatureSession, err)
	}
}

func (c *Client) resize(req ResizeRequest) {
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureSession, err)
		return
	}
	if err := c.g.registry.Resize(s.ID, req.Rows, req.Cols); err != nil {
		c.fail(s.ID, FeatureSession, err)
	}
}

func (c *Client) interrupt() {
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureSession, err)
		return
	}
	if err := c.g.registry.Interrupt(c.ctx, s.ID); err != nil {
		c.fail(s.ID, FeatureSession, err)
	}
}

// broadcaster fans collector results out to every observer of s.
func (c *Client) broadcaster(s *session.Session) collector.Emit {
	return func(eventType string, payload any) {
		c.g.registry.Broadcast(s, session.Event{Type: eventType, SessionID: s.ID, Payload: payload})
	}
}

// reporter routes job errors to this client only.
func (c *Client) reporter(sessionID, feature string) collector.Report {
	return func(err error) {
		c.fail(sessionID, feature, err)
	}
}

// startJob replaces the session's job of the same name. Results go to
// every observer; errors go to the client that started it.
func (c *Client) startJob(name, feature string, run func(ctx context.Context, s *session.Session, emit collector.Emit, report collector.Report)) {
	s, err := c.current()
	if err != nil {
		c.fail("", feature, err)
		return
	}
	emit := c.broadcaster(s)
	report := c.reporter(s.ID, feature)
	err = s.StartJob(name, func(ctx context.Context) {
		run(ctx, s, emit, report)
	})
	if err != nil {
		c.fail(s.ID, feature, err)
		return
	}
	slog.Debug("Job started", "observer_id", c.id, "session_id", s.ID, "job", name)
}

func (c *Client) stopJob(name string) {
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureSession, err)
		return
	}
	if s.StopJob(name) {
		slog.Debug("Job stopped", "observer_id", c.id, "session_id", s.ID, "job", name)
	}
}

func (c *Client) startTelemetry(req IntervalRequest) {
	opts := collector.TelemetryOptions{
		Interval:     c.g.interval(req.duration(), c.g.cfg.TelemetryInterval),
		ProcessCount: c.g.cfg.ProcessCount,
	}
	c.startJob(jobTelemetry, FeatureTelemetry, func(ctx context.Context, s *session.Session, emit collector.Emit, report collector.Report) {
		collector.RunTelemetry(ctx, collector.NewTelemetry(s.Exec(), c.g.clock), opts, emit, report)
	})
}

func (c *Client) refreshTelemetry() {
	c.startJob(jobTelemetryRefresh, FeatureTelemetry, func(ctx context.Context, s *session.Session, emit collector.Emit, report collector.Report) {
		collector.NewTelemetry(s.Exec(), c.g.clock).Tick(ctx, c.g.cfg.ProcessCount, emit, report)
	})
}

func (c *Client) startNetwork(req IntervalRequest) {
	interval := c.g.interval(req.duration(), c.g.cfg.NetworkInterval)
	c.startJob(jobNetwork, FeatureNetwork, func(ctx context.Context, s *session.Session, emit collector.Emit, report collector.Report) {
		collector.RunNetwork(ctx, collector.NewNetwork(s.Exec(), c.g.clock), interval, emit, report)
	})
}

// refreshNetwork samples once. Bandwidth needs two samples, so a refresh
// reports counters without rates.
func (c *Client) refreshNetwork() {
	c.startJob(jobNetworkRefresh, FeatureNetwork, func(ctx context.Context, s *session.Session, emit collector.Emit, report collector.Report) {
		collector.NewNetwork(s.Exec(), c.g.clock).Tick(ctx, emit, report)
	})
}

func (c *Client) startLogs(req LogsRequest) {
	opts := collector.LogStreamOptions{
		Sources:  req.Sources,
		Lines:    req.Lines,
		Interval: c.g.cfg.LogInterval,
	}
	if req.Interval > 0 {
		opts.Interval = IntervalRequest{Interval: req.Interval}.duration()
	}
	if err := validateSources(req.Sources); err != nil {
		c.fail("", FeatureLogs, err)
		return
	}
	c.startJob(jobLogs, FeatureLogs, func(ctx context.Context, s *session.Session, emit collector.Emit, report collector.Report) {
		f := collector.NewLogFetcher(s.Exec(), c.g.cfg.Logs)
		collector.RunLogStream(ctx, f, c.g.clock, opts, emit, report)
	})
}

func (c *Client) fetchLogs(req LogsRequest) {
	if err := validateSources(req.Sources); err != nil {
		c.fail("", FeatureLogs, err)
		return
	}
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureLogs, err)
		return
	}
	c.async(func(ctx context.Context) {
		f := collector.NewLogFetcher(s.Exec(), c.g.cfg.Logs)
		batches, err := f.FetchOnce(ctx, req.Sources, req.Lines)
		for _, b := range batches {
			c.reply(s.ID, collector.EventLogs, b)
		}
		if err != nil && ctx.Err() == nil {
			c.fail(s.ID, FeatureLogs, err)
		}
	})
}

func validateSources(sources []string) error {
	if len(sources) == 0 {
		return fmt.Errorf("%w: no sources", collector.ErrInvalidSource)
	}
	for _, src := range sources {
		if _, err := collector.LogCommand(src, 1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) startScan(req ScanRequest) {
	if err := collector.ValidateTarget(req.Target); err != nil {
		c.fail("", FeatureScan, err)
		return
	}
	ports := collector.ParsePortSpec(req.Ports)
	if len(ports) == 0 {
		c.fail("", FeatureScan, collector.ErrNoPorts)
		return
	}
	c.startJob(jobScan, FeatureScan, func(ctx context.Context, s *session.Session, emit collector.Emit, report collector.Report) {
		scanner := collector.NewScanner(s.Exec(), c.g.clock, c.g.cfg.Scan, c.g.metrics)
		summary, err := scanner.Scan(ctx, req.Target, ports, emit)
		if err != nil {
			if ctx.Err() == nil {
				report(err)
			}
			return
		}
		slog.Info("Port scan finished",
			"session_id", s.ID,
			"target", summary.Host,
			"ports", summary.Total,
			"open", len(summary.OpenPorts))
	})
}

func (c *Client) discover() {
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureDiscover, err)
		return
	}
	c.async(func(ctx context.Context) {
		d, err := collector.Discover(ctx, s.Exec())
		if err != nil {
			if ctx.Err() == nil {
				c.fail(s.ID, FeatureDiscover, err)
			}
			return
		}
		c.reply(s.ID, collector.EventDiscover, d)
	})
}

// runCommand starts an operator command, replacing a running one. The
// running one is interrupted and finishes with its stopped notification
// first. The command is audited before it reaches the shell.
func (c *Client) runCommand(req CommandRequest) {
	if req.Command == "" {
		c.fail("", FeatureCommand, errors.New("empty command"))
		return
	}
	if s, err := c.current(); err == nil && s.JobRunning(jobCommand) {
		if err := c.interruptCommand(s); err != nil {
			c.fail(s.ID, FeatureCommand, err)
			return
		}
	}
	c.startJob(jobCommand, FeatureCommand, func(ctx context.Context, s *session.Session, emit collector.Emit, report collector.Report) {
		c.g.registry.Record(s, session.KindCommand, req.Command)
		runner := collector.NewRunner(s.Exec(), s, c.g.cfg.Command)
		if _, err := runner.Run(ctx, req.Command, emit); err != nil {
			if ctx.Err() != nil {
				emit(collector.EventCommandDone, collector.CommandDone{ExitCode: -1, Stopped: true})
				return
			}
			report(err)
		}
	})
}

// stopCommand interrupts the shell foreground and abandons the call. The
// interrupted command never prints its sentinel, so waiting for it
// would only run into the timeout.
func (c *Client) stopCommand() {
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureCommand, err)
		return
	}
	if !s.JobRunning(jobCommand) {
		c.fail(s.ID, FeatureCommand, ErrNoCommand)
		return
	}
	if err := c.interruptCommand(s); err != nil {
		c.fail(s.ID, FeatureCommand, err)
	}
}

// interruptCommand sends Ctrl-C to the shell foreground and waits for
// the command job to wind down.
func (c *Client) interruptCommand(s *session.Session) error {
	err := collector.NewRunner(s.Exec(), s, c.g.cfg.Command).Stop()
	s.StopJob(jobCommand)
	return err
}

func (c *Client) fileOp(msg Message) {
	s, err := c.current()
	if err != nil {
		c.fail("", FeatureFiles, err)
		return
	}
	t, err := s.Transfer()
	if err != nil {
		c.fail(s.ID, FeatureFiles, err)
		return
	}
	c.async(func(context.Context) {
		payload, err := c.runFileOp(s.ID, t, msg)
		if err != nil {
			c.fail(s.ID, FeatureFiles, fmt.Errorf("%s: %w", msg.Type, err))
			return
		}
		c.reply(s.ID, msg.Type, payload)
	})
}

func (c *Client) runFileOp(sessionID string, t remote.FileTransfer, msg Message) (any, error) {
	switch msg.Type {
	case MsgFilesList:
		var req PathRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		entries, err := files.List(t, req.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": req.Path, "entries": entries}, nil

	case MsgFilesRead:
		var req PathRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		return files.Read(t, req.Path, c.g.cfg.MaxReadSize)

	case MsgFilesWrite:
		var req WriteRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		if err := files.Write(t, req.Path, []byte(req.Content), fs.FileMode(req.Mode).Perm()); err != nil {
			return nil, err
		}
		return FileResult{Path: req.Path, OK: true}, nil

	case MsgFilesMkdir, MsgFilesRmdir, MsgFilesDelete:
		var req PathRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		op := map[string]func(remote.FileTransfer, string) error{
			MsgFilesMkdir:  files.Mkdir,
			MsgFilesRmdir:  files.Rmdir,
			MsgFilesDelete: files.Delete,
		}[msg.Type]
		if err := op(t, req.Path); err != nil {
			return nil, err
		}
		return FileResult{Path: req.Path, OK: true}, nil

	case MsgFilesRename, MsgFilesCopy:
		var req MoveRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		op := files.Rename
		if msg.Type == MsgFilesCopy {
			op = files.Copy
		}
		if err := op(t, req.From, req.To); err != nil {
			return nil, err
		}
		return FileResult{Path: req.To, OK: true}, nil

	case MsgFilesDown:
		var req PathRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		return c.downloadLink(sessionID, t, req.Path)
	}
	return nil, ErrUnknownMessage
}

func (c *Client) downloadLink(sessionID string, t remote.FileTransfer, p string) (DownloadLink, error) {
	if c.g.links == nil {
		return DownloadLink{}, ErrDownloadsDisabled
	}
	p, err := files.Clean(p)
	if err != nil {
		return DownloadLink{}, err
	}
	fi, err := t.Stat(p)
	if err != nil {
		return DownloadLink{}, err
	}
	if fi.IsDir() {
		return DownloadLink{}, files.ErrIsDirectory
	}
	token, expires, err := c.g.links.Sign(sessionID, p)
	if err != nil {
		return DownloadLink{}, err
	}
	return DownloadLink{
		Path:      p,
		URL:       c.g.cfg.DownloadPath + "?token=" + url.QueryEscape(token),
		ExpiresAt: expires,
	}, nil
}

// interval clamps a requested cadence to the configured floor.
func (g *Gateway) interval(requested, def time.Duration) time.Duration {
	return collector.ClampInterval(requested, def, g.cfg.MinInterval)
}
