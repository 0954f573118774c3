// Package probe checks an agent hub end to end. It opens the hub's SSE
// stream, reads a session token from it and blocks in a single wait_notify
// call on that session. Then it prints what the hub answered.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/agenthub/waitprobe/internal/config"
	"github.com/agenthub/waitprobe/internal/detection"
	"github.com/agenthub/waitprobe/internal/mcp"
	"github.com/rs/zerolog"
	"github.com/tmaxmax/go-sse"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
)

var (
	// ErrNoSession is returned when the stream ends before a token shows up.
	ErrNoSession = errors.New("stream closed before a session id was received")
	// ErrCallFailed is returned when the hub answers the call with a non-2xx status.
	ErrCallFailed = errors.New("wait_notify call failed")
	// ErrCallBlocked is returned when the arguments contain a secret.
	ErrCallBlocked = errors.New("wait_notify call blocked")
)

// Scanner finds secrets in tool arguments. *detection.Engine implements it.
type Scanner interface {
	Detect(arguments map[string]interface{}) []detection.Result
}

type Probe struct {
	cfg     *config.Config
	client  *http.Client
	out     io.Writer
	logger  zerolog.Logger
	scanner Scanner
}

type Option func(*Probe)

// WithHTTPClient sets the client used for both connections. It must not
// have a Timeout: the SSE stream stays open for the whole run.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Probe) { p.client = c }
}

// WithOutput sets where the operator report goes. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(p *Probe) { p.out = w }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Probe) { p.logger = l }
}

// WithScanner enables the secret guard.
func WithScanner(s Scanner) Option {
	return func(p *Probe) { p.scanner = s }
}

func New(cfg *config.Config, opts ...Option) *Probe {
	p := &Probe{
		cfg:    cfg,
		client: &http.Client{},
		out:    os.Stdout,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Session is an open SSE stream and the token read from it.
type Session struct {
	ID string

	body      io.Closer
	closeOnce sync.Once
}

// Close releases the stream. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.body.Close()
	})
}

// Result is what the hub returned for the call.
type Result struct {
	SessionID  string
	StatusCode int
	Body       string
}

// AcquireSession opens the SSE stream and reads the session token from it.
// The stream is left open; callers must Close the session.
func (p *Probe) AcquireSession(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.SSEURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected SSE status code: %d", resp.StatusCode)
	}

	var id string
	switch p.cfg.TokenMode {
	case config.TokenModeEndpoint:
		id, err = readEndpointSessionID(resp.Body)
	default:
		id, err = readFirstLine(resp.Body)
	}
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	p.logger.Debug().Str("session_id", id).Str("mode", p.cfg.TokenMode).Msg("session acquired")
	return &Session{ID: id, body: resp.Body}, nil
}

// readFirstLine returns the first non-empty line without its terminator.
// Lines end at "\n", "\r\n" or a bare "\r". A final line with no
// terminator still counts. It returns as soon as the terminator arrives and
// never reads ahead of it.
func readFirstLine(r io.Reader) (string, error) {
	br := bufio.NewReader(r)
	var line strings.Builder
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			if line.Len() > 0 {
				return line.String(), nil
			}
			return "", ErrNoSession
		}
		if err != nil {
			return "", fmt.Errorf("failed to read SSE stream: %w", err)
		}

		switch b {
		case '\n', '\r':
			// The "\n" of a "\r\n" pair shows up as an empty line and is skipped.
			if line.Len() > 0 {
				return line.String(), nil
			}
		default:
			line.WriteByte(b)
		}
	}
}

// readEndpointSessionID waits for the first "endpoint" event and returns
// the sessionId query parameter of the URL it carries.
func readEndpointSessionID(r io.Reader) (string, error) {
	for ev, err := range sse.Read(r, nil) {
		if err != nil {
			return "", fmt.Errorf("failed to read SSE stream: %w", err)
		}
		if ev.Type != "endpoint" {
			continue
		}

		u, err := url.Parse(strings.TrimSpace(ev.Data))
		if err != nil {
			return "", fmt.Errorf("parse endpoint URL: %w", err)
		}
		q := u.Query()
		id := q.Get("sessionId")
		if id == "" {
			id = q.Get("sessionID")
		}
		if id == "" {
			return "", fmt.Errorf("endpoint %q carries no session id", ev.Data)
		}
		return id, nil
	}
	return "", ErrNoSession
}

// Call issues the wait_notify call on the given session and blocks until the
// hub answers. On a non-2xx status the result is returned with an error
// wrapping ErrCallFailed.
func (p *Probe) Call(ctx context.Context, sessionID string) (*Result, error) {
	envelope := mcp.NewWaitNotifyCall(p.cfg.RequestID, p.cfg.AgentID, p.cfg.TimeoutSec)

	if p.scanner != nil {
		params := envelope.Params.(mcp.CallToolParams)
		if findings := p.scanner.Detect(params.Arguments); len(findings) > 0 {
			for _, f := range findings {
				p.logger.Warn().Str("argument", f.Argument).Str("rule", f.RuleID).Msg(f.Description)
			}
			return nil, fmt.Errorf("%w: %d secret(s) found in arguments", ErrCallBlocked, len(findings))
		}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.MessageURL(sessionID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	p.logger.Debug().Str("url", req.URL.String()).Int("timeout_sec", p.cfg.TimeoutSec).Msg("calling wait_notify")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	res := &Result{
		SessionID:  sessionID,
		StatusCode: resp.StatusCode,
		Body:       string(respBytes),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, fmt.Errorf("%w: status %d", ErrCallFailed, resp.StatusCode)
	}
	return res, nil
}

// Run performs the whole probe and writes the report.
func (p *Probe) Run(ctx context.Context) error {
	if p.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Deadline)
		defer cancel()
	}

	sess, err := p.AcquireSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	if !p.cfg.HoldStream {
		sess.Close()
	}

	fmt.Fprintf(p.out, "Session ID acquired: %s\n", sess.ID)
	fmt.Fprintln(p.out, "Calling wait_notify and waiting for your post...")

	res, err := p.Call(ctx, sess.ID)
	if res != nil {
		fmt.Fprint(p.out, "\n--- TEST RESULT ---\n")
		fmt.Fprintln(p.out, res.Body)
		fmt.Fprint(p.out, "-------------------\n\n")
	}
	return err
}
