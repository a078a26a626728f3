// Package registryclient is the RPC client Wrapper, Listener, and the
// hook binaries use to talk to the Registry's unix socket (spec.md §5,
// §6).
package registryclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/ehrlich-b/claude-slack-bridge/internal/registrysvc"
)

// DefaultTimeout bounds connect, write, and read for a single call
// (spec.md §5 "5 s timeout").
const DefaultTimeout = 5 * time.Second

type Client struct {
	SocketPath string
	Timeout    time.Duration
}

func New(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: DefaultTimeout}
}

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// call opens a fresh connection, writes one newline-terminated JSON
// request, reads one newline-terminated JSON response, and closes.
// The Registry's wire protocol is one request per connection, so there
// is no connection pooling to manage.
func (c *Client) call(command string, data map[string]any) (*registrysvc.Response, error) {
	deadline := time.Now().Add(c.timeout())

	conn, err := net.DialTimeout("unix", c.SocketPath, c.timeout())
	if err != nil {
		return nil, fmt.Errorf("dial registry: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	req := registrysvc.Request{Command: command, Data: data}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReaderSize(conn, 64*1024).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp registrysvc.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (c *Client) Register(data map[string]any) (*registrysvc.Response, error) {
	return c.call(registrysvc.CmdRegister, data)
}

func (c *Client) RegisterExisting(data map[string]any) (*registrysvc.Response, error) {
	return c.call(registrysvc.CmdRegisterExisting, data)
}

func (c *Client) Unregister(sessionID string) (*registrysvc.Response, error) {
	return c.call(registrysvc.CmdUnregister, map[string]any{"session_id": sessionID})
}

func (c *Client) Get(key, value string) (*registrysvc.Response, error) {
	return c.call(registrysvc.CmdGet, map[string]any{key: value})
}

func (c *Client) GetBySessionID(sessionID string) (*registrysvc.Response, error) {
	return c.Get("session_id", sessionID)
}

func (c *Client) GetByThread(threadTS string) (*registrysvc.Response, error) {
	return c.Get("thread_ts", threadTS)
}

// GetByChannel resolves a custom_channel session by the channel it posts
// top-level into — routing-priority step 2 for a channel with no
// thread to key off of (spec.md §4.3).
func (c *Client) GetByChannel(channelID string) (*registrysvc.Response, error) {
	return c.Get("channel_id", channelID)
}

func (c *Client) GetByProjectDir(dir string) (*registrysvc.Response, error) {
	return c.call(registrysvc.CmdGet, map[string]any{"project_dir": dir})
}

// GetByProjectDirWithMetadata finds the most recent OTHER row for dir
// that already carries chat metadata — the query self-healing uses
// (spec.md §4.4 step b).
func (c *Client) GetByProjectDirWithMetadata(dir, excludeSessionID string) (*registrysvc.Response, error) {
	return c.call(registrysvc.CmdGet, map[string]any{
		"project_dir":        dir,
		"require_metadata":   true,
		"exclude_session_id": excludeSessionID,
	})
}

func (c *Client) List(status string) (*registrysvc.Response, error) {
	return c.call(registrysvc.CmdList, map[string]any{"status": status})
}

// Update applies whitelisted field changes to sessionID, e.g. recording
// a posted message's id (permission_message_ts, todo_message_ts) so a
// later hook invocation or self-heal can find it.
func (c *Client) Update(sessionID string, fields map[string]any) (*registrysvc.Response, error) {
	data := map[string]any{"session_id": sessionID}
	for k, v := range fields {
		data[k] = v
	}
	return c.call(registrysvc.CmdUpdate, data)
}
