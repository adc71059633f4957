package sshserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/livecycle/tunnel-server/internal/tunnelkey"
)

// helloResponse is the control-plane reply to the `hello` exec command.
type helloResponse struct {
	ClientID string            `json:"clientId"`
	BaseURL  string            `json:"baseUrl"`
	Tunnels  map[string]string `json:"tunnels"`
}

// handleSession serves control-plane exec commands on a session channel.
// The commands are not a data plane: they report URLs and exit.
func (c *clientConn) handleSession(newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	defer func() { _ = ch.Close() }()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			out, err := c.runControlCommand(payload.Command)
			if err != nil {
				c.log.Warn("exec command failed", "command", payload.Command, "err", err)
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			_, _ = ch.Write(append(out, '\n'))
			sendExitStatus(ch, 0)
			_ = ch.Close()
			c.closeIfIdle()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (c *clientConn) runControlCommand(command string) ([]byte, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	switch fields[0] {
	case "hello":
		tunnels := make(map[string]string)
		for path, tun := range c.openForwards() {
			tunnels[path] = c.server.urlFor(tun.Key)
		}
		return json.Marshal(helloResponse{
			ClientID: c.clientID,
			BaseURL:  c.server.cfg.BaseURL.String(),
			Tunnels:  tunnels,
		})

	case "tunnel-url":
		names := fields[1:]
		if len(names) == 0 {
			return nil, fmt.Errorf("tunnel-url: at least one tunnel name required")
		}
		// Resolved purely from naming convention; the tunnels need not be
		// open yet, so no registry lookup is involved.
		urls := make(map[string]string, len(names))
		for _, name := range names {
			key, err := tunnelkey.ForTunnel(c.clientID, name)
			if err != nil {
				return nil, err
			}
			urls[name] = c.server.urlFor(key)
		}
		return json.Marshal(urls)

	default:
		return nil, fmt.Errorf("unknown command %q", fields[0])
	}
}

// closeIfIdle closes the connection after a control-plane exchange when no
// forwards remain open on it.
func (c *clientConn) closeIfIdle() {
	c.mu.Lock()
	idle := len(c.forwards) == 0
	c.mu.Unlock()
	if idle {
		_ = c.sconn.Close()
	}
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
}
