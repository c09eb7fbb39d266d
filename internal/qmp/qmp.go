// Package qmp implements a minimal client for QEMU's JSON-line management
// protocol: connect over a Unix domain socket, read the server's greeting,
// negotiate capabilities, and issue commands. The supervisor only ever
// needs one command per connection (graceful shutdown), so unlike a
// general-purpose QMP client this one connects, executes, and closes.
package qmp

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Conn is a connected, capabilities-negotiated QMP session.
type Conn struct {
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
}

// Dial connects to the Unix socket at path, reads the initial greeting, and
// negotiates qmp_capabilities.
func Dial(path string, timeout time.Duration) (*Conn, error) {
	raw, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("qmp dial %s: %w", path, err)
	}
	raw.SetDeadline(time.Now().Add(timeout))

	c := &Conn{
		conn: raw,
		dec:  json.NewDecoder(raw),
		enc:  json.NewEncoder(raw),
	}

	// Server greeting: {"QMP": {...}}
	var greeting map[string]any
	if err := c.dec.Decode(&greeting); err != nil {
		raw.Close()
		return nil, fmt.Errorf("qmp greeting: %w", err)
	}

	if err := c.enc.Encode(map[string]any{"execute": "qmp_capabilities"}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("qmp capabilities negotiate: %w", err)
	}
	resp, err := c.readReturn()
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("qmp capabilities response: %w", err)
	}
	if !success(resp) {
		raw.Close()
		return nil, fmt.Errorf("qmp capabilities negotiation failed: %v", resp)
	}

	raw.SetDeadline(time.Time{})
	return c, nil
}

// readReturn reads messages until one is not an asynchronous "event"
// message and returns it, whether it carries "return" or "error".
func (c *Conn) readReturn() (map[string]any, error) {
	for {
		var v map[string]any
		if err := c.dec.Decode(&v); err != nil {
			return nil, err
		}
		if _, ok := v["event"]; ok {
			continue
		}
		return v, nil
	}
}

func success(v map[string]any) bool {
	ret, ok := v["return"]
	if !ok {
		return false
	}
	_, isMap := ret.(map[string]any)
	return isMap
}

// Execute sends {"execute": command} and returns the whole reply message
// (its "return" or "error" member is left for the caller to inspect).
func (c *Conn) Execute(command string, deadline time.Duration) (map[string]any, error) {
	if deadline > 0 {
		c.conn.SetDeadline(time.Now().Add(deadline))
		defer c.conn.SetDeadline(time.Time{})
	}
	if err := c.enc.Encode(map[string]any{"execute": command}); err != nil {
		return nil, fmt.Errorf("qmp execute %s: %w", command, err)
	}
	resp, err := c.readReturn()
	if err != nil {
		return nil, fmt.Errorf("qmp response to %s: %w", command, err)
	}
	return resp, nil
}

// SystemPowerdown issues a graceful ACPI shutdown request. QEMU acks the
// command immediately; the guest OS decides whether and when to actually
// power off.
func (c *Conn) SystemPowerdown() error {
	_, err := c.Execute("system_powerdown", 5*time.Second)
	return err
}

// Close closes the underlying connection. The management socket is
// single-client and used at most once concurrently per VM.
func (c *Conn) Close() error {
	return c.conn.Close()
}
