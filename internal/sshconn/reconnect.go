package sshconn

import (
	"context"
	"log"
	"time"
)

// scheduleReconnect arms a single transparent redial of a dropped
// connection. Only one attempt runs per drop; a second drop after a
// successful reconnect re-arms. gen is the generation of the transport that
// died, which the attempt bumps so the old read and keepalive loops retire.
func (c *Connection) scheduleReconnect(gen uint64) {
	if !c.reconnectArmed.CompareAndSwap(false, true) {
		return
	}
	go c.reconnect(gen)
}

func (c *Connection) reconnect(gen uint64) {
	select {
	case <-c.done:
		return
	case <-time.After(reconnectDelay):
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	creds := c.creds
	cols, rows := c.cols, c.rows
	oldShell, oldClient := c.shell, c.client
	c.mu.Unlock()

	c.setStatus(StatusReconnecting, "redial", "")

	if oldShell != nil {
		oldShell.session.Close()
	}
	if oldClient != nil {
		oldClient.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.mgr.dialTimeout)
	defer cancel()

	client, err := c.mgr.dialSSH(ctx, creds)
	if err != nil {
		log.Printf("Reconnect of SSH connection %s failed: %v", c.ID, err)
		c.setStatus(StatusError, "reconnect failed", err.Error())
		return
	}

	shell, err := openShell(client, cols, rows)
	if err != nil {
		client.Close()
		log.Printf("Reconnect of SSH connection %s failed: %v", c.ID, err)
		c.setStatus(StatusError, "reconnect failed", err.Error())
		return
	}

	c.mu.Lock()
	select {
	case <-c.done:
		// Closed while the redial was in flight; the fresh transport is
		// ours to tear down. done is closed before Close takes the lock,
		// so holding it here rules out an install racing the teardown.
		c.mu.Unlock()
		shell.session.Close()
		client.Close()
		return
	default:
	}
	c.generation++
	newGen := c.generation
	c.client = client
	c.shell = shell
	c.lastActivity = c.mgr.nowFn()
	c.mu.Unlock()

	c.setStatus(StatusConnected, "reconnected", "")
	c.reconnectArmed.Store(false)

	go c.readLoop(shell.stdout, newGen)
	go c.keepaliveLoop(client, newGen)
}
