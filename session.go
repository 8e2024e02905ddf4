package ldappool

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ErrSessionClosed is returned when operating on a session that was closed.
var ErrSessionClosed = errors.New("ldap session is closed")

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Session is a live LDAP connection produced by Manager.Create. A Session
// built any other way is treated as closed.
//
// Session embeds *ldap.Conn, so protocol operations (Bind, Search, WhoAmI...)
// are issued directly on it. The session owns the driver goroutines that pump
// the connection's network I/O: they run until Close is called or the network
// connection fails, whichever comes first.
type Session struct {
	*ldap.Conn

	id     uuid.UUID
	url    string
	driver *driverConn
}

// ID returns the unique identifier of the session, used in log fields.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// URL returns the URL the session was opened against.
func (s *Session) URL() string {
	return s.url
}

// Done returns a channel that is closed once the session's driver has stopped.
func (s *Session) Done() <-chan struct{} {
	if s.driver == nil {
		return closedChan
	}
	return s.driver.done
}

// Err returns the error that stopped the driver, nil while it is running or
// when it was stopped by Close.
func (s *Session) Err() error {
	if s.driver == nil {
		return nil
	}
	return s.driver.failure()
}

// Alive reports whether the driver is still running.
func (s *Session) Alive() bool {
	if s.driver == nil || s.Conn == nil {
		return false
	}
	select {
	case <-s.driver.done:
		return false
	default:
		return !s.Conn.IsClosing()
	}
}

// Close closes the connection and waits for the driver to stop.
func (s *Session) Close() error {
	if s.driver == nil || s.Conn == nil {
		return ErrSessionClosed
	}
	select {
	case <-s.driver.done:
		// already stopped, keep the recorded failure
	default:
		s.driver.closing.Store(true)
	}
	err := s.Conn.Close()
	<-s.driver.done
	return err
}

// stoppedErr describes why a stopped session can no longer be used.
func (s *Session) stoppedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

// driverConn wraps the network connection underneath an ldap.Conn so the
// session can observe when, and why, the driver stops.
type driverConn struct {
	net.Conn

	closing atomic.Bool
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	err error
}

func newDriverConn(conn net.Conn) *driverConn {
	return &driverConn{
		Conn: conn,
		done: make(chan struct{}),
	}
}

func (c *driverConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if err != nil {
		c.record(err)
	}
	return n, err
}

func (c *driverConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		c.record(err)
	}
	return n, err
}

// Close is called by the ldap driver when it stops, either on request or
// after a read failure.
func (c *driverConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}

func (c *driverConn) record(err error) {
	if c.closing.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *driverConn) failure() error {
	if c.closing.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// superviseDriver logs the driver's termination when it was not requested.
// The session stays unusable afterwards, Recycle reports it and the pool
// discards the session.
func superviseDriver(ctx context.Context, s *Session) {
	<-s.driver.done
	if s.driver.closing.Load() {
		tflog.SubsystemTrace(ctx, SubsystemLDAP, "LDAP session closed", map[string]any{
			"session_id": s.id.String(),
		})
		return
	}

	fields := map[string]any{
		"session_id": s.id.String(),
		"url":        s.url,
	}
	if err := s.Err(); err != nil {
		fields["error"] = err.Error()
	}
	LogConnectionEvent(ctx, "connection_lost", fields)
}
