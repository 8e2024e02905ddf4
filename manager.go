package ldappool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/go-ldappool/internal/managed"
)

// Metrics is the pool's accounting metadata for a session, passed to Recycle.
type Metrics = managed.Metrics

// Manager opens LDAP sessions and resets them to an anonymous state for reuse.
//
// A Manager is an immutable value: it is safe to call Create and Recycle from
// any number of goroutines.
type Manager struct {
	url      string
	settings ConnSettings
}

var _ managed.Manager[*Session] = Manager{}

// NewManager returns a manager for the given LDAP URL with default connection
// settings. No I/O or validation is performed: a malformed URL is reported by
// Create.
func NewManager[S ~string](url S) Manager {
	return Manager{
		url:      string(url),
		settings: NewConnSettings(),
	}
}

// WithConnectionSettings returns a copy of the manager using settings.
func (m Manager) WithConnectionSettings(settings ConnSettings) Manager {
	m.settings = settings
	return m
}

// URL returns the LDAP URL sessions are opened against.
func (m Manager) URL() string {
	return m.url
}

// ConnSettings returns the connection settings used for new sessions.
func (m Manager) ConnSettings() ConnSettings {
	return m.settings
}

// Create opens a new session. The returned session is bound anonymously, the
// server's default identity for a fresh connection.
//
// The session's driver keeps running after Create returns, independently of
// ctx; it stops when the session is closed or its connection fails.
func (m Manager) Create(ctx context.Context) (*Session, error) {
	start := time.Now()
	LogConnectionEvent(ctx, "connection_attempt", map[string]any{
		"url": m.url,
	})

	session, err := m.open(ctx)
	if err != nil {
		err = WrapError("create", err)
		LogLDAPError(ctx, SubsystemLDAP, "create", err, map[string]any{
			"url":         m.url,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		return nil, err
	}

	go superviseDriver(context.WithoutCancel(ctx), session)

	LogConnectionEvent(ctx, "connection_established", map[string]any{
		"url":         m.url,
		"session_id":  session.id.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return session, nil
}

// open dials the server and starts the session's driver.
func (m Manager) open(ctx context.Context) (*Session, error) {
	t, err := parseURL(m.url)
	if err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}

	raw, err := m.settings.effectiveDialer().DialContext(ctx, t.Network, t.Address)
	if err != nil {
		return nil, ldap.NewError(ldap.ErrorNetwork, err)
	}

	driver := newDriverConn(raw)
	var conn net.Conn = driver

	if t.UseTLS {
		tlsConn := tls.Client(driver, m.settings.effectiveTLSConfig(t.Host))
		if err := m.handshake(ctx, tlsConn); err != nil {
			driver.Close()
			return nil, ldap.NewError(ldap.ErrorNetwork, fmt.Errorf("TLS handshake failed: %w", err))
		}
		conn = tlsConn
	}

	lc := ldap.NewConn(conn, t.UseTLS)
	lc.Start()

	session := &Session{
		Conn:   lc,
		id:     uuid.New(),
		url:    m.url,
		driver: driver,
	}

	if m.settings.requestTimeout > 0 {
		lc.SetTimeout(m.settings.requestTimeout)
	}

	if m.settings.startTLS && !t.UseTLS {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Upgrading connection with StartTLS", map[string]any{
			"url":        m.url,
			"session_id": session.id.String(),
		})
		if err := lc.StartTLS(m.settings.effectiveTLSConfig(t.Host)); err != nil {
			session.Close()
			return nil, err
		}
	}

	return session, nil
}

func (m Manager) handshake(ctx context.Context, conn *tls.Conn) error {
	if m.settings.connTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.settings.connTimeout)
		defer cancel()
	}
	return conn.HandshakeContext(ctx)
}

// Recycle rebinds session anonymously, discarding whatever identity the
// previous user bound as. It performs exactly one round trip.
//
// If ctx ends before the server answers, the session is closed and ctx's
// error returned. An error means the session must not be reused.
func (m Manager) Recycle(ctx context.Context, session *Session, _ Metrics) error {
	if session == nil || session.Conn == nil {
		return WrapError("recycle", ErrSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fields := map[string]any{
		"url":        m.url,
		"session_id": session.id.String(),
	}

	if !session.Alive() {
		err := WrapError("recycle", session.stoppedErr())
		LogLDAPError(ctx, SubsystemLDAP, "recycle", err, fields)
		return err
	}

	// go-ldap has no per-call context: closing the session aborts the bind.
	stop := context.AfterFunc(ctx, func() { session.Close() })
	err := session.UnauthenticatedBind("")
	if !stop() {
		err = ctx.Err()
	}
	if err != nil {
		err = WrapError("recycle", err)
		LogLDAPError(ctx, SubsystemLDAP, "recycle", err, fields)
		return err
	}

	LogConnectionEvent(ctx, "connection_recycled", fields)
	return nil
}
