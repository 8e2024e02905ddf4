// Package ldaptest provides an in-process LDAP server for tests.
//
// The server implements just enough of the protocol to exercise a client
// session: simple bind, unbind, base-scope search, the Who Am I? and StartTLS
// extended operations. Every connection starts anonymous.
package ldaptest

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Directory defaults.
const (
	BaseDN        = "dc=example,dc=com"
	AdminDN       = "cn=admin,dc=example,dc=com"
	AdminPassword = "secret"

	startTLSOID = "1.3.6.1.4.1.1466.20037"
)

// Server is a running test directory.
type Server struct {
	listener  net.Listener
	url       string
	useTLS    bool
	noAnon    bool
	tlsConfig *tls.Config
	certPool  *x509.CertPool
	users     map[string]string

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	accepted atomic.Int64
	binds    atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithUser adds a bindable user.
func WithUser(dn, password string) Option {
	return func(s *Server) {
		s.users[normalizeDN(dn)] = password
	}
}

// WithLDAPS serves TLS from the first byte, as an ldaps:// listener.
func WithLDAPS() Option {
	return func(s *Server) {
		s.useTLS = true
	}
}

// WithoutAnonymousBind refuses anonymous and unauthenticated binds with
// unwillingToPerform, as directories configured to disallow them do.
func WithoutAnonymousBind() Option {
	return func(s *Server) {
		s.noAnon = true
	}
}

// New starts a server on a random loopback port.
func New(opts ...Option) (*Server, error) {
	cert, pool, err := selfSignedCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}

	s := &Server{
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		certPool: pool,
		users:    map[string]string{normalizeDN(AdminDN): AdminPassword},
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	scheme := "ldap"
	if s.useTLS {
		ln = tls.NewListener(ln, s.tlsConfig)
		scheme = "ldaps"
	}
	s.listener = ln
	s.url = fmt.Sprintf("%s://%s", scheme, ln.Addr().String())

	s.wg.Go(s.serve)
	return s, nil
}

// Start starts a server and stops it when the test ends.
func Start(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s, err := New(opts...)
	if err != nil {
		tb.Fatalf("failed to start LDAP server: %v", err)
	}
	tb.Cleanup(s.Close)
	return s
}

// URL returns the server's URL, e.g. ldap://127.0.0.1:38291.
func (s *Server) URL() string {
	return s.url
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// ClientTLSConfig returns a TLS configuration that trusts the server's
// self-signed certificate.
func (s *Server) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		RootCAs:    s.certPool,
		ServerName: "127.0.0.1",
		MinVersion: tls.VersionTLS12,
	}
}

// Accepted returns how many connections the server accepted.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Binds returns how many bind requests the server answered.
func (s *Server) Binds() int64 {
	return s.binds.Load()
}

// ActiveConnections returns the number of open client connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every open client connection without a response,
// as a server crash or a network partition would. New connections are still
// accepted.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close stops the server and closes every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.accepted.Add(1)

		s.wg.Go(func() {
			s.handle(conn)
		})
	}
}

// session is the per-connection protocol state.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	bound  string // bound DN, empty when anonymous
}

func (s *Server) handle(conn net.Conn) {
	sess := &session{server: s, conn: conn, reader: bufio.NewReader(conn)}
	defer func() {
		s.mu.Lock()
		delete(s.conns, sess.conn)
		s.mu.Unlock()
		sess.conn.Close()
	}()

	for {
		packet, err := ber.ReadPacket(sess.reader)
		if err != nil {
			return
		}
		if err := sess.dispatch(packet); err != nil {
			return
		}
	}
}

var errUnbind = errors.New("unbind")

func (c *session) dispatch(packet *ber.Packet) error {
	if len(packet.Children) < 2 {
		return errors.New("malformed LDAP message")
	}
	id, ok := packet.Children[0].Value.(int64)
	if !ok {
		return errors.New("malformed message ID")
	}
	op := packet.Children[1]

	switch op.Tag {
	case ldap.ApplicationBindRequest:
		return c.bind(id, op)
	case ldap.ApplicationUnbindRequest:
		return errUnbind
	case ldap.ApplicationSearchRequest:
		return c.search(id, op)
	case ldap.ApplicationExtendedRequest:
		return c.extended(id, op)
	case ldap.ApplicationAbandonRequest:
		return nil
	default:
		return c.reply(id, result(op.Tag+1, ldap.LDAPResultUnwillingToPerform, "", "operation not supported"))
	}
}

func (c *session) bind(id int64, op *ber.Packet) error {
	c.server.binds.Add(1)

	if len(op.Children) < 3 {
		return c.reply(id, result(ldap.ApplicationBindResponse, ldap.LDAPResultProtocolError, "", "malformed bind request"))
	}
	name, _ := op.Children[1].Value.(string)
	auth := op.Children[2]
	if auth.ClassType != ber.ClassContext || auth.Tag != 0 {
		c.bound = ""
		return c.reply(id, result(ldap.ApplicationBindResponse, ldap.LDAPResultAuthMethodNotSupported, "", "only simple bind is supported"))
	}
	password := auth.Data.String()

	// RFC 4513: empty password is an anonymous or unauthenticated bind
	if password == "" {
		c.bound = ""
		if c.server.noAnon {
			return c.reply(id, result(ldap.ApplicationBindResponse, ldap.LDAPResultUnwillingToPerform, "", "anonymous bind disallowed"))
		}
		return c.reply(id, result(ldap.ApplicationBindResponse, ldap.LDAPResultSuccess, "", ""))
	}

	want, ok := c.server.users[normalizeDN(name)]
	if !ok || want != password {
		c.bound = ""
		return c.reply(id, result(ldap.ApplicationBindResponse, ldap.LDAPResultInvalidCredentials, "", "invalid credentials"))
	}

	c.bound = name
	return c.reply(id, result(ldap.ApplicationBindResponse, ldap.LDAPResultSuccess, "", ""))
}

func (c *session) search(id int64, op *ber.Packet) error {
	if len(op.Children) < 1 {
		return c.reply(id, result(ldap.ApplicationSearchResultDone, ldap.LDAPResultProtocolError, "", "malformed search request"))
	}
	base, _ := op.Children[0].Value.(string)

	switch normalizeDN(base) {
	case "":
		if err := c.reply(id, entry("", map[string][]string{
			"objectClass":          {"top"},
			"namingContexts":       {BaseDN},
			"supportedLDAPVersion": {"3"},
			"supportedExtension":   {startTLSOID, ldap.ControlTypeWhoAmI},
		})); err != nil {
			return err
		}
		return c.reply(id, result(ldap.ApplicationSearchResultDone, ldap.LDAPResultSuccess, "", ""))

	case normalizeDN(BaseDN):
		if c.bound == "" {
			return c.reply(id, result(ldap.ApplicationSearchResultDone, ldap.LDAPResultInsufficientAccessRights, "", "anonymous access denied"))
		}
		if err := c.reply(id, entry(BaseDN, map[string][]string{
			"objectClass": {"top", "domain"},
			"dc":          {"example"},
		})); err != nil {
			return err
		}
		return c.reply(id, result(ldap.ApplicationSearchResultDone, ldap.LDAPResultSuccess, "", ""))

	default:
		return c.reply(id, result(ldap.ApplicationSearchResultDone, ldap.LDAPResultNoSuchObject, "", "no such object"))
	}
}

func (c *session) extended(id int64, op *ber.Packet) error {
	var name string
	if len(op.Children) > 0 {
		name = op.Children[0].Data.String()
	}

	switch name {
	case ldap.ControlTypeWhoAmI:
		resp := result(ldap.ApplicationExtendedResponse, ldap.LDAPResultSuccess, "", "")
		authzID := ""
		if c.bound != "" {
			authzID = "dn:" + c.bound
		}
		resp.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, authzID, "authzId"))
		return c.reply(id, resp)

	case startTLSOID:
		if _, ok := c.conn.(*tls.Conn); ok {
			return c.reply(id, result(ldap.ApplicationExtendedResponse, ldap.LDAPResultOperationsError, "", "TLS already established"))
		}
		resp := result(ldap.ApplicationExtendedResponse, ldap.LDAPResultSuccess, "", "")
		resp.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 10, startTLSOID, "responseName"))
		if err := c.reply(id, resp); err != nil {
			return err
		}
		return c.upgrade()

	default:
		return c.reply(id, result(ldap.ApplicationExtendedResponse, ldap.LDAPResultProtocolError, "", "unsupported extended operation"))
	}
}

// upgrade switches the connection to TLS after a StartTLS response.
func (c *session) upgrade() error {
	tlsConn := tls.Server(c.conn, c.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	c.server.mu.Lock()
	delete(c.server.conns, c.conn)
	c.server.conns[tlsConn] = struct{}{}
	c.server.mu.Unlock()

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	return nil
}

func (c *session) reply(id int64, op *ber.Packet) error {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id, "MessageID"))
	envelope.AppendChild(op)
	_, err := c.conn.Write(envelope.Bytes())
	return err
}

// result builds an LDAPResult for the given response tag.
func result(tag ber.Tag, code uint16, matchedDN, diagnostic string) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, ldap.ApplicationMap[uint8(tag)])
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "resultCode"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, matchedDN, "matchedDN"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diagnostic, "diagnosticMessage"))
	return p
}

// entry builds a SearchResultEntry.
func entry(dn string, attributes map[string][]string) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchResultEntry, nil, "Search Result Entry")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "objectName"))

	attrs := ber.NewSequence("attributes")
	for name, values := range attributes {
		attr := ber.NewSequence("attribute")
		attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "vals")
		for _, v := range values {
			vals.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v, "value"))
		}
		attr.AppendChild(vals)
		attrs.AppendChild(attr)
	}
	p.AppendChild(attrs)
	return p
}

func normalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, part := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(part))
	}
	return strings.Join(parts, ",")
}
