/*
Package ldappool pools LDAP sessions.

A Manager knows how to open a session to one directory server and how to
return a used session to a clean state. A Pool hands sessions out and takes
them back, recycling each one before it is reused.

# Sessions

Manager.Create dials the configured URL (ldap://, ldaps:// or ldapi://),
optionally upgrades the connection with StartTLS and returns a Session. A
Session embeds *ldap.Conn, so every go-ldap operation is available on it. A
fresh session is bound anonymously.

Each session is supervised for its whole lifetime. When the connection fails
underneath it, the failure is logged and the session reports it through Done,
Err and Alive.

# Recycling

Manager.Recycle rebinds the session with an empty DN and password. Whatever
identity the previous borrower bound as is discarded, so every session
handed out by the pool is anonymous. A session whose connection has died, or
whose anonymous bind is refused, fails to recycle and is destroyed by the pool.

# Usage

	ctx = ldappool.NewLoggingContext(ctx)

	m := ldappool.NewManager("ldaps://ldap.example.com").
		WithConnectionSettings(ldappool.NewConnSettings().WithConnTimeout(5 * time.Second))

	pool, err := ldappool.NewPool(ctx, m, ldappool.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer pool.Close()

	obj, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer obj.Release()

	if err := obj.Value().Bind(dn, password); err != nil {
		return err
	}

# Logging

Logging uses terraform-plugin-log subsystems "ldap" and "pool". Levels are
taken from LDAPPOOL_LOG_LDAP and LDAPPOOL_LOG_POOL. Nothing is logged unless
the context carries a root logger.
*/
package ldappool
