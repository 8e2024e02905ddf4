package ldappool

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/go-ldappool/internal/managed"
)

// Logging subsystems.
const (
	SubsystemLDAP = "ldap"
	SubsystemPool = managed.Subsystem
)

// NewLoggingContext registers the ldap and pool subsystems on ctx. Levels can
// be tuned with LDAPPOOL_LOG_LDAP and LDAPPOOL_LOG_POOL.
//
// Without a root logger in ctx this is a no-op and all logging is discarded.
func NewLoggingContext(ctx context.Context) context.Context {
	ctx = tflog.NewSubsystem(ctx, SubsystemLDAP,
		tflog.WithLevelFromEnv("LDAPPOOL_LOG_LDAP"))
	ctx = tflog.NewSubsystem(ctx, SubsystemPool,
		tflog.WithLevelFromEnv("LDAPPOOL_LOG_POOL"))
	return ctx
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	if err == nil {
		return
	}

	fields = copyFields(fields)
	fields["operation"] = operation
	fields["error"] = err.Error()

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		fields["error_category"] = string(ldapErr.Category)
		fields["retryable"] = ldapErr.Retryable
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		fields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = resultErr.MatchedDN
		}
		if resultErr.Err != nil {
			fields["ldap_diagnostic_message"] = resultErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", fields)
}

// LogConnectionEvent logs session lifecycle events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	fields = copyFields(fields)
	fields["event"] = event

	switch event {
	case "connection_established":
		tflog.SubsystemInfo(ctx, SubsystemLDAP, "Connection event", fields)
	case "connection_lost":
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "Connection event", fields)
	case "connection_attempt", "connection_recycled":
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "Connection event", fields)
	default:
		tflog.SubsystemTrace(ctx, SubsystemLDAP, "Connection event", fields)
	}
}

// LogPoolEvent logs connection pool events on the pool subsystem. The pool
// itself reports through the same function, so levels match.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	managed.LogEvent(ctx, event, fields)
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":      true,
		"passwd":        true,
		"secret":        true,
		"token":         true,
		"bind_password": true,
		"credential":    true,
		"credentials":   true,
	}

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}

// copyFields returns a writable copy so callers can reuse their field maps.
func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+2)
	maps.Copy(out, fields)
	return out
}
