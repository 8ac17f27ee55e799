package rbacauth

import (
	"context"
	"time"
)

const (
	auditEventLoginSuccess          = "login_success"
	auditEventLoginFailure          = "login_failure"
	auditEventLoginRateLimited      = "login_rate_limited"
	auditEventRefreshSuccess        = "refresh_success"
	auditEventRefreshInvalid        = "refresh_invalid"
	auditEventRefreshRateLimited    = "refresh_rate_limited"
	auditEventRefreshReuseDetected  = "refresh_reuse_detected"
	auditEventLogout                = "logout"
	auditEventLogoutAll             = "logout_all"
	auditEventTokenVersionBumped    = "token_version_bumped"
	auditEventPasswordChangeSuccess = "password_change_success"
	auditEventPasswordChangeFailure = "password_change_failure"
	auditEventAuthorizeDenied       = "authorize_denied"
)

// auditErrorCode is the stable string recorded in AuditEvent.Error. Errors
// that did not originate in the Engine are recorded as "internal_error".
func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		return "internal_error"
	}
	return kind.String()
}

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID int64,
	refreshID int64,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		RefreshID: refreshID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Error:     auditErrorCode(err),
		Metadata:  metadata,
	}

	e.audit.Emit(ctx, event)
}

// flowAudit adapts emitAudit to the signature flows expect.
func (e *Engine) flowAudit(ctx context.Context, eventType string, success bool, userID int64, err error, metadata func() map[string]string) {
	e.emitAudit(ctx, eventType, success, userID, 0, err, metadata)
}

func (e *Engine) now() time.Time {
	if e != nil && e.clock != nil {
		return e.clock()
	}
	return time.Now()
}
