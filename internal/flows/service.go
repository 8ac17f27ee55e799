package flows

import (
	"context"

	"github.com/braybrandon/rbacauth/permission"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Validate.ParseAccess != nil
}

func (s Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	return RunLogin(ctx, email, password, s.deps.Login)
}

func (s Service) Refresh(ctx context.Context, presented string) RefreshResult {
	return RunRefresh(ctx, presented, s.deps.Refresh)
}

func (s Service) Validate(ctx context.Context, tokenStr string) ValidateResult {
	return RunValidate(ctx, tokenStr, s.deps.Validate)
}

func (s Service) Logout(ctx context.Context, presented string) LogoutResult {
	return RunLogout(ctx, presented, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, userID int64) (int, error) {
	return RunLogoutAll(ctx, userID, s.deps.Logout)
}

func (s Service) Authorize(ctx context.Context, userID int64, featureKey string, required permission.Mask) AuthorizeResult {
	return RunAuthorize(ctx, userID, featureKey, required, s.deps.Authorize)
}

func (s Service) SetPassword(ctx context.Context, req PasswordRequest) (*PasswordResult, error) {
	return RunSetPassword(ctx, req, s.deps.Password)
}
