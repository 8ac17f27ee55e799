package flows

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/braybrandon/rbacauth/jwt"
	"github.com/braybrandon/rbacauth/permission"
	"github.com/braybrandon/rbacauth/refresh"
)

var errNoUser = errors.New("no user")

type fakeLedger struct {
	mu     sync.Mutex
	next   int64
	rows   map[int64]*refresh.Record
	getErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[int64]*refresh.Record{}}
}

func (l *fakeLedger) Create(_ context.Context, in refresh.Issue) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insert(in), nil
}

func (l *fakeLedger) insert(in refresh.Issue) int64 {
	l.next++
	l.rows[l.next] = &refresh.Record{
		ID:        l.next,
		UserID:    in.UserID,
		TokenHash: in.TokenHash,
		ExpiresAt: in.ExpiresAt,
		CreatedAt: in.CreatedAt,
	}
	return l.next
}

func (l *fakeLedger) Get(_ context.Context, id int64) (*refresh.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.getErr != nil {
		return nil, l.getErr
	}
	r, ok := l.rows[id]
	if !ok {
		return nil, refresh.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *fakeLedger) GetByHash(_ context.Context, h string) (*refresh.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.TokenHash == h {
			cp := *r
			return &cp, nil
		}
	}
	return nil, refresh.ErrNotFound
}

func (l *fakeLedger) Rotate(_ context.Context, id int64, next refresh.Issue) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok {
		return 0, refresh.ErrNotFound
	}
	if r.Revoked {
		return 0, refresh.ErrAlreadyRevoked
	}
	r.Revoked = true
	return l.insert(next), nil
}

func (l *fakeLedger) Revoke(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rows[id]
	if !ok {
		return refresh.ErrNotFound
	}
	r.Revoked = true
	return nil
}

func (l *fakeLedger) RevokeByHash(_ context.Context, h string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.TokenHash == h {
			r.Revoked = true
			return nil
		}
	}
	return refresh.ErrNotFound
}

func (l *fakeLedger) RevokeAllForUser(_ context.Context, uid int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.rows {
		if r.UserID == uid && !r.Revoked {
			r.Revoked = true
			n++
		}
	}
	return n, nil
}

func (l *fakeLedger) live(uid int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.rows {
		if r.UserID == uid && !r.Revoked {
			n++
		}
	}
	return n
}

type userTable struct {
	mu    sync.Mutex
	users map[int64]*Subject
}

func (u *userTable) byID(_ context.Context, id int64) (*Subject, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.users[id]
	if !ok {
		return nil, errNoUser
	}
	cp := *s
	return &cp, nil
}

func (u *userTable) byEmail(_ context.Context, email string) (*Subject, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, s := range u.users {
		if s.Email == email {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errNoUser
}

func fakeAccess(uid int64, tv uint32) (string, error) {
	return fmt.Sprintf("access:%d:%d", uid, tv), nil
}

func seedToken(t *testing.T, l *fakeLedger, uid int64, exp time.Time) string {
	t.Helper()
	secret, err := refresh.NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	id, _ := l.Create(context.Background(), refresh.Issue{UserID: uid, TokenHash: refresh.Hash(secret), ExpiresAt: exp})
	return refresh.Encode(id, secret)
}

func refreshDeps(l *fakeLedger, users *userTable, now time.Time) RefreshDeps {
	return RefreshDeps{
		Now:              func() time.Time { return now },
		RefreshTTL:       time.Hour,
		Ledger:           l,
		LoadUser:         users.byID,
		NewRefreshSecret: refresh.NewSecret,
		IssueAccessToken: fakeAccess,
		UserNotFound:     errNoUser,
	}
}

func TestRunRefreshRotatesLiveToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newFakeLedger()
	users := &userTable{users: map[int64]*Subject{7: {ID: 7, TokenVersion: 3}}}
	tok := seedToken(t, l, 7, now.Add(time.Hour))

	res := RunRefresh(context.Background(), tok, refreshDeps(l, users, now))
	if res.Failure != RefreshFailureNone {
		t.Fatalf("failure = %v err=%v", res.Failure, res.Err)
	}
	if res.Tokens.AccessToken != "access:7:3" {
		t.Fatalf("access token = %q", res.Tokens.AccessToken)
	}
	if !strings.Contains(res.Tokens.RefreshToken, ".") {
		t.Fatalf("rotated token not in id.secret form: %q", res.Tokens.RefreshToken)
	}
	if got := l.live(7); got != 1 {
		t.Fatalf("live rows = %d, want 1", got)
	}
}

func TestRunRefreshCheckOrder(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name  string
		setup func(*fakeLedger) string
		want  RefreshFailureKind
	}{
		{"missing", func(*fakeLedger) string { return "" }, RefreshFailureMissing},
		{"bad id", func(*fakeLedger) string { return "abc.def" }, RefreshFailureDecode},
		{"unknown row", func(*fakeLedger) string { return "999.secret" }, RefreshFailureNotFound},
		{"wrong secret", func(l *fakeLedger) string {
			tok := seedToken(t, l, 7, now.Add(time.Hour))
			return tok[:strings.IndexByte(tok, '.')] + ".wrong"
		}, RefreshFailureHashMismatch},
		{"expired", func(l *fakeLedger) string { return seedToken(t, l, 7, now.Add(-time.Second)) }, RefreshFailureExpired},
		{"owner gone", func(l *fakeLedger) string { return seedToken(t, l, 8, now.Add(time.Hour)) }, RefreshFailureUserNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newFakeLedger()
			users := &userTable{users: map[int64]*Subject{7: {ID: 7}}}
			res := RunRefresh(context.Background(), tc.setup(l), refreshDeps(l, users, now))
			if res.Failure != tc.want {
				t.Fatalf("failure = %v, want %v", res.Failure, tc.want)
			}
		})
	}
}

func TestRunRefreshExpiredButRevokedIsReuse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newFakeLedger()
	users := &userTable{users: map[int64]*Subject{7: {ID: 7}}}
	old := seedToken(t, l, 7, now.Add(-time.Minute))
	_ = seedToken(t, l, 7, now.Add(time.Hour))
	p, _ := refresh.Parse(old)
	_ = l.Revoke(context.Background(), p.ID)

	res := RunRefresh(context.Background(), old, refreshDeps(l, users, now))
	if res.Failure != RefreshFailureReuse {
		t.Fatalf("failure = %v, want reuse", res.Failure)
	}
	if res.Revoked != 1 || l.live(7) != 0 {
		t.Fatalf("revoked=%d live=%d", res.Revoked, l.live(7))
	}
}

func TestRunRefreshReplayAfterRotationIsReuse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newFakeLedger()
	users := &userTable{users: map[int64]*Subject{7: {ID: 7}}}
	tok := seedToken(t, l, 7, now.Add(time.Hour))
	deps := refreshDeps(l, users, now)

	first := RunRefresh(context.Background(), tok, deps)
	if first.Failure != RefreshFailureNone {
		t.Fatalf("first rotation failed: %v", first.Failure)
	}
	second := RunRefresh(context.Background(), tok, deps)
	if second.Failure != RefreshFailureReuse {
		t.Fatalf("replay failure = %v, want reuse", second.Failure)
	}
	if l.live(7) != 0 {
		t.Fatalf("reuse must revoke the rotated successor too")
	}
	third := RunRefresh(context.Background(), first.Tokens.RefreshToken, deps)
	if third.Failure != RefreshFailureReuse {
		t.Fatalf("successor after reuse = %v, want reuse", third.Failure)
	}
}

func TestRunRefreshLegacyToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newFakeLedger()
	users := &userTable{users: map[int64]*Subject{7: {ID: 7}}}
	secret, _ := refresh.NewSecret()
	_, _ = l.Create(context.Background(), refresh.Issue{UserID: 7, TokenHash: refresh.Hash(secret), ExpiresAt: now.Add(time.Hour)})
	deps := refreshDeps(l, users, now)

	res := RunRefresh(context.Background(), secret, deps)
	if res.Failure != RefreshFailureNone {
		t.Fatalf("legacy rotation failed: %v", res.Failure)
	}
	p, err := refresh.Parse(res.Tokens.RefreshToken)
	if err != nil || p.Legacy {
		t.Fatalf("rotated legacy token must use id.secret form, got %q", res.Tokens.RefreshToken)
	}
	if again := RunRefresh(context.Background(), secret, deps); again.Failure != RefreshFailureReuse {
		t.Fatalf("legacy replay = %v, want reuse", again.Failure)
	}
}

func TestRunRefreshConcurrentSingleWinner(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newFakeLedger()
	users := &userTable{users: map[int64]*Subject{7: {ID: 7}}}
	tok := seedToken(t, l, 7, now.Add(time.Hour))
	deps := refreshDeps(l, users, now)

	const n = 16
	results := make([]RefreshResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = RunRefresh(context.Background(), tok, deps)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		switch r.Failure {
		case RefreshFailureNone:
			wins++
		case RefreshFailureReuse:
		default:
			t.Fatalf("unexpected failure %v", r.Failure)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestRunRefreshBackendError(t *testing.T) {
	l := newFakeLedger()
	l.getErr = errors.New("down")
	users := &userTable{users: map[int64]*Subject{}}
	res := RunRefresh(context.Background(), "1.secret", refreshDeps(l, users, time.Now()))
	if res.Failure != RefreshFailureBackend {
		t.Fatalf("failure = %v, want backend", res.Failure)
	}
}

func TestRunLogoutIsBestEffort(t *testing.T) {
	l := newFakeLedger()
	now := time.Now()
	tok := seedToken(t, l, 7, now.Add(time.Hour))
	deps := LogoutDeps{Ledger: l}

	for _, in := range []string{"", "garbage.", "x.y", "999.secret", "bare-legacy-secret"} {
		if res := RunLogout(context.Background(), in, deps); res.Revoked || res.Err != nil {
			t.Fatalf("RunLogout(%q) = %+v", in, res)
		}
	}
	wrong := tok[:strings.IndexByte(tok, '.')] + ".nope"
	if res := RunLogout(context.Background(), wrong, deps); res.Revoked {
		t.Fatalf("mismatched secret must not revoke")
	}
	if res := RunLogout(context.Background(), tok, deps); !res.Revoked {
		t.Fatalf("expected revoke, got %+v", res)
	}
	if l.live(7) != 0 {
		t.Fatalf("token still live after logout")
	}
}

func withClaims(deps ValidateDeps, uid int64, tv uint32) ValidateDeps {
	deps.ParseAccess = func(string) (*jwt.AccessClaims, error) {
		return &jwt.AccessClaims{
			TV:               tv,
			RegisteredClaims: gojwt.RegisteredClaims{Subject: strconv.FormatInt(uid, 10)},
		}, nil
	}
	return deps
}

func TestRunValidateVersionMismatch(t *testing.T) {
	users := &userTable{users: map[int64]*Subject{7: {ID: 7, TokenVersion: 2}}}
	deps := ValidateDeps{
		LoadUser:     users.byID,
		UserNotFound: errNoUser,
	}
	ctx := context.Background()

	if res := RunValidate(ctx, "tok", withClaims(deps, 7, 1)); res.Failure != ValidateFailureVersionMismatch {
		t.Fatalf("failure = %v, want version mismatch", res.Failure)
	}
	if res := RunValidate(ctx, "tok", withClaims(deps, 7, 2)); res.Failure != ValidateFailureNone || res.UserID != 7 {
		t.Fatalf("valid token rejected: %+v", res)
	}
	if res := RunValidate(ctx, "tok", withClaims(deps, 9, 0)); res.Failure != ValidateFailureUserNotFound {
		t.Fatalf("failure = %v, want user not found", res.Failure)
	}

	deps.ParseAccess = func(string) (*jwt.AccessClaims, error) { return nil, errors.New("bad signature") }
	if res := RunValidate(ctx, "tok", deps); res.Failure != ValidateFailureUnauthorized {
		t.Fatalf("failure = %v, want unauthorized", res.Failure)
	}
}

func TestRunAuthorize(t *testing.T) {
	deps := AuthorizeDeps{
		RoleIDs: func(context.Context, int64) ([]int64, error) { return []int64{1, 2}, nil },
		Masks: func(context.Context, []int64) (map[string]permission.Mask, error) {
			return map[string]permission.Mask{"reports": permission.Read | permission.Update}, nil
		},
		LookupTimeout: time.Second,
	}
	ctx := context.Background()

	if r := RunAuthorize(ctx, 1, "reports", permission.Read, deps); !r.Allowed() {
		t.Fatalf("read should be allowed: %+v", r)
	}
	if r := RunAuthorize(ctx, 1, "reports", permission.Read|permission.Delete, deps); r.Failure != AuthorizeFailureDenied {
		t.Fatalf("read|delete = %v, want denied", r.Failure)
	}
	if r := RunAuthorize(ctx, 1, "other", permission.Read, deps); r.Allowed() {
		t.Fatalf("unknown feature allowed")
	}
	if r := RunAuthorize(ctx, 1, "reports", 0, deps); r.Allowed() {
		t.Fatalf("zero requirement allowed")
	}

	deps.Masks = func(context.Context, []int64) (map[string]permission.Mask, error) {
		return nil, errors.New("cache down")
	}
	if r := RunAuthorize(ctx, 1, "reports", permission.Read, deps); r.Failure != AuthorizeFailureLookup {
		t.Fatalf("lookup error = %v, want lookup failure", r.Failure)
	}
}

func TestRunAuthorizeTimeoutDenies(t *testing.T) {
	deps := AuthorizeDeps{
		RoleIDs: func(context.Context, int64) ([]int64, error) { return []int64{1}, nil },
		Masks: func(ctx context.Context, _ []int64) (map[string]permission.Mask, error) {
			<-ctx.Done()
			return map[string]permission.Mask{"reports": permission.All}, nil
		},
		LookupTimeout: 10 * time.Millisecond,
	}
	if r := RunAuthorize(context.Background(), 1, "reports", permission.Read, deps); r.Allowed() {
		t.Fatalf("timed out lookup must deny")
	}
}

var (
	errInvalid     = errors.New("invalid credentials")
	errAlreadySet  = errors.New("already set")
	errPolicy      = errors.New("policy")
	errNotReady    = errors.New("not ready")
	errRateLimited = errors.New("rate limited")
)

func passwordDeps(users *userTable, l *fakeLedger) PasswordDeps {
	return PasswordDeps{
		GetUserByID: users.byID,
		UpdatePasswordHash: func(_ context.Context, id int64, h string) error {
			users.mu.Lock()
			defer users.mu.Unlock()
			users.users[id].PasswordHash = h
			return nil
		},
		IncrementTokenVersion: func(_ context.Context, id int64) (uint32, error) {
			users.mu.Lock()
			defer users.mu.Unlock()
			users.users[id].TokenVersion++
			return users.users[id].TokenVersion, nil
		},
		VerifyPassword: func(pw, h string) (bool, error) { return "hash:"+pw == h, nil },
		VerifyDummy:    func(string) {},
		CheckPolicy: func(pw string) error {
			if len(pw) < 10 {
				return errors.New("too short")
			}
			return nil
		},
		HashPassword:     func(pw string) (string, error) { return "hash:" + pw, nil },
		RevokeAllForUser: l.RevokeAllForUser,
		Errors: PasswordErrors{
			EngineNotReady:     errNotReady,
			InvalidCredentials: errInvalid,
			PasswordPolicy:     errPolicy,
			PasswordAlreadySet: errAlreadySet,
			UserNotFound:       errNoUser,
		},
	}
}

func TestRunSetPasswordChangeRevokesEverything(t *testing.T) {
	l := newFakeLedger()
	_ = seedToken(t, l, 7, time.Now().Add(time.Hour))
	_ = seedToken(t, l, 7, time.Now().Add(time.Hour))
	users := &userTable{users: map[int64]*Subject{7: {ID: 7, PasswordHash: "hash:old-password"}}}
	deps := passwordDeps(users, l)

	_, err := RunSetPassword(context.Background(), PasswordRequest{Mode: PasswordChange, UserID: 7, Current: "wrong", Next: "new-password-1"}, deps)
	if !errors.Is(err, errInvalid) {
		t.Fatalf("wrong current: err = %v", err)
	}
	_, err = RunSetPassword(context.Background(), PasswordRequest{Mode: PasswordChange, UserID: 7, Current: "old-password", Next: "short"}, deps)
	if !errors.Is(err, errPolicy) {
		t.Fatalf("short password: err = %v", err)
	}

	res, err := RunSetPassword(context.Background(), PasswordRequest{Mode: PasswordChange, UserID: 7, Current: "old-password", Next: "new-password-1"}, deps)
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	if res.Revoked != 2 || res.TokenVersion != 1 {
		t.Fatalf("result = %+v", res)
	}
	if l.live(7) != 0 {
		t.Fatalf("refresh rows still live")
	}
}

func TestRunSetPasswordInitialOnlyOnce(t *testing.T) {
	l := newFakeLedger()
	users := &userTable{users: map[int64]*Subject{7: {ID: 7}}}
	deps := passwordDeps(users, l)

	if _, err := RunSetPassword(context.Background(), PasswordRequest{Mode: PasswordInitial, UserID: 7, Next: "first-password"}, deps); err != nil {
		t.Fatalf("initial: %v", err)
	}
	_, err := RunSetPassword(context.Background(), PasswordRequest{Mode: PasswordInitial, UserID: 7, Next: "second-password"}, deps)
	if !errors.Is(err, errAlreadySet) {
		t.Fatalf("second initial: err = %v", err)
	}
	if _, err := RunSetPassword(context.Background(), PasswordRequest{Mode: PasswordReset, UserID: 7, Next: "admin-reset-pw"}, deps); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func loginDeps(users *userTable, l *fakeLedger, dummyCalls *int) LoginDeps {
	return LoginDeps{
		RefreshTTL:       time.Hour,
		GetUserByEmail:   users.byEmail,
		VerifyPassword:   func(pw, h string) (bool, error) { return "hash:"+pw == h, nil },
		VerifyDummy:      func(string) { *dummyCalls++ },
		Ledger:           l,
		NewRefreshSecret: refresh.NewSecret,
		IssueAccessToken: fakeAccess,
		Errors: LoginErrors{
			EngineNotReady:     errNotReady,
			InvalidCredentials: errInvalid,
			LoginRateLimited:   errRateLimited,
			UserNotFound:       errNoUser,
		},
	}
}

func TestRunLoginConstantShapeFailures(t *testing.T) {
	l := newFakeLedger()
	users := &userTable{users: map[int64]*Subject{
		1: {ID: 1, Email: "a@example.com", PasswordHash: "hash:correct-horse"},
		2: {ID: 2, Email: "nohash@example.com"},
	}}
	dummy := 0
	deps := loginDeps(users, l, &dummy)
	ctx := context.Background()

	for _, tc := range []struct{ email, pw string }{
		{"missing@example.com", "whatever-pw"},
		{"nohash@example.com", "whatever-pw"},
		{"a@example.com", "wrong-password"},
		{"a@example.com", ""},
	} {
		if _, err := RunLogin(ctx, tc.email, tc.pw, deps); !errors.Is(err, errInvalid) {
			t.Fatalf("login(%s) err = %v, want invalid credentials", tc.email, err)
		}
	}
	if dummy != 2 {
		t.Fatalf("dummy verifications = %d, want 2", dummy)
	}

	res, err := RunLogin(ctx, "a@example.com", "correct-horse", deps)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.User.ID != 1 || res.Tokens.AccessToken != "access:1:0" || l.live(1) != 1 {
		t.Fatalf("unexpected login result %+v", res)
	}
}

func TestRunLoginRateLimited(t *testing.T) {
	l := newFakeLedger()
	users := &userTable{users: map[int64]*Subject{}}
	dummy := 0
	deps := loginDeps(users, l, &dummy)
	deps.CheckLoginRate = func(context.Context, string, string) error { return errors.New("too many") }

	if _, err := RunLogin(context.Background(), "a@example.com", "pw-pw-pw-pw", deps); !errors.Is(err, errRateLimited) {
		t.Fatalf("err = %v, want rate limited", err)
	}
}
