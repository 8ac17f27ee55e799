package rbacauth_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/braybrandon/rbacauth"
	"github.com/braybrandon/rbacauth/permission"
	"github.com/braybrandon/rbacauth/store/memstore"
)

func Example() {
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := rbacauth.DefaultConfig()
	cfg.JWT.PrivateKey = []byte("example-signing-key-0123456789ab")
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	users := memstore.NewUsers()
	grants := memstore.NewGrants()
	engine, err := rbacauth.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithGrantStore(grants).
		WithLogger(zerolog.Nop()).
		Build()
	if err != nil {
		panic(err)
	}
	defer engine.Close()

	hash, _ := engine.HashPassword("correct-horse-battery")
	userID, _ := users.Create(ctx, rbacauth.User{Email: "ada@example.com", PasswordHash: hash})

	grants.DefinePermission(permission.Permission{ID: 1, FeatureID: 1, FeatureKey: "reports", Value: permission.Read})
	p, _ := grants.Grant(ctx, 10, 1)
	grants.AssignRole(ctx, userID, 10)
	_ = engine.OnGrant(ctx, 10, p)

	login, err := engine.Authenticate(ctx, "ada@example.com", "correct-horse-battery")
	if err != nil {
		panic(err)
	}
	principal, err := engine.VerifyAccessToken(ctx, login.AccessToken)
	if err != nil {
		panic(err)
	}
	fmt.Println("user:", principal.UserID)
	fmt.Println("read allowed:", engine.Authorize(ctx, principal.UserID, "reports", permission.Read) == nil)

	err = engine.Authorize(ctx, principal.UserID, "reports", permission.Delete)
	fmt.Println("delete forbidden:", errors.Is(err, rbacauth.ErrForbidden))

	// Output:
	// user: 1
	// read allowed: true
	// delete forbidden: true
}
