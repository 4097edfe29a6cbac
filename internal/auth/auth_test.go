package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/epiwatch/epiwatch/internal/store"
	"go.uber.org/zap"
)

func testService(t *testing.T) *Service {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.Migrate(context.Background(), "auth", Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tokens := NewTokenService([]byte("test-secret"), time.Minute, time.Hour)
	return NewService(NewUserStore(st.DB()), tokens, zap.NewNop())
}

func TestTokenService_RoundTrip(t *testing.T) {
	tokens := NewTokenService([]byte("secret"), time.Minute, time.Hour)
	user := &User{ID: "u1", Username: "admin", Role: RoleAdmin}

	signed, err := tokens.IssueAccessToken(user)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	claims, err := tokens.ValidateAccessToken(signed)
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != "u1" || claims.Username != "admin" || claims.Role != "admin" {
		t.Errorf("claims = %+v, want u1/admin/admin", claims)
	}
}

func TestTokenService_RejectsWrongSecret(t *testing.T) {
	issuer := NewTokenService([]byte("secret-a"), time.Minute, time.Hour)
	verifier := NewTokenService([]byte("secret-b"), time.Minute, time.Hour)

	signed, err := issuer.IssueAccessToken(&User{ID: "u1", Username: "admin"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := verifier.ValidateAccessToken(signed); err == nil {
		t.Fatal("token signed with different secret accepted")
	}
}

func TestTokenService_RejectsExpired(t *testing.T) {
	tokens := NewTokenService([]byte("secret"), -time.Minute, time.Hour)
	signed, err := tokens.IssueAccessToken(&User{ID: "u1", Username: "admin"})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := tokens.ValidateAccessToken(signed); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestSetupAndLogin(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	needs, err := svc.NeedsSetup(ctx)
	if err != nil || !needs {
		t.Fatalf("NeedsSetup = %v, %v; want true, nil", needs, err)
	}

	if _, err := svc.Setup(ctx, "admin", "ops@example.org", "correct-horse"); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	// Second setup must be rejected.
	if _, err := svc.Setup(ctx, "admin2", "", "correct-horse"); !errors.Is(err, ErrSetupComplete) {
		t.Errorf("second Setup error = %v, want ErrSetupComplete", err)
	}

	pair, err := svc.Login(ctx, "admin", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("token pair has empty fields")
	}

	if _, err := svc.Login(ctx, "admin", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("bad password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "ghost", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestRefresh_Rotation(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	if _, err := svc.Setup(ctx, "admin", "", "correct-horse"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	pair, err := svc.Login(ctx, "admin", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("refresh token not rotated")
	}

	// The old refresh token is revoked after rotation.
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("reused refresh token error = %v, want ErrInvalidToken", err)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	if _, err := svc.Setup(ctx, "admin", "", "correct-horse"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	pair, err := svc.Login(ctx, "admin", "correct-horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := svc.Logout(ctx, pair.RefreshToken); err != nil {
			t.Fatalf("Logout pass %d: %v", i, err)
		}
	}

	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("refresh after logout error = %v, want ErrInvalidToken", err)
	}
}
