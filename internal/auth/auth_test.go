package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type mockUsers struct {
	UserExistsFunc func(ctx context.Context, id uuid.UUID) (bool, error)
}

func (m *mockUsers) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return m.UserExistsFunc(ctx, id)
}

func TestJWTManager(t *testing.T) {
	m := NewJWTManager("test-secret", time.Hour)
	userID := uuid.New()

	t.Run("RoundTrip", func(t *testing.T) {
		token, err := m.GenerateToken(userID, "dewi@example.com", "auditor")
		if err != nil {
			t.Fatalf("GenerateToken failed: %v", err)
		}
		claims, err := m.ValidateToken(token)
		if err != nil {
			t.Fatalf("ValidateToken failed: %v", err)
		}
		if claims.UserID != userID || claims.Email != "dewi@example.com" || claims.Role != "auditor" {
			t.Errorf("unexpected claims %+v", claims)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		past := NewJWTManager("test-secret", time.Minute)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, err := past.GenerateToken(userID, "a@example.com", "auditor")
		if err != nil {
			t.Fatalf("GenerateToken failed: %v", err)
		}
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrExpiredToken) {
			t.Errorf("expected ErrExpiredToken, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other := NewJWTManager("another-secret", time.Hour)
		token, _ := other.GenerateToken(userID, "a@example.com", "auditor")
		if _, err := m.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		if _, err := m.ValidateToken("not-a-token"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestPassword(t *testing.T) {
	hash, err := hashWithCost("Auditor2024", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if !CheckPassword("Auditor2024", hash) {
		t.Error("expected password to match")
	}
	if CheckPassword("auditor2024", hash) {
		t.Error("expected different password to fail")
	}

	tests := []struct {
		password string
		want     bool
	}{
		{"short1", false},
		{"onlyletters", false},
		{"12345678", false},
		{"verifikasi1", true},
		{"Klaim2024", true},
	}
	for _, tt := range tests {
		if got := ValidatePasswordStrength(tt.password); got != tt.want {
			t.Errorf("ValidatePasswordStrength(%q) = %v, want %v", tt.password, got, tt.want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewJWTManager("test-secret", time.Hour)
	userID := uuid.New()
	auditorToken, _ := m.GenerateToken(userID, "dewi@example.com", "auditor")
	adminToken, _ := m.GenerateToken(userID, "root@example.com", "admin")

	newRouter := func(users UserLookup) *gin.Engine {
		r := gin.New()
		r.GET("/claims", AuthMiddleware(m, users), func(c *gin.Context) {
			id, _ := GetUserIDFromContext(c)
			c.JSON(http.StatusOK, gin.H{"user_id": id.String()})
		})
		r.POST("/refresh", AuthMiddleware(m, users), RoleMiddleware("admin"), func(c *gin.Context) {
			c.Status(http.StatusAccepted)
		})
		return r
	}

	do := func(r *gin.Engine, method, path, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if header != "" {
			req.Header.Set(AuthorizationHeader, header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("MissingHeader", func(t *testing.T) {
		w := do(newRouter(nil), http.MethodGet, "/claims", "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if body["message"] != "missing authorization header" {
			t.Errorf("unexpected message %q", body["message"])
		}
	})

	t.Run("BadFormat", func(t *testing.T) {
		w := do(newRouter(nil), http.MethodGet, "/claims", "Token "+auditorToken)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("ValidToken", func(t *testing.T) {
		w := do(newRouter(nil), http.MethodGet, "/claims", BearerPrefix+auditorToken)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var body map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body["user_id"] != userID.String() {
			t.Errorf("expected user id in context, got %v", body)
		}
	})

	t.Run("DeletedUser", func(t *testing.T) {
		users := &mockUsers{UserExistsFunc: func(ctx context.Context, id uuid.UUID) (bool, error) {
			return false, nil
		}}
		w := do(newRouter(users), http.MethodGet, "/claims", BearerPrefix+auditorToken)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", w.Code)
		}
	})

	t.Run("LookupError", func(t *testing.T) {
		users := &mockUsers{UserExistsFunc: func(ctx context.Context, id uuid.UUID) (bool, error) {
			return false, errors.New("db down")
		}}
		w := do(newRouter(users), http.MethodGet, "/claims", BearerPrefix+auditorToken)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
	})

	t.Run("RoleForbidden", func(t *testing.T) {
		w := do(newRouter(nil), http.MethodPost, "/refresh", BearerPrefix+auditorToken)
		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("RoleAllowed", func(t *testing.T) {
		w := do(newRouter(nil), http.MethodPost, "/refresh", BearerPrefix+adminToken)
		if w.Code != http.StatusAccepted {
			t.Errorf("expected 202, got %d", w.Code)
		}
	})
}
