package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	require.NoError(t, err)
	return s
}

func newAuthRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chain := append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.GetString(CtxUserIDKey),
			"role":    c.GetString(CtxRoleKey),
		})
	})
	r.GET("/me", chain...)
	return r
}

func doGet(r *gin.Engine, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAuth_SetsUserAndRole(t *testing.T) {
	r := newAuthRouter(RequireAuth(testSecret))

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "u1",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	w := doGet(r, "Bearer "+token)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user_id":"u1","role":"admin"}`, w.Body.String())
}

func TestRequireAuth_Rejects(t *testing.T) {
	r := newAuthRouter(RequireAuth(testSecret))

	expired := signToken(t, testSecret, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	wrongKey := signToken(t, []byte("other-secret"), jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	noSub := signToken(t, testSecret, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name          string
		authorization string
	}{
		{"ヘッダなし", ""},
		{"Bearer でない", "Basic abc"},
		{"トークン空", "Bearer "},
		{"壊れたトークン", "Bearer not-a-jwt"},
		{"期限切れ", "Bearer " + expired},
		{"別の鍵で署名", "Bearer " + wrongKey},
		{"sub なし", "Bearer " + noSub},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doGet(r, tt.authorization)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

// alg を none にした改竄トークンは拒否される
func TestRequireAuth_RejectsNoneAlgorithm(t *testing.T) {
	r := newAuthRouter(RequireAuth(testSecret))

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	w := doGet(r, "Bearer "+s)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireRole(t *testing.T) {
	r := newAuthRouter(RequireAuth(testSecret), RequireRole("admin"))

	admin := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "u1",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	user := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "u2",
		"role": "user",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	assert.Equal(t, http.StatusOK, doGet(r, "Bearer "+admin).Code)
	assert.Equal(t, http.StatusForbidden, doGet(r, "Bearer "+user).Code)
}
