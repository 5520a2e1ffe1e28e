package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// testKeyID — идентификатор ключа для тестов.
const testKeyID = "test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// generateTestKey генерирует RSA ключ для тестов.
func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// signToken подписывает claims ключом key с kid testKeyID.
func signToken(t *testing.T, key *rsa.PrivateKey, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "user-1"}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// buildJWKSetJSON строит JWKS JSON из RSA публичного ключа.
func buildJWKSetJSON(pub *rsa.PublicKey, kid string) json.RawMessage {
	jwks := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "RSA",
				"kid": kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			},
		},
	}
	data, _ := json.Marshal(jwks)
	return data
}

func newVerifyingManager(t *testing.T, key *rsa.PrivateKey, leeway time.Duration) *Manager {
	t.Helper()
	kf, err := keyfunc.NewJWKSetJSON(buildJWKSetJSON(&key.PublicKey, testKeyID))
	if err != nil {
		t.Fatalf("не удалось создать keyfunc из JWKS JSON: %v", err)
	}
	m := NewWithKeyfunc(kf, leeway, testLogger())
	t.Cleanup(m.Close)
	return m
}

// changeLog собирает уведомления подписчика.
type changeLog struct {
	mu  sync.Mutex
	got []bool
}

func (c *changeLog) record(valid bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, valid)
}

func (c *changeLog) all() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.got...)
}

func TestNew_InitialState(t *testing.T) {
	m, err := New(Config{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if !m.Valid() {
		t.Error("новая сессия должна быть валидной")
	}
	tok, err := m.Token(context.Background())
	if err != nil || tok != "" {
		t.Errorf("Token() = %q, %v; ожидался пустой токен без ошибки", tok, err)
	}
}

func TestSetToken_Signed(t *testing.T) {
	key := generateTestKey(t)
	m := newVerifyingManager(t, key, 0)

	tok := signToken(t, key, time.Now().Add(time.Hour))
	if err := m.SetToken(context.Background(), tok); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	got, err := m.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != tok {
		t.Error("Token() вернул не установленный токен")
	}
	if m.ExpiresAt().IsZero() {
		t.Error("ExpiresAt не установлен")
	}
}

func TestSetToken_Rejected(t *testing.T) {
	key := generateTestKey(t)
	other := generateTestKey(t)

	tests := []struct {
		name  string
		token func() string
	}{
		{"пустой", func() string { return "" }},
		{"мусор", func() string { return "not.a.jwt" }},
		{"чужой ключ", func() string { return signToken(t, other, time.Now().Add(time.Hour)) }},
		{"истёкший", func() string { return signToken(t, key, time.Now().Add(-time.Minute)) }},
		{"без exp", func() string { return signToken(t, key, time.Time{}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newVerifyingManager(t, key, 0)
			err := m.SetToken(context.Background(), tt.token())
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("хотели ErrInvalidToken, получили %v", err)
			}
			if !m.Valid() {
				t.Error("отклонённый токен не должен менять валидность")
			}
			if tok, _ := m.Token(context.Background()); tok != "" {
				t.Errorf("отклонённый токен не должен устанавливаться, получено %q", tok)
			}
		})
	}
}

// TestSetToken_Leeway проверяет, что токен, истекающий в пределах запаса, отклоняется.
func TestSetToken_Leeway(t *testing.T) {
	key := generateTestKey(t)
	m := newVerifyingManager(t, key, 10*time.Minute)

	tok := signToken(t, key, time.Now().Add(5*time.Minute))
	if err := m.SetToken(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("хотели ErrInvalidToken, получили %v", err)
	}

	tok = signToken(t, key, time.Now().Add(time.Hour))
	if err := m.SetToken(context.Background(), tok); err != nil {
		t.Fatalf("SetToken: %v", err)
	}
	exp := m.ExpiresAt()
	if d := time.Until(exp); d > 51*time.Minute || d < 49*time.Minute {
		t.Errorf("ExpiresAt через %v, ожидалось около 50m", d)
	}
}

// TestSetToken_Unverified проверяет режим без JWKS: подпись не проверяется, exp обязателен.
func TestSetToken_Unverified(t *testing.T) {
	m := NewWithKeyfunc(nil, 0, testLogger())
	defer m.Close()

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tok, err := hs.SignedString([]byte("любой секрет"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetToken(context.Background(), tok); err != nil {
		t.Errorf("SetToken: %v", err)
	}

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{}).SignedString([]byte("s"))
	if err := m.SetToken(context.Background(), noExp); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("токен без exp: хотели ErrInvalidToken, получили %v", err)
	}
}

func TestSetValid_Notifications(t *testing.T) {
	m := NewWithKeyfunc(nil, 0, testLogger())
	defer m.Close()

	var log changeLog
	m.OnChange(log.record)

	m.SetValid(true) // без изменений
	m.SetValid(false)
	m.SetValid(false) // повтор
	if _, err := m.Token(context.Background()); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("хотели ErrSessionInvalid, получили %v", err)
	}
	m.SetValid(true)

	got := log.all()
	want := []bool{false, true}
	if len(got) != len(want) {
		t.Fatalf("уведомления = %v, ожидалось %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("уведомления = %v, ожидалось %v", got, want)
		}
	}
}

func TestInvalidate_ThenSetToken(t *testing.T) {
	key := generateTestKey(t)
	m := newVerifyingManager(t, key, 0)

	var log changeLog
	m.OnChange(log.record)

	if err := m.SetToken(context.Background(), signToken(t, key, time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	m.Invalidate()
	if m.Valid() {
		t.Error("после Invalidate сессия должна быть невалидной")
	}
	if !m.ExpiresAt().IsZero() {
		t.Error("после Invalidate ExpiresAt должен быть сброшен")
	}

	tok := signToken(t, key, time.Now().Add(2*time.Hour))
	if err := m.SetToken(context.Background(), tok); err != nil {
		t.Fatal(err)
	}
	if got, err := m.Token(context.Background()); err != nil || got != tok {
		t.Errorf("Token() после повторного входа: err=%v", err)
	}

	got := log.all()
	if len(got) != 2 || got[0] || !got[1] {
		t.Errorf("уведомления = %v, ожидалось [false true]", got)
	}
}

// TestExpiry проверяет, что таймер переводит сессию в невалидную по истечении.
func TestExpiry(t *testing.T) {
	key := generateTestKey(t)
	m := newVerifyingManager(t, key, 0)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	m.now = func() time.Time { return exp.Add(-100 * time.Millisecond) }

	changed := make(chan bool, 1)
	m.OnChange(func(valid bool) { changed <- valid })

	if err := m.SetToken(context.Background(), signToken(t, key, exp)); err != nil {
		t.Fatal(err)
	}

	select {
	case valid := <-changed:
		if valid {
			t.Error("ожидалось уведомление о невалидности")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("сессия не истекла по таймеру")
	}
	if _, err := m.Token(context.Background()); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("хотели ErrSessionInvalid, получили %v", err)
	}
}

// TestExpiry_Replaced проверяет, что таймер заменённого токена не срабатывает.
func TestExpiry_Replaced(t *testing.T) {
	key := generateTestKey(t)
	m := newVerifyingManager(t, key, 0)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	m.now = func() time.Time { return exp.Add(-50 * time.Millisecond) }
	if err := m.SetToken(context.Background(), signToken(t, key, exp)); err != nil {
		t.Fatal(err)
	}
	m.now = time.Now
	if err := m.SetToken(context.Background(), signToken(t, key, time.Now().Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if !m.Valid() {
		t.Error("таймер заменённого токена не должен инвалидировать сессию")
	}
}
