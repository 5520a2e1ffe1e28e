// Пакет session — состояние сессии пользователя для передач.
// Хранит bearer-токен, проверяет JWT (exp, подпись через JWKS) и
// уведомляет подписчиков о смене валидности: невалидная сессия
// приостанавливает передачи, валидная возобновляет.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrSessionInvalid — сессия невалидна, токен выдавать нельзя.
	ErrSessionInvalid = errors.New("сессия невалидна")
	// ErrInvalidToken — токен отклонён (формат, подпись или срок).
	ErrInvalidToken = errors.New("невалидный токен сессии")
)

// Config — параметры проверки токена.
type Config struct {
	// JWKSURL — URL JWKS для проверки подписи (пусто — только claims)
	JWKSURL string
	// CACertPath — CA-сертификат JWKS endpoint (опционально)
	CACertPath string
	// Leeway — запас до exp: сессия считается истёкшей за Leeway до exp
	Leeway time.Duration
	// RefreshInterval — интервал обновления ключей JWKS
	RefreshInterval time.Duration
	// ClientTimeout — таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
}

// Manager — текущий токен и валидность сессии.
type Manager struct {
	kf     keyfunc.Keyfunc
	leeway time.Duration
	logger *slog.Logger
	now    func() time.Time

	// changeMu упорядочивает смену состояния и уведомления подписчиков
	changeMu sync.Mutex

	mu          sync.Mutex
	token       string
	valid       bool
	expiresAt   time.Time
	timer       *time.Timer
	gen         uint64
	subscribers []func(valid bool)
}

// New создаёт Manager. При заданном JWKSURL подпись токена проверяется
// по ключам JWKS, иначе проверяются только claims.
// Начальное состояние: валидна, без токена.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.JWKSURL == "" {
		return NewWithKeyfunc(nil, cfg.Leeway, logger), nil
	}

	httpClient, err := buildHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	// NoErrorReturnFirstHTTPReq позволяет стартовать, пока JWKS endpoint недоступен
	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}
	return NewWithKeyfunc(k, cfg.Leeway, logger), nil
}

// NewWithKeyfunc создаёт Manager с предоставленной keyfunc.
// kf == nil — подпись не проверяется. Используется в тестах.
func NewWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		kf:     kf,
		leeway: leeway,
		logger: logger.With(slog.String("component", "session")),
		now:    time.Now,
		valid:  true,
	}
}

// Keyfunc возвращает keyfunc JWKS (nil, если JWKS не настроен).
func (m *Manager) Keyfunc() keyfunc.Keyfunc {
	return m.kf
}

// OnChange подписывает fn на смену валидности.
// fn вызывается синхронно и не должен менять состояние Manager.
func (m *Manager) OnChange(fn func(valid bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// SetToken проверяет и устанавливает новый токен.
// Отклонённый токен не меняет текущее состояние.
func (m *Manager) SetToken(ctx context.Context, token string) error {
	exp, err := m.verify(ctx, token)
	if err != nil {
		m.logger.Warn("Токен сессии отклонён", slog.String("error", err.Error()))
		return err
	}

	m.changeMu.Lock()
	defer m.changeMu.Unlock()

	m.mu.Lock()
	m.token = token
	m.expiresAt = exp
	m.gen++
	gen := m.gen
	m.stopTimerLocked()
	m.timer = time.AfterFunc(exp.Sub(m.now()), func() { m.expire(gen) })
	changed := !m.valid
	m.valid = true
	subs := m.subscribersLocked()
	m.mu.Unlock()

	m.logger.Info("Токен сессии установлен", slog.Time("expires_at", exp))
	if changed {
		notify(subs, true)
	}
	return nil
}

// SetValid устанавливает валидность сессии явным сигналом.
func (m *Manager) SetValid(valid bool) {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()

	m.mu.Lock()
	changed := m.valid != valid
	m.valid = valid
	if !valid {
		m.stopTimerLocked()
	}
	subs := m.subscribersLocked()
	m.mu.Unlock()

	if changed {
		m.logger.Info("Валидность сессии изменена", slog.Bool("valid", valid))
		notify(subs, valid)
	}
}

// Invalidate завершает сессию: токен удаляется, сессия невалидна.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.gen++
	m.mu.Unlock()

	m.SetValid(false)
}

// Token возвращает текущий токен. Используется как transfer.TokenProvider.
func (m *Manager) Token(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid {
		return "", ErrSessionInvalid
	}
	return m.token, nil
}

// Valid возвращает текущую валидность сессии.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// ExpiresAt возвращает момент истечения сессии (нулевое время — без токена).
func (m *Manager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt
}

// Close останавливает таймер истечения.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

// verify проверяет токен и возвращает момент истечения сессии (exp - leeway).
func (m *Manager) verify(ctx context.Context, token string) (time.Time, error) {
	if token == "" {
		return time.Time{}, fmt.Errorf("%w: пустой токен", ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	if m.kf != nil {
		parsed, err := jwt.ParseWithClaims(token, claims, m.kf.KeyfuncCtx(ctx),
			jwt.WithValidMethods([]string{"RS256", "ES256"}),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
		if !parsed.Valid {
			return time.Time{}, ErrInvalidToken
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: отсутствует exp", ErrInvalidToken)
	}
	exp := claims.ExpiresAt.Add(-m.leeway)
	if !m.now().Before(exp) {
		return time.Time{}, fmt.Errorf("%w: срок действия истёк", ErrInvalidToken)
	}
	return exp, nil
}

// expire срабатывает по таймеру. Устаревшие таймеры (gen) игнорируются.
func (m *Manager) expire(gen uint64) {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()

	m.mu.Lock()
	if gen != m.gen || !m.valid {
		m.mu.Unlock()
		return
	}
	m.valid = false
	m.timer = nil
	subs := m.subscribersLocked()
	m.mu.Unlock()

	m.logger.Warn("Сессия истекла")
	notify(subs, false)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) subscribersLocked() []func(bool) {
	return append(([]func(bool))(nil), m.subscribers...)
}

func notify(subs []func(bool), valid bool) {
	for _, fn := range subs {
		fn(valid)
	}
}

// buildHTTPClient создаёт HTTP-клиент JWKS с настроенным CA и таймаутом.
func buildHTTPClient(cfg Config) (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", cfg.CACertPath, err)
		}

		caCertPool, err := x509.SystemCertPool()
		if err != nil {
			caCertPool = x509.NewCertPool()
		}
		caCertPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caCertPool
	}

	return &http.Client{
		Timeout: cfg.ClientTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}, nil
}
