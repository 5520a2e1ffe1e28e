// Пакет transfer — возобновляемые HTTP-передачи payload.
// Не более одной активной передачи на file_id, прогресс с коалесцингом,
// ровно один терминальный callback на передачу.
package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrTokenUnavailable — токен сессии недоступен (сессия невалидна).
var ErrTokenUnavailable = errors.New("токен сессии недоступен")

// TokenProvider — функция, возвращающая bearer-токен сессии.
// Обычно это session.Manager.Token. Пустой токен — запрос без авторизации.
type TokenProvider func(ctx context.Context) (string, error)

// Client — HTTP-клиент для скачивания payload с источника.
type Client struct {
	httpClient    *http.Client
	tokenProvider TokenProvider
	logger        *slog.Logger
}

// NewClient создаёт HTTP-клиент передач.
// caCertPath — путь к CA-сертификату источника (пустая строка — стандартный пул).
// timeout — общий таймаут запроса (DE_TRANSFER_TIMEOUT, 0 — без ограничения).
func NewClient(caCertPath string, timeout time.Duration, tokenProvider TokenProvider, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   4,
		ResponseHeaderTimeout: 60 * time.Second,
	}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата источника: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат источника добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		tokenProvider: tokenProvider,
		logger:        logger.With(slog.String("component", "transfer_client")),
	}, nil
}

// Fetch выполняет streaming GET запрос к источнику.
// Возвращает *http.Response — вызывающий код ОБЯЗАН закрыть resp.Body.
//
// offset > 0 — запрос продолжения: Range: bytes={offset}-,
// validator (ETag или Last-Modified) уходит в If-Range.
func (c *Client) Fetch(ctx context.Context, rawURL string, offset int64, validator string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	if c.tokenProvider != nil {
		token, tokenErr := c.tokenProvider(ctx)
		if tokenErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenUnavailable, tokenErr)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
		if validator != "" {
			req.Header.Set("If-Range", validator)
		}
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // URL из push-уведомления
	if err != nil {
		return nil, fmt.Errorf("запрос к %s: %w", hostOf(rawURL), err)
	}

	c.logger.Debug("Ответ источника",
		slog.String("host", hostOf(rawURL)),
		slog.Int("status", resp.StatusCode),
		slog.Int64("offset", offset),
	)
	return resp, nil
}

// validatorOf возвращает валидатор ответа для If-Range.
// Слабый ETag не годится для Range, тогда используется Last-Modified.
func validatorOf(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	return resp.Header.Get("Last-Modified")
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("файл %s не содержит PEM-сертификатов", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// hostOf возвращает host URL для логов (query может содержать подпись).
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "?"
	}
	return u.Host
}
