package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	// hubBuffer — очередь сообщений одного подписчика
	hubBuffer = 32
	// hubWriteTimeout — таймаут записи одного сообщения
	hubWriteTimeout = 5 * time.Second
)

// Hub — WebSocket-поверхность. Хранит по одной активной записи на fileId
// и рассылает обновления всем подписчикам. Новый подписчик сначала
// получает снимок активных записей. Терминальное обновление закрывает запись.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	entries map[string]Update
	closed  bool
}

type subscriber struct {
	msgs    chan []byte
	conn    *websocket.Conn
	dropped bool
}

// NewHub создаёт Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger.With(slog.String("component", "live_hub")),
		subs:    make(map[*subscriber]struct{}),
		entries: make(map[string]Update),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Send сохраняет запись и рассылает обновление подписчикам.
// Медленный подписчик с переполненной очередью отключается.
func (h *Hub) Send(_ context.Context, u Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("сериализация обновления: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	if u.Terminal() {
		delete(h.entries, u.FileID)
	} else {
		h.entries[u.FileID] = u
	}
	for s := range h.subs {
		select {
		case s.msgs <- data:
		default:
			if !s.dropped {
				s.dropped = true
				h.logger.Warn("Медленный подписчик отключён")
				go s.conn.Close(websocket.StatusPolicyViolation, "подписчик не успевает читать")
			}
		}
	}
	return nil
}

// Entries возвращает активные записи, отсортированные по fileId.
func (h *Hub) Entries() []Update {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Update, 0, len(h.entries))
	for _, u := range h.entries {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out
}

// Forget удаляет запись файла без уведомления подписчиков.
func (h *Hub) Forget(fileID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, fileID)
}

// Purge удаляет все записи без уведомления подписчиков.
func (h *Hub) Purge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.entries)
}

// Subscribers возвращает количество подключённых подписчиков.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP принимает WebSocket-подключение и держит его до отключения клиента.
// Входящие сообщения клиента игнорируются.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("Ошибка WebSocket handshake", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())

	s := &subscriber{msgs: make(chan []byte, hubBuffer), conn: conn}
	snapshot, ok := h.subscribe(s)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "сервер останавливается")
		return
	}
	defer h.unsubscribe(s)

	for _, msg := range snapshot {
		if err := writeTimeout(ctx, conn, msg); err != nil {
			return
		}
	}
	for {
		select {
		case msg := <-s.msgs:
			if err := writeTimeout(ctx, conn, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close отключает всех подписчиков.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subs {
		go s.conn.Close(websocket.StatusGoingAway, "сервер останавливается")
	}
}

// subscribe регистрирует подписчика и возвращает снимок активных записей.
// Снимок и регистрация атомарны: следующие Send попадут в очередь подписчика.
func (h *Hub) subscribe(s *subscriber) ([][]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.subs[s] = struct{}{}
	hubSubscribers.Inc()

	snapshot := make([][]byte, 0, len(h.entries))
	for _, u := range h.entries {
		if data, err := json.Marshal(u); err == nil {
			snapshot = append(snapshot, data)
		}
	}
	return snapshot, true
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		hubSubscribers.Dec()
	}
}

func writeTimeout(ctx context.Context, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, msg)
}
