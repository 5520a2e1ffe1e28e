// Пакет sink — Live Progress Sink: доставка статуса и прогресса файлов
// на живые поверхности (лог, WebSocket, AMQP).
//
// Publish никогда не блокирует вызывающего: обновления складываются в
// слот fileId по правилу «последнее побеждает» и доставляются одной
// горутиной. Терминальные обновления (Downloaded, Failed) не вытесняются
// промежуточным прогрессом.
package sink

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/download-engine/internal/domain/model"
)

// Update — снимок состояния файла для живых поверхностей.
type Update struct {
	FileID       string           `json:"fileId"`
	Status       model.FileStatus `json:"status"`
	Percent      int              `json:"percent"`
	Title        string           `json:"title,omitempty"`
	AuthorName   string           `json:"authorName,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// Terminal возвращает true для обновлений, завершающих запись на поверхности.
func (u Update) Terminal() bool {
	return u.Status == model.StatusDownloaded || u.Status == model.StatusFailed
}

// Surface — поверхность отображения.
type Surface interface {
	Name() string
	Send(ctx context.Context, u Update) error
}

// Config — параметры Sink.
type Config struct {
	// CacheSize — количество fileId в кэше отображаемых полей
	CacheSize int
	// CacheTTL — время жизни записи кэша
	CacheTTL time.Duration
	// SendTimeout — таймаут доставки на одну поверхность
	SendTimeout time.Duration
}

// display — отображаемые поля файла.
type display struct {
	Title      string
	AuthorName string
}

// Sink — fire-and-forget рассыльщик обновлений.
type Sink struct {
	surfaces    []Surface
	cache       *expirable.LRU[string, display]
	sendTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string][]Update
	order   []string
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New создаёт Sink и запускает горутину доставки.
func New(cfg Config, logger *slog.Logger, surfaces ...Surface) *Sink {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	s := &Sink{
		surfaces:    surfaces,
		cache:       expirable.NewLRU[string, display](cfg.CacheSize, nil, cfg.CacheTTL),
		sendTimeout: cfg.SendTimeout,
		logger:      logger.With(slog.String("component", "sink")),
		pending:     make(map[string][]Update),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish ставит обновление в очередь доставки. Не блокирует.
func (s *Sink) Publish(u Update) {
	if u.FileID == "" {
		return
	}
	u = s.complete(u)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		droppedTotal.Inc()
		return
	}
	queue, seen := s.pending[u.FileID]
	if n := len(queue); n > 0 && !queue[n-1].Terminal() {
		// Промежуточное обновление заменяется более свежим
		queue[n-1] = u
		coalescedTotal.Inc()
	} else {
		queue = append(queue, u)
	}
	s.pending[u.FileID] = queue
	if !seen {
		s.order = append(s.order, u.FileID)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Remember сохраняет отображаемые поля без публикации.
// Пустые значения не затирают известные.
func (s *Sink) Remember(fileID, title, authorName string) {
	if fileID == "" || (title == "" && authorName == "") {
		return
	}
	d, _ := s.cache.Peek(fileID)
	if title != "" {
		d.Title = title
	}
	if authorName != "" {
		d.AuthorName = authorName
	}
	s.cache.Add(fileID, d)
}

// Forgetter — поверхность, хранящая состояние по fileId.
type Forgetter interface {
	Forget(fileID string)
}

// Purger — поверхность, которую можно очистить целиком.
type Purger interface {
	Purge()
}

// Forget удаляет файл из кэша, очереди доставки и состояния поверхностей
// (удаление записи).
func (s *Sink) Forget(fileID string) {
	s.cache.Remove(fileID)

	s.mu.Lock()
	if _, ok := s.pending[fileID]; ok {
		delete(s.pending, fileID)
		s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == fileID })
	}
	s.mu.Unlock()

	for _, surface := range s.surfaces {
		if f, ok := surface.(Forgetter); ok {
			f.Forget(fileID)
		}
	}
}

// Purge очищает кэш, очередь доставки и состояние поверхностей.
func (s *Sink) Purge() {
	s.cache.Purge()

	s.mu.Lock()
	clear(s.pending)
	s.order = nil
	s.mu.Unlock()

	for _, surface := range s.surfaces {
		if p, ok := surface.(Purger); ok {
			p.Purge()
		}
	}
}

// Close доставляет накопленные обновления и останавливает горутину.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

// complete дополняет обновление полями из кэша и пополняет кэш.
func (s *Sink) complete(u Update) Update {
	s.Remember(u.FileID, u.Title, u.AuthorName)
	if u.Title != "" && u.AuthorName != "" {
		return u
	}
	d, ok := s.cache.Get(u.FileID)
	if !ok {
		cacheMissesTotal.Inc()
		return u
	}
	cacheHitsTotal.Inc()
	if u.Title == "" {
		u.Title = d.Title
	}
	if u.AuthorName == "" {
		u.AuthorName = d.AuthorName
	}
	return u
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// drain забирает накопленные обновления и доставляет их в порядке поступления fileId.
func (s *Sink) drain() {
	for {
		s.mu.Lock()
		if len(s.order) == 0 {
			s.mu.Unlock()
			return
		}
		order := s.order
		pending := s.pending
		s.order = nil
		s.pending = make(map[string][]Update)
		s.mu.Unlock()

		for _, id := range order {
			for _, u := range pending[id] {
				s.deliver(u)
			}
		}
	}
}

// deliver отправляет обновление на все поверхности.
// Ошибка поверхности логируется и не влияет на остальные.
func (s *Sink) deliver(u Update) {
	for _, surface := range s.surfaces {
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		err := surface.Send(ctx, u)
		cancel()
		if err != nil {
			deliveriesTotal.WithLabelValues(surface.Name(), "error").Inc()
			s.logger.Warn("Ошибка доставки обновления",
				slog.String("surface", surface.Name()),
				slog.String("file_id", u.FileID),
				slog.String("error", err.Error()),
			)
			continue
		}
		deliveriesTotal.WithLabelValues(surface.Name(), "ok").Inc()
	}
}
