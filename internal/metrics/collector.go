// Package metrics собирает ограниченную по времени и объему телеметрию
// пайплайна: снимки очереди и результаты запросов в кольцевых буферах плюс
// экспорт в Prometheus. Коллектор чисто наблюдательный - на поведение шлюза
// он не влияет никогда.
package metrics

import (
	"sync"
	"time"

	"decision-server/shared/models"
)

const (
	// Емкости кольцевых буферов по умолчанию
	defaultSnapshotCapacity = 1_000
	defaultRequestCapacity  = 10_000
)

// Options - емкости буферов коллектора.
type Options struct {
	SnapshotCapacity int
	RequestCapacity  int
}

// Collector хранит снимки очереди и результаты запросов в независимых
// кольцевых буферах фиксированной емкости с FIFO-вытеснением. Записи
// конкурентны (много инвокаций в полете плюс периодический продюсер
// снимков), поэтому буферы под мьютексом.
type Collector struct {
	mu        sync.Mutex
	snapshots *ring[models.QueueSnapshot]
	requests  *ring[models.RequestMetric]
}

// NewCollector создает коллектор. Нулевые емкости заменяются дефолтными.
func NewCollector(opts Options) *Collector {
	if opts.SnapshotCapacity <= 0 {
		opts.SnapshotCapacity = defaultSnapshotCapacity
	}
	if opts.RequestCapacity <= 0 {
		opts.RequestCapacity = defaultRequestCapacity
	}
	return &Collector{
		snapshots: newRing[models.QueueSnapshot](opts.SnapshotCapacity),
		requests:  newRing[models.RequestMetric](opts.RequestCapacity),
	}
}

// RecordSnapshot добавляет снимок состояния очереди.
func (c *Collector) RecordSnapshot(s models.QueueSnapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.snapshots.push(s)
	c.mu.Unlock()
}

// RecordRequest добавляет результат одного обработанного запроса.
func (c *Collector) RecordRequest(m models.RequestMetric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.requests.push(m)
	c.mu.Unlock()
}

// GetAggregated сканирует записи в скользящем окне и считает агрегаты.
// Пересчет каждый раз с нуля; ничего не персистится.
func (c *Collector) GetAggregated(windowMinutes int) models.AggregatedMetrics {
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	cutoff := time.Now().Add(-time.Duration(windowMinutes) * time.Minute)

	c.mu.Lock()
	snapshots := c.snapshots.items()
	requests := c.requests.items()
	c.mu.Unlock()

	agg := models.AggregatedMetrics{
		TimeWindowMinutes: windowMinutes,
		ProviderBreakdown: make(map[string]models.BackendStats),
	}

	var (
		sumQueueLen  int
		numSnapshots int
		sumWaitMs    float64
		sumExecMs    float64
		execByProv   = make(map[string]float64)
	)

	for _, s := range snapshots {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		numSnapshots++
		sumQueueLen += s.QueueLength
		if s.QueueLength > agg.MaxQueueLength {
			agg.MaxQueueLength = s.QueueLength
		}
	}

	for _, m := range requests {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		agg.TotalRequests++
		if m.Success {
			agg.SuccessfulRequests++
		} else {
			agg.FailedRequests++
		}

		waitMs := float64(m.WaitTime) / float64(time.Millisecond)
		execMs := float64(m.Execution) / float64(time.Millisecond)
		sumWaitMs += waitMs
		sumExecMs += execMs
		if waitMs > agg.MaxWaitMs {
			agg.MaxWaitMs = waitMs
		}

		prov := string(m.Backend)
		stats := agg.ProviderBreakdown[prov]
		stats.TotalRequests++
		if m.Success {
			stats.SuccessfulRequests++
		} else {
			stats.FailedRequests++
		}
		execByProv[prov] += execMs
		agg.ProviderBreakdown[prov] = stats
	}

	if numSnapshots > 0 {
		agg.AvgQueueLength = float64(sumQueueLen) / float64(numSnapshots)
	}
	if agg.TotalRequests > 0 {
		agg.AvgWaitMs = sumWaitMs / float64(agg.TotalRequests)
		agg.AvgExecutionMs = sumExecMs / float64(agg.TotalRequests)
		agg.RequestsPerMinute = float64(agg.TotalRequests) / float64(windowMinutes)
	}
	for prov, stats := range agg.ProviderBreakdown {
		if stats.TotalRequests > 0 {
			stats.AvgExecutionMs = execByProv[prov] / float64(stats.TotalRequests)
			agg.ProviderBreakdown[prov] = stats
		}
	}

	return agg
}

// --- Кольцевой буфер с FIFO-вытеснением ---

type ring[T any] struct {
	buf   []T
	next  int // позиция следующей записи
	count int // сколько элементов занято
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// items возвращает занятые элементы от старых к новым.
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.count)
	if r.count < len(r.buf) {
		out = append(out, r.buf[:r.count]...)
		return out
	}
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
