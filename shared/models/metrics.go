package models

import "time"

// QueueSnapshot - моментальный снимок состояния очереди задач.
// Записи append-only, хранятся в кольцевом буфере фиксированной емкости.
type QueueSnapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	QueueLength       int       `json:"queueLength"`
	ActiveWorkers     int       `json:"activeWorkers"`
	AvailableCapacity int       `json:"availableCapacity"`
}

// RequestMetric - результат одной обработанной инвокации.
type RequestMetric struct {
	Timestamp   time.Time     `json:"timestamp"`
	Backend     BackendKind   `json:"backend"`
	Model       string        `json:"model"`
	Success     bool          `json:"success"`
	WaitTime    time.Duration `json:"waitTime"`      // время ожидания в очереди
	Execution   time.Duration `json:"executionTime"` // время выполнения пайплайна
	Attempts    int           `json:"attempts"`
	TotalTokens int           `json:"totalTokens"`
	ErrorClass  string        `json:"errorClass,omitempty"`
}

// BackendStats - разбивка агрегатов по одному бэкенду.
type BackendStats struct {
	TotalRequests      int     `json:"totalRequests"`
	SuccessfulRequests int     `json:"successfulRequests"`
	FailedRequests     int     `json:"failedRequests"`
	AvgExecutionMs     float64 `json:"avgExecutionMs"`
}

// AggregatedMetrics - агрегаты за скользящее окно.
// Пересчитываются по запросу, никогда не персистятся.
type AggregatedMetrics struct {
	TimeWindowMinutes  int                     `json:"timeWindow"`
	TotalRequests      int                     `json:"totalRequests"`
	SuccessfulRequests int                     `json:"successfulRequests"`
	FailedRequests     int                     `json:"failedRequests"`
	AvgQueueLength     float64                 `json:"avgQueueLength"`
	MaxQueueLength     int                     `json:"maxQueueLength"`
	AvgWaitMs          float64                 `json:"avgWaitMs"`
	MaxWaitMs          float64                 `json:"maxWaitMs"`
	AvgExecutionMs     float64                 `json:"avgExecutionMs"`
	RequestsPerMinute  float64                 `json:"requestsPerMinute"`
	ProviderBreakdown  map[string]BackendStats `json:"providerBreakdown"`
}
