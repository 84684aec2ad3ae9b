package analytics

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// MetricData данные для анализа
type MetricData struct {
	MetricID  string
	Timestamp int64
	Values    []float64
}

// AnalysisResult результат анализа одного сэмпла
type AnalysisResult struct {
	MetricID  string
	Timestamp int64
	Values    []float64
	State     State
	Anomaly   AnomalyResult
	Refitted  bool
	Forecast  *Forecast
	Err       error
}

// Analyzer очередь приема поверх реестра.
//
// Очередь разбита на шарды по xxhash(metric_id): сэмплы одной метрики
// всегда обрабатывает один и тот же воркер, порядок сохраняется.
type Analyzer struct {
	registry    *Registry
	shards      []chan MetricData
	resultsChan chan AnalysisResult
	stopChan    chan struct{}
	wg          sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	processed atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
}

// NewAnalyzer создает анализатор с workers шардами очереди
func NewAnalyzer(registry *Registry, workers, queueSize int) *Analyzer {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	perShard := max(queueSize/workers, 1)

	shards := make([]chan MetricData, workers)
	for i := range shards {
		shards[i] = make(chan MetricData, perShard)
	}

	return &Analyzer{
		registry:    registry,
		shards:      shards,
		resultsChan: make(chan AnalysisResult, queueSize),
		stopChan:    make(chan struct{}),
	}
}

// Start запускает по одной goroutine на шард
func (a *Analyzer) Start() {
	for _, shard := range a.shards {
		a.wg.Add(1)
		go a.processMetrics(shard)
	}
}

// Stop останавливает воркеры и закрывает канал результатов
func (a *Analyzer) Stop() {
	close(a.stopChan)
	a.wg.Wait()

	a.mu.Lock()
	a.stopped = true
	close(a.resultsChan)
	a.mu.Unlock()
}

// AddMetric ставит сэмпл в очередь. Если очередь шарда полна, сэмпл
// отбрасывается и возвращается false.
func (a *Analyzer) AddMetric(data MetricData) bool {
	shard := a.shards[xxhash.Sum64String(data.MetricID)%uint64(len(a.shards))]
	select {
	case shard <- data:
		return true
	default:
		a.dropped.Add(1)
		return false
	}
}

// Process синхронно принимает сэмпл и публикует результат
func (a *Analyzer) Process(data MetricData) (AnalysisResult, error) {
	result := a.analyze(data)
	a.publish(result)
	return result, result.Err
}

// GetResultsChan возвращает канал с результатами
func (a *Analyzer) GetResultsChan() <-chan AnalysisResult {
	return a.resultsChan
}

// processMetrics обрабатывает сэмплы одного шарда. После Stop дочитывает
// уже принятые сэмплы, чтобы они попали в финальный снимок.
func (a *Analyzer) processMetrics(shard <-chan MetricData) {
	defer a.wg.Done()

	for {
		select {
		case <-a.stopChan:
			a.drain(shard)
			return
		case data := <-shard:
			a.publish(a.analyze(data))
		}
	}
}

func (a *Analyzer) drain(shard <-chan MetricData) {
	for {
		select {
		case data := <-shard:
			a.publish(a.analyze(data))
		default:
			return
		}
	}
}

func (a *Analyzer) analyze(data MetricData) AnalysisResult {
	res, err := a.registry.Ingest(data.MetricID, data.Timestamp, data.Values)
	if err != nil {
		a.rejected.Add(1)
		return AnalysisResult{MetricID: data.MetricID, Timestamp: data.Timestamp, Err: err}
	}
	a.processed.Add(1)
	return AnalysisResult{
		MetricID:  data.MetricID,
		Timestamp: data.Timestamp,
		Values:    data.Values,
		State:     res.State,
		Anomaly:   res.Anomaly,
		Refitted:  res.Refitted,
		Forecast:  res.Forecast,
	}
}

func (a *Analyzer) publish(result AnalysisResult) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return
	}
	select {
	case a.resultsChan <- result:
	default:
		// Канал результатов полон
	}
}

// QueueSize суммарная длина очередей
func (a *Analyzer) QueueSize() int {
	total := 0
	for _, shard := range a.shards {
		total += len(shard)
	}
	return total
}

// GetStats возвращает статистику анализатора
func (a *Analyzer) GetStats() map[string]interface{} {
	rs := a.registry.Stats()
	cfg := a.registry.Config()

	return map[string]interface{}{
		"metrics_tracked":  rs.Metrics,
		"metrics_by_state": rs.ByState,
		"samples_buffered": rs.Samples,
		"refits":           rs.Refits,
		"workers":          len(a.shards),
		"queue_size":       a.QueueSize(),
		"processed":        a.processed.Load(),
		"rejected":         a.rejected.Load(),
		"dropped":          a.dropped.Load(),
		"capacity":         cfg.Capacity,
		"window":           cfg.Window,
		"threshold":        cfg.AlertThreshold,
	}
}
