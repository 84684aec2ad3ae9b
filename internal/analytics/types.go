package analytics

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки ядра. Сравнивать через errors.Is.
var (
	ErrOutOfOrderSample     = errors.New("out of order sample")
	ErrDimensionMismatch    = errors.New("dimension mismatch")
	ErrInvalidSample        = errors.New("invalid sample")
	ErrNotFound             = errors.New("metric not found")
	ErrBadSnapshot          = errors.New("bad snapshot")
	ErrIncompatibleSnapshot = errors.New("incompatible snapshot")

	errRetired = errors.New("series retired")
)

// Sample одно измерение метрики: момент времени и вектор значений размерности D
type Sample struct {
	Timestamp int64     `json:"t"`
	Values    []float64 `json:"v"`
}

// State состояние метрики в реестре
type State string

const (
	StateUnseen   State = "unseen"
	StateActive   State = "active"
	StateStable   State = "stable"
	StateUnscored State = "unscored"
)

// Config параметры движка аналитики
type Config struct {
	// Capacity размер кольцевого буфера на метрику (C)
	Capacity int `json:"capacity"`
	// Window размер окна для подгонки модели (W <= C)
	Window int `json:"window"`
	// MinFitSamples минимальное число точек для валидной модели
	MinFitSamples int `json:"min_fit_samples"`
	// RefitInterval число сэмплов между плановыми переобучениями
	RefitInterval int `json:"refit_interval"`
	// DriftThreshold во сколько раз средний квадрат остатков после подгонки
	// может превысить residual_variance модели до внепланового переобучения
	DriftThreshold float64 `json:"drift_threshold"`
	// AlertThreshold порог score для алерта
	AlertThreshold float64 `json:"alert_threshold"`
	// PrincipalComponents число главных осей для D>1, 0 = автоматически
	PrincipalComponents int `json:"principal_components_k"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Capacity:            120,
		Window:              60,
		MinFitSamples:       10,
		RefitInterval:       10,
		DriftThreshold:      4.0,
		AlertThreshold:      3.0,
		PrincipalComponents: 0,
	}
}

// Validate проверяет согласованность параметров
func (c Config) Validate() error {
	var problems []string

	if c.Capacity < 1 {
		problems = append(problems, "capacity must be >= 1")
	}
	if c.Window < 1 || c.Window > c.Capacity {
		problems = append(problems, "window must be in [1, capacity]")
	}
	if c.MinFitSamples < 2 {
		problems = append(problems, "min_fit_samples must be >= 2")
	}
	if c.MinFitSamples > c.Window {
		problems = append(problems, "min_fit_samples must be <= window")
	}
	if c.RefitInterval < 1 {
		problems = append(problems, "refit_interval must be >= 1")
	}
	if c.DriftThreshold <= 0 {
		problems = append(problems, "drift_threshold must be > 0")
	}
	if c.AlertThreshold <= 0 {
		problems = append(problems, "alert_threshold must be > 0")
	}
	if c.PrincipalComponents < 0 {
		problems = append(problems, "principal_components_k must be >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid analytics config: %s", strings.Join(problems, "; "))
	}
	return nil
}
