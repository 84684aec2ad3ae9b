package analytics

import "math"

const (
	// timeVarianceEps нижняя граница суммы квадратов отклонений времени.
	// Для различных целочисленных timestamp она не меньше 0.5.
	timeVarianceEps = 1e-9
	// zeroVarianceRel относительный порог "численно нулевой" дисперсии значений
	zeroVarianceRel = 1e-12
)

// RollingStats снимок скользящей статистики по окну
type RollingStats struct {
	Count        int         `json:"count"`
	Mean         []float64   `json:"mean,omitempty"`
	Variance     []float64   `json:"variance,omitempty"`
	Covariance   [][]float64 `json:"covariance,omitempty"`
	Trend        []float64   `json:"trend,omitempty"`
	TrendDefined bool        `json:"trend_defined"`
}

// Tracker скользящая статистика Уэлфорда по вектору z = (t, v_1..v_D).
//
// mean хранит средние, m - матрицу ко-моментов размера (D+1)x(D+1),
// m[0] относится ко времени. Add и Remove обновляют их парными
// симметричными rank-1 поправками, без пересчета окна.
type Tracker struct {
	dim   int
	n     int
	mean  []float64
	m     []float64
	delta []float64
}

// NewTracker создает трекер для метрики размерности dim
func NewTracker(dim int) *Tracker {
	k := dim + 1
	return &Tracker{
		dim:   dim,
		mean:  make([]float64, k),
		m:     make([]float64, k*k),
		delta: make([]float64, k),
	}
}

// Count число наблюдений в окне
func (t *Tracker) Count() int { return t.n }

// Dim размерность значений
func (t *Tracker) Dim() int { return t.dim }

func (t *Tracker) fillDelta(x float64, v []float64) {
	t.delta[0] = x - t.mean[0]
	for j := 0; j < t.dim; j++ {
		t.delta[j+1] = v[j] - t.mean[j+1]
	}
}

// Add добавляет наблюдение (x - прошедшее время, v - значения)
func (t *Tracker) Add(x float64, v []float64) {
	t.fillDelta(x, v)
	t.n++
	n := float64(t.n)
	for i := range t.mean {
		t.mean[i] += t.delta[i] / n
	}
	t.rankOne((n - 1) / n)
}

// Remove исключает наблюдение, ранее добавленное через Add
func (t *Tracker) Remove(x float64, v []float64) {
	if t.n <= 1 {
		t.Reset()
		return
	}
	t.fillDelta(x, v)
	nOld := float64(t.n)
	t.n--
	nNew := float64(t.n)
	for i := range t.mean {
		t.mean[i] -= t.delta[i] / nNew
	}
	t.rankOne(-nOld / nNew)
	t.enforcePSD()
}

// rankOne m += w * delta * delta^T, заполняя обе половины одним значением
func (t *Tracker) rankOne(w float64) {
	k := t.dim + 1
	for i := 0; i < k; i++ {
		di := w * t.delta[i]
		for j := i; j < k; j++ {
			d := di * t.delta[j]
			t.m[i*k+j] += d
			if i != j {
				t.m[j*k+i] += d
			}
		}
	}
}

// enforcePSD убирает отрицательный дрейф после вычитания:
// диагональ >= 0, |m_ij| <= sqrt(m_ii * m_jj).
func (t *Tracker) enforcePSD() {
	k := t.dim + 1
	for i := 0; i < k; i++ {
		if t.m[i*k+i] < 0 {
			t.m[i*k+i] = 0
		}
	}
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			limit := math.Sqrt(t.m[i*k+i] * t.m[j*k+j])
			v := math.Max(-limit, math.Min(limit, t.m[i*k+j]))
			t.m[i*k+j] = v
			t.m[j*k+i] = v
		}
	}
}

// Reset обнуляет статистику
func (t *Tracker) Reset() {
	t.n = 0
	clear(t.mean)
	clear(t.m)
}

func (t *Tracker) at(i, j int) float64 { return t.m[i*(t.dim+1)+j] }

// stt сумма квадратов отклонений времени
func (t *Tracker) stt() float64 { return t.at(0, 0) }

// stv ко-момент времени и j-го значения
func (t *Tracker) stv(j int) float64 { return t.at(0, j+1) }

// svv ко-момент i-го и j-го значений
func (t *Tracker) svv(i, j int) float64 { return t.at(i+1, j+1) }

func (t *Tracker) meanT() float64 { return t.mean[0] }

func (t *Tracker) meanV() []float64 { return append([]float64(nil), t.mean[1:]...) }

// timeDegenerate менее двух различных моментов времени
func (t *Tracker) timeDegenerate() bool {
	return t.n < 2 || t.stt() <= timeVarianceEps
}

// constant дисперсия всех компонент численно нулевая
func (t *Tracker) constant() bool {
	if t.n == 0 {
		return true
	}
	for j := 0; j < t.dim; j++ {
		mu := t.mean[j+1]
		tol := zeroVarianceRel * float64(t.n) * math.Max(1, mu*mu)
		if t.svv(j, j) > tol {
			return false
		}
	}
	return true
}

// Stats возвращает снимок статистики (популяционные моменты)
func (t *Tracker) Stats() RollingStats {
	st := RollingStats{Count: t.n}
	if t.n == 0 {
		return st
	}

	n := float64(t.n)
	st.Mean = t.meanV()
	st.Variance = make([]float64, t.dim)
	st.Covariance = make([][]float64, t.dim)
	for i := 0; i < t.dim; i++ {
		st.Variance[i] = t.svv(i, i) / n
		st.Covariance[i] = make([]float64, t.dim)
		for j := 0; j < t.dim; j++ {
			st.Covariance[i][j] = t.svv(i, j) / n
		}
	}

	if !t.timeDegenerate() && !t.constant() {
		st.TrendDefined = true
		st.Trend = make([]float64, t.dim)
		for j := 0; j < t.dim; j++ {
			st.Trend[j] = t.stv(j) / t.stt()
		}
	}
	return st
}

// trackerState сериализуемое состояние трекера
type trackerState struct {
	N    int       `json:"n"`
	Mean []float64 `json:"mean"`
	M    []float64 `json:"m"`
}

func (t *Tracker) state() trackerState {
	return trackerState{
		N:    t.n,
		Mean: append([]float64(nil), t.mean...),
		M:    append([]float64(nil), t.m...),
	}
}

func trackerFromState(dim int, st trackerState) (*Tracker, bool) {
	k := dim + 1
	if st.N < 0 || len(st.Mean) != k || len(st.M) != k*k {
		return nil, false
	}
	t := NewTracker(dim)
	t.n = st.N
	copy(t.mean, st.Mean)
	copy(t.m, st.M)
	return t, true
}
