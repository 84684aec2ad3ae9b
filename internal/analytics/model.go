package analytics

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// confidenceZ квантиль нормального распределения для 95% интервала
	confidenceZ = 1.96
	// regularizationEps относительная поправка к диагонали ковариации
	regularizationEps = 1e-9
	// explainedVarianceTarget доля дисперсии для автоматического выбора k
	explainedVarianceTarget = 0.95
)

// Model линейная модель прогноза, подогнанная по окну W.
//
// Прогноз в момент t (время от origin серии): Level + Slope*(t - MeanT).
// Для D>1 Slope уже спроецирован на подпространство главных осей.
type Model struct {
	Valid            bool        `json:"valid"`
	FitTimestamp     int64       `json:"fit_timestamp"`
	FitSamples       int         `json:"fit_samples"`
	MeanT            float64     `json:"mean_t"`
	Stt              float64     `json:"stt"`
	Level            []float64   `json:"level"`
	Slope            []float64   `json:"slope"`
	ResidualVariance float64     `json:"residual_variance"`
	Interval         int64       `json:"interval"`
	Constant         bool        `json:"constant"`
	Components       [][]float64 `json:"components,omitempty"`
	Explained        []float64   `json:"explained,omitempty"`
}

// Intercept значение прямой в момент origin серии
func (m *Model) Intercept() []float64 {
	out := make([]float64, len(m.Level))
	for j := range m.Level {
		out[j] = m.Level[j] - m.Slope[j]*m.MeanT
	}
	return out
}

// Predict прогноз в момент elapsed (время от origin)
func (m *Model) Predict(elapsed float64) []float64 {
	out := make([]float64, len(m.Level))
	dt := elapsed - m.MeanT
	for j := range m.Level {
		out[j] = m.Level[j] + m.Slope[j]*dt
	}
	return out
}

// Band полуширина интервала прогноза в момент elapsed
func (m *Model) Band(elapsed float64) float64 {
	if m.ResidualVariance <= 0 || m.FitSamples == 0 {
		return 0
	}
	f := 1 + 1/float64(m.FitSamples)
	if m.Stt > timeVarianceEps {
		dt := elapsed - m.MeanT
		f += dt * dt / m.Stt
	}
	return confidenceZ * math.Sqrt(m.ResidualVariance*f)
}

// fitModel подгоняет модель по статистике окна.
// win нужен только для шага времени между сэмплами.
func fitModel(tr *Tracker, win Window, origin int64, k int) Model {
	n := tr.Count()
	model := Model{
		Valid:      true,
		FitSamples: n,
		MeanT:      tr.meanT(),
		Stt:        tr.stt(),
		Level:      tr.meanV(),
		Slope:      make([]float64, tr.Dim()),
		Interval:   sampleInterval(win),
	}
	if win.Len() > 0 {
		model.FitTimestamp = win.At(win.Len() - 1).Timestamp
	}

	if tr.constant() {
		model.Constant = true
		return model
	}

	if tr.timeDegenerate() {
		var sse float64
		for j := 0; j < tr.Dim(); j++ {
			sse += tr.svv(j, j)
		}
		model.ResidualVariance = sse / float64(max(n-1, 1))
		return model
	}

	if tr.Dim() == 1 {
		fitUnivariate(tr, &model)
	} else {
		fitPrincipal(tr, &model, k)
	}
	return model
}

// fitUnivariate МНК по нормальным уравнениям, без обращения матриц
func fitUnivariate(tr *Tracker, model *Model) {
	stt := tr.stt()
	stv := tr.stv(0)
	svv := tr.svv(0, 0)

	model.Slope[0] = stv / stt

	sse := svv - stv*stv/stt
	if sse < zeroVarianceRel*svv {
		sse = 0
	}
	model.ResidualVariance = sse / float64(max(tr.Count()-2, 1))
}

// fitPrincipal проецирует вектор тренда на top-k собственных векторов
// регуляризованной ковариационной матрицы
func fitPrincipal(tr *Tracker, model *Model, k int) {
	d := tr.Dim()
	n := float64(tr.Count())
	stt := tr.stt()

	raw := make([]float64, d)
	for j := 0; j < d; j++ {
		raw[j] = tr.stv(j) / stt
	}

	slope := raw
	if comps, explained, ok := principalAxes(tr, k); ok {
		model.Components = comps
		model.Explained = explained
		slope = project(comps, raw)
	}
	copy(model.Slope, slope)

	// SSE = tr(Svv) - 2*b^T*Stv + |b|^2*Stt
	var trace, cross, norm2 float64
	for j := 0; j < d; j++ {
		trace += tr.svv(j, j)
		cross += slope[j] * tr.stv(j)
		norm2 += slope[j] * slope[j]
	}
	sse := trace - 2*cross + norm2*stt
	if sse < zeroVarianceRel*trace {
		sse = 0
	}
	model.ResidualVariance = sse / math.Max(n-2, 1)
}

// principalAxes возвращает главные оси (строки) по убыванию собственных
// значений и доли объясненной дисперсии
func principalAxes(tr *Tracker, k int) ([][]float64, []float64, bool) {
	d := tr.Dim()
	n := float64(tr.Count())

	cov := make([]float64, d*d)
	var trace float64
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			cov[i*d+j] = tr.svv(i, j) / n
		}
		trace += cov[i*d+i]
	}
	eps := regularizationEps * math.Max(trace/float64(d), 1)
	for i := 0; i < d; i++ {
		cov[i*d+i] += eps
	}

	values, vectors, ok := eigenSym(d, cov)
	if !ok {
		return nil, nil, false
	}

	var total float64
	for i := range values {
		if values[i] < 0 {
			values[i] = 0
		}
		total += values[i]
	}
	if total <= 0 {
		return nil, nil, false
	}

	if k <= 0 {
		k = autoComponents(values, total)
	}
	k = min(k, d)

	comps := make([][]float64, k)
	explained := make([]float64, k)
	for c := 0; c < k; c++ {
		comps[c] = vectors[c]
		explained[c] = values[c] / total
	}
	return comps, explained, true
}

// eigenSym симметричное спектральное разложение (LAPACK dsyev через gonum).
// Возвращает собственные значения по убыванию и соответствующие векторы.
func eigenSym(d int, data []float64) ([]float64, [][]float64, bool) {
	var es mat.EigenSym
	if ok := es.Factorize(mat.NewSymDense(d, data), true); !ok {
		return nil, nil, false
	}
	asc := es.Values(nil)
	var ev mat.Dense
	es.VectorsTo(&ev)

	values := make([]float64, d)
	vectors := make([][]float64, d)
	for c := 0; c < d; c++ {
		col := d - 1 - c
		values[c] = asc[col]
		vectors[c] = make([]float64, d)
		for i := 0; i < d; i++ {
			vectors[c][i] = ev.At(i, col)
		}
	}
	return values, vectors, true
}

func autoComponents(desc []float64, total float64) int {
	var acc float64
	for i, v := range desc {
		acc += v
		if acc/total >= explainedVarianceTarget {
			return i + 1
		}
	}
	return len(desc)
}

// project ортогональная проекция x на линейную оболочку comps
func project(comps [][]float64, x []float64) []float64 {
	out := make([]float64, len(x))
	for _, u := range comps {
		var dot float64
		for i := range x {
			dot += u[i] * x[i]
		}
		for i := range x {
			out[i] += dot * u[i]
		}
	}
	return out
}

// sampleInterval средний шаг времени в окне, не меньше 1
func sampleInterval(win Window) int64 {
	if win.Len() < 2 {
		return 1
	}
	span := win.At(win.Len()-1).Timestamp - win.At(0).Timestamp
	step := int64(math.Round(float64(span) / float64(win.Len()-1)))
	return max(step, 1)
}
