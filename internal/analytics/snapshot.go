package analytics

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Формат снимка: magic, байт версии, затем JSON, сжатый snappy.
// Раскладка на диске - забота хранилища, ядро отдает непрозрачные байты.
const (
	snapshotMagic   = "TASN"
	snapshotVersion = 1
)

type snapshotFile struct {
	Config Config        `json:"config"`
	Series []seriesState `json:"series"`
}

// resultState AnomalyResult без собственного MarshalJSON
type resultState AnomalyResult

type seriesState struct {
	ID       string       `json:"id"`
	Dim      int          `json:"dim"`
	Origin   int64        `json:"origin"`
	Samples  []Sample     `json:"samples"`
	Stats    trackerState `json:"stats"`
	Fit      trackerState `json:"fit"`
	Model    Model        `json:"model"`
	Last     resultState  `json:"last"`
	SinceFit int          `json:"since_fit"`
	DriftSum float64      `json:"drift_sum"`
	DriftN   int          `json:"drift_n"`
	Refits   int          `json:"refits"`
}

func (s *series) exportState() (seriesState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.retired {
		return seriesState{}, false
	}
	st := seriesState{
		ID:       s.id,
		Dim:      s.dim,
		Origin:   s.origin,
		Samples:  s.buf.Window(s.buf.Len()).Samples(),
		Model:    s.model,
		Last:     resultState(copyResult(s.last)),
		SinceFit: s.sinceFit,
		DriftSum: s.driftSum,
		DriftN:   s.driftN,
		Refits:   s.refits,
	}
	if s.stats != nil {
		st.Stats = s.stats.state()
		st.Fit = s.fit.state()
	}
	return st, true
}

// Snapshot сериализует все метрики. Каждая серия копируется под своей
// read-блокировкой, глобальной остановки приема нет.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.RLock()
	all := make([]*series, 0, len(r.series))
	for _, s := range r.series {
		all = append(all, s)
	}
	r.mu.RUnlock()

	file := snapshotFile{Config: r.cfg, Series: make([]seriesState, 0, len(all))}
	for _, s := range all {
		if st, ok := s.exportState(); ok {
			file.Series = append(file.Series, st)
		}
	}

	payload, err := json.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var out bytes.Buffer
	out.WriteString(snapshotMagic)
	out.WriteByte(snapshotVersion)
	out.Write(snappy.Encode(nil, payload))
	return out.Bytes(), nil
}

// Restore заменяет все метрики реестра состоянием из снимка.
// При любой ошибке реестр остается прежним.
func (r *Registry) Restore(data []byte) error {
	header := len(snapshotMagic) + 1
	if len(data) < header || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return fmt.Errorf("%w: missing header", ErrBadSnapshot)
	}
	if v := data[len(snapshotMagic)]; v != snapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, v)
	}

	payload, err := snappy.Decode(nil, data[header:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}

	var file snapshotFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if file.Config.Capacity != r.cfg.Capacity || file.Config.Window != r.cfg.Window {
		return fmt.Errorf("%w: snapshot capacity/window %d/%d, registry %d/%d", ErrIncompatibleSnapshot,
			file.Config.Capacity, file.Config.Window, r.cfg.Capacity, r.cfg.Window)
	}

	restored := make(map[string]*series, len(file.Series))
	for _, st := range file.Series {
		s, err := r.importState(st)
		if err != nil {
			return err
		}
		restored[st.ID] = s
	}

	r.mu.Lock()
	old := r.series
	r.series = restored
	r.mu.Unlock()

	for _, s := range old {
		s.retire()
	}
	return nil
}

func (r *Registry) importState(st seriesState) (*series, error) {
	if st.ID == "" {
		return nil, fmt.Errorf("%w: series without id", ErrBadSnapshot)
	}
	if len(st.Samples) > r.cfg.Capacity {
		return nil, fmt.Errorf("%w: series %s has %d samples", ErrBadSnapshot, st.ID, len(st.Samples))
	}

	s := newSeries(st.ID, r.cfg.Capacity)
	s.last = AnomalyResult(st.Last)
	s.sinceFit = st.SinceFit
	s.driftSum = st.DriftSum
	s.driftN = st.DriftN
	s.refits = st.Refits
	if s.last.Status == "" {
		s.last = unscored(0)
	}

	if len(st.Samples) == 0 {
		return s, nil
	}

	if st.Dim < 1 {
		return nil, fmt.Errorf("%w: series %s dimension %d", ErrBadSnapshot, st.ID, st.Dim)
	}
	if err := checkModel(st.Model, st.Dim); err != nil {
		return nil, fmt.Errorf("%w: series %s: %v", ErrBadSnapshot, st.ID, err)
	}

	s.dim = st.Dim
	s.origin = st.Origin
	s.model = st.Model
	for _, smp := range st.Samples {
		if len(smp.Values) != st.Dim {
			return nil, fmt.Errorf("%w: series %s sample dimension", ErrBadSnapshot, st.ID)
		}
		if _, _, err := s.buf.Append(smp); err != nil {
			return nil, fmt.Errorf("%w: series %s: %v", ErrBadSnapshot, st.ID, err)
		}
	}

	var ok bool
	if s.stats, ok = trackerFromState(st.Dim, st.Stats); !ok {
		return nil, fmt.Errorf("%w: series %s stats", ErrBadSnapshot, st.ID)
	}
	if s.fit, ok = trackerFromState(st.Dim, st.Fit); !ok {
		return nil, fmt.Errorf("%w: series %s fit stats", ErrBadSnapshot, st.ID)
	}
	return s, nil
}

// checkModel проверяет размерности модели из снимка
func checkModel(m Model, dim int) error {
	if !m.Valid {
		return nil
	}
	if len(m.Level) != dim || len(m.Slope) != dim {
		return fmt.Errorf("model level/slope length %d/%d, dimension %d", len(m.Level), len(m.Slope), dim)
	}
	if len(m.Components) != len(m.Explained) {
		return fmt.Errorf("model has %d components and %d explained ratios", len(m.Components), len(m.Explained))
	}
	for i, c := range m.Components {
		if len(c) != dim {
			return fmt.Errorf("model component %d length %d, dimension %d", i, len(c), dim)
		}
	}
	return nil
}
