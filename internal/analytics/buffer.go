package analytics

import "iter"

// AppendOutcome что произошло с буфером при добавлении
type AppendOutcome int

const (
	// Appended сэмпл добавлен, ничего не вытеснено
	Appended AppendOutcome = iota
	// Evicted буфер был полон, вытеснен самый старый сэмпл
	Evicted
	// Corrected timestamp совпал с последним, значение заменено
	Corrected
)

// Buffer кольцевой буфер последних сэмплов одной метрики.
// Не потокобезопасен: синхронизацию обеспечивает series.
type Buffer struct {
	data []Sample
	head int // индекс самого старого элемента
	size int
}

// NewBuffer создает буфер емкостью capacity
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{data: make([]Sample, capacity)}
}

// Len количество сэмплов в буфере
func (b *Buffer) Len() int { return b.size }

// At возвращает i-й сэмпл в хронологическом порядке (0 - самый старый)
func (b *Buffer) At(i int) Sample {
	if i < 0 || i >= b.size {
		panic("analytics: buffer index out of range")
	}
	return b.data[(b.head+i)%len(b.data)]
}

// Last возвращает последний сэмпл
func (b *Buffer) Last() (Sample, bool) {
	if b.size == 0 {
		return Sample{}, false
	}
	return b.At(b.size - 1), true
}

// Append добавляет сэмпл за O(1).
//
// Сэмпл с timestamp раньше последнего отклоняется с ErrOutOfOrderSample,
// буфер при этом не меняется. Совпадающий timestamp считается коррекцией:
// последнее значение заменяется новым. Возвращает вытесненный сэмпл
// (самый старый при Evicted, прежнее значение при Corrected).
func (b *Buffer) Append(s Sample) (Sample, AppendOutcome, error) {
	if last, ok := b.Last(); ok {
		if s.Timestamp < last.Timestamp {
			return Sample{}, Appended, ErrOutOfOrderSample
		}
		if s.Timestamp == last.Timestamp {
			idx := (b.head + b.size - 1) % len(b.data)
			b.data[idx] = s
			return last, Corrected, nil
		}
	}

	idx := (b.head + b.size) % len(b.data)
	if b.size < len(b.data) {
		b.data[idx] = s
		b.size++
		return Sample{}, Appended, nil
	}

	evicted := b.data[b.head]
	b.data[b.head] = s
	b.head = (b.head + 1) % len(b.data)
	return evicted, Evicted, nil
}

// Reset очищает буфер
func (b *Buffer) Reset() {
	clear(b.data)
	b.head = 0
	b.size = 0
}

// Window возвращает представление последних min(k, Len) сэмплов.
// Представление не копирует данные и валидно до следующей мутации буфера.
func (b *Buffer) Window(k int) Window {
	if k > b.size {
		k = b.size
	}
	if k < 0 {
		k = 0
	}
	return Window{buf: b, start: b.size - k, n: k}
}

// Window ленивое окно над буфером
type Window struct {
	buf   *Buffer
	start int
	n     int
}

// Len размер окна
func (w Window) Len() int { return w.n }

// At i-й сэмпл окна в хронологическом порядке
func (w Window) At(i int) Sample {
	if i < 0 || i >= w.n {
		panic("analytics: window index out of range")
	}
	return w.buf.At(w.start + i)
}

// All итерирует окно от старых к новым
func (w Window) All() iter.Seq2[int, Sample] {
	return func(yield func(int, Sample) bool) {
		for i := 0; i < w.n; i++ {
			if !yield(i, w.At(i)) {
				return
			}
		}
	}
}

// Samples копирует окно в новый слайс
func (w Window) Samples() []Sample {
	out := make([]Sample, 0, w.n)
	for _, s := range w.All() {
		out = append(out, Sample{Timestamp: s.Timestamp, Values: append([]float64(nil), s.Values...)})
	}
	return out
}
