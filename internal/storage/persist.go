package storage

import (
	"context"
	"errors"
	"fmt"
)

// Snapshotter источник снимка (analytics.Registry)
type Snapshotter interface {
	Snapshot() ([]byte, error)
}

// Restorer приемник снимка (analytics.Registry)
type Restorer interface {
	Restore(data []byte) error
}

// Persist снимает состояние и сохраняет его. Возвращает размер снимка.
func Persist(ctx context.Context, store SnapshotStore, src Snapshotter) (int, error) {
	data, err := src.Snapshot()
	if err != nil {
		return 0, err
	}
	if err := store.SaveSnapshot(ctx, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Recover загружает последний снимок и восстанавливает из него состояние.
// false без ошибки означает, что снимка еще нет.
func Recover(ctx context.Context, store SnapshotStore, dst Restorer) (bool, error) {
	data, err := store.LoadSnapshot(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := dst.Restore(data); err != nil {
		return false, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	return true, nil
}
