package storage

import "context"

// ArtifactStore — куда кладём тяжёлые результаты (аудио), отдаём ссылку
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}
