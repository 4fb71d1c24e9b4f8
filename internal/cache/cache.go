// Package cache - обобщенный TTL key/value кэш с явной инвалидацией.
// TTL фиксируется на экземпляр, значения - сериализованные снимки;
// записи никогда не изменяются на месте, только инвалидируются.
package cache

import (
	"context"
)

type Cache interface {
	// Get возвращает значение или ErrMiss, если ключа нет или запись истекла
	Get(ctx context.Context, key string) (string, error)

	// Set сохраняет значение с TTL экземпляра
	Set(ctx context.Context, key string, value string) error

	// Invalidate удаляет ключи; отсутствующие ключи не считаются ошибкой
	Invalidate(ctx context.Context, keys ...string) error

	// InvalidatePrefix удаляет все ключи с указанным префиксом
	InvalidatePrefix(ctx context.Context, prefix string) error
}

// ErrMiss - типизированный промах кэша, чтобы вызывающие могли отличать
// промах от ошибок транспорта
var ErrMiss = errMiss{}

type errMiss struct{}

func (e errMiss) Error() string { return "cache: miss" }
