package redis

import (
	"errors"

	goredis "github.com/redis/go-redis/v9"
)

// isNil returns true when err indicates a missing key or field.
func isNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}
