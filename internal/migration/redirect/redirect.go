// Package redirect models the application-traffic redirection boundary
// of a cutover. The core only signals which side is authoritative;
// how poolers and applications react is outside the process.
package redirect

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// ActiveKey holds the name of the authoritative endpoint.
	ActiveKey = "pgshift:active_database"
	// ActiveChannel receives a message on every redirection.
	ActiveChannel = "pgshift:cutover"
)

// Director signals which endpoint should receive application traffic.
type Director interface {
	Redirect(ctx context.Context, target string) error
}

// LogDirector only logs the redirection. Default when no control plane
// is configured; an operator follows the log and reconfigures the
// application tier by hand.
type LogDirector struct{}

var _ Director = LogDirector{}

func (LogDirector) Redirect(_ context.Context, target string) error {
	log.Info().Str("target", target).Msg("UPDATE APPLICATION CONFIG: redirect database traffic")
	return nil
}

// RedisDirector publishes the authoritative endpoint through Redis so
// connection poolers and application instances can react without a
// redeploy: the name is written under ActiveKey and announced on
// ActiveChannel.
type RedisDirector struct {
	rdb *redis.Client
}

var _ Director = (*RedisDirector)(nil)

func NewRedisDirector(rdb *redis.Client) *RedisDirector {
	return &RedisDirector{rdb: rdb}
}

func (d *RedisDirector) Redirect(ctx context.Context, target string) error {
	if err := d.rdb.Set(ctx, ActiveKey, target, 0).Err(); err != nil {
		return fmt.Errorf("set active database key: %w", err)
	}
	if err := d.rdb.Publish(ctx, ActiveChannel, target).Err(); err != nil {
		return fmt.Errorf("publish cutover signal: %w", err)
	}
	log.Info().Str("target", target).Msg("traffic redirected via redis control plane")
	return nil
}
