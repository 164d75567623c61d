package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	Users             UserRepository
	Events            EventRepository
	OAuthAccounts     OAuthAccountRepository
	PushSubscriptions PushSubscriptionRepository
	AlarmStates       AlarmStateRepository
}

// New wires concrete repository implementations with a shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:              pool,
		Users:             &userRepo{pool: pool},
		Events:            &eventRepo{pool: pool},
		OAuthAccounts:     &oauthAccountRepo{pool: pool},
		PushSubscriptions: &pushSubscriptionRepo{pool: pool},
		AlarmStates:       &alarmStateRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
