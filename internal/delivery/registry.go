package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docflow/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docflow/pkg/postgres"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"
)

// ErrSubscriptionNotFound is returned for unknown subscription names.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Registry stores subscriptions keyed by name.
type Registry interface {
	Upsert(ctx context.Context, sub Subscription) (*UpsertResult, error)
	Get(ctx context.Context, name string) (*Subscription, error)
	List(ctx context.Context) ([]Subscription, error)
	Delete(ctx context.Context, name string) error
}

// PostgresRegistry keeps subscriptions in the subscriptions table.
type PostgresRegistry struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresRegistry(db *postgres.Client) *PostgresRegistry {
	return &PostgresRegistry{
		db:     db,
		logger: slog.Default().With("component", "subscription-registry"),
	}
}

const subscriptionColumns = `name, source_topic, target_kind, target_resource_id, target_url,
	event_types, subject_prefix, max_delivery_attempts, event_ttl_minutes, created_at, updated_at`

// Upsert creates sub or updates the row with the same name. A row whose
// settings already match is left untouched and reported as unchanged.
func (r *PostgresRegistry) Upsert(ctx context.Context, sub Subscription) (*UpsertResult, error) {
	sub.Normalize()
	var res *UpsertResult
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		var inserted bool
		err := tx.QueryRowContext(ctx, upsertSubscriptionSQL,
			sub.Name, sub.SourceTopic, string(sub.Target.Kind), sub.Target.ResourceID, sub.Target.URL,
			pq.Array(sub.Filter.EventTypes), sub.Filter.SubjectPrefix, sub.MaxDeliveryAttempts, sub.EventTTLMinutes,
		).Scan(&inserted, &sub.CreatedAt, &sub.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			// Settings matched; read the stored row back in the same transaction.
			current, err := getSubscription(ctx, tx, sub.Name)
			if err != nil {
				return err
			}
			res = &UpsertResult{Status: StatusUnchanged, Subscription: *current}
			return nil
		}
		if err != nil {
			return wrapDB(fmt.Errorf("upserting subscription %s: %w", sub.Name, err))
		}
		status := StatusUpdated
		if inserted {
			status = StatusCreated
		}
		res = &UpsertResult{Status: status, Subscription: sub}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Status != StatusUnchanged {
		r.logger.Info("subscription stored", "name", sub.Name, "status", res.Status)
	}
	return res, nil
}

const upsertSubscriptionSQL = `INSERT INTO subscriptions
	   (name, source_topic, target_kind, target_resource_id, target_url,
	    event_types, subject_prefix, max_delivery_attempts, event_ttl_minutes)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	 ON CONFLICT (name) DO UPDATE SET
	   source_topic          = EXCLUDED.source_topic,
	   target_kind           = EXCLUDED.target_kind,
	   target_resource_id    = EXCLUDED.target_resource_id,
	   target_url            = EXCLUDED.target_url,
	   event_types           = EXCLUDED.event_types,
	   subject_prefix        = EXCLUDED.subject_prefix,
	   max_delivery_attempts = EXCLUDED.max_delivery_attempts,
	   event_ttl_minutes     = EXCLUDED.event_ttl_minutes,
	   updated_at            = NOW()
	 WHERE (subscriptions.source_topic, subscriptions.target_kind, subscriptions.target_resource_id,
	        subscriptions.target_url, subscriptions.event_types, subscriptions.subject_prefix,
	        subscriptions.max_delivery_attempts, subscriptions.event_ttl_minutes)
	   IS DISTINCT FROM
	       (EXCLUDED.source_topic, EXCLUDED.target_kind, EXCLUDED.target_resource_id,
	        EXCLUDED.target_url, EXCLUDED.event_types, EXCLUDED.subject_prefix,
	        EXCLUDED.max_delivery_attempts, EXCLUDED.event_ttl_minutes)
	 RETURNING (xmax = 0), created_at, updated_at`

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSubscription(ctx context.Context, q queryRower, name string) (*Subscription, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE name = $1`, name)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(ErrSubscriptionNotFound, 404, "%s", name)
	}
	if err != nil {
		return nil, wrapDB(fmt.Errorf("reading subscription %s: %w", name, err))
	}
	return sub, nil
}

func (r *PostgresRegistry) Get(ctx context.Context, name string) (*Subscription, error) {
	return getSubscription(ctx, r.db.DB, name)
}

func (r *PostgresRegistry) List(ctx context.Context) ([]Subscription, error) {
	rows, err := r.db.DB.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY name`)
	if err != nil {
		return nil, wrapDB(fmt.Errorf("listing subscriptions: %w", err))
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (r *PostgresRegistry) Delete(ctx context.Context, name string) error {
	res, err := r.db.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE name = $1`, name)
	if err != nil {
		return wrapDB(fmt.Errorf("deleting subscription %s: %w", name, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(ErrSubscriptionNotFound, 404, "%s", name)
	}
	r.logger.Info("subscription deleted", "name", name)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var sub Subscription
	var kind string
	err := row.Scan(&sub.Name, &sub.SourceTopic, &kind, &sub.Target.ResourceID, &sub.Target.URL,
		pq.Array(&sub.Filter.EventTypes), &sub.Filter.SubjectPrefix, &sub.MaxDeliveryAttempts,
		&sub.EventTTLMinutes, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Target.Kind = TargetKind(kind)
	return &sub, nil
}

func wrapDB(err error) error {
	if store.IsTransient(err) {
		return apperrors.Transient(err)
	}
	return err
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu   sync.Mutex
	subs map[string]Subscription
	now  func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{subs: make(map[string]Subscription), now: time.Now}
}

func (m *MemoryRegistry) Upsert(_ context.Context, sub Subscription) (*UpsertResult, error) {
	sub.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	current, ok := m.subs[sub.Name]
	switch {
	case !ok:
		sub.CreatedAt, sub.UpdatedAt = now, now
		m.subs[sub.Name] = sub
		return &UpsertResult{Status: StatusCreated, Subscription: sub}, nil
	case current.sameSettings(&sub):
		return &UpsertResult{Status: StatusUnchanged, Subscription: current}, nil
	default:
		sub.CreatedAt, sub.UpdatedAt = current.CreatedAt, now
		m.subs[sub.Name] = sub
		return &UpsertResult{Status: StatusUpdated, Subscription: sub}, nil
	}
}

func (m *MemoryRegistry) Get(_ context.Context, name string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[name]
	if !ok {
		return nil, apperrors.Newf(ErrSubscriptionNotFound, 404, "%s", name)
	}
	return &sub, nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Name < subs[j].Name })
	return subs, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[name]; !ok {
		return apperrors.Newf(ErrSubscriptionNotFound, 404, "%s", name)
	}
	delete(m.subs, name)
	return nil
}

// CachedRegistry serves List from a short-lived cache so the dispatcher
// does not query the database for every event. Writes invalidate it.
type CachedRegistry struct {
	Registry
	cache *expirable.LRU[string, []Subscription]
}

const listKey = "all"

func NewCachedRegistry(inner Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		Registry: inner,
		cache:    expirable.NewLRU[string, []Subscription](1, nil, ttl),
	}
}

func (c *CachedRegistry) List(ctx context.Context) ([]Subscription, error) {
	if subs, ok := c.cache.Get(listKey); ok {
		return subs, nil
	}
	subs, err := c.Registry.List(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Add(listKey, subs)
	return subs, nil
}

func (c *CachedRegistry) Upsert(ctx context.Context, sub Subscription) (*UpsertResult, error) {
	res, err := c.Registry.Upsert(ctx, sub)
	if err == nil && res.Status != StatusUnchanged {
		c.cache.Purge()
	}
	return res, err
}

func (c *CachedRegistry) Delete(ctx context.Context, name string) error {
	err := c.Registry.Delete(ctx, name)
	if err == nil {
		c.cache.Purge()
	}
	return err
}
