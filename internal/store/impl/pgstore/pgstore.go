package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phuslu/log"
)

// Querier is satisfied by *pgxpool.Pool and by pgxmock pools.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type StoreConfig struct {
	Table     string
	ConnectTO time.Duration
}

// Store keeps the agent session in a postgres table, for agents running on a
// shared host where the database is the durable local store.
type Store struct {
	db     Querier
	pool   *pgxpool.Pool
	config *StoreConfig
	log    log.Logger
}

// Connect opens a pool on url and makes sure the table exists.
func Connect(url string, config *StoreConfig) (*Store, error) {
	if config.ConnectTO <= 0 {
		config.ConnectTO = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTO)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	st := NewStore(pool, config)
	st.pool = pool
	if err := st.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func NewStore(db Querier, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	if o.config.Table == "" {
		o.config.Table = "gpsagent_kv"
	}
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	return o
}

func (st *Store) table() string {
	return pgx.Identifier{st.config.Table}.Sanitize()
}

func (st *Store) Init(ctx context.Context) error {
	_, err := st.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+st.table()+` (key text PRIMARY KEY, value text NOT NULL, updated_at timestamptz NOT NULL DEFAULT now())`)
	if err != nil {
		st.log.Error().Err(err).Msg("error creating table")
	}
	return err
}

func (st *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := st.db.QueryRow(ctx, `SELECT value FROM `+st.table()+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (st *Store) Set(ctx context.Context, key string, value string) error {
	_, err := st.db.Exec(ctx, `INSERT INTO `+st.table()+` (key,value,updated_at) VALUES ($1,$2,now())
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
	if err != nil {
		st.log.Error().Err(err).Str("key", key).Msg("error saving key")
	}
	return err
}

func (st *Store) Delete(ctx context.Context, keys ...string) error {
	_, err := st.db.Exec(ctx, `DELETE FROM `+st.table()+` WHERE key = ANY($1)`, keys)
	if err != nil {
		st.log.Error().Err(err).Strs("keys", keys).Msg("error deleting keys")
	}
	return err
}

func (st *Store) Close() error {
	if st.pool != nil {
		st.pool.Close()
	}
	return nil
}
