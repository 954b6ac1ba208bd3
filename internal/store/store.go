package store

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/muurk/subnet-authority/internal/model"
)

const (
	// DefaultPath is where the daemon keeps its database unless configured otherwise.
	DefaultPath = "/var/lib/subnet-authority/services.db"

	authorityIDKey = "authority_id"
)

const selectColumns = `service_type, instance_name, hostname, addresses, port, txt,
	alive, first_seen, last_seen, ttl`

var blobMode = mustBlobMode()

func mustBlobMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: invalid cbor options: %v", err))
	}
	return em
}

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the database file. Its parent directory is created if needed.
	Path string

	// PoolSize defaults to 2: one writer plus one reader.
	PoolSize int

	Logger *zap.Logger
}

// Store is the durable copy of the service cache.
type Store struct {
	pool   *pool
	logger *zap.Logger
	path   string
}

// Open opens (creating if necessary) the database at cfg.Path and applies
// the schema. A failure here is fatal for the daemon.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("store: failed to create database directory: %w", err)
		}
	}

	p, err := openPool(cfg.Path, cfg.PoolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	// Connections are prepared lazily; take one now so pragma and schema
	// errors surface at startup.
	conn, err := p.take(context.Background())
	if err != nil {
		_ = p.close()
		return nil, fmt.Errorf("store: %w", err)
	}
	p.put(conn)

	logger.Info("Store opened", zap.String("path", cfg.Path))

	return &Store{pool: p, logger: logger, path: cfg.Path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	return s.pool.close()
}

// LoadAll returns every stored entry ordered by key.
func (s *Store) LoadAll(ctx context.Context) ([]*model.ServiceEntry, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	defer s.pool.put(conn)

	var entries []*model.ServiceEntry
	err = sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM services ORDER BY service_type, instance_name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	return entries, nil
}

// Get returns the stored entry for key, or nil when there is none.
func (s *Store) Get(ctx context.Context, key model.Key) (*model.ServiceEntry, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	defer s.pool.put(conn)

	e, err := getEntry(conn, key)
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	return e, nil
}

// Put writes e and reports whether any meaningful field differs from the
// stored row. An unchanged entry only has its last_seen advanced. The stored
// first_seen is never overwritten.
func (s *Store) Put(ctx context.Context, e *model.ServiceEntry) (changed bool, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: put %s: %w", e.Key(), err)
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return false, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	existing, err := getEntry(conn, e.Key())
	if err != nil {
		return false, fmt.Errorf("store: put %s: %w", e.Key(), err)
	}

	if existing != nil && existing.SameContent(e) {
		if err := touch(conn, e.Key(), e.LastSeen); err != nil {
			return false, fmt.Errorf("store: put %s: %w", e.Key(), err)
		}
		return false, nil
	}

	if err := upsert(conn, e); err != nil {
		return false, fmt.Errorf("store: put %s: %w", e.Key(), err)
	}
	return true, nil
}

// Touch advances last_seen for every key in stamps in a single transaction.
// Keys without a stored row are ignored.
func (s *Store) Touch(ctx context.Context, stamps map[model.Key]time.Time) (err error) {
	if len(stamps) == 0 {
		return nil
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return fmt.Errorf("store: touch: %w", err)
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for key, seen := range stamps {
		if err := touch(conn, key, seen); err != nil {
			return fmt.Errorf("store: touch %s: %w", key, err)
		}
	}
	return nil
}

// ApplySweep marks staled entries dead and deletes pruned ones in one
// transaction, so a sweep is either fully durable or not at all.
func (s *Store) ApplySweep(ctx context.Context, staled, pruned []model.Key) (err error) {
	if len(staled) == 0 && len(pruned) == 0 {
		return nil
	}

	conn, err := s.pool.take(ctx)
	if err != nil {
		return fmt.Errorf("store: sweep: %w", err)
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, key := range staled {
		err := sqlitex.Execute(conn,
			`UPDATE services SET alive = 0 WHERE service_type = ? AND instance_name = ?`,
			&sqlitex.ExecOptions{Args: []any{key.ServiceType, key.Instance}})
		if err != nil {
			return fmt.Errorf("store: mark %s stale: %w", key, err)
		}
	}

	for _, key := range pruned {
		err := sqlitex.Execute(conn,
			`DELETE FROM services WHERE service_type = ? AND instance_name = ?`,
			&sqlitex.ExecOptions{Args: []any{key.ServiceType, key.Instance}})
		if err != nil {
			return fmt.Errorf("store: prune %s: %w", key, err)
		}
	}
	return nil
}

// AuthorityID returns the identifier of this authority, generating and
// storing a new UUID the first time it is requested.
func (s *Store) AuthorityID(ctx context.Context) (id string, err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return "", fmt.Errorf("store: authority id: %w", err)
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return "", fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `SELECT value FROM meta WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{authorityIDKey},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("store: read authority id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	err = sqlitex.Execute(conn, `INSERT INTO meta (key, value) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{authorityIDKey, id},
	})
	if err != nil {
		return "", fmt.Errorf("store: write authority id: %w", err)
	}
	s.logger.Info("Generated authority id", zap.String("authority_id", id))
	return id, nil
}

func getEntry(conn *sqlite.Conn, key model.Key) (*model.ServiceEntry, error) {
	var entry *model.ServiceEntry
	err := sqlitex.Execute(conn,
		`SELECT `+selectColumns+` FROM services WHERE service_type = ? AND instance_name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key.ServiceType, key.Instance},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e, err := scanEntry(stmt)
				if err != nil {
					return err
				}
				entry = e
				return nil
			},
		})
	return entry, err
}

func upsert(conn *sqlite.Conn, e *model.ServiceEntry) error {
	addrs, err := encodeAddresses(e.Addresses)
	if err != nil {
		return err
	}
	txt, err := encodeTXT(e.TXT)
	if err != nil {
		return err
	}

	return sqlitex.Execute(conn, `INSERT INTO services
		(service_type, instance_name, hostname, addresses, port, txt, alive, first_seen, last_seen, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_type, instance_name) DO UPDATE SET
			hostname  = excluded.hostname,
			addresses = excluded.addresses,
			port      = excluded.port,
			txt       = excluded.txt,
			alive     = excluded.alive,
			last_seen = MAX(services.last_seen, excluded.last_seen),
			ttl       = excluded.ttl`,
		&sqlitex.ExecOptions{
			Args: []any{
				e.ServiceType,
				e.Instance,
				e.Hostname,
				addrs,
				int64(e.Port),
				txt,
				boolToInt(e.Alive),
				e.FirstSeen.UnixNano(),
				e.LastSeen.UnixNano(),
				int64(e.TTL),
			},
		})
}

func touch(conn *sqlite.Conn, key model.Key, seen time.Time) error {
	return sqlitex.Execute(conn,
		`UPDATE services SET last_seen = MAX(last_seen, ?) WHERE service_type = ? AND instance_name = ?`,
		&sqlitex.ExecOptions{Args: []any{seen.UnixNano(), key.ServiceType, key.Instance}})
}

func scanEntry(stmt *sqlite.Stmt) (*model.ServiceEntry, error) {
	e := &model.ServiceEntry{
		ServiceType: stmt.ColumnText(0),
		Instance:    stmt.ColumnText(1),
		Hostname:    stmt.ColumnText(2),
		Port:        uint16(stmt.ColumnInt64(4)),
		Alive:       stmt.ColumnInt64(6) != 0,
		FirstSeen:   time.Unix(0, stmt.ColumnInt64(7)),
		LastSeen:    time.Unix(0, stmt.ColumnInt64(8)),
		TTL:         uint32(stmt.ColumnInt64(9)),
	}

	addrs, err := decodeAddresses(columnBlob(stmt, 3))
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", e.Key(), err)
	}
	e.Addresses = addrs

	txt, err := decodeTXT(columnBlob(stmt, 5))
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", e.Key(), err)
	}
	e.TXT = txt

	return e, nil
}

func columnBlob(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

func encodeAddresses(addrs []netip.Addr) ([]byte, error) {
	text := make([]string, len(addrs))
	for i, a := range addrs {
		text[i] = a.String()
	}
	data, err := blobMode.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode addresses: %w", err)
	}
	return data, nil
}

func decodeAddresses(data []byte) ([]netip.Addr, error) {
	var text []string
	if len(data) > 0 {
		if err := cbor.Unmarshal(data, &text); err != nil {
			return nil, fmt.Errorf("failed to decode addresses: %w", err)
		}
	}
	addrs := make([]netip.Addr, 0, len(text))
	for _, s := range text {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode addresses: %w", err)
		}
		addrs = append(addrs, a)
	}
	return model.NormalizeAddresses(addrs), nil
}

func encodeTXT(txt map[string]string) ([]byte, error) {
	if txt == nil {
		txt = map[string]string{}
	}
	data, err := blobMode.Marshal(txt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode txt: %w", err)
	}
	return data, nil
}

func decodeTXT(data []byte) (map[string]string, error) {
	txt := map[string]string{}
	if len(data) > 0 {
		if err := cbor.Unmarshal(data, &txt); err != nil {
			return nil, fmt.Errorf("failed to decode txt: %w", err)
		}
	}
	return txt, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
