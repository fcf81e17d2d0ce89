package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/retry"
)

const linkageColumns = `uuid_propiedad, clave_catastral, cuenta_catastral, folio_real,
	estado_sincronizacion, ultima_actualizacion, origen_ultimo_cambio,
	score_vinculacion, metodo_vinculacion`

// LinkageStore is the linkage registry on the vinculacion_propiedad table.
// The table's unique constraints back the one-to-one key invariant.
type LinkageStore struct {
	db  PgxIface
	now func() time.Time
}

// NewLinkageStore returns a store using the given pool or connection.
func NewLinkageStore(db PgxIface) *LinkageStore {
	return &LinkageStore{db: db, now: time.Now}
}

var _ linkage.Store = (*LinkageStore)(nil)

func (s *LinkageStore) Get(ctx context.Context, id uuid.UUID) (*linkage.PropertyLinkage, error) {
	return s.queryOne(ctx, `SELECT `+linkageColumns+` FROM vinculacion_propiedad WHERE uuid_propiedad = $1`, id)
}

func (s *LinkageStore) FindByCadastralKey(ctx context.Context, key string) (*linkage.PropertyLinkage, error) {
	if key == "" {
		return nil, linkage.ErrNotFound
	}
	return s.queryOne(ctx, `SELECT `+linkageColumns+` FROM vinculacion_propiedad WHERE clave_catastral = $1`, key)
}

func (s *LinkageStore) FindByFolio(ctx context.Context, folio string) (*linkage.PropertyLinkage, error) {
	if folio == "" {
		return nil, linkage.ErrNotFound
	}
	return s.queryOne(ctx, `SELECT `+linkageColumns+` FROM vinculacion_propiedad WHERE folio_real = $1`, folio)
}

func (s *LinkageStore) queryOne(ctx context.Context, query string, arg any) (*linkage.PropertyLinkage, error) {
	l, err := scanLinkage(s.db.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, linkage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query linkage: %w", err)
	}
	return l, nil
}

func scanLinkage(row pgx.Row) (*linkage.PropertyLinkage, error) {
	var (
		l                     linkage.PropertyLinkage
		key, account, folio   *string
		state, origin, method string
	)
	if err := row.Scan(&l.ID, &key, &account, &folio, &state, &l.LastUpdatedAt, &origin, &l.LinkScore, &method); err != nil {
		return nil, err
	}
	l.CadastralKey, l.CadastralAccount, l.RegistryFolio = deref(key), deref(account), deref(folio)

	var err error
	if l.SyncState, err = linkage.ParseSyncState(state); err != nil {
		return nil, err
	}
	if l.LastChangeOrigin, err = linkage.ParseOrigin(origin); err != nil {
		return nil, err
	}
	if l.LinkMethod, err = linkage.ParseMethod(method); err != nil {
		return nil, err
	}
	return &l, nil
}

// Upsert writes the linkage inside a transaction. Rows already holding the
// cadastral key or folio are locked first so that a bijection violation is
// reported with the owning linkage id.
func (s *LinkageStore) Upsert(ctx context.Context, l *linkage.PropertyLinkage) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.LastUpdatedAt.IsZero() {
		l.LastUpdatedAt = s.now()
	}
	if err := l.Validate(); err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := upsertLinkage(ctx, tx, l); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit linkage: %w", err)
	}
	return nil
}

func upsertLinkage(ctx context.Context, tx pgx.Tx, l *linkage.PropertyLinkage) error {
	for _, c := range []struct{ field, column, value string }{
		{"cadastral_key", "clave_catastral", l.CadastralKey},
		{"registry_folio", "folio_real", l.RegistryFolio},
	} {
		if c.value == "" {
			continue
		}
		var owner uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT uuid_propiedad FROM vinculacion_propiedad WHERE `+c.column+` = $1 AND uuid_propiedad <> $2 FOR UPDATE`,
			c.value, l.ID).Scan(&owner)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to check %s ownership: %w", c.field, err)
		default:
			return &linkage.ConflictError{Field: c.field, Value: c.value, OwnerID: owner, AttemptedID: l.ID}
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO vinculacion_propiedad (`+linkageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (uuid_propiedad) DO UPDATE SET
			clave_catastral = EXCLUDED.clave_catastral,
			cuenta_catastral = EXCLUDED.cuenta_catastral,
			folio_real = EXCLUDED.folio_real,
			estado_sincronizacion = EXCLUDED.estado_sincronizacion,
			ultima_actualizacion = EXCLUDED.ultima_actualizacion,
			origen_ultimo_cambio = EXCLUDED.origen_ultimo_cambio,
			score_vinculacion = EXCLUDED.score_vinculacion,
			metodo_vinculacion = EXCLUDED.metodo_vinculacion`,
		l.ID, nullable(l.CadastralKey), nullable(l.CadastralAccount), nullable(l.RegistryFolio),
		l.SyncState.Column(), l.LastUpdatedAt, l.LastChangeOrigin.Column(), l.LinkScore, l.LinkMethod.Column())
	if constraint, ok := uniqueViolation(err); ok {
		// lost a race with a concurrent insert of the same key
		field, value := "registry_folio", l.RegistryFolio
		if constraint == "vinculacion_propiedad_clave_catastral_key" {
			field, value = "cadastral_key", l.CadastralKey
		}
		return &linkage.ConflictError{Field: field, Value: value, AttemptedID: l.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to upsert linkage: %w", err)
	}
	return nil
}

func (s *LinkageStore) MarkError(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, id, `UPDATE vinculacion_propiedad
		SET estado_sincronizacion = $2, ultima_actualizacion = $3
		WHERE uuid_propiedad = $1`, linkage.Error.Column(), s.now())
}

func (s *LinkageStore) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time, origin linkage.Origin) error {
	return s.update(ctx, id, `UPDATE vinculacion_propiedad
		SET estado_sincronizacion = $2, ultima_actualizacion = $3, origen_ultimo_cambio = $4
		WHERE uuid_propiedad = $1`, linkage.Synced.Column(), at, origin.Column())
}

func (s *LinkageStore) update(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	return RetryOperation(ctx, func() error {
		tag, err := s.db.Exec(ctx, query, append([]any{id}, args...)...)
		if err != nil {
			return fmt.Errorf("failed to update linkage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return retry.Permanent(linkage.ErrNotFound)
		}
		return nil
	}, "update linkage")
}
