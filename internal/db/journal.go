package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/registry"
	"github.com/munistream/puente/internal/sync"
)

const operationColumns = `id, uuid_propiedad, origen, modo, clave_origen, clave_contraparte,
	cambios_origen, cambios, valores_previos, valores_previos_origen,
	intentos, estado, error, iniciada, completada`

// OperationStore keeps the synchronization journal in operacion_sincronizacion.
type OperationStore struct {
	db PgxIface
}

// NewOperationStore returns a journal using the given pool or connection.
func NewOperationStore(db PgxIface) *OperationStore {
	return &OperationStore{db: db}
}

var _ sync.OperationStore = (*OperationStore)(nil)

// Save inserts the operation or overwrites its mutable columns.
func (s *OperationStore) Save(ctx context.Context, op *sync.Operation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO operacion_sincronizacion (`+operationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			clave_contraparte = EXCLUDED.clave_contraparte,
			cambios = EXCLUDED.cambios,
			valores_previos = EXCLUDED.valores_previos,
			valores_previos_origen = EXCLUDED.valores_previos_origen,
			intentos = EXCLUDED.intentos,
			estado = EXCLUDED.estado,
			error = EXCLUDED.error,
			completada = EXCLUDED.completada`,
		op.ID, op.LinkageID, op.Origin.Column(), string(op.Mode), op.OriginKey, nullable(op.CounterpartKey),
		orEmpty(op.OriginDeltas), orEmpty(op.Deltas), op.Previous, op.OriginPrevious,
		op.AttemptCount, string(op.Status), nullable(op.Error), op.StartedAt, op.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to save operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *OperationStore) Get(ctx context.Context, id uuid.UUID) (*sync.Operation, error) {
	op, err := scanOperation(s.db.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM operacion_sincronizacion WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sync.ErrNoOperation
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}
	return op, nil
}

func (s *OperationStore) Latest(ctx context.Context, linkageID uuid.UUID) (*sync.Operation, error) {
	op, err := scanOperation(s.db.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM operacion_sincronizacion
		WHERE uuid_propiedad = $1 ORDER BY iniciada DESC LIMIT 1`, linkageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sync.ErrNoOperation
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest operation: %w", err)
	}
	return op, nil
}

func (s *OperationStore) ListStale(ctx context.Context, startedBefore time.Time) ([]sync.Operation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+operationColumns+` FROM operacion_sincronizacion
		WHERE estado = 'pending' AND iniciada < $1 ORDER BY iniciada ASC`, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale operations: %w", err)
	}
	defer rows.Close()

	var ops []sync.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}
	return ops, nil
}

func scanOperation(row pgx.Row) (*sync.Operation, error) {
	var (
		op                        sync.Operation
		origin, mode, status      string
		counterpartKey, errorText *string
	)
	err := row.Scan(&op.ID, &op.LinkageID, &origin, &mode, &op.OriginKey, &counterpartKey,
		&op.OriginDeltas, &op.Deltas, &op.Previous, &op.OriginPrevious,
		&op.AttemptCount, &status, &errorText, &op.StartedAt, &op.CompletedAt)
	if err != nil {
		return nil, err
	}
	if op.Origin, err = linkage.ParseOrigin(origin); err != nil {
		return nil, err
	}
	op.Mode = sync.Mode(mode)
	op.Status = sync.Status(status)
	op.CounterpartKey = deref(counterpartKey)
	op.Error = deref(errorText)
	return &op, nil
}

// SnapshotStore keeps last-synchronized values in instantanea_sincronizacion.
type SnapshotStore struct {
	db PgxIface
}

// NewSnapshotStore returns a store using the given pool or connection.
func NewSnapshotStore(db PgxIface) *SnapshotStore {
	return &SnapshotStore{db: db}
}

var _ sync.SnapshotStore = (*SnapshotStore)(nil)

func (s *SnapshotStore) Get(ctx context.Context, linkageID uuid.UUID) (*sync.Snapshot, error) {
	snap := sync.Snapshot{LinkageID: linkageID}
	err := s.db.QueryRow(ctx,
		`SELECT catastro, rpp, sincronizada FROM instantanea_sincronizacion WHERE uuid_propiedad = $1`,
		linkageID).Scan(&snap.Cadastral, &snap.Registry, &snap.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return &snap, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap *sync.Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO instantanea_sincronizacion (uuid_propiedad, catastro, rpp, sincronizada)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (uuid_propiedad) DO UPDATE SET
			catastro = EXCLUDED.catastro,
			rpp = EXCLUDED.rpp,
			sincronizada = EXCLUDED.sincronizada`,
		snap.LinkageID, orEmpty(snap.Cadastral), orEmpty(snap.Registry), snap.SyncedAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

const conflictColumns = `id, uuid_propiedad, campo, campo_rpp, valor_catastro, valor_rpp,
	modificado_catastro, modificado_rpp, resolucion, ganador, valor_resuelto, detectado, resuelto`

// ConflictStore keeps the conflict audit trail in conflicto_campo.
type ConflictStore struct {
	db PgxIface
}

// NewConflictStore returns a store using the given pool or connection.
func NewConflictStore(db PgxIface) *ConflictStore {
	return &ConflictStore{db: db}
}

var _ conflict.Store = (*ConflictStore)(nil)

func (s *ConflictStore) Save(ctx context.Context, r *conflict.Record) error {
	var winner *string
	if r.Winner != "" {
		winner = nullable(r.Winner.Column())
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO conflicto_campo (`+conflictColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			resolucion = EXCLUDED.resolucion,
			ganador = EXCLUDED.ganador,
			valor_resuelto = EXCLUDED.valor_resuelto,
			resuelto = EXCLUDED.resuelto`,
		r.ID, r.LinkageID, r.FieldName, r.RegistryField, r.CadastralValue, r.RegistryValue,
		nullTime(r.CadastralModifiedAt), nullTime(r.RegistryModifiedAt), string(r.Resolution),
		winner, resolvedValue(r), r.DetectedAt, r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to save conflict %s: %w", r.ID, err)
	}
	return nil
}

func (s *ConflictStore) Get(ctx context.Context, id uuid.UUID) (*conflict.Record, error) {
	r, err := scanConflict(s.db.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM conflicto_campo WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conflict.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict: %w", err)
	}
	return r, nil
}

func (s *ConflictStore) ListByLinkage(ctx context.Context, linkageID uuid.UUID) ([]conflict.Record, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+conflictColumns+` FROM conflicto_campo
		WHERE uuid_propiedad = $1 ORDER BY detectado ASC, campo ASC`, linkageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []conflict.Record
	for rows.Next() {
		r, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

func scanConflict(row pgx.Row) (*conflict.Record, error) {
	var (
		r                       conflict.Record
		cadastralAt, registryAt *time.Time
		resolution              string
		winner, resolved        *string
	)
	err := row.Scan(&r.ID, &r.LinkageID, &r.FieldName, &r.RegistryField, &r.CadastralValue, &r.RegistryValue,
		&cadastralAt, &registryAt, &resolution, &winner, &resolved, &r.DetectedAt, &r.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if cadastralAt != nil {
		r.CadastralModifiedAt = *cadastralAt
	}
	if registryAt != nil {
		r.RegistryModifiedAt = *registryAt
	}
	r.Resolution = conflict.Resolution(resolution)
	if winner != nil {
		if r.Winner, err = linkage.ParseOrigin(*winner); err != nil {
			return nil, err
		}
	}
	r.ResolvedValue = deref(resolved)
	return &r, nil
}

// resolvedValue keeps an empty winning value distinct from "no resolution".
func resolvedValue(r *conflict.Record) *string {
	if r.Resolution == conflict.Unresolved {
		return nil
	}
	v := r.ResolvedValue
	return &v
}

func orEmpty(f registry.Fields) registry.Fields {
	if f == nil {
		return registry.Fields{}
	}
	return f
}
