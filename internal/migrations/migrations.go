// Package migrations contains the database schema of the linkage registry
// and the synchronization journal.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableName is the table tracking applied migrations.
const TableName = "puente_migrations"

const createLinkageSQL = `
-- One row per cadastral record <-> registry folio correspondence
CREATE TABLE vinculacion_propiedad (
	uuid_propiedad uuid PRIMARY KEY,
	clave_catastral text UNIQUE,
	cuenta_catastral text,
	folio_real text UNIQUE,
	estado_sincronizacion text NOT NULL
		CHECK (estado_sincronizacion IN ('sincronizado', 'pendiente', 'error')),
	ultima_actualizacion timestamp with time zone NOT NULL DEFAULT now(),
	origen_ultimo_cambio text NOT NULL
		CHECK (origen_ultimo_cambio IN ('catastro', 'rpp')),
	score_vinculacion double precision NOT NULL DEFAULT 0
		CHECK (score_vinculacion BETWEEN 0 AND 100),
	metodo_vinculacion text NOT NULL
		CHECK (metodo_vinculacion IN ('automatico', 'manual', 'importacion')),
	CHECK (clave_catastral IS NOT NULL OR folio_real IS NOT NULL)
);

CREATE INDEX idx_vinculacion_estado ON vinculacion_propiedad(estado_sincronizacion);
`

const createJournalSQL = `
-- Every attempted cross-registry write, journaled before the first call
CREATE TABLE operacion_sincronizacion (
	id uuid PRIMARY KEY,
	uuid_propiedad uuid NOT NULL, -- no FK: create mode journals before the linkage exists
	origen text NOT NULL CHECK (origen IN ('catastro', 'rpp')),
	modo text NOT NULL CHECK (modo IN ('sync', 'create')),
	clave_origen text NOT NULL,
	clave_contraparte text,
	cambios_origen jsonb NOT NULL DEFAULT '{}',
	cambios jsonb NOT NULL DEFAULT '{}',
	valores_previos jsonb,
	valores_previos_origen jsonb,
	intentos integer NOT NULL DEFAULT 0,
	estado text NOT NULL CHECK (estado IN ('pending', 'applied', 'failed', 'rolled_back')),
	error text,
	iniciada timestamp with time zone NOT NULL DEFAULT now(),
	completada timestamp with time zone
);

CREATE INDEX idx_operacion_propiedad ON operacion_sincronizacion(uuid_propiedad, iniciada DESC);
CREATE INDEX idx_operacion_pendiente ON operacion_sincronizacion(iniciada) WHERE estado = 'pending';

-- Field values of both registries at the last successful synchronization
CREATE TABLE instantanea_sincronizacion (
	uuid_propiedad uuid PRIMARY KEY,
	catastro jsonb NOT NULL DEFAULT '{}',
	rpp jsonb NOT NULL DEFAULT '{}',
	sincronizada timestamp with time zone NOT NULL
);

-- Fields changed on both sides since the last synchronization
CREATE TABLE conflicto_campo (
	id uuid PRIMARY KEY,
	uuid_propiedad uuid NOT NULL,
	campo text NOT NULL,
	campo_rpp text NOT NULL,
	valor_catastro text NOT NULL,
	valor_rpp text NOT NULL,
	modificado_catastro timestamp with time zone,
	modificado_rpp timestamp with time zone,
	resolucion text NOT NULL CHECK (resolucion IN ('pending', 'auto_resolved', 'manually_resolved')),
	ganador text CHECK (ganador IN ('catastro', 'rpp')),
	valor_resuelto text,
	detectado timestamp with time zone NOT NULL DEFAULT now(),
	resuelto timestamp with time zone
);

CREATE INDEX idx_conflicto_propiedad ON conflicto_campo(uuid_propiedad, detectado);
CREATE INDEX idx_conflicto_pendiente ON conflicto_campo(uuid_propiedad) WHERE resolucion = 'pending';
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_linkage_registry",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createLinkageSQL)
				return err
			},
		},
		&migrator.Migration{
			Name: "002_create_sync_journal",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createJournalSQL)
				return err
			},
		},
		// adding new migration here
	)
}

var (
	migratorInstance *migrator.Migrator
	migratorErr      error
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName(TableName),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}
