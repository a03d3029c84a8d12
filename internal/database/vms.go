package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/evilkost/copr/internal/vmm"
)

var _ vmm.Store = (*DB)(nil)

const vmColumns = `name, ip, group_id, state, bound_to_user, in_use_since, last_release,
	last_health_check, last_ready, check_fails, terminating_since, created_at,
	build_id, task_id, chroot, used_by_pid`

// vmRow mirrors one row of the vms table.
type vmRow struct {
	Name             string
	IP               string
	GroupID          int32
	State            string
	BoundToUser      pgtype.Text
	InUseSince       pgtype.Timestamptz
	LastRelease      pgtype.Timestamptz
	LastHealthCheck  pgtype.Timestamptz
	LastReady        pgtype.Timestamptz
	CheckFails       int32
	TerminatingSince pgtype.Timestamptz
	CreatedAt        pgtype.Timestamptz
	BuildID          pgtype.Int8
	TaskID           pgtype.Text
	Chroot           pgtype.Text
	UsedByPID        pgtype.Int4
}

func scanVM(row pgx.Row) (*vmm.VMDescriptor, error) {
	var r vmRow
	err := row.Scan(
		&r.Name, &r.IP, &r.GroupID, &r.State, &r.BoundToUser, &r.InUseSince, &r.LastRelease,
		&r.LastHealthCheck, &r.LastReady, &r.CheckFails, &r.TerminatingSince, &r.CreatedAt,
		&r.BuildID, &r.TaskID, &r.Chroot, &r.UsedByPID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, vmm.ErrVMNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.descriptor(), nil
}

func (r vmRow) descriptor() *vmm.VMDescriptor {
	return &vmm.VMDescriptor{
		Name:             r.Name,
		IP:               r.IP,
		Group:            int(r.GroupID),
		State:            vmm.State(r.State),
		BoundToUser:      r.BoundToUser.String,
		InUseSince:       fromTimestamptz(r.InUseSince),
		LastRelease:      fromTimestamptz(r.LastRelease),
		LastHealthCheck:  fromTimestamptz(r.LastHealthCheck),
		LastReady:        fromTimestamptz(r.LastReady),
		CheckFails:       int(r.CheckFails),
		TerminatingSince: fromTimestamptz(r.TerminatingSince),
		CreatedAt:        fromTimestamptz(r.CreatedAt),
		Build: vmm.BuildContext{
			BuildID:   r.BuildID.Int64,
			TaskID:    r.TaskID.String,
			Chroot:    r.Chroot.String,
			UsedByPID: int(r.UsedByPID.Int32),
		},
	}
}

func rowArgs(vm *vmm.VMDescriptor) []any {
	return []any{
		vm.Name,
		vm.IP,
		int32(vm.Group),
		string(vm.State),
		text(vm.BoundToUser),
		timestamptz(vm.InUseSince),
		timestamptz(vm.LastRelease),
		timestamptz(vm.LastHealthCheck),
		timestamptz(vm.LastReady),
		int32(vm.CheckFails),
		timestamptz(vm.TerminatingSince),
		timestamptz(vm.CreatedAt),
		pgtype.Int8{Int64: vm.Build.BuildID, Valid: vm.Build.BuildID != 0},
		text(vm.Build.TaskID),
		text(vm.Build.Chroot),
		pgtype.Int4{Int32: int32(vm.Build.UsedByPID), Valid: vm.Build.UsedByPID != 0},
	}
}

func text(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func fromTimestamptz(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// isUniqueViolation checks for SQLSTATE 23505
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (db *DB) InsertVM(ctx context.Context, vm *vmm.VMDescriptor) error {
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = time.Now()
	}

	return db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO vm_groups (id) VALUES ($1) ON CONFLICT DO NOTHING", int32(vm.Group)); err != nil {
			return fmt.Errorf("failed to register group %d: %w", vm.Group, err)
		}

		_, err := tx.Exec(ctx, `INSERT INTO vms (`+vmColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			rowArgs(vm)...)
		if isUniqueViolation(err) {
			return vmm.ErrVMExists
		}
		return err
	})
}

func (db *DB) GetVM(ctx context.Context, name string) (*vmm.VMDescriptor, error) {
	return scanVM(db.Pool.QueryRow(ctx, "SELECT "+vmColumns+" FROM vms WHERE name = $1", name))
}

func (db *DB) ListVMs(ctx context.Context, group int) ([]*vmm.VMDescriptor, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+vmColumns+" FROM vms WHERE group_id = $1 ORDER BY name", int32(group))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vms []*vmm.VMDescriptor
	for rows.Next() {
		vm, err := scanVM(rows)
		if err != nil {
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

func (db *DB) ListGroups(ctx context.Context) ([]int, error) {
	rows, err := db.Pool.Query(ctx, "SELECT id FROM vm_groups ORDER BY id")
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int32])
	if err != nil {
		return nil, err
	}

	groups := make([]int, len(ids))
	for i, id := range ids {
		groups[i] = int(id)
	}
	return groups, nil
}

// UpdateVM locks the row with SELECT ... FOR UPDATE so the guard in fn and
// the write happen as one step for every concurrent caller.
func (db *DB) UpdateVM(ctx context.Context, name string, fn func(vm *vmm.VMDescriptor) error) (*vmm.VMDescriptor, error) {
	var updated *vmm.VMDescriptor
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanVM(tx.QueryRow(ctx, "SELECT "+vmColumns+" FROM vms WHERE name = $1 FOR UPDATE", name))
		if err != nil {
			return err
		}

		next := *current
		if err := fn(&next); err != nil {
			return err
		}
		next.Name = current.Name
		next.Group = current.Group
		if !next.State.Valid() {
			return fmt.Errorf("invalid state %q for vm %s", next.State, name)
		}

		_, err = tx.Exec(ctx, `UPDATE vms SET
			ip = $2, state = $3, bound_to_user = $4, in_use_since = $5, last_release = $6,
			last_health_check = $7, last_ready = $8, check_fails = $9, terminating_since = $10,
			build_id = $11, task_id = $12, chroot = $13, used_by_pid = $14
			WHERE name = $1`,
			next.Name,
			next.IP,
			string(next.State),
			text(next.BoundToUser),
			timestamptz(next.InUseSince),
			timestamptz(next.LastRelease),
			timestamptz(next.LastHealthCheck),
			timestamptz(next.LastReady),
			int32(next.CheckFails),
			timestamptz(next.TerminatingSince),
			pgtype.Int8{Int64: next.Build.BuildID, Valid: next.Build.BuildID != 0},
			text(next.Build.TaskID),
			text(next.Build.Chroot),
			pgtype.Int4{Int32: int32(next.Build.UsedByPID), Valid: next.Build.UsedByPID != 0},
		)
		if err != nil {
			return fmt.Errorf("failed to update vm %s: %w", name, err)
		}

		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (db *DB) DeleteVM(ctx context.Context, name string, guard func(vm *vmm.VMDescriptor) error) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		current, err := scanVM(tx.QueryRow(ctx, "SELECT "+vmColumns+" FROM vms WHERE name = $1 FOR UPDATE", name))
		if err != nil {
			return err
		}
		if err := guard(current); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, "DELETE FROM vms WHERE name = $1", name); err != nil {
			return fmt.Errorf("failed to delete vm %s: %w", name, err)
		}
		return nil
	})
}

func (db *DB) GetPoolInfo(ctx context.Context, group int) (vmm.PoolInfo, error) {
	var last pgtype.Timestamptz
	err := db.Pool.QueryRow(ctx, "SELECT last_vm_spawn_start FROM vm_pool_info WHERE group_id = $1", int32(group)).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return vmm.PoolInfo{Group: group}, nil
	}
	if err != nil {
		return vmm.PoolInfo{}, err
	}
	return vmm.PoolInfo{Group: group, LastVMSpawnStart: fromTimestamptz(last)}, nil
}

func (db *DB) SetLastSpawnStart(ctx context.Context, group int, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `INSERT INTO vm_pool_info (group_id, last_vm_spawn_start) VALUES ($1, $2)
		ON CONFLICT (group_id) DO UPDATE SET last_vm_spawn_start = EXCLUDED.last_vm_spawn_start`,
		int32(group), timestamptz(at))
	return err
}
