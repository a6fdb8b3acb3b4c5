package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blawesom/vm-manager/internal/model"
)

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Init(opts ...Option) error {
	o := NewOptions(opts...)
	if o.Path == "" {
		o.Path = "/var/lib/vman/vman.db"
	}

	dsn := o.Path
	if dsn != ":memory:" {
		dsn += "?_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("opening sqlite database: %w", err)
	}

	// sqlite3 can only safely serve one writer at a time; a single
	// connection turns concurrent API requests into a queue rather than a
	// SQLITE_BUSY race.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	s.db = db
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) DB() *sql.DB {
	return s.db
}

func (s *sqliteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// --- Templates ---

func (s *sqliteStore) CreateTemplate(t model.Template) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO templates (name, cpu_count, ram_gb) VALUES (?, ?, ?)`,
			t.Name, t.CPUCount, t.RAMGB)
		return err
	})
}

func (s *sqliteStore) GetTemplate(name string) (model.Template, error) {
	var t model.Template
	row := s.db.QueryRow(`SELECT name, cpu_count, ram_gb FROM templates WHERE name = ?`, name)
	if err := row.Scan(&t.Name, &t.CPUCount, &t.RAMGB); err != nil {
		if err == sql.ErrNoRows {
			return t, ErrNotFound
		}
		return t, err
	}
	return t, nil
}

func (s *sqliteStore) ListTemplates() ([]model.Template, error) {
	rows, err := s.db.Query(`SELECT name, cpu_count, ram_gb FROM templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Template
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.Name, &t.CPUCount, &t.RAMGB); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTemplate(name string) error {
	return s.withTx(func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM vms WHERE template_name = ?`, name).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("template %s is referenced by %d VM(s)", name, count)
		}

		res, err := tx.Exec(`DELETE FROM templates WHERE name = ?`, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- VMs ---

func (s *sqliteStore) CreateVM(v model.VM) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO vms (id, template_name, state, local_ip) VALUES (?, ?, ?, ?)`,
			v.ID, v.TemplateName, string(v.State), v.LocalIP)
		return err
	})
}

func (s *sqliteStore) GetVM(id string) (model.VM, error) {
	var (
		v     model.VM
		state string
	)
	row := s.db.QueryRow(`SELECT id, template_name, state, local_ip FROM vms WHERE id = ?`, id)
	if err := row.Scan(&v.ID, &v.TemplateName, &state, &v.LocalIP); err != nil {
		if err == sql.ErrNoRows {
			return v, ErrNotFound
		}
		return v, err
	}
	v.State = model.VMState(state)
	return v, nil
}

func (s *sqliteStore) ListVMs(state string) ([]model.VM, error) {
	query := `SELECT id, template_name, state, local_ip FROM vms`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.VM
	for rows.Next() {
		var (
			v  model.VM
			st string
		)
		if err := rows.Scan(&v.ID, &v.TemplateName, &st, &v.LocalIP); err != nil {
			return nil, err
		}
		v.State = model.VMState(st)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateVM(v model.VM) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE vms SET template_name = ?, state = ?, local_ip = ? WHERE id = ?`,
			v.TemplateName, string(v.State), v.LocalIP, v.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sqliteStore) DeleteVMCascade(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		// Referencing rows go first: with foreign keys enforced, deleting
		// the VM row while a disk or metadata row still points at it fails.
		if _, err := tx.Exec(`UPDATE disks SET state = ?, vm_id = NULL, mount_point = NULL WHERE vm_id = ?`,
			string(model.DiskAvailable), id); err != nil {
			return err
		}

		if _, err := tx.Exec(`DELETE FROM vm_metadata WHERE vm_id = ?`, id); err != nil {
			return err
		}

		res, err := tx.Exec(`DELETE FROM vms WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}

		return nil
	})
}

// --- Disks ---

func (s *sqliteStore) CreateDisk(d model.Disk) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO disks (id, size_gb, mount_point, state, vm_id) VALUES (?, ?, ?, ?, ?)`,
			d.ID, d.SizeGB, d.MountPoint, string(d.State), d.VMID)
		return err
	})
}

func (s *sqliteStore) GetDisk(id string) (model.Disk, error) {
	var (
		d     model.Disk
		state string
	)
	row := s.db.QueryRow(`SELECT id, size_gb, mount_point, state, vm_id FROM disks WHERE id = ?`, id)
	if err := row.Scan(&d.ID, &d.SizeGB, &d.MountPoint, &state, &d.VMID); err != nil {
		if err == sql.ErrNoRows {
			return d, ErrNotFound
		}
		return d, err
	}
	d.State = model.DiskState(state)
	return d, nil
}

func (s *sqliteStore) ListDisks() ([]model.Disk, error) {
	rows, err := s.db.Query(`SELECT id, size_gb, mount_point, state, vm_id FROM disks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Disk
	for rows.Next() {
		var (
			d  model.Disk
			st string
		)
		if err := rows.Scan(&d.ID, &d.SizeGB, &d.MountPoint, &st, &d.VMID); err != nil {
			return nil, err
		}
		d.State = model.DiskState(st)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateDisk(d model.Disk) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE disks SET size_gb = ?, mount_point = ?, state = ?, vm_id = ? WHERE id = ?`,
			d.SizeGB, d.MountPoint, string(d.State), d.VMID, d.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *sqliteStore) DeleteDisk(id string) error {
	return s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM disks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- VM metadata ---

func (s *sqliteStore) GetMetadata(vmID string) (model.VMMetadata, error) {
	var (
		m                model.VMMetadata
		created, updated string
	)
	row := s.db.QueryRow(`SELECT vm_id, hostname, user_data, ssh_keys, created_at, updated_at FROM vm_metadata WHERE vm_id = ?`, vmID)
	if err := row.Scan(&m.VMID, &m.Hostname, &m.UserData, &m.SSHKeys, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return m, ErrNotFound
		}
		return m, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339, created)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return m, nil
}

func (s *sqliteStore) UpsertMetadataPartial(vmID string, fields map[string]string) error {
	return s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)

		var exists bool
		if err := tx.QueryRow(`SELECT COUNT(*) > 0 FROM vm_metadata WHERE vm_id = ?`, vmID).Scan(&exists); err != nil {
			return err
		}

		if !exists {
			_, err := tx.Exec(`INSERT INTO vm_metadata (vm_id, hostname, user_data, ssh_keys, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				vmID, fields["hostname"], fields["user_data"], fields["ssh_keys"], now, now)
			return err
		}

		for _, col := range []string{"hostname", "user_data", "ssh_keys"} {
			v, ok := fields[col]
			if !ok {
				continue
			}
			if _, err := tx.Exec(fmt.Sprintf(`UPDATE vm_metadata SET %s = ? WHERE vm_id = ?`, col), v, vmID); err != nil {
				return err
			}
		}

		_, err := tx.Exec(`UPDATE vm_metadata SET updated_at = ? WHERE vm_id = ?`, now, vmID)
		return err
	})
}

func (s *sqliteStore) ClearMetadata(vmID string) error {
	return s.UpsertMetadataPartial(vmID, map[string]string{
		"hostname":  "",
		"user_data": "",
		"ssh_keys":  "",
	})
}
