package store

const schema = `
CREATE TABLE IF NOT EXISTS templates (
	name      TEXT PRIMARY KEY,
	cpu_count INTEGER NOT NULL,
	ram_gb    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vms (
	id            TEXT PRIMARY KEY,
	template_name TEXT NOT NULL REFERENCES templates(name),
	state         TEXT NOT NULL,
	local_ip      TEXT
);

CREATE TABLE IF NOT EXISTS disks (
	id          TEXT PRIMARY KEY,
	size_gb     INTEGER NOT NULL,
	mount_point TEXT,
	state       TEXT NOT NULL,
	vm_id       TEXT REFERENCES vms(id)
);

CREATE TABLE IF NOT EXISTS vm_metadata (
	vm_id      TEXT PRIMARY KEY REFERENCES vms(id),
	hostname   TEXT NOT NULL DEFAULT '',
	user_data  TEXT NOT NULL DEFAULT '',
	ssh_keys   TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
