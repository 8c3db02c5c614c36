package db

// Schema is the DDL for the tables this package reads and writes. It is applied
// by cmd/mailsyncd on startup and by the testutil Postgres test container; there
// is no separate migration runner, mirroring the teacher's single-pool,
// single-schema setup.
const Schema = `
CREATE TABLE IF NOT EXISTS mail_users (
	id                UUID PRIMARY KEY,
	email             TEXT NOT NULL UNIQUE,
	imap_host         TEXT NOT NULL,
	imap_port         INTEGER NOT NULL,
	imap_tls          BOOLEAN NOT NULL DEFAULT TRUE,
	imap_username     TEXT NOT NULL,
	auth_kind         TEXT NOT NULL DEFAULT 'password',
	encrypted_secret  BYTEA NOT NULL,
	last_uid          BIGINT,
	last_uid_validity TEXT,
	last_email_at     TIMESTAMPTZ,
	last_login_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
