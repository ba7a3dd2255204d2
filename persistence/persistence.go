// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mailwatch/go-imap-watch/domain"
	"github.com/mailwatch/go-imap-watch/log"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
)

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "1-folders",
			Up: []string{`
				CREATE TABLE folders (
					name           TEXT PRIMARY KEY,
					uidvalidity    INTEGER NOT NULL,
					lasthandleduid INTEGER NOT NULL DEFAULT 0
				)`,
			},
			Down: []string{`DROP TABLE folders`},
		},
	},
}

type Persistence struct {
	db *sqlx.DB
	l  *logrus.Logger
}

func NewPersistence(datasource string) (*Persistence, error) {
	db, err := sqlx.Connect("sqlite3", datasource)
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := log.Logger(log.LOG_PERSISTENCE)
	l.WithField("file", datasource).Info("Connected")

	_, err = db.Exec(`PRAGMA journal_mode=WAL`)
	if err != nil {
		return nil, fmt.Errorf("could not set journal mode: %w", err)
	}
	_, err = db.Exec(`PRAGMA synchronous=normal`)
	if err != nil {
		return nil, fmt.Errorf("could not set synchronous mode: %w", err)
	}

	appliedMigrations, err := migrate.Exec(db.DB, "sqlite3", migrations, migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("could not migrate to newest version: %w", err)
	}

	l.WithField("migrations", appliedMigrations).Debug("Executed migrations")

	return &Persistence{
		db: db,
		l:  l,
	}, nil
}

func (p *Persistence) Close() error {
	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("could not close db: %w", err)
	}
	p.l.Info("Disconnected")
	return nil
}

func (p *Persistence) FolderState(name string) (*domain.FolderState, error) {
	dbFolder := struct {
		Name           string
		UidValidity    uint32 `db:"uidvalidity"`
		LastHandledUid uint32 `db:"lasthandleduid"`
	}{}

	err := p.db.Get(
		&dbFolder,
		`SELECT name, uidvalidity, lasthandleduid FROM folders WHERE name = ?`,
		name,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return &domain.FolderState{
		Name:           dbFolder.Name,
		UidValidity:    dbFolder.UidValidity,
		LastHandledUid: dbFolder.LastHandledUid,
	}, nil
}

func (p *Persistence) SaveFolderState(name string, uidValidity uint32, lastHandledUid uint32) error {
	_, err := p.db.Exec(
		"INSERT OR REPLACE INTO folders (name, uidvalidity, lasthandleduid) VALUES (?, ?, ?)",
		name,
		uidValidity,
		lastHandledUid,
	)

	if err != nil {
		return fmt.Errorf("could not save folder state: %w", err)
	}

	p.l.WithFields(logrus.Fields{"Name": name, "UidValidity": uidValidity, "LastHandledUid": lastHandledUid}).Debug("Persisted folder state")
	return nil
}
