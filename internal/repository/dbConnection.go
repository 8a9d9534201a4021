// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package repository

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/dispatchforge/jobcore/pkg/clog"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	_ "github.com/go-sql-driver/mysql"
)

var (
	dbConnOnce     sync.Once
	dbConnInstance *DBConnection
)

type DBConnection struct {
	DB     *sqlx.DB
	Driver string
}

// Connect opens the store once per process. driver is "sqlite3" or
// "mysql"; db is a filename for sqlite3 or a DSN for mysql (without
// query parameters).
func Connect(driver string, db string) {
	var err error
	var dbHandle *sqlx.DB

	dbConnOnce.Do(func() {
		cfg := GetConfig()

		switch driver {
		case "sqlite3":
			sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
			dbHandle, err = sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", db))
			if err != nil {
				clog.Fatal(err)
			}

			// sqlite does not multiplex writers; one connection avoids
			// waiting on its own lock.
			dbHandle.SetMaxOpenConns(1)
		case "mysql":
			dbHandle, err = sqlx.Open("mysql", fmt.Sprintf("%s?multiStatements=true", db))
			if err != nil {
				clog.Fatalf("sqlx.Open() error: %v", err)
			}

			dbHandle.SetConnMaxLifetime(cfg.ConnectionMaxLifetime)
			dbHandle.SetConnMaxIdleTime(cfg.ConnectionMaxIdleTime)
			dbHandle.SetMaxOpenConns(cfg.MaxOpenConnections)
			dbHandle.SetMaxIdleConns(cfg.MaxIdleConnections)
		default:
			clog.Fatalf("unsupported database driver: %s", driver)
		}

		dbConnInstance = &DBConnection{DB: dbHandle, Driver: driver}
		checkDBVersion(driver, dbHandle.DB)
	})
}

func GetConnection() *DBConnection {
	if dbConnInstance == nil {
		clog.Fatal("database connection not initialized")
	}
	return dbConnInstance
}
