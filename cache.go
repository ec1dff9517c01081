// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// stmtIDCount and dbIDCount are used to generate unique IDs.
var stmtIDCount uint64
var dbIDCount uint64

type dbID = uint64
type stmtID = uint64

// statementCache caches the sql.Stmt values associated with each
// PreparedQuery. A PreparedQuery can correspond to multiple sql.Stmt values
// on different databases. The cache is indexed by the PreparedQuery ID and the
// DB ID.
//
// The cache closes sql.Stmt values with a finalizer on the PreparedQuery.
// Similarly a finalizer is set on DB values to close all statements prepared
// on the DB, close the DB, and remove references to the DB from the cache.
//
// The mutex must be held when accessing either stmtDBCache or dbStmtCache.
type statementCache struct {
	stmtDBCache map[stmtID]map[dbID]*sql.Stmt
	dbStmtCache map[dbID]map[stmtID]bool
	mutex       sync.RWMutex

	// prepares collapses concurrent preparations of the same statement on
	// the same DB into one driver call.
	prepares singleflight.Group
}

var once sync.Once
var singleStmtCache *statementCache

// newStatementCache returns the single instance of the statement cache.
func newStatementCache() *statementCache {
	once.Do(func() {
		singleStmtCache = &statementCache{
			stmtDBCache: map[stmtID]map[dbID]*sql.Stmt{},
			dbStmtCache: map[dbID]map[stmtID]bool{},
		}
	})
	return singleStmtCache
}

// newPreparedQuery allocates pq in the cache. A finalizer is set on pq to
// close and forget every sql.Stmt associated with it once it is garbage
// collected.
func (sc *statementCache) newPreparedQuery(pq *PreparedQuery) *PreparedQuery {
	pq.cacheID = atomic.AddUint64(&stmtIDCount, 1)
	sc.mutex.Lock()
	sc.stmtDBCache[pq.cacheID] = map[dbID]*sql.Stmt{}
	sc.mutex.Unlock()
	runtime.SetFinalizer(pq, sc.stmtFinalizer)
	return pq
}

// newDB allocates db in the cache. A finalizer is set on db which removes it
// from the cache, closes all sql.Stmt values prepared upon it and then closes
// the sql.DB.
func (sc *statementCache) newDB(db *DB) *DB {
	db.cacheID = atomic.AddUint64(&dbIDCount, 1)
	sc.mutex.Lock()
	sc.dbStmtCache[db.cacheID] = map[stmtID]bool{}
	sc.mutex.Unlock()
	runtime.SetFinalizer(db, sc.dbFinalizer)
	return db
}

// lookupStmt returns the sql.Stmt of pq on db, if it has been prepared.
func (sc *statementCache) lookupStmt(db *DB, pq *PreparedQuery) (*sql.Stmt, bool) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	// The query ID is only removed from the cache when the finalizer is run,
	// so it is always in stmtDBCache.
	sqlstmt, ok := sc.stmtDBCache[pq.cacheID][db.cacheID]
	return sqlstmt, ok
}

// driverPrepareStmt prepares pq on db and stores the sql.Stmt in the cache.
// Concurrent calls for the same pair prepare a single statement. The
// statement is shared by every waiter, so cancelling ctx does not abort the
// preparation.
func (sc *statementCache) driverPrepareStmt(ctx context.Context, db *DB, pq *PreparedQuery) (*sql.Stmt, error) {
	key := strconv.FormatUint(pq.cacheID, 10) + "/" + strconv.FormatUint(db.cacheID, 10)
	prepareCtx := context.WithoutCancel(ctx)
	v, err, _ := sc.prepares.Do(key, func() (any, error) {
		if sqlstmt, ok := sc.lookupStmt(db, pq); ok {
			return sqlstmt, nil
		}
		sqlstmt, err := db.sqldb.PrepareContext(prepareCtx, pq.SQL())
		if err != nil {
			return nil, err
		}
		sc.mutex.Lock()
		sc.stmtDBCache[pq.cacheID][db.cacheID] = sqlstmt
		sc.dbStmtCache[db.cacheID][pq.cacheID] = true
		sc.mutex.Unlock()
		return sqlstmt, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.Stmt), nil
}

// stmtFinalizer removes a PreparedQuery from the cache and closes its
// statements.
func (sc *statementCache) stmtFinalizer(pq *PreparedQuery) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	dbCache := sc.stmtDBCache[pq.cacheID]
	for dbCacheID, sqlstmt := range dbCache {
		sqlstmt.Close()
		delete(sc.dbStmtCache[dbCacheID], pq.cacheID)
	}
	delete(sc.stmtDBCache, pq.cacheID)
}

// dbFinalizer closes and forgets all sql.Stmt values prepared on the
// database, removes the database from the cache, then closes the sql.DB.
func (sc *statementCache) dbFinalizer(db *DB) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	for cacheID := range sc.dbStmtCache[db.cacheID] {
		dbCache := sc.stmtDBCache[cacheID]
		dbCache[db.cacheID].Close()
		delete(dbCache, db.cacheID)
	}
	delete(sc.dbStmtCache, db.cacheID)
	db.sqldb.Close()
}
