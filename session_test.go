// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain_test

import (
	"context"
	"errors"

	"github.com/DATA-DOG/go-sqlmock"
	. "gopkg.in/check.v1"

	"github.com/canonical/sqlchain"
	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/expr"
)

// SessionSuite runs queries against a mocked Postgres connection to check
// the exact statements and arguments sent to the driver.
type SessionSuite struct {
	db   *sqlchain.DB
	mock sqlmock.Sqlmock
}

var _ = Suite(&SessionSuite{})

const userByIDAndName = `SELECT "id", "name", "city_id" AS "cityId" FROM "users" WHERE ("users"."id" = $1 AND "users"."name" = $2)`

func (s *SessionSuite) SetUpTest(c *C) {
	sqldb, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	c.Assert(err, IsNil)
	s.db = sqlchain.NewDB(sqldb, dialect.Postgres)
	s.mock = mock
}

func (s *SessionSuite) TearDownTest(c *C) {
	c.Check(s.mock.ExpectationsWereMet(), IsNil)
	s.db = nil
	s.mock = nil
}

func (s *SessionSuite) prepareUserByIDAndName(c *C) *sqlchain.PreparedQuery {
	pq, err := s.db.Select(users).
		Where(expr.And(
			expr.Eq(users.C("id"), sqlchain.Placeholder("id")),
			expr.Eq(users.C("name"), "fred"),
		)).
		Prepare("user-by-id-and-name")
	c.Assert(err, IsNil)
	return pq
}

func (s *SessionSuite) TestUnboundPlaceholderNeverReachesDriver(c *C) {
	pq := s.prepareUserByIDAndName(c)

	var u User
	err := s.db.Query(context.Background(), pq, sqlchain.Placeholders{}).Get(&u)
	c.Assert(errors.Is(err, sqlchain.ErrUnboundPlaceholder), Equals, true)
	c.Assert(err, ErrorMatches, `cannot bind "user-by-id-and-name": unbound placeholder "id"`)
}

func (s *SessionSuite) TestStatementPreparedOnce(c *C) {
	pq := s.prepareUserByIDAndName(c)

	prep := s.mock.ExpectPrepare(userByIDAndName)
	prep.ExpectQuery().
		WithArgs(5, "fred").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "cityId"}).AddRow(int64(5), "fred", nil))
	prep.ExpectQuery().
		WithArgs(6, "fred").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "cityId"}).AddRow(int64(6), "fred", int64(2)))

	var u User
	err := s.db.Query(context.Background(), pq, sqlchain.Placeholders{"id": 5}).Get(&u)
	c.Assert(err, IsNil)
	c.Assert(u, DeepEquals, User{ID: 5, Name: "fred"})

	err = s.db.Query(context.Background(), pq, sqlchain.Placeholders{"id": 6}).Get(&u)
	c.Assert(err, IsNil)
	c.Assert(u, DeepEquals, User{ID: 6, Name: "fred", CityID: int64p(2)})
}

func (s *SessionSuite) TestExecReturnsOutcome(c *C) {
	pq, err := s.db.Insert(users).
		Values(sqlchain.M{"id": 7, "name": sqlchain.Placeholder("name")}).
		OnDuplicateKeyUpdate(sqlchain.M{"name": expr.Text("EXCLUDED.name")}).
		Prepare("upsert-user")
	c.Assert(err, IsNil)

	s.mock.ExpectPrepare(`INSERT INTO "users" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED.name`).
		ExpectExec().
		WithArgs(7, "zoe").
		WillReturnResult(sqlmock.NewResult(0, 1))

	var outcome sqlchain.Outcome
	err = s.db.Query(context.Background(), pq, sqlchain.Placeholders{"name": "zoe"}).Get(&outcome)
	c.Assert(err, IsNil)
	n, err := outcome.Result().RowsAffected()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))
}

func (s *SessionSuite) TestDriverErrorIsReturned(c *C) {
	pq := s.prepareUserByIDAndName(c)

	s.mock.ExpectPrepare(userByIDAndName).
		ExpectQuery().
		WithArgs(1, "fred").
		WillReturnError(errors.New("connection reset"))

	var all []User
	err := s.db.Query(context.Background(), pq, sqlchain.Placeholders{"id": 1}).GetAll(&all)
	c.Assert(err, ErrorMatches, "connection reset")
	c.Assert(all, HasLen, 0)
}

func (s *SessionSuite) TestRowsWithWrongColumnCount(c *C) {
	pq := s.prepareUserByIDAndName(c)

	s.mock.ExpectPrepare(userByIDAndName).
		ExpectQuery().
		WithArgs(1, "fred").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	var u User
	err := s.db.Query(context.Background(), pq, sqlchain.Placeholders{"id": 1}).Get(&u)
	c.Assert(err, ErrorMatches, "cannot get results: query returned 1 columns, expected 3")
}

func (s *SessionSuite) TestPostgresSliceArgument(c *C) {
	pq, err := s.db.Select(users).
		Where(expr.SQL(`? = ANY(?)`, users.C("id"), sqlchain.Placeholder("ids"))).
		Prepare("users-in")
	c.Assert(err, IsNil)

	s.mock.ExpectPrepare(`SELECT "id", "name", "city_id" AS "cityId" FROM "users" WHERE "users"."id" = ANY($1)`).
		ExpectQuery().
		WithArgs("{1,2}").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "cityId"}).AddRow(int64(1), "fred", nil))

	var rows []sqlchain.Row
	err = s.db.Query(context.Background(), pq, sqlchain.Placeholders{"ids": []int64{1, 2}}).GetAll(&rows)
	c.Assert(err, IsNil)
	c.Assert(rows, DeepEquals, []sqlchain.Row{{"id": int64(1), "name": "fred", "cityId": nil}})
}
