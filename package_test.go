// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqlchain_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "gopkg.in/check.v1"

	"github.com/canonical/sqlchain"
	"github.com/canonical/sqlchain/dialect"
	"github.com/canonical/sqlchain/expr"
	"github.com/canonical/sqlchain/schema"
)

type PackageSuite struct{}

var _ = Suite(&PackageSuite{})

var (
	cities = schema.MustTable("cities",
		schema.Col("id", schema.Integer, schema.PrimaryKey()),
		schema.Col("name", schema.Text, schema.NotNull()),
	)
	users = schema.MustTable("users",
		schema.Col("id", schema.Integer, schema.PrimaryKey()),
		schema.Col("name", schema.Text, schema.NotNull()),
		schema.Col("cityId", schema.Integer, schema.Named("city_id")),
	)
	posts = schema.MustTable("posts",
		schema.Col("id", schema.Integer, schema.PrimaryKey()),
		schema.Col("authorId", schema.Integer, schema.Named("author_id")),
		schema.Col("title", schema.Text, schema.Default("'untitled'")),
	)
)

type City struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

type User struct {
	ID     int64  `db:"id"`
	Name   string `db:"name"`
	CityID *int64 `db:"cityId"`
}

type UserCity struct {
	User User  `db:"users"`
	City *City `db:"cities"`
}

const createTables = `
CREATE TABLE cities (
	id integer PRIMARY KEY,
	name text NOT NULL
);
CREATE TABLE users (
	id integer PRIMARY KEY,
	name text NOT NULL,
	city_id integer
);
CREATE TABLE posts (
	id integer PRIMARY KEY,
	author_id integer,
	title text DEFAULT 'untitled'
);
INSERT INTO cities VALUES (1, 'Paris'), (2, 'Lima'), (3, 'Oslo');
INSERT INTO users VALUES (1, 'Fred', 1), (2, 'Mark', 2), (3, 'Mary', NULL);
INSERT INTO posts VALUES (10, 1, 'hello'), (11, 1, 'again'), (12, 2, 'hola');
`

var dbCount int64

// openDB returns a DB on a fresh in-memory SQLite database holding the
// cities, users and posts tables.
func openDB(c *C, opts ...sqlchain.Option) *sqlchain.DB {
	name := c.TestName() + "-" + strconv.FormatInt(atomic.AddInt64(&dbCount, 1), 10)
	sqldb, err := sql.Open("sqlite3", "file:"+name+"?mode=memory&cache=shared")
	c.Assert(err, IsNil)
	_, err = sqldb.Exec(createTables)
	c.Assert(err, IsNil)
	return sqlchain.NewDB(sqldb, dialect.SQLite, opts...)
}

func int64p(v int64) *int64 { return &v }

func (s *PackageSuite) TestSingleTableProjection(c *C) {
	pq, err := sqlchain.Select(dialect.Postgres, users).Prepare("all-users")
	c.Assert(err, IsNil)
	c.Assert(pq.SQL(), Equals, `SELECT "id", "name", "city_id" AS "cityId" FROM "users"`)

	var paths [][]string
	for _, sel := range pq.Selections() {
		paths = append(paths, sel.Path)
	}
	c.Assert(paths, DeepEquals, [][]string{{"id"}, {"name"}, {"cityId"}})
	c.Assert(pq.Nullability(), DeepEquals, map[string]bool{"users": true})
}

func (s *PackageSuite) TestLeftJoinNullability(c *C) {
	b := sqlchain.Select(dialect.Postgres, users).
		LeftJoin(cities, expr.Eq(users.C("cityId"), cities.C("id")))
	c.Assert(b.JoinNullability(), DeepEquals, map[string]bool{"users": true, "cities": false})

	pq, err := b.Prepare("")
	c.Assert(err, IsNil)
	sels := pq.Selections()
	c.Assert(sels, HasLen, 5)
	c.Assert(sels[0].Path, DeepEquals, []string{"users", "id"})
	c.Assert(sels[3].Path, DeepEquals, []string{"cities", "id"})
	c.Assert(pq.SQL(), Equals, `SELECT "users"."id" AS "users.id", "users"."name" AS "users.name", "users"."city_id" AS "users.cityId", `+
		`"cities"."id" AS "cities.id", "cities"."name" AS "cities.name" FROM "users" `+
		`LEFT JOIN "cities" ON "users"."city_id" = "cities"."id"`)
}

func (s *PackageSuite) TestInnerJoinAfterLeftJoin(c *C) {
	b := sqlchain.Select(dialect.Postgres, users).
		LeftJoin(cities, expr.Eq(users.C("cityId"), cities.C("id"))).
		InnerJoin(posts, expr.Eq(posts.C("authorId"), users.C("id")))
	c.Assert(b.JoinNullability(), DeepEquals, map[string]bool{"users": true, "cities": true, "posts": true})
}

func (s *PackageSuite) TestJoinNullabilityDependsOnKindsOnly(c *C) {
	kinds := []dialect.JoinKind{dialect.LeftJoin, dialect.RightJoin, dialect.LeftJoin, dialect.InnerJoin, dialect.FullJoin}
	run := func(base string, names []string) []bool {
		m := map[string]bool{base: true}
		for i, kind := range kinds {
			m = sqlchain.ApplyJoin(m, kind, names[i])
		}
		out := []bool{m[base]}
		for _, name := range names {
			out = append(out, m[name])
		}
		return out
	}
	first := run("a", []string{"b", "c", "d", "e", "f"})
	second := run("users", []string{"cities", "posts", "tags", "likes", "groups"})
	c.Assert(first, DeepEquals, second)
	c.Assert(first, DeepEquals, []bool{false, false, false, false, false, false})

	prev := map[string]bool{"a": true}
	next := sqlchain.ApplyJoin(prev, dialect.RightJoin, "b")
	c.Assert(next, DeepEquals, map[string]bool{"a": false, "b": true})
	c.Assert(prev, DeepEquals, map[string]bool{"a": true})
}

func (s *PackageSuite) TestRightAndFullJoinNullability(c *C) {
	b := sqlchain.Select(dialect.SQLite, users).
		LeftJoin(cities, expr.Eq(users.C("cityId"), cities.C("id"))).
		RightJoin(posts, expr.Eq(posts.C("authorId"), users.C("id")))
	c.Assert(b.JoinNullability(), DeepEquals, map[string]bool{"users": false, "cities": false, "posts": true})

	b = sqlchain.Select(dialect.Postgres, users).
		InnerJoin(cities, expr.Eq(users.C("cityId"), cities.C("id"))).
		FullJoin(posts, expr.Eq(posts.C("authorId"), users.C("id")))
	c.Assert(b.JoinNullability(), DeepEquals, map[string]bool{"users": false, "cities": false, "posts": false})
}

func (s *PackageSuite) TestRepeatedJoinReplacesEarlierOne(c *C) {
	b := sqlchain.Select(dialect.Postgres, users).
		Fields(sqlchain.Fields{
			{Key: "name", Value: users.C("name")},
			{Key: "city", Value: cities.C("name")},
			{Key: "post", Value: posts.C("title")},
		}).
		LeftJoin(cities, expr.Eq(users.C("cityId"), cities.C("id"))).
		LeftJoin(posts, expr.Eq(posts.C("authorId"), users.C("id"))).
		InnerJoin(cities, expr.Eq(cities.C("id"), users.C("cityId")))

	// The join keeps its first position, takes the new kind and condition,
	// and the nullability is the one of the final join list.
	c.Assert(b.JoinNullability(), DeepEquals, map[string]bool{"users": true, "cities": true, "posts": false})
	q, err := b.ToSQL()
	c.Assert(err, IsNil)
	c.Assert(q.SQL, Equals, `SELECT "users"."name", "cities"."name" AS "city", "posts"."title" AS "post" FROM "users" `+
		`INNER JOIN "cities" ON "cities"."id" = "users"."city_id" `+
		`LEFT JOIN "posts" ON "posts"."author_id" = "users"."id"`)
	c.Assert(strings.Count(q.SQL, "JOIN"), Equals, 2)
}

func (s *PackageSuite) TestPrefixProjectionPathRejectedBeforeRunning(c *C) {
	db := openDB(c)
	_, err := db.Select(users).
		Fields(sqlchain.Fields{
			{Key: "a", Value: users.C("id")},
			{Key: "a", Value: sqlchain.Fields{{Key: "b", Value: users.C("name")}}},
		}).
		Prepare("")
	c.Assert(errors.Is(err, sqlchain.ErrDuplicateProjectionPath), Equals, true)
	c.Assert(err, ErrorMatches, `cannot compile select: duplicate projection path "a.b"`)

	_, err = db.Select(users).
		Fields(sqlchain.Fields{
			{Key: "a", Value: sqlchain.Fields{{Key: "b", Value: users.C("name")}}},
			{Key: "a", Value: users.C("id")},
		}).
		Query(context.Background(), nil).
		Get(&sqlchain.Row{})
	c.Assert(errors.Is(err, sqlchain.ErrDuplicateProjectionPath), Equals, true)
}

func (s *PackageSuite) TestInsertDefaultMarker(c *C) {
	q, err := sqlchain.Insert(dialect.Postgres, posts).Values(
		sqlchain.M{"id": 1, "authorId": 1, "title": "first"},
		sqlchain.M{"id": 2, "authorId": 1},
	).ToSQL()
	c.Assert(err, IsNil)
	c.Assert(q.SQL, Equals, `INSERT INTO "posts" ("id", "author_id", "title") VALUES ($1, $2, $3), ($4, $5, DEFAULT)`)
	c.Assert(q.Params, HasLen, 5)
	c.Assert(q.Params[2].Value, Equals, "first")

	q, err = sqlchain.Insert(dialect.SQLite, posts).Values(
		sqlchain.M{"id": 1, "title": "first"},
		sqlchain.M{"id": 2, "authorId": 1},
	).ToSQL()
	c.Assert(err, IsNil)
	c.Assert(q.SQL, Equals, `INSERT INTO "posts" ("id", "author_id", "title") VALUES (?, NULL, ?), (?, ?, 'untitled')`)
}

func (s *PackageSuite) TestPreparedQueryBindKeepsSQL(c *C) {
	pq, err := sqlchain.Select(dialect.Postgres, users).
		Where(expr.Eq(users.C("id"), sqlchain.Placeholder("id"))).
		Prepare("user-by-id")
	c.Assert(err, IsNil)
	c.Assert(pq.Placeholders(), DeepEquals, []string{"id"})

	q1, err := pq.Bind(sqlchain.Placeholders{"id": 1})
	c.Assert(err, IsNil)
	q2, err := pq.Bind(sqlchain.Placeholders{"id": 2})
	c.Assert(err, IsNil)
	c.Assert(q1.SQL, Equals, q2.SQL)
	c.Assert(q1.SQL, Equals, `SELECT "id", "name", "city_id" AS "cityId" FROM "users" WHERE "users"."id" = $1`)
	c.Assert(q1.Params[0].Value, Equals, 1)
	c.Assert(q2.Params[0].Value, Equals, 2)

	// The template is untouched by binding.
	c.Assert(pq.Params()[0].Placeholder, Equals, "id")
	c.Assert(pq.Params()[0].Bound(), Equals, false)
}

func (s *PackageSuite) TestBindErrors(c *C) {
	pq, err := sqlchain.Select(dialect.Postgres, users).
		Where(expr.Eq(users.C("id"), sqlchain.Placeholder("id"))).
		Prepare("user-by-id")
	c.Assert(err, IsNil)

	_, err = pq.Bind(nil)
	c.Assert(errors.Is(err, sqlchain.ErrUnboundPlaceholder), Equals, true)
	c.Assert(err, ErrorMatches, `cannot bind "user-by-id": unbound placeholder "id"`)

	_, err = pq.Bind(sqlchain.Placeholders{"id": 1, "name": "fred"})
	c.Assert(err, ErrorMatches, `cannot bind "user-by-id": placeholder "name" not referenced in query`)
}

func (s *PackageSuite) TestStepCalledTwice(c *C) {
	b := sqlchain.Select(dialect.SQLite, users)
	b.Where(expr.Eq(users.C("id"), 1))
	b.Where(expr.Eq(users.C("id"), 2))
	_, err := b.Build()
	c.Assert(errors.Is(err, sqlchain.ErrMalformedQuery), Equals, true)
	c.Assert(err, ErrorMatches, `cannot compile select: malformed query: Where called more than once`)

	b = sqlchain.Select(dialect.SQLite, users)
	b.Limit(1)
	b.Limit(2)
	_, err = b.Build()
	c.Assert(err, ErrorMatches, `.*Limit called more than once`)
}

func (s *PackageSuite) TestDuplicateProjectionPath(c *C) {
	_, err := sqlchain.Select(dialect.SQLite, users).
		Fields(sqlchain.Fields{
			{Key: "a", Value: users.C("id")},
			{Key: "a", Value: users.C("name")},
		}).Build()
	c.Assert(errors.Is(err, sqlchain.ErrDuplicateProjectionPath), Equals, true)

	on := expr.Eq(users.C("cityId"), cities.C("id"))
	_, err = sqlchain.Select(dialect.SQLite, users).
		LeftJoin(cities, on).
		LeftJoin(cities, on).
		Build()
	c.Assert(errors.Is(err, sqlchain.ErrDuplicateProjectionPath), Equals, true)
	c.Assert(err, ErrorMatches, `cannot compile select: duplicate projection path "cities.id"`)
}

func (s *PackageSuite) TestBuildIsRepeatable(c *C) {
	b := sqlchain.Select(dialect.MySQL, users).
		LeftJoin(cities, expr.Eq(users.C("cityId"), cities.C("id"))).
		Where(expr.Like(users.C("name"), "M%")).
		OrderBy(expr.Desc(users.C("id"))).
		Limit(10)
	q1, err := b.ToSQL()
	c.Assert(err, IsNil)
	q2, err := b.ToSQL()
	c.Assert(err, IsNil)
	c.Assert(q1, DeepEquals, q2)
}

func (s *PackageSuite) TestGetAllStructs(c *C) {
	db := openDB(c)
	pq, err := db.Select(users).OrderBy(users.C("id")).Prepare("all-users")
	c.Assert(err, IsNil)

	var got []User
	err = db.Query(context.Background(), pq, nil).GetAll(&got)
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, []User{
		{ID: 1, Name: "Fred", CityID: int64p(1)},
		{ID: 2, Name: "Mark", CityID: int64p(2)},
		{ID: 3, Name: "Mary"},
	})

	var ptrs []*User
	err = db.Query(context.Background(), pq, nil).GetAll(&ptrs)
	c.Assert(err, IsNil)
	c.Assert(ptrs, HasLen, 3)
	c.Assert(ptrs[2].Name, Equals, "Mary")
}

func (s *PackageSuite) TestLeftJoinDecodesAbsentTableAsNil(c *C) {
	db := openDB(c)
	pq, err := db.Select(users).
		LeftJoin(cities, expr.Eq(users.C("cityId"), cities.C("id"))).
		OrderBy(users.C("id")).
		Prepare("users-cities")
	c.Assert(err, IsNil)

	var rows []sqlchain.Row
	err = db.Query(context.Background(), pq, nil).GetAll(&rows)
	c.Assert(err, IsNil)
	c.Assert(rows, HasLen, 3)
	c.Assert(rows[0], DeepEquals, sqlchain.Row{
		"users":  map[string]any{"id": int64(1), "name": "Fred", "cityId": int64(1)},
		"cities": map[string]any{"id": int64(1), "name": "Paris"},
	})
	c.Assert(rows[2], DeepEquals, sqlchain.Row{
		"users":  map[string]any{"id": int64(3), "name": "Mary", "cityId": nil},
		"cities": nil,
	})

	var structs []UserCity
	err = db.Query(context.Background(), pq, nil).GetAll(&structs)
	c.Assert(err, IsNil)
	c.Assert(structs, DeepEquals, []UserCity{
		{User: User{ID: 1, Name: "Fred", CityID: int64p(1)}, City: &City{ID: 1, Name: "Paris"}},
		{User: User{ID: 2, Name: "Mark", CityID: int64p(2)}, City: &City{ID: 2, Name: "Lima"}},
		{User: User{ID: 3, Name: "Mary"}},
	})
}

func (s *PackageSuite) TestRightJoinDecodesAbsentBaseTableAsNil(c *C) {
	db := openDB(c)
	err := db.Insert(posts).
		Values(sqlchain.M{"id": 13, "authorId": 99, "title": "orphan"}).
		Query(context.Background(), nil).
		Run()
	c.Assert(err, IsNil)

	pq, err := db.Select(users).
		RightJoin(posts, expr.Eq(posts.C("authorId"), users.C("id"))).
		OrderBy(posts.C("id")).
		Prepare("posts-authors")
	c.Assert(err, IsNil)
	c.Assert(pq.Nullability(), DeepEquals, map[string]bool{"users": false, "posts": true})

	var rows []sqlchain.Row
	err = db.Query(context.Background(), pq, nil).GetAll(&rows)
	c.Assert(err, IsNil)
	c.Assert(rows, HasLen, 4)
	c.Assert(rows[0], DeepEquals, sqlchain.Row{
		"users": map[string]any{"id": int64(1), "name": "Fred", "cityId": int64(1)},
		"posts": map[string]any{"id": int64(10), "authorId": int64(1), "title": "hello"},
	})
	c.Assert(rows[3], DeepEquals, sqlchain.Row{
		"users": nil,
		"posts": map[string]any{"id": int64(13), "authorId": int64(99), "title": "orphan"},
	})
}

func (s *PackageSuite) TestBuilderQuery(c *C) {
	db := openDB(c)
	ctx := context.Background()

	var u User
	err := db.Select(users).
		Where(expr.Eq(users.C("id"), sqlchain.Placeholder("id"))).
		Query(ctx, sqlchain.Placeholders{"id": 2}).
		Get(&u)
	c.Assert(err, IsNil)
	c.Assert(u, DeepEquals, User{ID: 2, Name: "Mark", CityID: int64p(2)})

	var outcome sqlchain.Outcome
	err = db.Insert(cities).
		Values(sqlchain.M{"id": 4, "name": sqlchain.Placeholder("name")}).
		Query(ctx, sqlchain.Placeholders{"name": "Rome"}).
		Get(&outcome)
	c.Assert(err, IsNil)
	n, err := outcome.Result().RowsAffected()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))

	var got []City
	err = db.Select(cities).Where(expr.Gt(cities.C("id"), 3)).Query(ctx, nil).GetAll(&got)
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, []City{{ID: 4, Name: "Rome"}})

	err = db.Select(cities).Limit(-1).Query(ctx, nil).Run()
	c.Assert(errors.Is(err, sqlchain.ErrMalformedQuery), Equals, true)

	err = db.Select(cities).Where(expr.Eq(cities.C("id"), sqlchain.Placeholder("id"))).Query(ctx, nil).Run()
	c.Assert(errors.Is(err, sqlchain.ErrUnboundPlaceholder), Equals, true)

	err = sqlchain.Select(dialect.SQLite, cities).Query(ctx, nil).Run()
	c.Assert(err, ErrorMatches, "cannot run select: builder has no database")
	err = sqlchain.Insert(dialect.SQLite, cities).Values(sqlchain.M{"id": 5}).Query(ctx, nil).Run()
	c.Assert(err, ErrorMatches, "cannot run insert: builder has no database")
}

func (s *PackageSuite) TestPartialFieldsAndAliases(c *C) {
	db := openDB(c)
	pq, err := db.Select(users).
		Fields(sqlchain.Fields{
			{Key: "name", Value: users.C("name")},
			{Key: "posts", Value: expr.SQL("count(?)", posts.C("id"))},
		}).
		InnerJoin(posts, expr.Eq(posts.C("authorId"), users.C("id"))).
		GroupBy(users.C("name")).
		OrderBy(expr.Desc(expr.Alias("posts"))).
		Prepare("post-counts")
	c.Assert(err, IsNil)

	var rows []sqlchain.M
	err = db.Query(context.Background(), pq, nil).GetAll(&rows)
	c.Assert(err, IsNil)
	c.Assert(rows, DeepEquals, []sqlchain.M{
		{"name": "Fred", "posts": int64(2)},
		{"name": "Mark", "posts": int64(1)},
	})
}

func (s *PackageSuite) TestGetAndErrNoRows(c *C) {
	db := openDB(c)
	pq, err := db.Select(users).
		Where(expr.Eq(users.C("id"), sqlchain.Placeholder("id"))).
		Prepare("user-by-id")
	c.Assert(err, IsNil)

	var u User
	err = db.Query(context.Background(), pq, sqlchain.Placeholders{"id": 2}).Get(&u)
	c.Assert(err, IsNil)
	c.Assert(u, DeepEquals, User{ID: 2, Name: "Mark", CityID: int64p(2)})

	err = db.Query(context.Background(), pq, sqlchain.Placeholders{"id": 99}).Get(&u)
	c.Assert(err, Equals, sqlchain.ErrNoRows)

	var all []User
	err = db.Query(context.Background(), pq, sqlchain.Placeholders{"id": 99}).GetAll(&all)
	c.Assert(err, Equals, sqlchain.ErrNoRows)

	// Run ignores results.
	err = db.Query(context.Background(), pq, sqlchain.Placeholders{"id": 99}).Run()
	c.Assert(err, IsNil)
}

func (s *PackageSuite) TestGetErrors(c *C) {
	db := openDB(c)
	sel, err := db.Select(users).Prepare("")
	c.Assert(err, IsNil)
	ins, err := db.Insert(users).Values(sqlchain.M{"name": "Zoe"}).Prepare("")
	c.Assert(err, IsNil)

	var u User
	err = db.Query(context.Background(), ins, nil).Get(&u)
	c.Assert(err, ErrorMatches, "cannot get results: output variables provided but query returns no rows")

	err = db.Query(context.Background(), sel, nil).Get(&u, &u)
	c.Assert(err, ErrorMatches, "cannot get result: need one output value, got 2")

	var n int
	err = db.Query(context.Background(), sel, nil).Get(&n)
	c.Assert(err, ErrorMatches, `cannot get result: need pointer to struct or Row, got \*int`)

	var ints []int
	err = db.Query(context.Background(), sel, nil).GetAll(&ints)
	c.Assert(err, ErrorMatches, "need slice of structs/maps, got slice of int")

	err = db.Query(context.Background(), sel, nil).GetAll(ints)
	c.Assert(err, ErrorMatches, "need pointer to slice, got slice")
}

func (s *PackageSuite) TestIterator(c *C) {
	db := openDB(c)
	pq, err := db.Select(cities).OrderBy(cities.C("id")).Prepare("cities")
	c.Assert(err, IsNil)

	iter := db.Query(context.Background(), pq, nil).Iter()
	var city City
	err = iter.Get(&city)
	c.Assert(err, ErrorMatches, "cannot get result: cannot call Get before Next unless getting outcome")

	var names []string
	for iter.Next() {
		c.Assert(iter.Get(&city), IsNil)
		names = append(names, city.Name)
	}
	c.Assert(iter.Close(), IsNil)
	c.Assert(names, DeepEquals, []string{"Paris", "Lima", "Oslo"})

	// Close is idempotent.
	c.Assert(iter.Close(), IsNil)
	c.Assert(iter.Get(&city), ErrorMatches, "cannot get result: iteration ended")
}

func (s *PackageSuite) TestInsertReturningAndOutcome(c *C) {
	db := openDB(c)
	pq, err := db.Insert(users).
		Values(sqlchain.M{"name": "Zoe", "cityId": 3}).
		Returning().
		Prepare("insert-user")
	c.Assert(err, IsNil)

	var u User
	err = db.Query(context.Background(), pq, nil).Get(&u)
	c.Assert(err, IsNil)
	c.Assert(u, DeepEquals, User{ID: 4, Name: "Zoe", CityID: int64p(3)})

	ins, err := db.Insert(posts).Values(sqlchain.M{"authorId": 3}).Prepare("insert-post")
	c.Assert(err, IsNil)
	var outcome sqlchain.Outcome
	err = db.Query(context.Background(), ins, nil).Get(&outcome)
	c.Assert(err, IsNil)
	affected, err := outcome.Result().RowsAffected()
	c.Assert(err, IsNil)
	c.Assert(affected, Equals, int64(1))

	sel, err := db.Select(posts).Where(expr.Eq(posts.C("authorId"), 3)).Prepare("")
	c.Assert(err, IsNil)
	var row sqlchain.Row
	err = db.Query(context.Background(), sel, nil).Get(&row)
	c.Assert(err, IsNil)
	c.Assert(row["title"], Equals, "untitled")
}

func (s *PackageSuite) TestDuplicateKeyAndUpsert(c *C) {
	db := openDB(c)
	dup, err := db.Insert(users).Values(sqlchain.M{"id": 1, "name": "Freddie"}).Prepare("")
	c.Assert(err, IsNil)
	err = db.Query(context.Background(), dup, nil).Run()
	c.Assert(err, NotNil)
	c.Assert(db.IsDuplicateKey(err), Equals, true)
	c.Assert(db.IsDuplicateKey(errors.New("other")), Equals, false)

	upsert, err := db.Insert(users).
		Values(sqlchain.M{"id": 1, "name": "Freddie"}).
		OnConflictDoUpdate([]string{"id"}, sqlchain.M{"name": expr.Text("excluded.name")}).
		Prepare("")
	c.Assert(err, IsNil)
	err = db.Query(context.Background(), upsert, nil).Run()
	c.Assert(err, IsNil)

	sel, err := db.Select(users).Where(expr.Eq(users.C("id"), 1)).Prepare("")
	c.Assert(err, IsNil)
	var u User
	err = db.Query(context.Background(), sel, nil).Get(&u)
	c.Assert(err, IsNil)
	c.Assert(u.Name, Equals, "Freddie")
}

func (s *PackageSuite) TestTransactions(c *C) {
	db := openDB(c)
	ins, err := db.Insert(users).
		Values(sqlchain.M{"name": sqlchain.Placeholder("name")}).
		Prepare("insert-user")
	c.Assert(err, IsNil)
	count, err := db.Select(users).
		Fields(sqlchain.Fields{{Key: "n", Value: expr.Text("count(*)")}}).
		Prepare("count-users")
	c.Assert(err, IsNil)

	ctx := context.Background()
	tx, err := db.Begin(ctx, nil)
	c.Assert(err, IsNil)
	c.Assert(tx.Query(ctx, ins, sqlchain.Placeholders{"name": "Zoe"}).Run(), IsNil)
	var row sqlchain.Row
	c.Assert(tx.Query(ctx, count, nil).Get(&row), IsNil)
	c.Assert(row["n"], Equals, int64(4))
	c.Assert(tx.Rollback(), IsNil)

	c.Assert(db.Query(ctx, count, nil).Get(&row), IsNil)
	c.Assert(row["n"], Equals, int64(3))

	tx, err = db.Begin(ctx, &sqlchain.TXOptions{Isolation: sql.LevelDefault})
	c.Assert(err, IsNil)
	c.Assert(tx.Query(ctx, ins, sqlchain.Placeholders{"name": "Zoe"}).Run(), IsNil)
	c.Assert(tx.Commit(), IsNil)

	c.Assert(db.Query(ctx, count, nil).Get(&row), IsNil)
	c.Assert(row["n"], Equals, int64(4))

	c.Assert(tx.Commit(), Equals, sqlchain.ErrTXDone)
	c.Assert(tx.Rollback(), Equals, sqlchain.ErrTXDone)
	c.Assert(tx.Query(ctx, count, nil).Run(), Equals, sqlchain.ErrTXDone)
}

func (s *PackageSuite) TestDialectMismatch(c *C) {
	db := openDB(c)
	pq, err := sqlchain.Select(dialect.Postgres, users).Prepare("pg-users")
	c.Assert(err, IsNil)
	err = db.Query(context.Background(), pq, nil).Run()
	c.Assert(err, ErrorMatches, `cannot run "pg-users": prepared for postgres, database is sqlite`)
}

func (s *PackageSuite) TestArgumentEncodingError(c *C) {
	ts := schema.MustTable("events", schema.Col("at", schema.Timestamp))
	db := openDB(c)
	pq, err := db.Select(ts).Where(expr.Eq(ts.C("at"), sqlchain.Placeholder("at"))).Prepare("events")
	c.Assert(err, IsNil)
	err = db.Query(context.Background(), pq, sqlchain.Placeholders{"at": 42}).Run()
	c.Assert(err, ErrorMatches, `cannot run "events": parameter 1 \(events.at\): cannot encode int as timestamp`)
}

func (s *PackageSuite) TestQueryLogging(c *C) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	db := openDB(c, sqlchain.WithLogger(logger))
	pq, err := db.Select(cities).Prepare("cities")
	c.Assert(err, IsNil)

	c.Assert(db.Query(context.Background(), pq, nil).Run(), IsNil)
	c.Assert(strings.Contains(buf.String(), `msg="query run" query=cities`), Equals, true, Commentf("%s", buf.String()))

	buf.Reset()
	db = openDB(c, sqlchain.WithLogger(logger), sqlchain.WithSlowQueryThreshold(time.Nanosecond))
	c.Assert(db.Query(context.Background(), pq, nil).Run(), IsNil)
	c.Assert(strings.Contains(buf.String(), `level=WARN msg="slow query" query=cities`), Equals, true, Commentf("%s", buf.String()))
}
