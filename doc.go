// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

/*
Package sqlchain builds SQL statements for PostgreSQL, MySQL and SQLite from
declared table schemas and runs them through database/sql.

Statements are described with a fluent builder and compiled to an
intermediate tree of fragments before being flattened into SQL text and a
parameter list for a given dialect. The compiled statement remembers its
projection, so result rows come back as nested values keyed by table and
column rather than as positional columns.

# Schemas

A table is declared once with its columns. The column key is the name used in
Go, the column name is the one used in SQL:

	var users = schema.MustTable("users",
		schema.Col("id", schema.Integer, schema.PrimaryKey()),
		schema.Col("name", schema.Text, schema.NotNull()),
		schema.Col("cityId", schema.Integer, schema.Named("city_id")),
	)

Schemas can also be loaded from YAML with [schema.LoadYAML].

# Selects

A select projects every column of its table. Joining another table nests the
columns of each table under its name and tracks, per table, whether its
columns may be absent in a row:

	pq, err := db.Select(users).
		LeftJoin(cities, expr.Eq(users.C("cityId"), cities.C("id"))).
		Where(expr.Eq(users.C("name"), sqlchain.Placeholder("name"))).
		OrderBy(users.C("id")).
		Limit(10).
		Prepare("users-by-name")

The clauses must be given in SQL order and each at most once. [SelectBuilder.Fields]
replaces the projection with an explicit, possibly nested, list of columns and
expressions.

# Inserts

	pq, err := db.Insert(users).
		Values(sqlchain.M{"name": "Fred"}, sqlchain.M{"name": "Mary", "cityId": 2}).
		OnDuplicateKeyUpdate(sqlchain.M{"name": expr.Text("excluded.name")}).
		Prepare("")

Columns missing from a row take their default value.

# Running queries

A [PreparedQuery] is run on a [DB] with the values of its placeholders. The
driver statement is prepared on first use and cached for the lifetime of the
PreparedQuery:

	var rows []sqlchain.Row
	err := db.Query(ctx, pq, sqlchain.Placeholders{"name": "Fred"}).GetAll(&rows)

A builder started from a DB can also be run once without keeping a prepared
statement around:

	var u User
	err := db.Select(users).
		Where(expr.Eq(users.C("id"), 1)).
		Query(ctx, nil).
		Get(&u)

Rows decode into [Row], [M] or structs with `db` tags. A table whose columns
are all NULL in a row where it may be absent decodes as nil.
*/
package sqlchain
