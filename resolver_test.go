package relmap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhmk083/relmap/schema"
)

func newMockResolver(t *testing.T, opts ...Option) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(NewStandardExecutor(db), opts...), mock
}

func TestSelect_ForeignKeyChainSingleQuery(t *testing.T) {
	addresses := schema.Declare("addresses", schema.Col("id", "street"))
	customers := schema.Declare("customers",
		schema.Col("id", "name"),
		schema.FK("address", addresses).Singularize(),
	)
	orders := schema.Declare("orders",
		schema.Col("id"),
		schema.FK("customer", customers).Singularize(),
	).Quotes("`")

	r, mock := newMockResolver(t)
	mock.ExpectQuery(
		"SELECT `orders`.`id` AS `id`, " +
			"`customers`.`id` AS `customers:id`, `customers`.`name` AS `customers:name`, " +
			"`customers:addresses`.`id` AS `customers:addresses:id`, " +
			"`customers:addresses`.`street` AS `customers:addresses:street` " +
			"FROM `orders` " +
			"INNER JOIN `customers` AS `customers` ON `orders`.`customerId` = `customers`.`id` " +
			"INNER JOIN `addresses` AS `customers:addresses` ON `customers`.`addressId` = `customers:addresses`.`id`",
	).WillReturnRows(sqlmock.NewRows([]string{
		"id", "customers:id", "customers:name", "customers:addresses:id", "customers:addresses:street",
	}).
		AddRow(int64(1), int64(5), "Ada", int64(9), "Main St").
		AddRow(int64(2), int64(6), "Grace", int64(10), "Oak Ave"))

	rows, err := r.Select(context.Background(), orders, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, Row{
		"id": int64(1),
		"customers": map[string]any{
			"id":   int64(5),
			"name": "Ada",
			"addresses": map[string]any{
				"id":     int64(9),
				"street": "Main St",
			},
		},
	}, rows[0])

	// The whole chain resolved in one round trip.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelect_ManyToManyBatches(t *testing.T) {
	roles := schema.Declare("roles", schema.Col("id", "name"))
	users := schema.Declare("users",
		schema.Col("id", "name"),
		schema.M2M("roles", roles, "users_roles").Singularize(),
	)

	r, mock := newMockResolver(t)
	mock.ExpectQuery("SELECT users.id AS id, users.name AS name FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "Ada").
			AddRow(int64(2), "Grace").
			AddRow(int64(3), "Edsger"))

	mock.ExpectQuery("SELECT userId, roleId FROM users_roles WHERE userId IN (?,?,?)").
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"userId", "roleId"}).
			AddRow(int64(1), int64(10)).
			AddRow(int64(1), int64(11)).
			AddRow(int64(2), int64(11)))

	mock.ExpectQuery(
		"SELECT roles.id AS id, roles.name AS name FROM roles " +
			"JOIN users_roles ON users_roles.roleId = roles.id " +
			"WHERE users_roles.userId IN (?,?,?) GROUP BY roles.id",
	).
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(10), "admin").
			AddRow(int64(11), "editor"))

	rows, err := r.Select(context.Background(), users, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	admin := Row{"id": int64(10), "name": "admin"}
	editor := Row{"id": int64(11), "name": "editor"}
	assert.Equal(t, []Row{admin, editor}, rows[0]["roles"])
	assert.Equal(t, []Row{editor}, rows[1]["roles"])
	// A user without roles gets an empty sequence, never nil.
	assert.Equal(t, []Row{}, rows[2]["roles"])

	// 1 base query + 2 per many-to-many edge, independent of row count.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelect_NestedManyToMany(t *testing.T) {
	permissions := schema.Declare("permissions", schema.Col("id", "action"))
	roles := schema.Declare("roles",
		schema.Col("id", "name"),
		schema.M2M("permissions", permissions, "roles_permissions").Singularize(),
	)
	users := schema.Declare("users",
		schema.Col("id"),
		schema.M2M("roles", roles, "users_roles").Singularize(),
	)

	r, mock := newMockResolver(t)
	mock.ExpectQuery("SELECT users.id AS id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	mock.ExpectQuery("SELECT userId, roleId FROM users_roles WHERE userId IN (?)").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"userId", "roleId"}).
			AddRow(int64(1), int64(10)))

	mock.ExpectQuery(
		"SELECT roles.id AS id, roles.name AS name FROM roles " +
			"JOIN users_roles ON users_roles.roleId = roles.id " +
			"WHERE users_roles.userId IN (?) GROUP BY roles.id",
	).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(10), "admin"))

	mock.ExpectQuery("SELECT roleId, permissionId FROM roles_permissions WHERE roleId IN (?)").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"roleId", "permissionId"}).
			AddRow(int64(10), int64(100)))

	mock.ExpectQuery(
		"SELECT permissions.id AS id, permissions.action AS action FROM permissions " +
			"JOIN roles_permissions ON roles_permissions.permissionId = permissions.id " +
			"WHERE roles_permissions.roleId IN (?) GROUP BY permissions.id",
	).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action"}).
			AddRow(int64(100), "publish"))

	rows, err := r.Select(context.Background(), users, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	userRoles, ok := rows[0]["roles"].([]Row)
	require.True(t, ok)
	require.Len(t, userRoles, 1)
	assert.Equal(t, []Row{{"id": int64(100), "action": "publish"}}, userRoles[0]["permissions"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelect_SiblingBatchesResolveInDeclarationOrder(t *testing.T) {
	roles := schema.Declare("roles", schema.Col("id"))
	teams := schema.Declare("teams", schema.Col("id"))
	users := schema.Declare("users",
		schema.Col("id"),
		schema.M2M("roles", roles, "users_roles").Singularize(),
		schema.M2M("teams", teams, "users_teams").Singularize(),
	)

	// Concurrency 1 forces the declared batch order so expectations can be
	// strict.
	r, mock := newMockResolver(t, WithBatchConcurrency(1))
	mock.ExpectQuery("SELECT users.id AS id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	mock.ExpectQuery("SELECT userId, roleId FROM users_roles WHERE userId IN (?)").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"userId", "roleId"}).
			AddRow(int64(1), int64(10)))
	mock.ExpectQuery(
		"SELECT roles.id AS id FROM roles " +
			"JOIN users_roles ON users_roles.roleId = roles.id " +
			"WHERE users_roles.userId IN (?) GROUP BY roles.id",
	).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)))

	mock.ExpectQuery("SELECT userId, teamId FROM users_teams WHERE userId IN (?)").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"userId", "teamId"}).
			AddRow(int64(1), int64(20)))
	mock.ExpectQuery(
		"SELECT teams.id AS id FROM teams " +
			"JOIN users_teams ON users_teams.teamId = teams.id " +
			"WHERE users_teams.userId IN (?) GROUP BY teams.id",
	).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(20)))

	rows, err := r.Select(context.Background(), users, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []Row{{"id": int64(10)}}, rows[0]["roles"])
	assert.Equal(t, []Row{{"id": int64(20)}}, rows[0]["teams"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelect_CustomizerShapesBaseQuery(t *testing.T) {
	users := schema.Declare("users",
		schema.Col("id", "name"),
		schema.Expr("upperName", "UPPER(users.name)"),
	)

	r, mock := newMockResolver(t)
	mock.ExpectQuery(
		"SELECT users.id AS id, users.name AS name, UPPER(users.name) AS upperName " +
			"FROM users WHERE users.id IN (?,?) ORDER BY users.name",
	).
		WithArgs(1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "upperName"}).
			AddRow(int64(1), "Ada", "ADA"))

	rows, err := r.Select(context.Background(), users, func(b sq.SelectBuilder) sq.SelectBuilder {
		return b.
			Where(sq.Eq{users.Ref("id"): []any{1, 2}}).
			OrderBy(users.Ref("name"))
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, Row{"id": int64(1), "name": "Ada", "upperName": "ADA"}, rows[0])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelect_UnsafeColumnNameFailsWholeCall(t *testing.T) {
	users := schema.Declare("users", schema.Col("id", "__proto__"))

	r, mock := newMockResolver(t)
	mock.ExpectQuery("SELECT users.id AS id, users.__proto__ AS __proto__ FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "__proto__"}).
			AddRow(int64(1), "x"))

	rows, err := r.Select(context.Background(), users, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafeKey)
	assert.Nil(t, rows)
}

func TestSelect_QueryErrorPropagates(t *testing.T) {
	users := schema.Declare("users", schema.Col("id"))
	queryErr := errors.New("connection reset")

	r, mock := newMockResolver(t)
	mock.ExpectQuery("SELECT users.id AS id FROM users").WillReturnError(queryErr)

	_, err := r.Select(context.Background(), users, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, queryErr)
}

func TestSelect_PlanErrorSurfacesBeforeExecution(t *testing.T) {
	people := schema.Declare("people", schema.Col("id"))
	docs := schema.Declare("docs",
		schema.FK("author", people).Own("authorId"),
		schema.FK("editor", people).Own("editorId"),
	)

	r, mock := newMockResolver(t)
	_, err := r.Select(context.Background(), docs, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRelationConfig)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectOne(t *testing.T) {
	users := schema.Declare("users", schema.Col("id"))

	r, mock := newMockResolver(t)
	mock.ExpectQuery("SELECT users.id AS id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	row, err := r.SelectOne(context.Background(), users, nil)
	require.NoError(t, err)
	assert.Equal(t, Row{"id": int64(1)}, row)
}

func TestSelectOne_EmptyIsNil(t *testing.T) {
	users := schema.Declare("users", schema.Col("id"))

	r, mock := newMockResolver(t)
	mock.ExpectQuery("SELECT users.id AS id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	row, err := r.SelectOne(context.Background(), users, nil)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestFirst(t *testing.T) {
	first, err := First([]Row{{"id": 1}, {"id": 2}}, nil)
	require.NoError(t, err)
	assert.Equal(t, Row{"id": 1}, first)

	first, err = First(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, first)

	boom := errors.New("boom")
	_, err = First(nil, boom)
	assert.ErrorIs(t, err, boom)
}
