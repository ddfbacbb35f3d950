package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/shellgui/internal/config"
	"github.com/multi-agent/shellgui/internal/database"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	ctx := context.Background()
	cfg := &config.Config{
		BackendDriver: config.DriverSQLite,
		BackendDSN:    filepath.Join(t.TempDir(), "backend.sqlite3"),
	}
	sess, err := database.OpenBackend(ctx, cfg, "store-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	require.NoError(t, database.Migrate(ctx, sess, ""))
	return New(sess)
}

func TestSessions_InsertLatestEnd(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.Sessions.Insert(ctx, "uuid-1", 0, 0, "10.0.0.1")
	require.NoError(t, err)

	row, err := b.Sessions.Latest(ctx, "uuid-1", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, id, row.ID)
	assert.Zero(t, row.UserID)
	assert.Nil(t, row.Ended)
	assert.WithinDuration(t, time.Now(), row.Started, time.Minute)

	none, err := b.Sessions.Latest(ctx, "uuid-1", "10.0.0.2")
	require.NoError(t, err)
	assert.Nil(t, none, "recovery is keyed by uuid and source ip")

	require.NoError(t, b.Sessions.SetUser(ctx, id, 5))
	require.NoError(t, b.Sessions.End(ctx, id))

	next, err := b.Sessions.Insert(ctx, "uuid-1", row.ContinuedSessionID+1, 5, "10.0.0.1")
	require.NoError(t, err)

	latest, err := b.Sessions.Latest(ctx, "uuid-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, next, latest.ID)
	assert.Equal(t, int64(1), latest.ContinuedSessionID)
	assert.Equal(t, int64(5), latest.UserID)

	prev, err := b.Sessions.ByID(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, prev.Ended)
}

func TestUsers_CreateAuthenticateProfile(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.Users.Create(ctx, "client", "client")
	require.NoError(t, err)

	u, err := b.Users.Authenticate(ctx, "CLIENT", "client")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.NotZero(t, u.DefaultProfileID)

	_, err = b.Users.Authenticate(ctx, "client", "wrong")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeAuth, apperrors.CodeOf(err))

	_, err = b.Users.Authenticate(ctx, "nobody", "x")
	assert.Equal(t, apperrors.CodeAuth, apperrors.CodeOf(err))

	_, err = b.Users.Create(ctx, "Client", "x")
	assert.Error(t, err, "names are case-insensitive")

	p, err := b.Profiles.Default(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileName, p.Name)
	assert.Equal(t, u.DefaultProfileID, p.ID)

	gid, err := b.Profiles.PersonalGroupID(ctx, id)
	require.NoError(t, err)
	assert.NotZero(t, gid)

	roles, err := b.Users.Roles(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleUser}, roles)
}

func TestUsers_UnknownRoleRollsBack(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	_, err := b.Users.Create(ctx, "ghost", "pw", "NoSuchRole")
	require.Error(t, err)

	u, err := b.Users.ByName(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestProfiles_DefaultIsCreatedLazily(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.Users.Create(ctx, "lazy", "pw")
	require.NoError(t, err)
	_, err = b.DB.Exec(ctx, `UPDATE "user" SET default_profile_id = NULL WHERE id = ?`, id)
	require.NoError(t, err)
	_, err = b.DB.Exec(ctx, `DELETE FROM profile WHERE user_id = ?`, id)
	require.NoError(t, err)

	p, err := b.Profiles.Default(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileName, p.Name)

	again, err := b.Profiles.Default(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, p.ID, again.ID)

	other, err := b.Users.Create(ctx, "other", "pw")
	require.NoError(t, err)
	op, err := b.Profiles.Default(ctx, other)
	require.NoError(t, err)
	assert.Error(t, b.Profiles.SetDefault(ctx, id, op.ID), "foreign profile")
	assert.NoError(t, b.Profiles.SetDefault(ctx, id, p.ID))

	_, err = b.Profiles.Get(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestLocalUser(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.Users.EnsureLocalUser(ctx)
	require.NoError(t, err)
	again, err := b.Users.EnsureLocalUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	patterns, err := b.Privileges.Patterns(ctx, id, PrivilegeExecute)
	require.NoError(t, err)
	assert.Equal(t, []string{".*"}, patterns)
}

func TestPrivileges_UserRole(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	id, err := b.Users.Create(ctx, "plain", "pw")
	require.NoError(t, err)
	patterns, err := b.Privileges.Patterns(ctx, id, PrivilegeExecute)
	require.NoError(t, err)
	assert.Len(t, patterns, 2)

	none, err := b.Privileges.Patterns(ctx, id, "module_data")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDBConnections_CRUD(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	uid, err := b.Users.Create(ctx, "dba", "pw")
	require.NoError(t, err)
	p, err := b.Profiles.Default(ctx, uid)
	require.NoError(t, err)

	list, err := b.DBConnections.List(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list, "empty list serialises as []")

	id, err := b.DBConnections.Add(ctx, p.ID, DBConnection{
		Caption: "local", DBType: "Sqlite", FolderPath: "dev",
		Options: map[string]any{"path": "/tmp/x.sqlite3"},
	})
	require.NoError(t, err)

	c, err := b.DBConnections.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.DBType)
	assert.Equal(t, "/tmp/x.sqlite3", c.Options["path"])

	list, err = b.DBConnections.List(ctx, p.ID, "dev")
	require.NoError(t, err)
	assert.Len(t, list, 1)
	list, err = b.DBConnections.List(ctx, p.ID, "prod")
	require.NoError(t, err)
	assert.Empty(t, list)

	c.Caption = "renamed"
	require.NoError(t, b.DBConnections.Update(ctx, p.ID, *c))

	_, err = b.DBConnections.Add(ctx, p.ID, DBConnection{Caption: "x", DBType: "oracle"})
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))

	require.NoError(t, b.DBConnections.Remove(ctx, p.ID, id))
	assert.ErrorIs(t, b.DBConnections.Remove(ctx, p.ID, id), apperrors.ErrNotFound)
}

func TestMessages_Log(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	sid, err := b.Sessions.Insert(ctx, "u", 0, 0, "ip")
	require.NoError(t, err)

	require.NoError(t, b.Messages.Log(ctx, sid, `{"request":"execute"}`, false, "r1"))
	require.NoError(t, b.Messages.Log(ctx, sid, `{"request_state":{}}`, true, "r1"))
	require.NoError(t, b.Messages.Log(ctx, sid, `{"request_state":{}}`, true, ""))

	n, err := b.Messages.Count(ctx, sid, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSystemLog_WriteListCleanup(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	dur := 12

	err := b.Logs.WriteLogs(ctx, []logger.LogEntry{
		{Ts: time.Now(), Level: "INFO", Logger: "wsapi", Message: "request dispatched", RequestID: "r1", Command: "gui.core.ping", DurationMS: &dur},
		{Ts: time.Now().AddDate(0, 0, -40), Level: "WARN", Logger: "dbsession", Message: "old entry", Extra: map[string]any{"k": "v"}},
	})
	require.NoError(t, err)

	logs, err := b.Logs.List(ctx, ListParams{RequestID: "r1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "gui.core.ping", logs[0].Command)
	require.NotNil(t, logs[0].DurationMS)
	assert.Equal(t, int64(12), *logs[0].DurationMS)

	logs, err = b.Logs.List(ctx, ListParams{Keyword: "OLD"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "v", logs[0].Extra["k"])

	n, err := b.Logs.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
