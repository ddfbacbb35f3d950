package sqleditor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multi-agent/shellgui/internal/dbsession"
	"github.com/multi-agent/shellgui/internal/protocol"
	apperrors "github.com/multi-agent/shellgui/pkg/errors"
)

func sqliteTarget(t *testing.T) Target {
	dir := t.TempDir()
	return Target{
		Caption: "local",
		DBType:  "SQLite",
		Options: dbsession.Options{
			"path":   filepath.Join(dir, "main.sqlite3"),
			"attach": map[string]any{"extra": filepath.Join(dir, "extra.sqlite3")},
		},
	}
}

func openEditor(t *testing.T) *Session {
	t.Helper()
	s := New(dbsession.Config{Reconnect: dbsession.ReconnectStandard})
	t.Cleanup(func() { _ = s.Close() })
	info, err := s.OpenConnection(context.Background(), sqliteTarget(t), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "main", info["default_schema"])
	return s
}

func TestOpenConnection_SQLite(t *testing.T) {
	s := openEditor(t)
	require.NotNil(t, s.ServiceSession())
	require.NotNil(t, s.UserSession())
	assert.NotSame(t, s.ServiceSession(), s.UserSession())
	assert.Equal(t, s.ID()+":user", s.UserSession().ID())

	st := s.Status()
	assert.Equal(t, true, st["connected"])
	assert.Equal(t, "local", st["caption"])
}

func TestOpenConnection_UnsupportedType(t *testing.T) {
	s := New(dbsession.Config{})
	defer s.Close()
	_, err := s.OpenConnection(context.Background(), Target{DBType: "oracle"}, "", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestOpenConnection_PromptsForPassword(t *testing.T) {
	var seen []dbsession.Config
	s := New(dbsession.Config{}).WithOpener(func(_ context.Context, cfg dbsession.Config) (*dbsession.Session, error) {
		seen = append(seen, cfg)
		return nil, errors.New("no server")
	})
	defer s.Close()
	target := Target{DBType: "postgres", Options: dbsession.Options{"host": "db", "user": "admin"}}

	var asked protocol.Prompt
	_, err := s.OpenConnection(context.Background(), target, "", func(_ context.Context, p protocol.Prompt) (protocol.PromptReply, error) {
		asked = p
		return protocol.PromptReply{Type: protocol.ReplyOK, Reply: "s3cret"}, nil
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeDBConnection, apperrors.CodeOf(err))
	assert.Equal(t, "password", asked.Type)
	assert.Contains(t, asked.Prompt, "'admin@db'")
	require.Len(t, seen, 1)
	assert.Equal(t, "s3cret", seen[0].Options["password"])
	assert.Contains(t, seen[0].StripOptions, "password")
	_, leaked := target.Options["password"]
	assert.False(t, leaked, "the stored options are not modified")
}

func TestOpenConnection_PromptCancelled(t *testing.T) {
	s := New(dbsession.Config{}).WithOpener(func(context.Context, dbsession.Config) (*dbsession.Session, error) {
		t.Fatal("must not dial after a cancelled prompt")
		return nil, nil
	})
	defer s.Close()
	target := Target{DBType: "postgres", Options: dbsession.Options{"host": "db", "user": "admin"}}
	_, err := s.OpenConnection(context.Background(), target, "", func(context.Context, protocol.Prompt) (protocol.PromptReply, error) {
		return protocol.PromptReply{Type: protocol.ReplyCancel}, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCancelled))

	_, err = s.OpenConnection(context.Background(), target, "", nil)
	require.Error(t, err, "no prompt available")
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestExecute_PacketsRows(t *testing.T) {
	s := openEditor(t)
	ctx := context.Background()
	user := s.UserSession()

	_, err := s.Execute(ctx, user, "r1", "CREATE TABLE t (n INTEGER)", nil, ExecuteOptions{}, nil)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err = s.Execute(ctx, user, "r2", "INSERT INTO t (n) VALUES (?)", []any{i}, ExecuteOptions{}, nil)
		require.NoError(t, err)
	}

	var packets []any
	res, err := s.Execute(ctx, user, "r3", "SELECT n FROM t ORDER BY n", nil, ExecuteOptions{RowPacketSize: 2},
		func(p any) { packets = append(packets, p) })
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Len(t, packets[0].(map[string]any)["rows"], 2)
	assert.Equal(t, []string{"n"}, res["columns"])
	assert.Len(t, res["rows"], 1)
	assert.Equal(t, []any{int64(5)}, res["rows"].([]any)[0])
}

func TestExecute_Errors(t *testing.T) {
	s := openEditor(t)
	_, err := s.Execute(context.Background(), s.UserSession(), "r1", "SELECT * FROM missing", nil, ExecuteOptions{}, nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeExecution, apperrors.CodeOf(err))
	assert.Contains(t, apperrors.Message(err), "missing")

	_, err = s.Execute(context.Background(), nil, "r2", "SELECT 1", nil, ExecuteOptions{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotConnected))
}

func TestSchemaAndAutoCommit(t *testing.T) {
	s := openEditor(t)
	ctx := context.Background()
	user := s.UserSession()

	require.NoError(t, SetCurrentSchema(ctx, user, "extra"))
	name, err := CurrentSchema(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "extra", name)
	require.Error(t, SetCurrentSchema(ctx, user, "nope"))
	require.Error(t, SetCurrentSchema(ctx, user, ""))

	assert.True(t, AutoCommit(user))
	require.NoError(t, SetAutoCommit(ctx, user, false))
	assert.False(t, AutoCommit(user))
	require.NoError(t, SetAutoCommit(ctx, user, false), "already in a transaction")
	require.NoError(t, SetAutoCommit(ctx, user, true))
	assert.True(t, AutoCommit(user))
}

func TestReconnectKillAndClose(t *testing.T) {
	idle := New(dbsession.Config{})
	require.Error(t, idle.Reconnect(context.Background()))
	assert.Equal(t, 0, idle.KillQuery())
	require.NoError(t, idle.Close())

	s := openEditor(t)
	require.NoError(t, s.Reconnect(context.Background()))
	assert.Equal(t, 0, s.KillQuery())
	assert.NoError(t, s.CancelRequest("unknown"))

	require.NoError(t, s.Close())
	assert.Nil(t, s.UserSession())
	assert.Nil(t, s.ServiceSession())
	_, err := s.OpenConnection(context.Background(), sqliteTarget(t), "", nil)
	assert.Error(t, err, "closed sessions can not reconnect")
}
