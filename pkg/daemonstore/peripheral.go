package daemonstore

import (
	"context"
	"time"

	terr "github.com/tetherline/tether/pkg/errors"
)

// The types below back on-disk state alongside sessions/messages
// (worktrees, git_repos, permission_grants, connected_clients, todos).
// Their creation logic (actually running `git worktree add`, scanning a
// GitLab remote, etc.) is an out-of-scope external collaborator; these
// are schema-only records a future integration would populate.

type Worktree struct {
	WorktreeID string
	SessionID  string
	Path       string
	Branch     string
	CreatedAt  time.Time
}

func (s *Store) PutWorktree(ctx context.Context, w *Worktree) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worktrees (worktree_id, session_id, path, branch, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(worktree_id) DO UPDATE SET path=excluded.path, branch=excluded.branch`,
		w.WorktreeID, w.SessionID, w.Path, w.Branch, unixNow())
	if err != nil {
		return terr.Wrap(err, "daemonstore: put worktree")
	}
	return nil
}

func (s *Store) ListWorktrees(ctx context.Context, sessionID string) ([]*Worktree, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worktree_id, session_id, path, branch, created_at FROM worktrees WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, terr.Wrap(err, "daemonstore: list worktrees")
	}
	defer rows.Close()
	var out []*Worktree
	for rows.Next() {
		var w Worktree
		var createdAt int64
		if err := rows.Scan(&w.WorktreeID, &w.SessionID, &w.Path, &w.Branch, &createdAt); err != nil {
			return nil, terr.Wrap(err, "daemonstore: scan worktree")
		}
		w.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &w)
	}
	return out, rows.Err()
}

type GitRepo struct {
	RepoID       string
	Path         string
	RemoteURL    string
	RegisteredAt time.Time
}

func (s *Store) PutGitRepo(ctx context.Context, r *GitRepo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO git_repos (repo_id, path, remote_url, registered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(repo_id) DO UPDATE SET path=excluded.path, remote_url=excluded.remote_url`,
		r.RepoID, r.Path, r.RemoteURL, unixNow())
	if err != nil {
		return terr.Wrap(err, "daemonstore: put git repo")
	}
	return nil
}

func (s *Store) ListGitRepos(ctx context.Context) ([]*GitRepo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_id, path, remote_url, registered_at FROM git_repos`)
	if err != nil {
		return nil, terr.Wrap(err, "daemonstore: list git repos")
	}
	defer rows.Close()
	var out []*GitRepo
	for rows.Next() {
		var r GitRepo
		var registeredAt int64
		if err := rows.Scan(&r.RepoID, &r.Path, &r.RemoteURL, &registeredAt); err != nil {
			return nil, terr.Wrap(err, "daemonstore: scan git repo")
		}
		r.RegisteredAt = time.Unix(registeredAt, 0)
		out = append(out, &r)
	}
	return out, rows.Err()
}

type PermissionGrant struct {
	GrantID   string
	SessionID string
	ToolName  string
	Scope     string
	GrantedAt time.Time
}

func (s *Store) PutPermissionGrant(ctx context.Context, g *PermissionGrant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_grants (grant_id, session_id, tool_name, scope, granted_at) VALUES (?, ?, ?, ?, ?)`,
		g.GrantID, g.SessionID, g.ToolName, g.Scope, unixNow())
	if err != nil {
		return terr.Wrap(err, "daemonstore: put permission grant")
	}
	return nil
}

func (s *Store) ListPermissionGrants(ctx context.Context, sessionID string) ([]*PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT grant_id, session_id, tool_name, scope, granted_at FROM permission_grants WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, terr.Wrap(err, "daemonstore: list permission grants")
	}
	defer rows.Close()
	var out []*PermissionGrant
	for rows.Next() {
		var g PermissionGrant
		var grantedAt int64
		if err := rows.Scan(&g.GrantID, &g.SessionID, &g.ToolName, &g.Scope, &grantedAt); err != nil {
			return nil, terr.Wrap(err, "daemonstore: scan permission grant")
		}
		g.GrantedAt = time.Unix(grantedAt, 0)
		out = append(out, &g)
	}
	return out, rows.Err()
}

type ConnectedClient struct {
	ClientID      string
	SessionID     string
	ClientType    string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

func (s *Store) UpsertConnectedClient(ctx context.Context, c *ConnectedClient) error {
	now := unixNow()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connected_clients (client_id, session_id, client_type, connected_at, last_heartbeat) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET last_heartbeat=excluded.last_heartbeat`,
		c.ClientID, c.SessionID, c.ClientType, now, now)
	if err != nil {
		return terr.Wrap(err, "daemonstore: upsert connected client")
	}
	return nil
}

func (s *Store) RemoveConnectedClient(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM connected_clients WHERE client_id = ?`, clientID)
	if err != nil {
		return terr.Wrap(err, "daemonstore: remove connected client")
	}
	return nil
}

type Todo struct {
	TodoID    string
	SessionID string
	Text      string
	Done      bool
	CreatedAt time.Time
}

func (s *Store) PutTodo(ctx context.Context, t *Todo) error {
	done := 0
	if t.Done {
		done = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO todos (todo_id, session_id, text, done, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(todo_id) DO UPDATE SET text=excluded.text, done=excluded.done`,
		t.TodoID, t.SessionID, t.Text, done, unixNow())
	if err != nil {
		return terr.Wrap(err, "daemonstore: put todo")
	}
	return nil
}

func (s *Store) ListTodos(ctx context.Context, sessionID string) ([]*Todo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT todo_id, session_id, text, done, created_at FROM todos WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, terr.Wrap(err, "daemonstore: list todos")
	}
	defer rows.Close()
	var out []*Todo
	for rows.Next() {
		var t Todo
		var done int
		var createdAt int64
		if err := rows.Scan(&t.TodoID, &t.SessionID, &t.Text, &done, &createdAt); err != nil {
			return nil, terr.Wrap(err, "daemonstore: scan todo")
		}
		t.Done = done != 0
		t.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, &t)
	}
	return out, rows.Err()
}
