package libmux

import (
	"context"
	"time"
)

// Wire method names understood by the backend (and, with dots turned into
// slashes, by the legacy REST endpoint).
const (
	MethodReadDirectory = "fs.readDirectory"
	MethodReadFile      = "fs.readFile"
	MethodWriteFile     = "fs.writeFile"
	MethodCreatePath    = "fs.create"
	MethodDeletePath    = "fs.delete"
	MethodMovePath      = "fs.move"
	MethodStage         = "git.stage"
	MethodUnstage       = "git.unstage"
	MethodCommit        = "git.commit"
	MethodGitStatus     = "git.status"
)

// Domain event topics pushed by the backend.
const (
	TopicPathCreated   = "path-created"
	TopicPathDeleted   = "path-deleted"
	TopicPathMoved     = "path-moved"
	TopicStatusChanged = "status-changed"
)

type (
	// Client is the only surface other subsystems see. Connection, queue and
	// transport selection stay behind it.
	Client interface {
		ReadDirectory(ctx context.Context, path string) ([]FileEntry, error)
		ReadFile(ctx context.Context, path string) (FileContent, error)
		WriteFile(ctx context.Context, path, content string) error
		CreatePath(ctx context.Context, path string, directory bool) error
		DeletePath(ctx context.Context, path string) error
		MovePath(ctx context.Context, from, to string) error
		Stage(ctx context.Context, paths ...string) error
		Unstage(ctx context.Context, paths ...string) error
		Commit(ctx context.Context, message string) (CommitResult, error)
		GitStatus(ctx context.Context) (GitStatus, error)

		// Subscribe registers listener for server events on topics.
		Subscribe(topics []string, listener Listener) (*Subscription, error)
		// On registers fn for connectivity, health and failure notifications.
		On(t EventType, fn func(Event)) *ListenerHandle

		Connected() bool
		State() State
		Health() HealthSnapshot
		// Reconnect restarts a connection that gave up.
		Reconnect(ctx context.Context) error
		// Destroy releases every resource. The client is unusable afterwards.
		Destroy()
	}

	FileEntry struct {
		Name    string    `json:"name"`
		Path    string    `json:"path"`
		IsDir   bool      `json:"isDir"`
		Size    int64     `json:"size"`
		ModTime time.Time `json:"modTime"`
	}

	FileContent struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding,omitempty"`
		Size     int64  `json:"size"`
	}

	CommitResult struct {
		Hash    string `json:"hash"`
		Summary string `json:"summary"`
	}

	GitStatus struct {
		Branch    string   `json:"branch"`
		Ahead     int      `json:"ahead"`
		Behind    int      `json:"behind"`
		Staged    []string `json:"staged"`
		Unstaged  []string `json:"unstaged"`
		Untracked []string `json:"untracked"`
	}

	// PathEvent is the payload of path-created, path-deleted and path-moved.
	PathEvent struct {
		Path  string `json:"path"`
		From  string `json:"from,omitempty"`
		IsDir bool   `json:"isDir"`
	}

	pathParams struct {
		Path string `json:"path"`
	}

	writeParams struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}

	createParams struct {
		Path      string `json:"path"`
		Directory bool   `json:"directory"`
	}

	moveParams struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	pathsParams struct {
		Paths []string `json:"paths"`
	}

	commitParams struct {
		Message string `json:"message"`
	}
)
